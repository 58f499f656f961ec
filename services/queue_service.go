package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/quizforge/api/model"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// QueueService runs the job queue lane: one job per document, claimed by
// status transition, retried with exponential backoff until the attempt
// budget is exhausted.
type QueueService struct {
	db       *gorm.DB
	pipeline *PipelineService
	sessions *SessionService

	workers      int
	pollInterval time.Duration
}

// NewQueueService creates the queue service
func NewQueueService(db *gorm.DB, pipeline *PipelineService, sessions *SessionService, workers int, pollInterval time.Duration) *QueueService {
	if workers <= 0 {
		workers = 2
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	return &QueueService{
		db:           db,
		pipeline:     pipeline,
		sessions:     sessions,
		workers:      workers,
		pollInterval: pollInterval,
	}
}

// Enqueue adds a pipeline job for a session
func (q *QueueService) Enqueue(sessionID string, priority int) error {
	job := &model.QueuedJob{
		SessionID:   sessionID,
		Priority:    priority,
		Status:      model.QueuedJobStatusPending,
		MaxAttempts: model.DefaultMaxAttempts,
		ScheduledAt: time.Now(),
	}

	if err := q.db.Create(job).Error; err != nil {
		return fmt.Errorf("failed to enqueue job for session %s: %w", sessionID, err)
	}

	log.Printf("[Queue] Enqueued job %d for session %s (priority=%d)", job.ID, sessionID, priority)
	return nil
}

// NextBackoff returns the reschedule delay after the given number of
// completed attempts: 2^attempts seconds
func NextBackoff(attempts int) time.Duration {
	return (1 << attempts) * time.Second
}

// Start runs the worker loop until ctx is cancelled. Up to workers jobs
// run concurrently; each job is owned by exactly one worker via the
// pending-to-processing claim.
func (q *QueueService) Start(ctx context.Context) {
	log.Printf("[Queue] Starting %d workers (poll interval %s)", q.workers, q.pollInterval)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(q.workers)

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := group.Wait(); err != nil {
				log.Printf("[Queue] Worker group stopped: %v", err)
			}
			log.Println("[Queue] Stopped")
			return
		case <-ticker.C:
			for {
				job, err := q.claimNext()
				if err != nil {
					log.Printf("[Queue] Failed to claim job: %v", err)
					break
				}
				if job == nil {
					break
				}

				claimed := job
				started := group.TryGo(func() error {
					q.runJob(groupCtx, claimed)
					return nil
				})
				if !started {
					// All workers busy; release the claim for the next poll
					q.release(claimed)
					break
				}
			}
		}
	}
}

// claimNext atomically claims the oldest highest-priority due job.
// Returns nil when no job is due.
func (q *QueueService) claimNext() (*model.QueuedJob, error) {
	var job model.QueuedJob

	err := q.db.Where("status = ? AND scheduled_at <= ?", model.QueuedJobStatusPending, time.Now()).
		Order("priority DESC, scheduled_at ASC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	// The conditional update is the claim: only one worker wins the row
	result := q.db.Model(&model.QueuedJob{}).
		Where("id = ? AND status = ?", job.ID, model.QueuedJobStatusPending).
		Update("status", model.QueuedJobStatusProcessing)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// Another worker claimed it first
		return nil, nil
	}

	job.Status = model.QueuedJobStatusProcessing
	return &job, nil
}

func (q *QueueService) release(job *model.QueuedJob) {
	err := q.db.Model(&model.QueuedJob{}).
		Where("id = ?", job.ID).
		Update("status", model.QueuedJobStatusPending).Error
	if err != nil {
		log.Printf("[Queue] Failed to release job %d: %v", job.ID, err)
	}
}

func (q *QueueService) runJob(ctx context.Context, job *model.QueuedJob) {
	log.Printf("[Queue] Running job %d for session %s (attempt %d/%d)",
		job.ID, job.SessionID, job.Attempts+1, job.MaxAttempts)

	err := q.pipeline.Process(ctx, job.SessionID)
	if err != nil {
		q.markFailure(ctx, job, err)
		return
	}

	// Completed jobs leave the queue entirely
	if err := q.db.Delete(job).Error; err != nil {
		log.Printf("[Queue] Failed to delete completed job %d: %v", job.ID, err)
	}
}

// markFailure reschedules the job with backoff, or fails it permanently
// once the attempt budget is spent. Only the permanent failure is recorded
// on the session, so intermediate retries stay invisible to pollers.
func (q *QueueService) markFailure(ctx context.Context, job *model.QueuedJob, jobErr error) {
	attempts := job.Attempts + 1
	stack := string(debug.Stack())

	if attempts < job.MaxAttempts {
		backoff := NextBackoff(attempts)
		log.Printf("[Queue] Job %d failed (attempt %d/%d), retrying in %s: %v",
			job.ID, attempts, job.MaxAttempts, backoff, jobErr)

		err := q.db.Model(&model.QueuedJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":        model.QueuedJobStatusPending,
				"attempts":      attempts,
				"scheduled_at":  time.Now().Add(backoff),
				"error_message": jobErr.Error(),
			}).Error
		if err != nil {
			log.Printf("[Queue] Failed to reschedule job %d: %v", job.ID, err)
		}
		return
	}

	log.Printf("[Queue] Job %d permanently failed after %d attempts: %v", job.ID, attempts, jobErr)

	err := q.db.Model(&model.QueuedJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":        model.QueuedJobStatusFailed,
			"attempts":      attempts,
			"error_message": jobErr.Error(),
			"error_stack":   stack,
		}).Error
	if err != nil {
		log.Printf("[Queue] Failed to mark job %d failed: %v", job.ID, err)
	}

	stage, reason := failureStageReason(jobErr)
	if err := q.sessions.MarkFailed(ctx, job.SessionID, stage, reason, jobErr.Error()); err != nil {
		log.Printf("[Queue] Failed to mark session %s failed: %v", job.SessionID, err)
	}
}

// failureStageReason resolves the stage and classified reason to record on
// the session from the job's final error
func failureStageReason(err error) (string, string) {
	var pipeErr *PipelineError
	if errors.As(err, &pipeErr) {
		return pipeErr.Stage, pipeErr.Reason
	}
	return StageDownload, ClassifyFailure(err)
}

// PendingCount returns the number of jobs waiting to run
func (q *QueueService) PendingCount() (int64, error) {
	var count int64
	err := q.db.Model(&model.QueuedJob{}).
		Where("status = ?", model.QueuedJobStatusPending).
		Count(&count).Error
	return count, err
}
