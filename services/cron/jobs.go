package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/quizforge/api/model"
	"gorm.io/datatypes"
)

// documentRetentionDays is how long uploaded documents stay in object
// storage after their session reaches a terminal state
const documentRetentionDays = 7

// IsStuck reports whether something last updated at updatedAt has been
// processing longer than the timeout
func IsStuck(updatedAt, now time.Time, timeout time.Duration) bool {
	return now.Sub(updatedAt) > timeout
}

// RetryEligible reports whether a failed job still has attempts left. Only
// jobs the reaper force-failed can match: the worker itself exhausts the
// attempt budget before writing failed.
func RetryEligible(job model.QueuedJob) bool {
	return job.Status == model.QueuedJobStatusFailed && job.Attempts < job.MaxAttempts
}

// ReapStuckSessions force-fails sessions that have sat in processing longer
// than the session timeout. Without this, a crashed worker leaves the
// session processing forever and pollers never see a terminal state.
func (m *CronManager) ReapStuckSessions() {
	jobName := "reap_stuck_sessions"
	cutoff := time.Now().Add(-m.sessionTimeout)

	var sessions []model.ProcessingSession
	err := m.db.Where("status = ? AND updated_at < ?", model.SessionStatusProcessing, cutoff).
		Find(&sessions).Error
	if err != nil {
		m.logJobError(jobName, fmt.Errorf("failed to query stuck sessions: %w", err))
		return
	}

	if len(sessions) == 0 {
		m.logJobComplete(jobName, "No stuck sessions")
		return
	}

	reaped := 0
	for _, session := range sessions {
		if !IsStuck(session.UpdatedAt, time.Now(), m.sessionTimeout) {
			continue
		}

		detail := model.ErrorDetail{
			Stage:     session.CurrentStep,
			Reason:    "timeout",
			Timestamp: time.Now(),
		}
		detailJSON, err := json.Marshal(detail)
		if err != nil {
			log.Printf("[CRON] Failed to encode error detail for session %s: %v", session.SessionID, err)
			continue
		}

		now := time.Now()
		err = m.db.Model(&model.ProcessingSession{}).
			Where("id = ? AND status = ?", session.ID, model.SessionStatusProcessing).
			Updates(map[string]interface{}{
				"status":        model.SessionStatusFailed,
				"error_message": fmt.Sprintf("Processing timed out after %s at step %q", m.sessionTimeout, session.CurrentStep),
				"error_detail":  datatypes.JSON(detailJSON),
				"completed_at":  &now,
			}).Error
		if err != nil {
			log.Printf("[CRON] Failed to reap session %s: %v", session.SessionID, err)
			continue
		}

		log.Printf("[CRON] Reaped stuck session %s (step=%s, last update %s)",
			session.SessionID, session.CurrentStep, session.UpdatedAt.Format(time.RFC3339))
		reaped++
	}

	m.logJobComplete(jobName, fmt.Sprintf("Reaped %d stuck sessions", reaped))
}

// ReapStuckJobs resets queue jobs that have sat in processing longer than
// the session timeout, so a crashed worker's claim does not pin them forever
func (m *CronManager) ReapStuckJobs() {
	jobName := "reap_stuck_jobs"
	cutoff := time.Now().Add(-m.sessionTimeout)

	result := m.db.Model(&model.QueuedJob{}).
		Where("status = ? AND updated_at < ?", model.QueuedJobStatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":        model.QueuedJobStatusFailed,
			"error_message": fmt.Sprintf("Job timed out after %s in processing", m.sessionTimeout),
		})
	if result.Error != nil {
		m.logJobError(jobName, fmt.Errorf("failed to reap stuck jobs: %w", result.Error))
		return
	}

	m.logJobComplete(jobName, fmt.Sprintf("Reaped %d stuck jobs", result.RowsAffected))
}

// RequeueRetryableJobs returns reaped jobs to the queue while they still
// have attempts left, charging them one attempt for the crashed run
func (m *CronManager) RequeueRetryableJobs() {
	jobName := "requeue_retryable_jobs"

	var jobs []model.QueuedJob
	err := m.db.Where("status = ? AND attempts < max_attempts", model.QueuedJobStatusFailed).
		Find(&jobs).Error
	if err != nil {
		m.logJobError(jobName, fmt.Errorf("failed to query retryable jobs: %w", err))
		return
	}

	requeued := 0
	for _, job := range jobs {
		if !RetryEligible(job) {
			continue
		}

		err := m.db.Model(&model.QueuedJob{}).
			Where("id = ? AND status = ?", job.ID, model.QueuedJobStatusFailed).
			Updates(map[string]interface{}{
				"status":       model.QueuedJobStatusPending,
				"attempts":     job.Attempts + 1,
				"scheduled_at": time.Now(),
			}).Error
		if err != nil {
			log.Printf("[CRON] Failed to requeue job %d: %v", job.ID, err)
			continue
		}

		log.Printf("[CRON] Requeued job %d for session %s (attempt %d/%d)",
			job.ID, job.SessionID, job.Attempts+1, job.MaxAttempts)
		requeued++
	}

	m.logJobComplete(jobName, fmt.Sprintf("Requeued %d retryable jobs", requeued))
}

// CleanupStoredDocuments removes uploaded documents from object storage once
// their session has been terminal for a week. The collection keeps the
// generated content; the source file is only needed for reruns.
func (m *CronManager) CleanupStoredDocuments() {
	jobName := "cleanup_stored_documents"
	cutoff := time.Now().AddDate(0, 0, -documentRetentionDays)

	terminal := []model.SessionStatus{
		model.SessionStatusCompleted,
		model.SessionStatusFailed,
		model.SessionStatusCancelled,
	}

	var sessions []model.ProcessingSession
	err := m.db.Where("status IN ? AND storage_key <> '' AND completed_at < ?", terminal, cutoff).
		Limit(100).
		Find(&sessions).Error
	if err != nil {
		m.logJobError(jobName, fmt.Errorf("failed to query expired documents: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	deleted := 0
	for _, session := range sessions {
		if err := m.spaces.DeleteFile(ctx, session.StorageKey); err != nil {
			log.Printf("[CRON] Failed to delete document %s: %v", session.StorageKey, err)
			continue
		}

		err := m.db.Model(&model.ProcessingSession{}).
			Where("id = ?", session.ID).
			Update("storage_key", "").Error
		if err != nil {
			log.Printf("[CRON] Failed to clear storage key for session %s: %v", session.SessionID, err)
			continue
		}
		deleted++
	}

	m.logJobComplete(jobName, fmt.Sprintf("Deleted %d stored documents", deleted))
}

// CleanupOrphanedCollections deletes empty collections older than an hour.
// A bulk-insert failure during persistence leaves the collection row behind
// with no items; this job is the documented resolution for that.
func (m *CronManager) CleanupOrphanedCollections() {
	jobName := "cleanup_orphaned_collections"
	cutoff := time.Now().Add(-1 * time.Hour)

	result := m.db.
		Where("created_at < ? AND id NOT IN (?)",
			cutoff,
			m.db.Model(&model.CollectionItem{}).Select("DISTINCT collection_id"),
		).
		Delete(&model.Collection{})
	if result.Error != nil {
		m.logJobError(jobName, fmt.Errorf("failed to delete orphaned collections: %w", result.Error))
		return
	}

	m.logJobComplete(jobName, fmt.Sprintf("Deleted %d orphaned collections", result.RowsAffected))
}

// CleanupOldCronLogs deletes cron log rows older than 30 days
func (m *CronManager) CleanupOldCronLogs() {
	jobName := "cleanup_old_cron_logs"
	cutoff := time.Now().AddDate(0, 0, -30)

	result := m.db.Where("started_at < ?", cutoff).Delete(&model.CronJobLog{})
	if result.Error != nil {
		m.logJobError(jobName, fmt.Errorf("failed to delete old cron logs: %w", result.Error))
		return
	}

	m.logJobComplete(jobName, fmt.Sprintf("Deleted %d old cron logs", result.RowsAffected))
}
