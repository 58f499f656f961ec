package cron

import (
	"log"
	"time"

	"github.com/quizforge/api/model"
	"github.com/quizforge/api/services/digitalocean"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// CronManager manages all scheduled cron jobs
type CronManager struct {
	cron           *cron.Cron
	db             *gorm.DB
	spaces         *digitalocean.SpacesClient
	sessionTimeout time.Duration
}

// NewCronManager creates a new cron manager. spaces may be nil, which
// disables the stored-document cleanup. sessionTimeout is how long a
// session or job may sit in processing before the reaper fails it.
func NewCronManager(db *gorm.DB, spaces *digitalocean.SpacesClient, sessionTimeout time.Duration) *CronManager {
	// Create cron with seconds precision
	c := cron.New(cron.WithSeconds())

	if sessionTimeout <= 0 {
		sessionTimeout = 15 * time.Minute
	}

	return &CronManager{
		cron:           c,
		db:             db,
		spaces:         spaces,
		sessionTimeout: sessionTimeout,
	}
}

// Start starts all cron jobs
func (m *CronManager) Start() error {
	log.Println("Starting cron jobs...")

	if err := m.registerJobs(); err != nil {
		return err
	}

	m.cron.Start()

	log.Println("Cron jobs started successfully")
	return nil
}

// Stop stops all cron jobs
func (m *CronManager) Stop() {
	log.Println("Stopping cron jobs...")
	ctx := m.cron.Stop()
	<-ctx.Done()
	log.Println("Cron jobs stopped")
}

// registerJobs registers all cron jobs with their schedules
func (m *CronManager) registerJobs() error {
	// 1. Every minute: reap sessions stuck in processing
	_, err := m.cron.AddFunc("0 * * * * *", func() {
		m.logJobStart("reap_stuck_sessions")
		m.ReapStuckSessions()
	})
	if err != nil {
		return err
	}

	// 2. Every minute: reap queue jobs stuck in processing
	_, err = m.cron.AddFunc("30 * * * * *", func() {
		m.logJobStart("reap_stuck_jobs")
		m.ReapStuckJobs()
	})
	if err != nil {
		return err
	}

	// 3. Every minute: return reaped jobs with attempts left to the queue
	_, err = m.cron.AddFunc("45 * * * * *", func() {
		m.logJobStart("requeue_retryable_jobs")
		m.RequeueRetryableJobs()
	})
	if err != nil {
		return err
	}

	// 4. Every hour: cleanup orphaned empty collections
	_, err = m.cron.AddFunc("0 0 * * * *", func() {
		m.logJobStart("cleanup_orphaned_collections")
		m.CleanupOrphanedCollections()
	})
	if err != nil {
		return err
	}

	// 5. Daily at 2 AM: cleanup old cron logs
	_, err = m.cron.AddFunc("0 0 2 * * *", func() {
		m.logJobStart("cleanup_old_cron_logs")
		m.CleanupOldCronLogs()
	})
	if err != nil {
		return err
	}

	// 6. Daily at 3 AM: delete stored documents of old terminal sessions
	if m.spaces != nil {
		_, err = m.cron.AddFunc("0 0 3 * * *", func() {
			m.logJobStart("cleanup_stored_documents")
			m.CleanupStoredDocuments()
		})
		if err != nil {
			return err
		}
	}

	log.Println("All cron jobs registered successfully")
	return nil
}

// logJobStart logs the start of a cron job
func (m *CronManager) logJobStart(jobName string) {
	log.Printf("[CRON] Starting job: %s at %s", jobName, time.Now().Format(time.RFC3339))

	cronLog := model.CronJobLog{
		JobName:   jobName,
		Status:    "running",
		StartedAt: time.Now(),
	}
	m.db.Create(&cronLog)
}

// logJobComplete logs successful completion of a cron job
func (m *CronManager) logJobComplete(jobName string, message string) {
	log.Printf("[CRON] Completed job: %s - %s", jobName, message)

	m.db.Model(&model.CronJobLog{}).
		Where("job_name = ? AND status = ?", jobName, "running").
		Order("started_at DESC").
		Limit(1).
		Updates(map[string]interface{}{
			"status":       "completed",
			"completed_at": time.Now(),
			"message":      message,
		})
}

// logJobError logs a cron job error
func (m *CronManager) logJobError(jobName string, err error) {
	log.Printf("[CRON] Error in job: %s - %v", jobName, err)

	m.db.Model(&model.CronJobLog{}).
		Where("job_name = ? AND status = ?", jobName, "running").
		Order("started_at DESC").
		Limit(1).
		Updates(map[string]interface{}{
			"status":       "failed",
			"completed_at": time.Now(),
			"error_msg":    err.Error(),
		})
}
