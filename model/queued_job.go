package model

import (
	"time"

	"gorm.io/gorm"
)

// QueuedJobStatus represents the status of a queued pipeline job
type QueuedJobStatus string

const (
	QueuedJobStatusPending    QueuedJobStatus = "pending"
	QueuedJobStatusProcessing QueuedJobStatus = "processing"
	QueuedJobStatusFailed     QueuedJobStatus = "failed"
)

// DefaultMaxAttempts is the retry budget before a job is permanently failed
const DefaultMaxAttempts = 3

// QueuedJob is one unit of work in the queue lane. A worker claims the
// oldest highest-priority pending job by flipping its status to processing,
// runs the pipeline for the target session, and on failure reschedules it
// with exponential backoff until MaxAttempts is exhausted.
type QueuedJob struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	SessionID string          `gorm:"type:varchar(64);index;not null" json:"session_id"`
	Priority  int             `gorm:"default:0;index" json:"priority"`
	Status    QueuedJobStatus `gorm:"type:varchar(15);default:'pending';index" json:"status"`

	Attempts    int       `gorm:"default:0" json:"attempts"`
	MaxAttempts int       `gorm:"default:3" json:"max_attempts"`
	ScheduledAt time.Time `gorm:"index" json:"scheduled_at"`

	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`
	ErrorStack   string `gorm:"type:text" json:"error_stack,omitempty"`
}

// TableName specifies the table name for QueuedJob
func (QueuedJob) TableName() string {
	return "queued_jobs"
}
