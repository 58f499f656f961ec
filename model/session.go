package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SessionStatus represents the status of a processing session
type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusProcessing SessionStatus = "processing"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
	SessionStatusCancelled  SessionStatus = "cancelled"
)

// IsTerminal returns true once a session can no longer change state
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed || s == SessionStatusCancelled
}

// ProcessingSession tracks one document-to-collection pipeline run.
// External callers poll this record; only the pipeline stages mutate it.
type ProcessingSession struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	SessionID string `gorm:"type:varchar(64);uniqueIndex;not null" json:"session_id"`
	UserID    uint   `gorm:"index;not null" json:"user_id"`

	// Source file reference
	FileName   string `gorm:"type:varchar(255);not null" json:"file_name"`
	FileSize   int64  `gorm:"default:0" json:"file_size"`
	MimeType   string `gorm:"type:varchar(100)" json:"mime_type"`
	StorageKey string `gorm:"type:text;not null" json:"storage_key"` // S3-style key in Spaces

	Status      SessionStatus `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	Progress    int           `gorm:"default:0" json:"progress"` // 0-100
	CurrentStep string        `gorm:"type:varchar(120)" json:"current_step"`

	Options      datatypes.JSON `gorm:"type:jsonb" json:"options,omitempty"`
	ErrorMessage string         `gorm:"type:text" json:"error_message,omitempty"`
	ErrorDetail  datatypes.JSON `gorm:"type:jsonb" json:"error_detail,omitempty"`
	Stats        datatypes.JSON `gorm:"type:jsonb" json:"stats,omitempty"`

	// Set only on success
	CollectionID *uint       `gorm:"index" json:"collection_id,omitempty"`
	Collection   *Collection `gorm:"foreignKey:CollectionID;constraint:OnDelete:SET NULL" json:"collection,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName specifies the table name for ProcessingSession
func (ProcessingSession) TableName() string {
	return "processing_sessions"
}

// Segmentation strategies accepted in ProcessingOptions
const (
	SegmentationSemantic   = "semantic"
	SegmentationStructural = "structural"
	SegmentationSizeBased  = "size-based"
	SegmentationAuto       = "auto"
)

// Question types accepted in ProcessingOptions
const (
	QuestionTypeFactual     = "factual"
	QuestionTypeConceptual  = "conceptual"
	QuestionTypeApplication = "application"
	QuestionTypeAnalytical  = "analytical"
)

// ProcessingOptions controls how a document is segmented and questioned.
// All fields are optional; ApplyDefaults fills the gaps.
type ProcessingOptions struct {
	SegmentationStrategy   string   `json:"segmentation_strategy,omitempty" validate:"omitempty,oneof=semantic structural size-based auto"`
	QuestionTypes          []string `json:"question_types,omitempty" validate:"omitempty,min=1,dive,oneof=factual conceptual application analytical"`
	MaxQuestionsPerSegment int      `json:"max_questions_per_segment,omitempty" validate:"omitempty,min=1,max=10"`
	QualityThreshold       float64  `json:"quality_threshold,omitempty" validate:"omitempty,min=0,max=1"`
	Language               string   `json:"language,omitempty" validate:"omitempty,max=10"`
	ReviewRequired         *bool    `json:"review_required,omitempty"`
}

// ApplyDefaults fills unset options with deployment defaults.
// defaultLanguage is the deployment's primary language (e.g. "ja").
func (o *ProcessingOptions) ApplyDefaults(defaultLanguage string) {
	if o.SegmentationStrategy == "" {
		o.SegmentationStrategy = SegmentationAuto
	}
	if len(o.QuestionTypes) == 0 {
		o.QuestionTypes = []string{QuestionTypeFactual, QuestionTypeConceptual, QuestionTypeApplication}
	}
	if o.MaxQuestionsPerSegment == 0 {
		o.MaxQuestionsPerSegment = 3
	}
	if o.QualityThreshold == 0 {
		o.QualityThreshold = 0.7
	}
	if o.Language == "" {
		o.Language = defaultLanguage
	}
	if o.ReviewRequired == nil {
		t := true
		o.ReviewRequired = &t
	}
}

// ProcessingStats summarizes a completed run; stored on the session as JSONB
type ProcessingStats struct {
	TotalSegments      int     `json:"total_segments"`
	GeneratedQuestions int     `json:"generated_questions"`
	AcceptedQuestions  int     `json:"accepted_questions"`
	FailedSegments     int     `json:"failed_segments"`
	AverageQuality     float64 `json:"average_quality"`
	OCREscalated       bool    `json:"ocr_escalated"`
	ExtractionPasses   int     `json:"extraction_passes"`
	DurationMs         int64   `json:"duration_ms"`
}

// ErrorDetail is the structured failure record stored on a failed session
type ErrorDetail struct {
	Stage     string    `json:"stage"`
	Reason    string    `json:"reason,omitempty"` // e.g. "timeout"
	Timestamp time.Time `json:"timestamp"`
	Stack     string    `json:"stack,omitempty"`
}
