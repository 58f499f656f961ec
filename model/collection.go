package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ReviewStatus represents the human-curation state of a collection item
type ReviewStatus string

const (
	ReviewStatusPending  ReviewStatus = "pending"
	ReviewStatusApproved ReviewStatus = "approved"
	ReviewStatusRejected ReviewStatus = "rejected"
	ReviewStatusEdited   ReviewStatus = "edited"
)

// Collection is the persisted container for QA items produced by one
// successful pipeline run. The pipeline never mutates it after creation.
type Collection struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UserID      uint   `gorm:"index;not null" json:"user_id"`
	Name        string `gorm:"type:varchar(255);not null" json:"name"`
	Description string `gorm:"type:text" json:"description,omitempty"`

	// Back-reference to the originating session
	SourceSessionID string `gorm:"type:varchar(64);index" json:"source_session_id"`

	ItemCount int `gorm:"default:0" json:"item_count"`

	Items []CollectionItem `gorm:"foreignKey:CollectionID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
}

// TableName specifies the table name for Collection
func (Collection) TableName() string {
	return "collections"
}

// CollectionItem is one persisted question/answer pair with its embedding.
// Embedding is null when the embedding service degraded for this item; the
// item is then excluded from similarity search until backfilled.
type CollectionItem struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CollectionID uint `gorm:"index;not null" json:"collection_id"`

	Question     string  `gorm:"type:text;not null" json:"question"`
	Answer       string  `gorm:"type:text;not null" json:"answer"`
	QuestionType string  `gorm:"type:varchar(20)" json:"question_type"`
	QualityScore float64 `gorm:"default:0" json:"quality_score"`
	Confidence   float64 `gorm:"default:0" json:"confidence"`

	// Source segment excerpt the pair was derived from
	SourceExcerpt string `gorm:"type:text" json:"source_excerpt,omitempty"`

	Embedding    datatypes.JSON `gorm:"type:jsonb" json:"embedding,omitempty"`
	ReviewStatus ReviewStatus   `gorm:"type:varchar(10);default:'pending'" json:"review_status"`

	Collection Collection `gorm:"foreignKey:CollectionID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for CollectionItem
func (CollectionItem) TableName() string {
	return "collection_items"
}
