package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/quizforge/api/model"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CollectionService persists pipeline output as collections of QA items
type CollectionService struct {
	db *gorm.DB
}

// NewCollectionService creates a collection service
func NewCollectionService(db *gorm.DB) *CollectionService {
	return &CollectionService{db: db}
}

// PersistCollection creates the collection record and bulk-inserts its items.
//
// The collection row and the item insert are deliberately two writes, not
// one transaction: a bulk-insert failure leaves an orphaned empty collection
// behind. The orphan cleanup cron reaps those, and the caller marks the
// session failed.
func (s *CollectionService) PersistCollection(ctx context.Context, session *model.ProcessingSession, items []EmbeddedQA, reviewRequired bool) (uint, error) {
	collection := &model.Collection{
		UserID:          session.UserID,
		Name:            session.FileName,
		Description:     fmt.Sprintf("Generated from %s", session.FileName),
		SourceSessionID: session.SessionID,
		ItemCount:       len(items),
	}

	if err := s.db.WithContext(ctx).Create(collection).Error; err != nil {
		return 0, fmt.Errorf("failed to create collection: %w", err)
	}

	reviewStatus := model.ReviewStatusApproved
	if reviewRequired {
		reviewStatus = model.ReviewStatusPending
	}

	rows := make([]model.CollectionItem, 0, len(items))
	for _, item := range items {
		row := model.CollectionItem{
			CollectionID:  collection.ID,
			Question:      item.Question,
			Answer:        item.Answer,
			QuestionType:  item.QuestionType,
			QualityScore:  item.QualityScore,
			Confidence:    item.Confidence,
			SourceExcerpt: item.SourceExcerpt,
			ReviewStatus:  reviewStatus,
		}

		if item.Vector != nil {
			vectorJSON, err := json.Marshal(item.Vector)
			if err != nil {
				return 0, fmt.Errorf("failed to encode embedding: %w", err)
			}
			row.Embedding = datatypes.JSON(vectorJSON)
		}

		rows = append(rows, row)
	}

	if len(rows) > 0 {
		if err := s.db.WithContext(ctx).CreateInBatches(rows, 100).Error; err != nil {
			log.Printf("[Collection] Bulk insert failed, collection %d is orphaned: %v", collection.ID, err)
			return 0, fmt.Errorf("failed to insert collection items: %w", err)
		}
	}

	log.Printf("[Collection] Persisted collection %d with %d items for session %s",
		collection.ID, len(rows), session.SessionID)

	return collection.ID, nil
}

// GetCollection loads a collection without its items
func (s *CollectionService) GetCollection(ctx context.Context, collectionID uint) (*model.Collection, error) {
	var collection model.Collection
	err := s.db.WithContext(ctx).First(&collection, collectionID).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load collection %d: %w", collectionID, err)
	}
	return &collection, nil
}

// ListItems returns all items of a collection in insertion order
func (s *CollectionService) ListItems(ctx context.Context, collectionID uint) ([]model.CollectionItem, error) {
	var items []model.CollectionItem
	err := s.db.WithContext(ctx).
		Where("collection_id = ?", collectionID).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list items for collection %d: %w", collectionID, err)
	}
	return items, nil
}
