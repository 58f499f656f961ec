package database

import (
	"errors"
	"fmt"

	"github.com/quizforge/api/model"
	"gorm.io/gorm"
)

// GormSessionStore persists processing sessions with GORM
type GormSessionStore struct {
	db *gorm.DB
}

// NewGormSessionStore creates a session store backed by the given DB
func NewGormSessionStore(db *gorm.DB) *GormSessionStore {
	return &GormSessionStore{db: db}
}

// Create inserts a new processing session
func (s *GormSessionStore) Create(session *model.ProcessingSession) error {
	if err := s.db.Create(session).Error; err != nil {
		return fmt.Errorf("failed to create processing session: %w", err)
	}
	return nil
}

// GetBySessionID loads a session by its public identifier
func (s *GormSessionStore) GetBySessionID(sessionID string) (*model.ProcessingSession, error) {
	var session model.ProcessingSession
	err := s.db.Where("session_id = ?", sessionID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %s not found", sessionID)
		}
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return &session, nil
}

// Updates applies a partial update to a session row
func (s *GormSessionStore) Updates(sessionID string, fields map[string]interface{}) error {
	result := s.db.Model(&model.ProcessingSession{}).
		Where("session_id = ?", sessionID).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update session %s: %w", sessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

// ListByUser returns the most recent sessions for a user
func (s *GormSessionStore) ListByUser(userID uint, limit int) ([]model.ProcessingSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var sessions []model.ProcessingSession
	err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for user %d: %w", userID, err)
	}
	return sessions, nil
}
