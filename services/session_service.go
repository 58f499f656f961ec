package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/quizforge/api/model"
	"gorm.io/datatypes"
)

// SessionStore is the persistence seam for processing sessions
type SessionStore interface {
	Create(session *model.ProcessingSession) error
	GetBySessionID(sessionID string) (*model.ProcessingSession, error)
	Updates(sessionID string, fields map[string]interface{}) error
	ListByUser(userID uint, limit int) ([]model.ProcessingSession, error)
}

// StatusCache is the Redis seam for status mirrors, cancellation flags and
// counters. *cache.RedisCache satisfies it.
type StatusCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	GetJSON(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
	Increment(ctx context.Context, key string) (int64, error)
}

// Redis mirror TTLs. Failed sessions stay visible longer so clients can
// inspect what went wrong after the fact.
const (
	statusTTLCompleted = 1 * time.Hour
	statusTTLFailed    = 24 * time.Hour
	statusTTLActive    = 24 * time.Hour

	cancelFlagTTL = 1 * time.Hour
)

// SessionService owns the processing session state machine
type SessionService struct {
	store           SessionStore
	cache           StatusCache
	defaultLanguage string
}

// NewSessionService creates a session service. statusCache may be nil, in
// which case the Redis status mirror and cancellation flags are disabled.
func NewSessionService(store SessionStore, statusCache StatusCache, defaultLanguage string) *SessionService {
	return &SessionService{
		store:           store,
		cache:           statusCache,
		defaultLanguage: defaultLanguage,
	}
}

// StatusUpdate is a partial state transition for a session. Zero-valued
// fields are left untouched.
type StatusUpdate struct {
	Status       model.SessionStatus
	Progress     *int
	CurrentStep  string
	CollectionID *uint
	Stats        *model.ProcessingStats
	ErrorMessage string
	ErrorDetail  *model.ErrorDetail
}

// CreateSession records a new pending session for an uploaded document
func (s *SessionService) CreateSession(ctx context.Context, userID uint, fileName string, fileSize int64, mimeType, storageKey string, opts model.ProcessingOptions) (*model.ProcessingSession, error) {
	opts.ApplyDefaults(s.defaultLanguage)

	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode processing options: %w", err)
	}

	session := &model.ProcessingSession{
		SessionID:  uuid.NewString(),
		UserID:     userID,
		FileName:   fileName,
		FileSize:   fileSize,
		MimeType:   mimeType,
		StorageKey: storageKey,
		Status:     model.SessionStatusPending,
		Progress:   0,
		Options:    datatypes.JSON(optsJSON),
	}

	if err := s.store.Create(session); err != nil {
		return nil, err
	}

	s.mirrorStatus(ctx, session)

	log.Printf("[Session] Created session %s for user %d (file=%s, size=%d)",
		session.SessionID, userID, fileName, fileSize)

	return session, nil
}

// GetSession loads a session by its public identifier
func (s *SessionService) GetSession(sessionID string) (*model.ProcessingSession, error) {
	return s.store.GetBySessionID(sessionID)
}

// ListSessions returns the most recent sessions for a user
func (s *SessionService) ListSessions(userID uint, limit int) ([]model.ProcessingSession, error) {
	return s.store.ListByUser(userID, limit)
}

// GetOptions decodes the stored processing options for a session
func (s *SessionService) GetOptions(session *model.ProcessingSession) (model.ProcessingOptions, error) {
	var opts model.ProcessingOptions
	if len(session.Options) > 0 {
		if err := json.Unmarshal(session.Options, &opts); err != nil {
			return opts, fmt.Errorf("failed to decode session options: %w", err)
		}
	}
	opts.ApplyDefaults(s.defaultLanguage)
	return opts, nil
}

// UpdateStatus applies a state transition to a session.
//
// Two invariants are enforced here instead of at every call site: terminal
// sessions never change again (late writers lose), and progress never moves
// backwards.
func (s *SessionService) UpdateStatus(ctx context.Context, sessionID string, update StatusUpdate) error {
	session, err := s.store.GetBySessionID(sessionID)
	if err != nil {
		return err
	}

	if session.Status.IsTerminal() {
		log.Printf("[Session] Ignoring update for terminal session %s (status=%s)", sessionID, session.Status)
		return nil
	}

	fields := map[string]interface{}{}

	if update.Status != "" {
		fields["status"] = update.Status
		if update.Status.IsTerminal() {
			now := time.Now()
			fields["completed_at"] = &now
		}
	}

	if update.Progress != nil {
		progress := *update.Progress
		if progress > 100 {
			progress = 100
		}
		// Progress is monotonic; a stale stage update never rolls it back
		if progress > session.Progress {
			fields["progress"] = progress
		}
	}

	if update.CurrentStep != "" {
		fields["current_step"] = update.CurrentStep
	}

	if update.CollectionID != nil {
		fields["collection_id"] = *update.CollectionID
	}

	if update.Stats != nil {
		statsJSON, err := json.Marshal(update.Stats)
		if err != nil {
			return fmt.Errorf("failed to encode session stats: %w", err)
		}
		fields["stats"] = datatypes.JSON(statsJSON)
	}

	if update.ErrorMessage != "" {
		fields["error_message"] = update.ErrorMessage
	}

	if update.ErrorDetail != nil {
		detailJSON, err := json.Marshal(update.ErrorDetail)
		if err != nil {
			return fmt.Errorf("failed to encode error detail: %w", err)
		}
		fields["error_detail"] = datatypes.JSON(detailJSON)
	}

	if len(fields) == 0 {
		return nil
	}

	if err := s.store.Updates(sessionID, fields); err != nil {
		return err
	}

	// Mirror the fresh state so pollers hit Redis instead of Postgres
	if fresh, err := s.store.GetBySessionID(sessionID); err == nil {
		s.mirrorStatus(ctx, fresh)

		// The cancel flag has no reader once the session is terminal
		if fresh.Status.IsTerminal() && s.cache != nil {
			if err := s.cache.Delete(ctx, cancelFlagKey(sessionID)); err != nil {
				log.Printf("[Session] Failed to clear cancel flag for %s: %v", sessionID, err)
			}
		}
	}

	return nil
}

// MarkFailed transitions a session to failed with a structured error record
func (s *SessionService) MarkFailed(ctx context.Context, sessionID, stage, reason, message string) error {
	detail := &model.ErrorDetail{
		Stage:     stage,
		Reason:    reason,
		Timestamp: time.Now(),
	}

	return s.UpdateStatus(ctx, sessionID, StatusUpdate{
		Status:       model.SessionStatusFailed,
		ErrorMessage: message,
		ErrorDetail:  detail,
	})
}

// CancelSession requests cancellation of a session. Pending sessions are
// cancelled immediately; processing sessions get a cancellation flag the
// pipeline checks between stages.
func (s *SessionService) CancelSession(ctx context.Context, sessionID string) error {
	session, err := s.store.GetBySessionID(sessionID)
	if err != nil {
		return err
	}

	if session.Status.IsTerminal() {
		return fmt.Errorf("session %s is already %s", sessionID, session.Status)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cancelFlagKey(sessionID), "1", cancelFlagTTL); err != nil {
			log.Printf("[Session] Failed to set cancel flag for %s: %v", sessionID, err)
		}
	}

	if session.Status == model.SessionStatusPending {
		return s.UpdateStatus(ctx, sessionID, StatusUpdate{Status: model.SessionStatusCancelled})
	}

	log.Printf("[Session] Cancellation requested for running session %s", sessionID)
	return nil
}

// IsCancelled reports whether cancellation was requested for a session
func (s *SessionService) IsCancelled(ctx context.Context, sessionID string) bool {
	if s.cache == nil {
		return false
	}

	_, err := s.cache.Get(ctx, cancelFlagKey(sessionID))
	return err == nil
}

// SessionStatusView is the Redis-mirrored snapshot clients poll for
type SessionStatusView struct {
	SessionID    string              `json:"session_id"`
	UserID       uint                `json:"user_id"`
	Status       model.SessionStatus `json:"status"`
	Progress     int                 `json:"progress"`
	CurrentStep  string              `json:"current_step,omitempty"`
	CollectionID *uint               `json:"collection_id,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	ErrorDetail  datatypes.JSON      `json:"error_detail,omitempty"`
	Stats        datatypes.JSON      `json:"stats,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

func statusView(session *model.ProcessingSession) SessionStatusView {
	return SessionStatusView{
		SessionID:    session.SessionID,
		UserID:       session.UserID,
		Status:       session.Status,
		Progress:     session.Progress,
		CurrentStep:  session.CurrentStep,
		CollectionID: session.CollectionID,
		ErrorMessage: session.ErrorMessage,
		ErrorDetail:  session.ErrorDetail,
		Stats:        session.Stats,
		UpdatedAt:    session.UpdatedAt,
	}
}

// GetStatusSnapshot serves the polled status view from the Redis mirror,
// falling back to the store (and re-mirroring) on a miss
func (s *SessionService) GetStatusSnapshot(ctx context.Context, sessionID string) (*SessionStatusView, error) {
	if s.cache != nil {
		var view SessionStatusView
		if err := s.cache.GetJSON(ctx, statusMirrorKey(sessionID), &view); err == nil && view.SessionID != "" {
			return &view, nil
		}
	}

	session, err := s.store.GetBySessionID(sessionID)
	if err != nil {
		return nil, err
	}

	view := statusView(session)
	s.mirrorStatus(ctx, session)
	return &view, nil
}

func (s *SessionService) mirrorStatus(ctx context.Context, session *model.ProcessingSession) {
	if s.cache == nil {
		return
	}

	view := statusView(session)

	ttl := statusTTLActive
	switch session.Status {
	case model.SessionStatusCompleted:
		ttl = statusTTLCompleted
	case model.SessionStatusFailed, model.SessionStatusCancelled:
		ttl = statusTTLFailed
	}

	if err := s.cache.SetJSON(ctx, statusMirrorKey(session.SessionID), view, ttl); err != nil {
		log.Printf("[Session] Failed to mirror status for %s: %v", session.SessionID, err)
	}
}

func statusMirrorKey(sessionID string) string {
	return fmt.Sprintf("session:status:%s", sessionID)
}

func cancelFlagKey(sessionID string) string {
	return fmt.Sprintf("session:cancel:%s", sessionID)
}
