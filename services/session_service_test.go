package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/quizforge/api/model"
	"gorm.io/datatypes"
)

// memorySessionStore is an in-memory SessionStore for unit tests
type memorySessionStore struct {
	sessions map[string]*model.ProcessingSession
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{sessions: map[string]*model.ProcessingSession{}}
}

func (m *memorySessionStore) Create(session *model.ProcessingSession) error {
	session.CreatedAt = time.Now()
	session.UpdatedAt = time.Now()
	m.sessions[session.SessionID] = session
	return nil
}

func (m *memorySessionStore) GetBySessionID(sessionID string) (*model.ProcessingSession, error) {
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	copied := *session
	return &copied, nil
}

func (m *memorySessionStore) Updates(sessionID string, fields map[string]interface{}) error {
	session, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}

	for key, value := range fields {
		switch key {
		case "status":
			session.Status = value.(model.SessionStatus)
		case "progress":
			session.Progress = value.(int)
		case "current_step":
			session.CurrentStep = value.(string)
		case "collection_id":
			id := value.(uint)
			session.CollectionID = &id
		case "stats":
			session.Stats = value.(datatypes.JSON)
		case "error_message":
			session.ErrorMessage = value.(string)
		case "error_detail":
			session.ErrorDetail = value.(datatypes.JSON)
		case "completed_at":
			session.CompletedAt = value.(*time.Time)
		}
	}
	session.UpdatedAt = time.Now()
	return nil
}

func (m *memorySessionStore) ListByUser(userID uint, limit int) ([]model.ProcessingSession, error) {
	var out []model.ProcessingSession
	for _, session := range m.sessions {
		if session.UserID == userID {
			out = append(out, *session)
		}
	}
	return out, nil
}

// memoryStatusCache is an in-memory StatusCache for unit tests
type memoryStatusCache struct {
	values map[string]string
}

func newMemoryStatusCache() *memoryStatusCache {
	return &memoryStatusCache{values: map[string]string{}}
}

func (c *memoryStatusCache) Get(ctx context.Context, key string) (string, error) {
	v, ok := c.values[key]
	if !ok {
		return "", fmt.Errorf("key %s not found", key)
	}
	return v, nil
}

func (c *memoryStatusCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	c.values[key] = fmt.Sprint(value)
	return nil
}

func (c *memoryStatusCache) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.values[key] = string(data)
	return nil
}

func (c *memoryStatusCache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	v, ok := c.values[key]
	if !ok {
		return fmt.Errorf("key %s not found", key)
	}
	return json.Unmarshal([]byte(v), dest)
}

func (c *memoryStatusCache) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		delete(c.values, key)
	}
	return nil
}

func (c *memoryStatusCache) Increment(ctx context.Context, key string) (int64, error) {
	n, _ := strconv.ParseInt(c.values[key], 10, 64)
	n++
	c.values[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func newTestSessionService(store SessionStore) *SessionService {
	return NewSessionService(store, nil, "ja")
}

func intPtr(v int) *int { return &v }

func TestCreateSessionAppliesDefaults(t *testing.T) {
	store := newMemorySessionStore()
	service := newTestSessionService(store)

	session, err := service.CreateSession(context.Background(), 7, "slides.pdf", 1024,
		"application/pdf", "documents/slides.pdf", model.ProcessingOptions{})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	if session.SessionID == "" {
		t.Error("session must get a public identifier")
	}
	if session.Status != model.SessionStatusPending {
		t.Errorf("new session status = %s, want pending", session.Status)
	}

	opts, err := service.GetOptions(session)
	if err != nil {
		t.Fatalf("GetOptions returned error: %v", err)
	}
	if opts.SegmentationStrategy != model.SegmentationAuto {
		t.Errorf("default segmentation = %s, want auto", opts.SegmentationStrategy)
	}
	if opts.MaxQuestionsPerSegment != 3 {
		t.Errorf("default max questions = %d, want 3", opts.MaxQuestionsPerSegment)
	}
	if opts.QualityThreshold != 0.7 {
		t.Errorf("default quality threshold = %f, want 0.7", opts.QualityThreshold)
	}
	if opts.Language != "ja" {
		t.Errorf("default language = %s, want ja", opts.Language)
	}
	if len(opts.QuestionTypes) != 3 {
		t.Errorf("default question types = %v, want 3 entries without analytical", opts.QuestionTypes)
	}
	for _, qt := range opts.QuestionTypes {
		if qt == model.QuestionTypeAnalytical {
			t.Error("analytical must not be a default question type")
		}
	}
}

func TestUpdateStatusProgressIsMonotonic(t *testing.T) {
	store := newMemorySessionStore()
	service := newTestSessionService(store)
	ctx := context.Background()

	session, err := service.CreateSession(ctx, 1, "doc.pdf", 10, "application/pdf", "k", model.ProcessingOptions{})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}
	id := session.SessionID

	steps := []int{10, 20, 30, 50, 62, 71, 80, 90}
	for _, p := range steps {
		err := service.UpdateStatus(ctx, id, StatusUpdate{
			Status:   model.SessionStatusProcessing,
			Progress: intPtr(p),
		})
		if err != nil {
			t.Fatalf("UpdateStatus(%d) returned error: %v", p, err)
		}
	}

	// A stale stage reporting an older progress value must not regress it
	if err := service.UpdateStatus(ctx, id, StatusUpdate{Progress: intPtr(30)}); err != nil {
		t.Fatalf("stale update returned error: %v", err)
	}

	got, _ := service.GetSession(id)
	if got.Progress != 90 {
		t.Errorf("progress after stale update = %d, want 90", got.Progress)
	}

	// Progress is clamped to 100
	if err := service.UpdateStatus(ctx, id, StatusUpdate{Progress: intPtr(250)}); err != nil {
		t.Fatalf("UpdateStatus(250) returned error: %v", err)
	}
	got, _ = service.GetSession(id)
	if got.Progress != 100 {
		t.Errorf("progress after overshoot = %d, want 100", got.Progress)
	}
}

func TestUpdateStatusIgnoresTerminalSessions(t *testing.T) {
	store := newMemorySessionStore()
	service := newTestSessionService(store)
	ctx := context.Background()

	session, _ := service.CreateSession(ctx, 1, "doc.pdf", 10, "application/pdf", "k", model.ProcessingOptions{})
	id := session.SessionID

	if err := service.UpdateStatus(ctx, id, StatusUpdate{Status: model.SessionStatusCancelled}); err != nil {
		t.Fatalf("cancel update returned error: %v", err)
	}

	// A late pipeline stage writing after cancellation must be a no-op
	err := service.UpdateStatus(ctx, id, StatusUpdate{
		Status:   model.SessionStatusCompleted,
		Progress: intPtr(100),
	})
	if err != nil {
		t.Fatalf("late update returned error: %v", err)
	}

	got, _ := service.GetSession(id)
	if got.Status != model.SessionStatusCancelled {
		t.Errorf("status after late write = %s, want cancelled", got.Status)
	}
	if got.Progress != 0 {
		t.Errorf("progress after late write = %d, want 0", got.Progress)
	}
}

func TestMarkFailedRecordsStructuredDetail(t *testing.T) {
	store := newMemorySessionStore()
	service := newTestSessionService(store)
	ctx := context.Background()

	session, _ := service.CreateSession(ctx, 1, "doc.pdf", 10, "application/pdf", "k", model.ProcessingOptions{})
	id := session.SessionID

	if err := service.MarkFailed(ctx, id, StageExtraction, ReasonTimeout, "extraction took too long"); err != nil {
		t.Fatalf("MarkFailed returned error: %v", err)
	}

	got, _ := service.GetSession(id)
	if got.Status != model.SessionStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage != "extraction took too long" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	if got.CompletedAt == nil {
		t.Error("terminal session must record completed_at")
	}
	if len(got.ErrorDetail) == 0 {
		t.Fatal("error detail must be recorded")
	}
}

func TestGetStatusSnapshotPrefersMirror(t *testing.T) {
	store := newMemorySessionStore()
	mirror := newMemoryStatusCache()
	service := NewSessionService(store, mirror, "ja")
	ctx := context.Background()

	session, err := service.CreateSession(ctx, 4, "doc.pdf", 10, "application/pdf", "k", model.ProcessingOptions{})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}
	id := session.SessionID

	err = service.UpdateStatus(ctx, id, StatusUpdate{
		Status:      model.SessionStatusProcessing,
		Progress:    intPtr(50),
		CurrentStep: "generating_questions",
	})
	if err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}

	// Make the store and the mirror disagree; the poll path must serve the
	// mirrored value without touching the store
	store.sessions[id].Progress = 75

	view, err := service.GetStatusSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("GetStatusSnapshot returned error: %v", err)
	}
	if view.Progress != 50 {
		t.Errorf("mirrored progress = %d, want 50", view.Progress)
	}
	if view.UserID != 4 {
		t.Errorf("mirrored user id = %d, want 4", view.UserID)
	}
	if view.CurrentStep != "generating_questions" {
		t.Errorf("mirrored step = %q", view.CurrentStep)
	}

	// On a mirror miss the snapshot falls back to the store and re-mirrors
	mirrorKey := fmt.Sprintf("session:status:%s", id)
	if err := mirror.Delete(ctx, mirrorKey); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}

	view, err = service.GetStatusSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("GetStatusSnapshot after miss returned error: %v", err)
	}
	if view.Progress != 75 {
		t.Errorf("fallback progress = %d, want 75", view.Progress)
	}
	if _, ok := mirror.values[mirrorKey]; !ok {
		t.Error("fallback must repopulate the mirror")
	}
}

func TestGetStatusSnapshotWithoutCacheReadsStore(t *testing.T) {
	store := newMemorySessionStore()
	service := newTestSessionService(store)
	ctx := context.Background()

	session, _ := service.CreateSession(ctx, 1, "doc.pdf", 10, "application/pdf", "k", model.ProcessingOptions{})

	view, err := service.GetStatusSnapshot(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("GetStatusSnapshot returned error: %v", err)
	}
	if view.Status != model.SessionStatusPending {
		t.Errorf("status = %s, want pending", view.Status)
	}

	if _, err := service.GetStatusSnapshot(ctx, "no-such-session"); err == nil {
		t.Error("unknown session must yield an error")
	}
}

func TestTerminalTransitionClearsCancelFlag(t *testing.T) {
	store := newMemorySessionStore()
	mirror := newMemoryStatusCache()
	service := NewSessionService(store, mirror, "ja")
	ctx := context.Background()

	session, _ := service.CreateSession(ctx, 1, "doc.pdf", 10, "application/pdf", "k", model.ProcessingOptions{})
	id := session.SessionID

	if err := service.UpdateStatus(ctx, id, StatusUpdate{Status: model.SessionStatusProcessing}); err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}

	if err := service.CancelSession(ctx, id); err != nil {
		t.Fatalf("CancelSession returned error: %v", err)
	}
	if !service.IsCancelled(ctx, id) {
		t.Fatal("cancel flag must be set for a processing session")
	}

	if err := service.UpdateStatus(ctx, id, StatusUpdate{Status: model.SessionStatusCancelled}); err != nil {
		t.Fatalf("terminal update returned error: %v", err)
	}
	if service.IsCancelled(ctx, id) {
		t.Error("terminal transition must clear the cancel flag")
	}
}

func TestCancelPendingSessionIsImmediate(t *testing.T) {
	store := newMemorySessionStore()
	service := newTestSessionService(store)
	ctx := context.Background()

	session, _ := service.CreateSession(ctx, 1, "doc.pdf", 10, "application/pdf", "k", model.ProcessingOptions{})

	if err := service.CancelSession(ctx, session.SessionID); err != nil {
		t.Fatalf("CancelSession returned error: %v", err)
	}

	got, _ := service.GetSession(session.SessionID)
	if got.Status != model.SessionStatusCancelled {
		t.Errorf("pending session after cancel = %s, want cancelled", got.Status)
	}

	// Cancelling a terminal session is an error
	if err := service.CancelSession(ctx, session.SessionID); err == nil {
		t.Error("cancelling a cancelled session should fail")
	}
}
