package session

import (
	"encoding/json"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/quizforge/api/model"
	"github.com/quizforge/api/services"
	"github.com/quizforge/api/services/digitalocean"
	"github.com/quizforge/api/utils/pdfvalidation"
	"github.com/quizforge/api/utils/response"
	"github.com/quizforge/api/utils/validation"
)

// Accepted upload MIME types
var allowedMimeTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/webp":      true,
	"text/plain":      true,
	"text/markdown":   true,
}

// SessionHandler exposes the processing session API
type SessionHandler struct {
	sessions  *services.SessionService
	queue     *services.QueueService
	spaces    *digitalocean.SpacesClient
	validator *validation.Validator
}

// NewSessionHandler creates a session handler
func NewSessionHandler(sessions *services.SessionService, queue *services.QueueService, spaces *digitalocean.SpacesClient) *SessionHandler {
	return &SessionHandler{
		sessions:  sessions,
		queue:     queue,
		spaces:    spaces,
		validator: validation.NewValidator(),
	}
}

// userID resolves the authenticated user set by the upstream auth layer
func userID(c *fiber.Ctx) (uint, bool) {
	raw := c.Get("X-User-ID")
	if raw == "" {
		return 0, false
	}

	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// Create handles POST /api/v1/sessions: multipart upload of one document
// plus an optional "options" JSON field. The document is stored, a pending
// session is created and a pipeline job is enqueued.
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	uid, ok := userID(c)
	if !ok {
		return response.Unauthorized(c, "Missing or invalid user identity")
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return response.BadRequest(c, "A document file is required")
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if idx := strings.Index(mimeType, ";"); idx > 0 {
		mimeType = mimeType[:idx]
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = digitalocean.GetContentType(fileHeader.Filename)
	}
	if !allowedMimeTypes[mimeType] {
		return response.BadRequest(c, "Unsupported document type: "+mimeType)
	}

	var opts model.ProcessingOptions
	if optsField := c.FormValue("options"); optsField != "" {
		if err := json.Unmarshal([]byte(optsField), &opts); err != nil {
			return response.BadRequest(c, "Invalid options JSON")
		}
	}

	if err := h.validator.ValidateStruct(&opts); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error": fiber.Map{
				"message": "Invalid processing options",
				"fields":  validation.FormatValidationErrors(err),
			},
		})
	}

	if mimeType == "application/pdf" {
		result, err := pdfvalidation.ValidatePDFFile(fileHeader, pdfvalidation.DefaultLimits)
		if err != nil {
			return response.InternalServerError(c, "Failed to inspect uploaded PDF")
		}
		if !result.Valid {
			return response.BadRequest(c, result.Error)
		}
	}

	file, err := fileHeader.Open()
	if err != nil {
		return response.InternalServerError(c, "Failed to open uploaded file")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return response.InternalServerError(c, "Failed to read uploaded file")
	}

	storageKey := digitalocean.GenerateKey("documents", fileHeader.Filename)
	if _, err := h.spaces.UploadBytes(c.Context(), storageKey, content, mimeType); err != nil {
		log.Printf("[Sessions] Upload to Spaces failed: %v", err)
		return response.InternalServerError(c, "Failed to store document")
	}

	session, err := h.sessions.CreateSession(c.Context(), uid, fileHeader.Filename,
		fileHeader.Size, mimeType, storageKey, opts)
	if err != nil {
		log.Printf("[Sessions] Failed to create session: %v", err)
		return response.InternalServerError(c, "Failed to create processing session")
	}

	priority, _ := strconv.Atoi(c.FormValue("priority"))
	if err := h.queue.Enqueue(session.SessionID, priority); err != nil {
		log.Printf("[Sessions] Failed to enqueue job for %s: %v", session.SessionID, err)
		return response.InternalServerError(c, "Failed to queue document for processing")
	}

	return response.Created(c, fiber.Map{
		"session_id": session.SessionID,
		"status":     session.Status,
	})
}

// Get handles GET /api/v1/sessions/:session_id: the polled status snapshot,
// served from the Redis mirror when it is populated
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	uid, ok := userID(c)
	if !ok {
		return response.Unauthorized(c, "Missing or invalid user identity")
	}

	view, err := h.sessions.GetStatusSnapshot(c.Context(), c.Params("session_id"))
	if err != nil {
		return response.NotFound(c, "Session not found")
	}

	if view.UserID != uid {
		return response.NotFound(c, "Session not found")
	}

	return response.Success(c, view)
}

// List handles GET /api/v1/sessions
func (h *SessionHandler) List(c *fiber.Ctx) error {
	uid, ok := userID(c)
	if !ok {
		return response.Unauthorized(c, "Missing or invalid user identity")
	}

	limit, _ := strconv.Atoi(c.Query("limit", "20"))

	sessions, err := h.sessions.ListSessions(uid, limit)
	if err != nil {
		log.Printf("[Sessions] Failed to list sessions for user %d: %v", uid, err)
		return response.InternalServerError(c, "Failed to list sessions")
	}

	return response.Success(c, fiber.Map{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// Cancel handles DELETE /api/v1/sessions/:session_id
func (h *SessionHandler) Cancel(c *fiber.Ctx) error {
	uid, ok := userID(c)
	if !ok {
		return response.Unauthorized(c, "Missing or invalid user identity")
	}

	sessionID := c.Params("session_id")

	session, err := h.sessions.GetSession(sessionID)
	if err != nil {
		return response.NotFound(c, "Session not found")
	}
	if session.UserID != uid {
		return response.NotFound(c, "Session not found")
	}

	if err := h.sessions.CancelSession(c.Context(), sessionID); err != nil {
		return response.Conflict(c, err.Error())
	}

	return response.SuccessWithMessage(c, "Cancellation requested", fiber.Map{
		"session_id": sessionID,
	})
}
