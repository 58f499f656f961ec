package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/quizforge/api/database"
	"github.com/quizforge/api/services"
	"github.com/quizforge/api/utils/cache"
)

// HealthHandler reports liveness of the service and its dependencies
type HealthHandler struct {
	store *database.GORMStore
	cache *cache.RedisCache
	queue *services.QueueService
}

// NewHealthHandler creates a health handler. redisCache may be nil.
func NewHealthHandler(store *database.GORMStore, redisCache *cache.RedisCache, queue *services.QueueService) *HealthHandler {
	return &HealthHandler{store: store, cache: redisCache, queue: queue}
}

// Check handles GET /health
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	status := "ok"
	checks := fiber.Map{}

	if err := h.store.HealthCheck(); err != nil {
		status = "degraded"
		checks["database"] = err.Error()
	} else {
		checks["database"] = "ok"
	}

	if h.cache != nil {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		if _, err := h.cache.Get(ctx, "health:ping"); err != nil && err != cache.ErrNotFound {
			status = "degraded"
			checks["redis"] = err.Error()
		} else {
			checks["redis"] = "ok"
		}
	}

	queuePending := int64(-1)
	if h.queue != nil {
		if count, err := h.queue.PendingCount(); err == nil {
			queuePending = count
		}
	}

	code := fiber.StatusOK
	if status != "ok" {
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status":        status,
		"checks":        checks,
		"queue_pending": queuePending,
	})
}
