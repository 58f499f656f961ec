package collection

import (
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/quizforge/api/services"
	"github.com/quizforge/api/utils/response"
)

// CollectionHandler exposes the generated QA collections
type CollectionHandler struct {
	collections *services.CollectionService
}

// NewCollectionHandler creates a collection handler
func NewCollectionHandler(collections *services.CollectionService) *CollectionHandler {
	return &CollectionHandler{collections: collections}
}

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

// Get handles GET /api/v1/collections/:collection_id
func (h *CollectionHandler) Get(c *fiber.Ctx) error {
	uid, ok := userID(c)
	if !ok {
		return response.Unauthorized(c, "Missing or invalid user identity")
	}

	collectionID, err := strconv.ParseUint(c.Params("collection_id"), 10, 64)
	if err != nil {
		return response.BadRequest(c, "Invalid collection id")
	}

	collection, err := h.collections.GetCollection(c.Context(), uint(collectionID))
	if err != nil {
		return response.NotFound(c, "Collection not found")
	}
	if collection.UserID != uid {
		return response.NotFound(c, "Collection not found")
	}

	return response.Success(c, collection)
}

// ListItems handles GET /api/v1/collections/:collection_id/items
func (h *CollectionHandler) ListItems(c *fiber.Ctx) error {
	uid, ok := userID(c)
	if !ok {
		return response.Unauthorized(c, "Missing or invalid user identity")
	}

	collectionID, err := strconv.ParseUint(c.Params("collection_id"), 10, 64)
	if err != nil {
		return response.BadRequest(c, "Invalid collection id")
	}

	collection, err := h.collections.GetCollection(c.Context(), uint(collectionID))
	if err != nil {
		return response.NotFound(c, "Collection not found")
	}
	if collection.UserID != uid {
		return response.NotFound(c, "Collection not found")
	}

	items, err := h.collections.ListItems(c.Context(), uint(collectionID))
	if err != nil {
		log.Printf("[Collections] Failed to list items for collection %d: %v", collectionID, err)
		return response.InternalServerError(c, "Failed to list collection items")
	}

	return response.Success(c, fiber.Map{
		"collection_id": collection.ID,
		"items":         items,
		"count":         len(items),
	})
}
