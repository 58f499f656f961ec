package router

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/quizforge/api/database"
	"github.com/quizforge/api/handlers"
	collection_handlers "github.com/quizforge/api/handlers/collection"
	session_handlers "github.com/quizforge/api/handlers/session"
	"github.com/quizforge/api/services"
	"github.com/quizforge/api/services/digitalocean"
	"github.com/quizforge/api/utils/cache"
)

// Dependencies carries the wired services the routes need
type Dependencies struct {
	Store       *database.GORMStore
	Cache       *cache.RedisCache
	Sessions    *services.SessionService
	Queue       *services.QueueService
	Collections *services.CollectionService
	Spaces      *digitalocean.SpacesClient
}

// SetupRoutes registers all HTTP routes
func SetupRoutes(app *fiber.App, deps Dependencies) {
	healthHandler := handlers.NewHealthHandler(deps.Store, deps.Cache, deps.Queue)
	sessionHandler := session_handlers.NewSessionHandler(deps.Sessions, deps.Queue, deps.Spaces)
	collectionHandler := collection_handlers.NewCollectionHandler(deps.Collections)

	// Health check endpoint (public)
	app.Get("/health", healthHandler.Check)

	// API v1 group
	api := app.Group("/api/v1")

	sessionGroup := api.Group("/sessions")
	sessionGroup.Post("/", sessionHandler.Create)
	sessionGroup.Get("/", sessionHandler.List)
	sessionGroup.Get("/:session_id", sessionHandler.Get)
	sessionGroup.Delete("/:session_id", sessionHandler.Cancel)

	collectionGroup := api.Group("/collections")
	collectionGroup.Get("/:collection_id", collectionHandler.Get)
	collectionGroup.Get("/:collection_id/items", collectionHandler.ListItems)

	log.Println("Routes registered successfully")
}
