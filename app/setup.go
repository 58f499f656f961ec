package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/quizforge/api/api"
	"github.com/quizforge/api/config"
	"github.com/quizforge/api/database"
	"github.com/quizforge/api/router"
	"github.com/quizforge/api/services"
	cronjobs "github.com/quizforge/api/services/cron"
	"github.com/quizforge/api/services/digitalocean"
	"github.com/quizforge/api/utils/cache"
)

func SetupAndRunServer() error {

	// Load ENV
	if err := config.LoadENV(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	getEnv, err := config.Get()
	if err != nil {
		return err
	}

	// Initialize GORM database connection
	store, err := database.StartGORM()
	if err != nil {
		print("Check whether the Postgres is running or not\n")
		return err
	}

	if err := store.Init(); err != nil {
		print("Failed to initialize database tables\n")
		return err
	}

	// Redis is optional: without it the status mirror and cancellation
	// flags are disabled, but the pipeline still runs
	var redisCache *cache.RedisCache
	if getEnv.REDIS_URL != "" {
		redisCache, err = cache.NewRedisCache(getEnv.REDIS_URL)
		if err != nil {
			log.Printf("Warning: Failed to connect to Redis: %v. Status mirror disabled.", err)
			redisCache = nil
		}
	}

	// Object storage
	spaces, err := digitalocean.NewSpacesClientFromGlobalConfig()
	if err != nil {
		return fmt.Errorf("failed to initialize Spaces client: %w", err)
	}

	// LLM and embedding clients
	inference := digitalocean.NewInferenceClient(digitalocean.InferenceConfig{
		APIKey: getEnv.DO_INFERENCE_API_KEY,
		Model:  getEnv.INFERENCE_MODEL,
	})
	embeddings := digitalocean.NewEmbeddingsClient(digitalocean.EmbeddingsConfig{
		APIKey: getEnv.DO_INFERENCE_API_KEY,
		Model:  getEnv.EMBEDDING_MODEL,
	})
	limiter := digitalocean.NewRateLimiter(digitalocean.DefaultRateLimiterConfig())

	// A typed nil *RedisCache must not masquerade as a live StatusCache
	var statusCache services.StatusCache
	if redisCache != nil {
		statusCache = redisCache
	}

	// Pipeline services
	db := store.GetDB()
	sessionStore := database.NewGormSessionStore(db)
	sessionService := services.NewSessionService(sessionStore, statusCache, getEnv.DEFAULT_LANGUAGE)
	extractionService := services.NewExtractionService(inference, spaces, limiter)
	qaGenerator := services.NewQAGenerator(inference, limiter)
	embeddingService := services.NewEmbeddingService(embeddings)
	collectionService := services.NewCollectionService(db)

	pipeline := services.NewPipelineService(
		sessionService,
		extractionService,
		qaGenerator,
		embeddingService,
		collectionService,
		statusCache,
	)

	queue := services.NewQueueService(db, pipeline, sessionService,
		getEnv.QUEUE_WORKERS, time.Duration(getEnv.QUEUE_POLL_SECONDS)*time.Second)

	// Queue workers run for the lifetime of the server
	queueCtx, cancelQueue := context.WithCancel(context.Background())
	go queue.Start(queueCtx)

	// Initialize Cron Manager (only if enabled via environment variable)
	var cronManager *cronjobs.CronManager
	if os.Getenv("CRON_ENABLED") != "false" { // Default to enabled
		sessionTimeout := time.Duration(getEnv.SESSION_TIMEOUT_MINUTES) * time.Minute
		cronManager = cronjobs.NewCronManager(db, spaces, sessionTimeout)
		if err := cronManager.Start(); err != nil {
			log.Printf("Warning: Failed to start cron jobs: %v", err)
		}
	}

	// Defer Closing DB, queue workers and cron jobs
	defer func() {
		cancelQueue()
		if cronManager != nil {
			cronManager.Stop()
		}
		if redisCache != nil {
			redisCache.Close()
		}
		store.Close()
	}()

	// Init API
	server := api.NewAPIServer(fmt.Sprintf(":%d", getEnv.PORT))
	app := server.GetEngine()

	// Attach Middleware
	app.Use(logger.New())
	app.Use(recover.New())

	// Setup Routes
	router.SetupRoutes(app, router.Dependencies{
		Store:       store,
		Cache:       redisCache,
		Sessions:    sessionService,
		Queue:       queue,
		Collections: collectionService,
		Spaces:      spaces,
	})

	// Get the PORT & Start the Server
	return server.Run()
}
