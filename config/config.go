package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadENV loads environment variables from .env when GO_ENV is unset or development
func LoadENV() error {
	goEnv := os.Getenv("GO_ENV")

	if goEnv == "" || goEnv == "development" {
		err := godotenv.Load()
		if err != nil {
			return err
		}
	}

	return nil
}

type EnvironmentVariable struct {
	GO_ENV       string
	PORT         int
	DB_USER_NAME string
	DB_PASSWORD  string
	DB_NAME      string
	DB_HOST      string
	DB_PORT      string
	DB_SSL_MODE  string
	// Redis Configuration
	REDIS_URL string
	// DigitalOcean Configuration
	DO_SPACES_ACCESS_KEY string
	DO_SPACES_SECRET_KEY string
	DO_SPACES_BUCKET     string
	DO_SPACES_REGION     string
	DO_SPACES_ENDPOINT   string
	// Inference / embedding services
	DO_INFERENCE_API_KEY string
	INFERENCE_MODEL      string
	EMBEDDING_MODEL      string
	// Pipeline configuration
	DEFAULT_LANGUAGE        string
	SESSION_TIMEOUT_MINUTES int
	QUEUE_WORKERS           int
	QUEUE_POLL_SECONDS      int
}

func Get() (*EnvironmentVariable, error) {

	port, err := strconv.Atoi(os.Getenv("PORT"))
	if err != nil {
		port = 8080
	}

	// Database defaults
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}

	dbPort := os.Getenv("DB_PORT")
	if dbPort == "" {
		dbPort = "5432"
	}

	defaultLanguage := os.Getenv("QUIZFORGE_DEFAULT_LANGUAGE")
	if defaultLanguage == "" {
		defaultLanguage = "ja"
	}

	sessionTimeout, err := strconv.Atoi(os.Getenv("SESSION_TIMEOUT_MINUTES"))
	if err != nil || sessionTimeout <= 0 {
		sessionTimeout = 15
	}

	queueWorkers, err := strconv.Atoi(os.Getenv("QUEUE_WORKERS"))
	if err != nil || queueWorkers <= 0 {
		queueWorkers = 2
	}

	queuePoll, err := strconv.Atoi(os.Getenv("QUEUE_POLL_SECONDS"))
	if err != nil || queuePoll <= 0 {
		queuePoll = 2
	}

	envVariables := &EnvironmentVariable{
		GO_ENV:       os.Getenv("GO_ENV"),
		PORT:         port,
		DB_USER_NAME: os.Getenv("DB_USER_NAME"),
		DB_PASSWORD:  os.Getenv("DB_PASSWORD"),
		DB_NAME:      os.Getenv("DB_NAME"),
		DB_HOST:      dbHost,
		DB_PORT:      dbPort,
		DB_SSL_MODE:  os.Getenv("DB_SSL_MODE"),
		// Redis
		REDIS_URL: os.Getenv("REDIS_URL"),
		// DigitalOcean
		DO_SPACES_ACCESS_KEY: os.Getenv("DO_SPACES_ACCESS_KEY"),
		DO_SPACES_SECRET_KEY: os.Getenv("DO_SPACES_SECRET_KEY"),
		DO_SPACES_BUCKET:     os.Getenv("DO_SPACES_BUCKET"),
		DO_SPACES_REGION:     os.Getenv("DO_SPACES_REGION"),
		DO_SPACES_ENDPOINT:   os.Getenv("DO_SPACES_ENDPOINT"),
		// Inference / embeddings
		DO_INFERENCE_API_KEY: os.Getenv("DO_INFERENCE_API_KEY"),
		INFERENCE_MODEL:      os.Getenv("INFERENCE_MODEL"),
		EMBEDDING_MODEL:      os.Getenv("EMBEDDING_MODEL"),
		// Pipeline
		DEFAULT_LANGUAGE:        defaultLanguage,
		SESSION_TIMEOUT_MINUTES: sessionTimeout,
		QUEUE_WORKERS:           queueWorkers,
		QUEUE_POLL_SECONDS:      queuePoll,
	}

	return envVariables, nil
}
