package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Port        string `validate:"required"`
	Environment string
	AppId       string
	PublicURL   string

	MongoURI string `validate:"required"`
	DBName   string `validate:"required"`

	RedisAddr     string `validate:"required"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	JWTSecret   string
	SkipAuth    bool
	CORSOrigins string

	// CredentialsKey is the hex encoded 32 byte key sealing integration credentials at rest.
	CredentialsKey string `validate:"required,hexadecimal,len=64"`

	HTTPTimeout time.Duration `validate:"gt=0"`

	LockTTL        time.Duration `validate:"gt=0"`
	RetryBaseDelay time.Duration `validate:"gt=0"`
	MaxAttempts    int           `validate:"gte=1"`
	JobTimeout     time.Duration `validate:"gt=0"`
	WorkerCount    int           `validate:"gte=1"`
	QueuePoll      time.Duration `validate:"gt=0"`

	WebhookTimeout time.Duration `validate:"gt=0"`

	BreakerThreshold int           `validate:"gte=1"`
	BreakerWindow    time.Duration `validate:"gt=0"`

	LedgerBackend     string `validate:"oneof=mongo postgres"`
	LedgerPostgresDSN string `validate:"required_if=LedgerBackend postgres"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	} else {
		log.Println("Loaded .env file successfully")
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		AppId:       getEnv("APP_ID", "go-crmsync"),
		PublicURL:   getEnv("PUBLIC_URL", "http://localhost:8080"),

		MongoURI: getEnv("MONGO_URI", "mongodb://localhost:27017"),
		DBName:   getEnv("DB_NAME", "botplatform"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		JWTSecret:   getEnv("JWT_SECRET", "secret"),
		SkipAuth:    getEnvBool("SKIP_AUTH", false),
		CORSOrigins: getEnv("CORS_ORIGINS", "http://localhost:3000"),

		CredentialsKey: getEnv("CREDENTIALS_KEY", ""),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 30*time.Second),

		LockTTL:        getEnvDuration("LOCK_TTL", 5*time.Minute),
		RetryBaseDelay: getEnvDuration("RETRY_BASE_DELAY", 30*time.Second),
		MaxAttempts:    getEnvInt("MAX_ATTEMPTS", 3),
		JobTimeout:     getEnvDuration("JOB_TIMEOUT", 120*time.Second),
		WorkerCount:    getEnvInt("WORKER_COUNT", 4),
		QueuePoll:      getEnvDuration("QUEUE_POLL", time.Second),

		WebhookTimeout: getEnvDuration("WEBHOOK_TIMEOUT", 30*time.Second),

		BreakerThreshold: getEnvInt("BREAKER_THRESHOLD", 10),
		BreakerWindow:    getEnvDuration("BREAKER_WINDOW", time.Hour),

		LedgerBackend:     getEnv("LEDGER_BACKEND", "mongo"),
		LedgerPostgresDSN: getEnv("LEDGER_POSTGRES_DSN", ""),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid integer for %s=%q, using %d", key, value, fallback)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	return value == "true" || value == "1"
}

// getEnvDuration accepts Go duration strings ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Printf("Invalid duration for %s=%q, using %s", key, value, fallback)
	return fallback
}
