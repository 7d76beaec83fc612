package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the jobdeck server and worker.
type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Database DatabaseConfig
	Files    FilesConfig
	Batch    BatchConfig
	Workflow WorkflowConfig
	Worker   WorkerConfig
	Janitor  JanitorConfig
	Security SecurityConfig
	Live     LiveConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type RedisConfig struct {
	URL string
}

// DatabaseConfig configures the optional outcome archive. An empty URL
// disables it.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type FilesConfig struct {
	UploadDir  string
	BlobDir    string
	BlobBucket string
}

type BatchConfig struct {
	EndpointURL string
	ChunkSize   int
	SendTimeout time.Duration
}

type WorkflowConfig struct {
	EngineURL       string
	CallbackURL     string
	DefinitionsFile string
	TriggerTimeout  time.Duration
}

type WorkerConfig struct {
	Concurrency int
}

type JanitorConfig struct {
	Schedule string
}

type SecurityConfig struct {
	OperatorKeyHash      string
	WebhookRatePerMinute int
}

type LiveConfig struct {
	ProgressThrottle time.Duration
}

// Load reads configuration from environment variables, after applying a .env
// file from the working directory when one exists, and returns a validated Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("JOBDECK_PORT", 8080),
			Env:  envString("JOBDECK_ENV", "development"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Files: FilesConfig{
			UploadDir:  envString("UPLOAD_DIR", "uploads"),
			BlobDir:    envString("BLOB_DIR", "blobs"),
			BlobBucket: envString("BLOB_BUCKET", "daily-sales"),
		},
		Batch: BatchConfig{
			EndpointURL: os.Getenv("EXTERNAL_API_URL"),
			ChunkSize:   envInt("BATCH_CHUNK_SIZE", 500),
			SendTimeout: envDuration("BATCH_SEND_TIMEOUT", 20*time.Second),
		},
		Workflow: WorkflowConfig{
			EngineURL:       os.Getenv("WORKFLOW_ENGINE_URL"),
			CallbackURL:     os.Getenv("WORKFLOW_CALLBACK_URL"),
			DefinitionsFile: os.Getenv("WORKFLOW_DEFINITIONS_FILE"),
			TriggerTimeout:  envDuration("WORKFLOW_TRIGGER_TIMEOUT", 15*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency: envInt("WORKER_CONCURRENCY", 1),
		},
		Janitor: JanitorConfig{
			Schedule: envString("JANITOR_SCHEDULE", "@every 5m"),
		},
		Security: SecurityConfig{
			OperatorKeyHash:      os.Getenv("OPERATOR_KEY_HASH"),
			WebhookRatePerMinute: envInt("WEBHOOK_RATE_LIMIT_PER_MIN", 600),
		},
		Live: LiveConfig{
			ProgressThrottle: envDuration("LIVE_PROGRESS_THROTTLE", 0),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if err := validURL("EXTERNAL_API_URL", c.Batch.EndpointURL); err != nil {
		return err
	}
	if err := validURL("WORKFLOW_ENGINE_URL", c.Workflow.EngineURL); err != nil {
		return err
	}
	if err := validURL("WORKFLOW_CALLBACK_URL", c.Workflow.CallbackURL); err != nil {
		return err
	}

	if c.Batch.ChunkSize <= 0 {
		return fmt.Errorf("BATCH_CHUNK_SIZE must be positive, got %d", c.Batch.ChunkSize)
	}
	if c.Batch.SendTimeout <= 0 {
		return fmt.Errorf("BATCH_SEND_TIMEOUT must be positive, got %s", c.Batch.SendTimeout)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency)
	}

	if c.Security.OperatorKeyHash != "" && !strings.HasPrefix(c.Security.OperatorKeyHash, "$2") {
		return fmt.Errorf("OPERATOR_KEY_HASH must be a bcrypt hash")
	}

	return nil
}

// validURL accepts an empty value; features needing the URL check for it at use.
func validURL(name, v string) error {
	if v == "" {
		return nil
	}
	if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
		return fmt.Errorf("%s must start with http:// or https://, got %q", name, v)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
