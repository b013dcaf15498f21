// Package config loads service configuration from an optional .env file,
// SEGWATCH_-prefixed environment variables and a YAML alert query file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable name.
const Prefix = "SEGWATCH"

// Config holds all environment-based configuration.
type Config struct {
	// Env: SEGWATCH_PORT (default: 8080)
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsPort int    `envconfig:"METRICS_PORT" default:"9090"`
	CORSOrigin  string `envconfig:"CORS_ORIGIN" default:"*"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"INFO"`

	// VectorBackend selects the candidate index: qdrant or pgvector.
	VectorBackend string `envconfig:"VECTOR_BACKEND" default:"qdrant"`
	QdrantAddr    string `envconfig:"QDRANT_ADDR" default:"localhost:6334"`
	Collection    string `envconfig:"COLLECTION" default:"segments"`
	PostgresDSN   string `envconfig:"POSTGRES_DSN"`
	PostgresTable string `envconfig:"POSTGRES_TABLE" default:"segments"`
	Dimensions    int    `envconfig:"DIMENSIONS" default:"768"`

	OllamaURL      string        `envconfig:"OLLAMA_URL" default:"http://localhost:11434"`
	OllamaModel    string        `envconfig:"OLLAMA_MODEL" default:"nomic-embed-text"`
	EmbedTimeout   time.Duration `envconfig:"EMBED_TIMEOUT" default:"30s"`
	EmbedCacheSize int           `envconfig:"EMBED_CACHE_SIZE" default:"512"`
	EmbedCacheTTL  time.Duration `envconfig:"EMBED_CACHE_TTL" default:"1h"`

	// AlertStore selects the alert-record store: sqlite, neo4j or memory.
	AlertStore    string `envconfig:"ALERT_STORE" default:"sqlite"`
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"segwatch.db"`
	Neo4jURL      string `envconfig:"NEO4J_URL" default:"neo4j://localhost:7687"`
	Neo4jUser     string `envconfig:"NEO4J_USER" default:"neo4j"`
	Neo4jPass     string `envconfig:"NEO4J_PASS" default:"password"`
	Neo4jDatabase string `envconfig:"NEO4J_DATABASE"`

	NATSURL           string `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	NotifySubject     string `envconfig:"NOTIFY_SUBJECT" default:"segwatch.notify"`
	NotifyDestination string `envconfig:"NOTIFY_DESTINATION" default:"default"`
	TriggerSubject    string `envconfig:"TRIGGER_SUBJECT" default:"segwatch.alerts.run"`
	SummarySubject    string `envconfig:"SUMMARY_SUBJECT" default:"segwatch.alerts.summary"`
	IngestSubject     string `envconfig:"INGEST_SUBJECT" default:"segwatch.ingest"`
	// DryRun logs notifications instead of dispatching them.
	DryRun bool `envconfig:"DRY_RUN" default:"false"`

	TopK             int           `envconfig:"TOP_K" default:"10"`
	MaxTopK          int           `envconfig:"MAX_TOP_K" default:"100"`
	Cooldown         time.Duration `envconfig:"COOLDOWN" default:"1h"`
	Lookback         time.Duration `envconfig:"LOOKBACK" default:"24h"`
	DefaultThreshold float64       `envconfig:"DEFAULT_THRESHOLD" default:"0.75"`
	Interval         time.Duration `envconfig:"INTERVAL" default:"5m"`
	CallTimeout      time.Duration `envconfig:"CALL_TIMEOUT" default:"10s"`
	RetryAttempts    int           `envconfig:"RETRY_ATTEMPTS" default:"3"`

	QueriesFile string `envconfig:"QUERIES_FILE" default:"queries.yaml"`
}

// LoadDotEnv loads path (".env" when empty) if it exists. Existing
// environment variables win.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Load reads the .env file, then the environment, and validates the result.
func Load(envPath string) (Config, error) {
	if err := LoadDotEnv(envPath); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.TopK >= 1, "top_k must be >= 1, got %d", c.TopK)
	check(c.MaxTopK >= c.TopK, "max_top_k must be >= top_k, got %d", c.MaxTopK)
	check(c.Dimensions >= 1, "dimensions must be >= 1, got %d", c.Dimensions)
	check(c.Cooldown > 0, "cooldown must be > 0, got %s", c.Cooldown)
	check(c.Lookback > 0, "lookback must be > 0, got %s", c.Lookback)
	check(c.Interval > 0, "interval must be > 0, got %s", c.Interval)
	check(c.CallTimeout > 0, "call_timeout must be > 0, got %s", c.CallTimeout)
	check(c.RetryAttempts >= 1, "retry_attempts must be >= 1, got %d", c.RetryAttempts)
	check(finite(c.DefaultThreshold), "default_threshold must be finite, got %v", c.DefaultThreshold)

	switch c.VectorBackend {
	case "qdrant":
	case "pgvector":
		check(c.PostgresDSN != "", "postgres_dsn is required for the pgvector backend")
	default:
		errs = append(errs, fmt.Errorf("unknown vector_backend %q", c.VectorBackend))
	}
	switch c.AlertStore {
	case "sqlite", "neo4j", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown alert_store %q", c.AlertStore))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses LogLevel, defaulting to Info.
func (c Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return l
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
