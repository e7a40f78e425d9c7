package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends
const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Firestore FirestoreConfig
	Pipeline  PipelineConfig
	Logger    LoggerConfig
}

type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type StorageConfig struct {
	Backend string
	Timeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type FirestoreConfig struct {
	ProjectID  string
	DatabaseID string
	Collection string
}

type PipelineConfig struct {
	Concurrency     int
	RateTablePath   string // empty uses the embedded table
	LookaheadBytes  int64
	RetroactiveDays int
	VerifySignature bool
}

type LoggerConfig struct {
	Level string
}

// Load reads an optional .env file, then the environment
func Load() (*Config, error) {
	for _, envFile := range []string{".env", "../.env"} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}
	return FromEnv()
}

// LoadFile reads the given .env file, which must exist, then the
// environment. Variables already set in the environment win.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables only
func FromEnv() (*Config, error) {
	p := &envParser{}

	cfg := &Config{
		Server: ServerConfig{
			Address:      getEnv("SERVER_ADDRESS", ":8080"),
			ReadTimeout:  p.duration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: p.duration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(getEnv("STORAGE_BACKEND", BackendMemory)),
			Timeout: p.duration("STORAGE_TIMEOUT", 5*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "fiscal"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Firestore: FirestoreConfig{
			ProjectID:  getEnv("FIRESTORE_PROJECT_ID", ""),
			DatabaseID: getEnv("FIRESTORE_DATABASE_ID", ""),
			Collection: getEnv("FIRESTORE_COLLECTION", "fiscal_documents"),
		},
		Pipeline: PipelineConfig{
			Concurrency:     p.int("WORKER_CONCURRENCY", runtime.NumCPU()),
			RateTablePath:   getEnv("RATE_TABLE_PATH", ""),
			LookaheadBytes:  int64(p.int("LOOKAHEAD_BYTES", 64*1024)),
			RetroactiveDays: p.int("RETROACTIVE_DAYS", 5),
			VerifySignature: p.bool("SIGNATURE_VERIFY", true),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
	if p.err != nil {
		return nil, p.err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot start with
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendPostgres:
	case BackendFirestore:
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("FIRESTORE_PROJECT_ID is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Timeout <= 0 {
		return fmt.Errorf("storage timeout must be positive, got %s", c.Storage.Timeout)
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive, got %d", c.Pipeline.Concurrency)
	}
	if c.Pipeline.LookaheadBytes <= 0 {
		return fmt.Errorf("lookahead must be positive, got %d", c.Pipeline.LookaheadBytes)
	}
	if c.Pipeline.RetroactiveDays < 0 {
		return fmt.Errorf("retroactive days cannot be negative, got %d", c.Pipeline.RetroactiveDays)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envParser keeps the first conversion error
type envParser struct {
	err error
}

func (p *envParser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (p *envParser) int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return n
}

func (p *envParser) bool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return b
}

// duration accepts Go durations ("5s") and plain seconds ("30")
func (p *envParser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return d
}
