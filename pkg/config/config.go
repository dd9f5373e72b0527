package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const Version = "0.3.0"

// Fallback attaches unresolved foreign keys of one column to a named default entity
type Fallback struct {
	EntityType string `yaml:"entity"`
	Column     string `yaml:"column"`
	Name       string `yaml:"name"`
}

// Config holds application configuration
type Config struct {
	// Source API
	SourceBaseURL      string        `yaml:"source_base_url"`
	SourceToken        string        `yaml:"-"`
	PageSize           int           `yaml:"page_size"`
	MaxPages           int           `yaml:"max_pages"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	MinRequestInterval time.Duration `yaml:"min_request_interval"`
	MaxRetries         int           `yaml:"max_retries"`
	BackoffInitial     time.Duration `yaml:"backoff_initial"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	FetchConcurrency   int           `yaml:"fetch_concurrency"`

	// Run
	RunTimeout   time.Duration `yaml:"run_timeout"`
	AuditLogPath string        `yaml:"audit_log_path"`

	// Resolution
	Fallbacks          []Fallback `yaml:"fallbacks"`
	IdentityNameMatch  []string   `yaml:"identity_name_match"`
	MinNameMatchLength int        `yaml:"min_name_match_length"`

	// Storage configuration
	StorageType string `yaml:"storage_type"` // "sqlite" or "memory"
	DBPath      string `yaml:"db_path"`
	SchemaDir   string `yaml:"schema_dir"`

	// Locking
	LockBackend string        `yaml:"lock_backend"` // "store" or "redis"
	LockTTL     time.Duration `yaml:"lock_ttl"`

	// Server configuration
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Cache configuration
	CacheType string `yaml:"cache_type"` // "memory" or "redis"
	CacheTTL  int    `yaml:"cache_ttl"`  // seconds
	CacheSize int    `yaml:"cache_size"`
	RedisHost string `yaml:"redis_host"`
	RedisPort int    `yaml:"redis_port"`

	DefaultPageSize int `yaml:"default_page_size"`
	MaxEntitySize   int `yaml:"max_entity_size"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "console" or "json"
	Debug     bool   `yaml:"debug"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		SourceBaseURL:      "http://localhost:8081",
		PageSize:           100,
		MaxPages:           200,
		RequestTimeout:     30 * time.Second,
		MinRequestInterval: 200 * time.Millisecond,
		MaxRetries:         5,
		BackoffInitial:     500 * time.Millisecond,
		BackoffMax:         30 * time.Second,
		FetchConcurrency:   3,
		RunTimeout:         30 * time.Minute,
		IdentityNameMatch:  []string{"organization", "location", "project", "theme"},
		MinNameMatchLength: 3,
		StorageType:        "sqlite",
		DBPath:             "storysync.db",
		LockBackend:        "store",
		LockTTL:            time.Hour,
		Host:               "0.0.0.0",
		Port:               9090,
		CacheType:          "memory",
		CacheTTL:           300,
		CacheSize:          1024,
		RedisHost:          "localhost",
		RedisPort:          6379,
		DefaultPageSize:    25,
		MaxEntitySize:      1048576, // 1MB
		LogLevel:           "info",
		LogFormat:          "console",
	}
}

// Load builds the configuration with precedence defaults < YAML file < .env < environment.
// An empty path falls back to STORYSYNC_CONFIG; a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("STORYSYNC_CONFIG")
	}
	if path != "" {
		if err := LoadYAML(cfg, path); err != nil {
			return nil, err
		}
	}

	// .env files are optional
	_ = godotenv.Load(".env.local", ".env")

	LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadYAML overlays a YAML file onto cfg
func LoadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv(cfg *Config) {
	if val := os.Getenv("SOURCE_BASE_URL"); val != "" {
		cfg.SourceBaseURL = val
	}
	if val := getEnvOrFile("SOURCE_API_TOKEN", "SOURCE_API_TOKEN_FILE"); val != "" {
		cfg.SourceToken = val
	}
	if val := os.Getenv("PAGE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.PageSize = n
		}
	}
	if val := os.Getenv("MAX_PAGES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.MaxPages = n
		}
	}
	if val := os.Getenv("REQUEST_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.RequestTimeout = d
		}
	}
	if val := os.Getenv("MIN_REQUEST_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.MinRequestInterval = d
		}
	}
	if val := os.Getenv("MAX_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.MaxRetries = n
		}
	}
	if val := os.Getenv("FETCH_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.FetchConcurrency = n
		}
	}
	if val := os.Getenv("RUN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.RunTimeout = d
		}
	}
	if val := os.Getenv("AUDIT_LOG_PATH"); val != "" {
		cfg.AuditLogPath = val
	}
	if val := os.Getenv("IDENTITY_NAME_MATCH"); val != "" {
		cfg.IdentityNameMatch = splitList(val)
	}
	if val := os.Getenv("STORAGE_TYPE"); val != "" {
		cfg.StorageType = val
	}
	if val := os.Getenv("DB_PATH"); val != "" {
		cfg.DBPath = val
	}
	if val := os.Getenv("SCHEMA_DIR"); val != "" {
		cfg.SchemaDir = val
	}
	if val := os.Getenv("LOCK_BACKEND"); val != "" {
		cfg.LockBackend = val
	}
	if val := os.Getenv("HOST"); val != "" {
		cfg.Host = val
	}
	if val := os.Getenv("PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Port = port
		}
	}
	if val := os.Getenv("CACHE_TYPE"); val != "" {
		cfg.CacheType = val
	}
	if val := os.Getenv("CACHE_TTL"); val != "" {
		if ttl, err := strconv.Atoi(val); err == nil {
			cfg.CacheTTL = ttl
		}
	}
	if val := os.Getenv("REDIS_HOST"); val != "" {
		cfg.RedisHost = val
	}
	if val := os.Getenv("REDIS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.RedisPort = port
		}
	}
	if val := os.Getenv("MAX_ENTITY_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			cfg.MaxEntitySize = size
		}
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		cfg.LogFormat = val
	}
	if val := os.Getenv("DEBUG"); val != "" {
		cfg.Debug = parseBool(val)
	}
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max_pages must be positive, got %d", c.MaxPages)
	}
	if c.FetchConcurrency <= 0 {
		return fmt.Errorf("fetch_concurrency must be positive, got %d", c.FetchConcurrency)
	}
	switch c.LockBackend {
	case "store", "redis":
	default:
		return fmt.Errorf("unknown lock backend: %s", c.LockBackend)
	}
	for _, fb := range c.Fallbacks {
		if fb.EntityType == "" || fb.Column == "" || fb.Name == "" {
			return fmt.Errorf("fallback needs entity, column and name: %+v", fb)
		}
	}
	return nil
}

// RedisAddr returns host:port of the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// getEnvOrFile reads a value from an env var or from the file named by fileKey
func getEnvOrFile(key, fileKey string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	if path := os.Getenv(fileKey); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(val string) bool {
	val = strings.ToLower(val)
	return val == "true" || val == "1" || val == "yes"
}
