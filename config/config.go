package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variables that override the config file
const EnvPrefix = "SHORTLINK"

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	BloomFilter BloomFilterConfig `yaml:"bloom_filter"`
	Snowflake   SnowflakeConfig   `yaml:"snowflake"`
	Lifecycle   LifecycleConfig   `yaml:"lifecycle"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Cache       CacheConfig       `yaml:"cache"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	CORS        CORSConfig        `yaml:"cors"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port            int    `yaml:"port" envconfig:"SERVER_PORT"`
	Mode            string `yaml:"mode" envconfig:"SERVER_MODE"`
	BaseURL         string `yaml:"base_url" envconfig:"SERVER_BASE_URL"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" envconfig:"SERVER_SHUTDOWN_TIMEOUT"` // seconds
}

// DatabaseConfig selects the gorm dialector and its connection settings
type DatabaseConfig struct {
	Driver       string `yaml:"driver" envconfig:"DB_DRIVER"` // mysql, postgres, sqlite
	Host         string `yaml:"host" envconfig:"DB_HOST"`
	Port         int    `yaml:"port" envconfig:"DB_PORT"`
	Username     string `yaml:"username" envconfig:"DB_USER"`
	Password     string `yaml:"password" envconfig:"DB_PASSWORD"`
	Database     string `yaml:"database" envconfig:"DB_NAME"`
	SSLMode      string `yaml:"ssl_mode" envconfig:"DB_SSLMODE"`
	Path         string `yaml:"path" envconfig:"DB_PATH"` // sqlite only
	MaxIdleConns int    `yaml:"max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS"`
	MaxOpenConns int    `yaml:"max_open_conns" envconfig:"DB_MAX_OPEN_CONNS"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Host     string `yaml:"host" envconfig:"REDIS_HOST"`
	Port     int    `yaml:"port" envconfig:"REDIS_PORT"`
	Password string `yaml:"password" envconfig:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" envconfig:"REDIS_DB"`
	PoolSize int    `yaml:"pool_size" envconfig:"REDIS_POOL_SIZE"`
}

// BloomFilterConfig represents Bloom filter configuration
type BloomFilterConfig struct {
	Capacity          uint    `yaml:"capacity"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
}

// SnowflakeConfig represents Snowflake ID generator configuration
type SnowflakeConfig struct {
	DatacenterID int64 `yaml:"datacenter_id" envconfig:"SNOWFLAKE_DATACENTER_ID"`
	WorkerID     int64 `yaml:"worker_id" envconfig:"SNOWFLAKE_WORKER_ID"`
}

// LifecycleConfig holds link lifetime settings
type LifecycleConfig struct {
	DefaultLifetime    int      `yaml:"default_lifetime" envconfig:"LIFETIME"` // seconds
	ReservedAliases    []string `yaml:"reserved_aliases"`
	MaxAllocations     int      `yaml:"max_allocations"`
	MaxInsertRetries   int      `yaml:"max_insert_retries"`
	RecoverOnStartup   bool     `yaml:"recover_on_startup" envconfig:"RECOVER_ON_STARTUP"`
	CacheNamespace     string   `yaml:"cache_namespace"`
	StatsCacheTTL      int      `yaml:"stats_cache_ttl"` // seconds
	RecoverTimeoutSecs int      `yaml:"recover_timeout"`
}

// SchedulerConfig selects the retirement scheduler backend
type SchedulerConfig struct {
	Driver           string `yaml:"driver" envconfig:"SCHEDULER_DRIVER"` // redis, memory
	KeyPrefix        string `yaml:"key_prefix"`
	PollInterval     int    `yaml:"poll_interval"`     // milliseconds
	BatchSize        int64  `yaml:"batch_size"`        // due tasks claimed per poll
	StalenessHorizon int    `yaml:"staleness_horizon"` // seconds past the nominal firing time
	RetryDelay       int    `yaml:"retry_delay"`       // milliseconds before a failed task runs again
}

// CacheConfig represents the response cache configuration
type CacheConfig struct {
	Prefix string `yaml:"prefix"`
}

// AuthConfig configures bearer-token identity
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	Issuer    string `yaml:"issuer"`
}

// RateLimitConfig represents rate limiting configuration
type RateLimitConfig struct {
	Enabled   bool                `yaml:"enabled" envconfig:"RATE_LIMIT_ENABLED"`
	Strategy  string              `yaml:"strategy"`
	Global    RateLimitRule       `yaml:"global"`
	Endpoints []EndpointRateLimit `yaml:"endpoints"`
}

// RateLimitRule is a limit over a window in seconds
type RateLimitRule struct {
	Limit  int `yaml:"limit"`
	Window int `yaml:"window"`
}

// EndpointRateLimit applies a rule to one route
type EndpointRateLimit struct {
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
	Limit  int    `yaml:"limit"`
	Window int    `yaml:"window"`
}

// CORSConfig represents CORS configuration
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level string `yaml:"level" envconfig:"LOG_LEVEL"` // debug, info, warn, error
}

// DSN returns the data source name for the configured driver
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode)
	case "sqlite":
		return d.Path
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			d.Username, d.Password, d.Host, d.Port, d.Database)
	}
}

// Validate validates the database configuration
func (d *DatabaseConfig) Validate() error {
	switch d.Driver {
	case "mysql", "postgres":
		if d.Host == "" {
			return fmt.Errorf("host cannot be empty")
		}
		if d.Database == "" {
			return fmt.Errorf("database name cannot be empty")
		}
	case "sqlite":
		if d.Path == "" {
			return fmt.Errorf("sqlite path cannot be empty")
		}
	default:
		return fmt.Errorf("invalid driver: %q (must be one of: mysql, postgres, sqlite)", d.Driver)
	}
	if d.MaxOpenConns < 0 || d.MaxIdleConns < 0 {
		return fmt.Errorf("connection pool sizes cannot be negative")
	}
	return nil
}

// Addr returns Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Validate validates the lifecycle configuration
func (l *LifecycleConfig) Validate() error {
	if l.DefaultLifetime <= 0 {
		return fmt.Errorf("default lifetime must be positive")
	}
	if l.MaxAllocations <= 0 {
		return fmt.Errorf("max allocations must be positive")
	}
	if l.CacheNamespace == "" {
		return fmt.Errorf("cache namespace cannot be empty")
	}
	return nil
}

// Validate validates the scheduler configuration
func (s *SchedulerConfig) Validate() error {
	if s.Driver != "redis" && s.Driver != "memory" {
		return fmt.Errorf("invalid scheduler driver: %q (must be redis or memory)", s.Driver)
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if s.StalenessHorizon <= 0 {
		return fmt.Errorf("staleness horizon must be positive")
	}
	if s.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}
	return nil
}

// Validate validates the log configuration
func (l *LogConfig) Validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", l.Level)
}

// Validate runs every section validator
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("invalid database config: %w", err)
	}
	if err := c.Lifecycle.Validate(); err != nil {
		return fmt.Errorf("invalid lifecycle config: %w", err)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("invalid scheduler config: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("invalid log config: %w", err)
	}
	return nil
}

// PollEvery returns the scheduler poll interval
func (s *SchedulerConfig) PollEvery() time.Duration {
	return time.Duration(s.PollInterval) * time.Millisecond
}

// Horizon returns the scheduler staleness horizon
func (s *SchedulerConfig) Horizon() time.Duration {
	return time.Duration(s.StalenessHorizon) * time.Second
}

// Backoff returns how long a failed task waits before running again
func (s *SchedulerConfig) Backoff() time.Duration {
	return time.Duration(s.RetryDelay) * time.Millisecond
}

// Default returns the configuration used when a key is missing from the file
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080, Mode: "release", ShutdownTimeout: 5},
		Database: DatabaseConfig{
			Driver:       "mysql",
			Port:         3306,
			SSLMode:      "disable",
			MaxIdleConns: 10,
			MaxOpenConns: 100,
		},
		Redis:       RedisConfig{Host: "localhost", Port: 6379, PoolSize: 10},
		BloomFilter: BloomFilterConfig{Capacity: 1000000, FalsePositiveRate: 0.001},
		Lifecycle: LifecycleConfig{
			DefaultLifetime:    86400,
			ReservedAliases:    []string{"search", "tools", "projects", "shorten", "health"},
			MaxAllocations:     1000,
			MaxInsertRetries:   5,
			RecoverOnStartup:   true,
			CacheNamespace:     "url",
			StatsCacheTTL:      60,
			RecoverTimeoutSecs: 30,
		},
		Scheduler: SchedulerConfig{
			Driver:           "redis",
			KeyPrefix:        "retire",
			PollInterval:     500,
			BatchSize:        100,
			StalenessHorizon: 3600,
			RetryDelay:       5000,
		},
		Cache: CacheConfig{Prefix: "short-link-cache"},
		Auth:  AuthConfig{Issuer: "short-link"},
		RateLimit: RateLimitConfig{
			Strategy: "sliding_window",
			Global:   RateLimitRule{Limit: 100, Window: 60},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load loads configuration from file, then applies environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and applies environment overrides
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Unset variables leave the file values untouched.
	sections := []any{
		&cfg.Server, &cfg.Database, &cfg.Redis, &cfg.Snowflake, &cfg.Lifecycle,
		&cfg.Scheduler, &cfg.Auth, &cfg.RateLimit, &cfg.Log,
	}
	for _, section := range sections {
		if err := envconfig.Process(EnvPrefix, section); err != nil {
			return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
