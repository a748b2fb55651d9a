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
	"gopkg.in/yaml.v3"

	"flight-cdm/pkg/utils"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Feed      FeedConfig      `yaml:"feed"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Hub       HubConfig       `yaml:"hub"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Flow      FlowConfig      `yaml:"flow"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	Operators []string      `yaml:"operators"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
}

type FeedConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	CacheSize      int           `yaml:"cache_size"`
}

type ScheduleConfig struct {
	URL       string        `yaml:"url"`
	File      string        `yaml:"file"`
	RefreshAt string        `yaml:"refresh_at"` // daily, HH:MM UTC
	Timeout   time.Duration `yaml:"timeout"`
}

type HubConfig struct {
	SendBuffer        int     `yaml:"send_buffer"`
	HistorySize       int     `yaml:"history_size"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	MessageBurst      int     `yaml:"message_burst"`
}

type RedisConfig struct {
	Addr             string        `yaml:"addr"`
	Password         string        `yaml:"password"`
	DB               int           `yaml:"db"`
	Channel          string        `yaml:"channel"`
	BufferSize       int           `yaml:"buffer_size"`
	PublishPerSecond float64       `yaml:"publish_per_second"`
	Burst            int           `yaml:"burst"`
	Timeout          time.Duration `yaml:"timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"` // "DEBUG", "INFO", "WARN", "ERROR"
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type FlowConfig struct {
	// Rates seeds departures per hour by sector; stored rates take precedence.
	Rates map[string]int `yaml:"rates"`
	// Reserved pins identifiers to one participant ID.
	Reserved map[string]string `yaml:"reserved"`
}

// Load reads .env (if present), then configPath (if set), then the
// environment, and validates the result.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := &Config{}

	// Set defaults
	config.setDefaults()

	// Load from file if provided
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Override with environment variables
	config.loadFromEnv()

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func (c *Config) setDefaults() {
	c.Server.Port = 8080
	c.Server.ReadTimeout = 15 * time.Second
	c.Server.WriteTimeout = 15 * time.Second
	c.Server.IdleTimeout = 60 * time.Second
	c.Server.ShutdownTimeout = 10 * time.Second

	c.Auth.Issuer = "flight-cdm"
	c.Auth.TokenTTL = 12 * time.Hour

	c.Storage.Driver = "sqlite"
	c.Storage.Path = "flight-cdm.db"

	c.Feed.Enabled = true
	c.Feed.URL = "https://data.vatsim.net/v3/vatsim-data.json"
	c.Feed.PollInterval = 15 * time.Second
	c.Feed.RequestTimeout = 10 * time.Second
	c.Feed.CacheTTL = 5 * time.Minute
	c.Feed.CacheSize = 5000

	c.Schedule.RefreshAt = "06:00"
	c.Schedule.Timeout = 30 * time.Second

	c.Hub.SendBuffer = 64
	c.Hub.HistorySize = 200
	c.Hub.MessagesPerSecond = 5
	c.Hub.MessageBurst = 10

	c.Redis.Channel = "cdm-events"
	c.Redis.BufferSize = 256
	c.Redis.PublishPerSecond = 200
	c.Redis.Burst = 50
	c.Redis.Timeout = 2 * time.Second

	c.RateLimit.RequestsPerSecond = 10
	c.RateLimit.BurstSize = 20
	c.RateLimit.IdleTimeout = 10 * time.Minute

	c.Logging.Level = "INFO"
	c.Logging.Format = "text"
}

func (c *Config) loadFromEnv() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}

	if operators := os.Getenv("OPERATOR_CIDS"); operators != "" {
		c.Auth.Operators = splitList(operators)
	}

	if driver := os.Getenv("STORAGE_DRIVER"); driver != "" {
		c.Storage.Driver = driver
	}

	if path := os.Getenv("SQLITE_PATH"); path != "" {
		c.Storage.Path = path
	}

	if feedURL := os.Getenv("FEED_URL"); feedURL != "" {
		c.Feed.URL = feedURL
	}

	if enabled := os.Getenv("FEED_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			c.Feed.Enabled = b
		}
	}

	if scheduleURL := os.Getenv("SCHEDULE_URL"); scheduleURL != "" {
		c.Schedule.URL = scheduleURL
	}

	if scheduleFile := os.Getenv("SCHEDULE_FILE"); scheduleFile != "" {
		c.Schedule.File = scheduleFile
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}

	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		c.Logging.File = logFile
	}

	if rps := os.Getenv("RATE_LIMIT_RPS"); rps != "" {
		if r, err := strconv.ParseFloat(rps, 64); err == nil {
			c.RateLimit.RequestsPerSecond = r
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt secret is required")
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("sqlite storage requires a path")
		}
	case "memory":
	default:
		return fmt.Errorf("storage driver must be 'sqlite' or 'memory'")
	}

	if c.Feed.Enabled {
		if c.Feed.URL == "" {
			return fmt.Errorf("feed URL cannot be empty")
		}
		if c.Feed.PollInterval <= 0 {
			return fmt.Errorf("feed poll interval must be positive")
		}
	}

	if c.Schedule.URL != "" && c.Schedule.File != "" {
		return fmt.Errorf("schedule url and file are mutually exclusive")
	}
	if _, err := utils.NormalizeClock(c.Schedule.RefreshAt); err != nil {
		return fmt.Errorf("schedule refresh_at: %w", err)
	}

	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be positive")
	}

	if c.Hub.SendBuffer < 1 {
		return fmt.Errorf("hub send buffer must be at least 1")
	}

	for sector, rate := range c.Flow.Rates {
		if _, err := utils.ValidateSector(sector); err != nil {
			return fmt.Errorf("flow rates: %w", err)
		}
		if rate < 0 {
			return fmt.Errorf("flow rate for %s must not be negative", sector)
		}
	}

	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("log level must be 'DEBUG', 'INFO', 'WARN', or 'ERROR'")
	}

	return nil
}

// RedisEnabled reports whether events should be mirrored to redis.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}
