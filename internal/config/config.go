package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"web2pdf/internal/domain"
)

const defaultConfigPath = "config.yaml"

// ServerConfig controls the Fiber listener.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    string `yaml:"port"`
	Prefork bool   `yaml:"prefork"`
}

// LoggerConfig controls structured logging and file rotation.
type LoggerConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// LimitsConfig bounds request and response payloads.
type LimitsConfig struct {
	MaxHTMLBytes  int `yaml:"max_html_bytes"`
	MaxPDFBytes   int `yaml:"max_pdf_bytes"`
	MaxImageBytes int `yaml:"max_image_bytes"`
	BodyLimit     int `yaml:"body_limit"`
}

// PostgresConfig points at the optional API token store.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// AuthConfig controls bearer authentication. When BearerSecret is empty and
// no Postgres token store is configured, all routes are open.
type AuthConfig struct {
	BearerSecret string         `yaml:"bearer_secret"`
	Postgres     PostgresConfig `yaml:"postgres"`
}

// ChromeConfig fixes the rendering-context pool at startup.
type ChromeConfig struct {
	Path               string `yaml:"path"`
	NoSandbox          bool   `yaml:"no_sandbox"`
	PoolSize           int    `yaml:"pool_size"`
	TimeoutSecs        int    `yaml:"timeout_secs"`
	AcquireTimeoutSecs int    `yaml:"acquire_timeout_secs"`
	UserDataDir        string `yaml:"user_data_dir"`
	UserAgent          string `yaml:"user_agent"`
	AcceptLanguage     string `yaml:"accept_language"`
	ViewportWidth      int    `yaml:"viewport_width"`
	ViewportHeight     int    `yaml:"viewport_height"`
}

// PresetsConfig locates the preset file and carries the paper size table.
type PresetsConfig struct {
	File       string                      `yaml:"file"`
	PaperSizes map[string]domain.PaperSize `yaml:"paper_sizes"`
}

// CacheConfig controls the Redis-backed cache for fetched template images.
type CacheConfig struct {
	RedisHost         string        `yaml:"redis_host"`
	ImageCacheEnabled bool          `yaml:"image_cache_enabled"`
	ImageCacheTTL     time.Duration `yaml:"image_cache_ttl"`
	ImageCacheDB      int           `yaml:"image_cache_db"`
	RateLimitDB       int           `yaml:"rate_limit_db"`
}

// RateLimiterConfig controls the per-token and per-user limiters.
type RateLimiterConfig struct {
	Interval          time.Duration `yaml:"interval"`
	UserLimit         int           `yaml:"user_limit"`
	EnableUserLimiter bool          `yaml:"enable_user_limiter"`
}

// Config is the root configuration document.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logger      LoggerConfig      `yaml:"logger"`
	Limits      LimitsConfig      `yaml:"limits"`
	Auth        AuthConfig        `yaml:"auth"`
	Chrome      ChromeConfig      `yaml:"chrome"`
	Presets     PresetsConfig     `yaml:"presets"`
	Cache       CacheConfig       `yaml:"cache"`
	RateLimiter RateLimiterConfig `yaml:"rate_limiter"`
}

// Load reads the configuration from CONFIG_PATH, falling back to
// ./config.yaml. A missing file at the default path yields the built-in
// defaults; a missing file at an explicit CONFIG_PATH is fatal.
func Load() Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err != nil {
			cfg := Config{}
			applyDefaults(&cfg)
			return cfg
		}
		path = defaultConfigPath
	}
	return LoadFrom(path)
}

// LoadFrom reads and validates the configuration file at path. Invalid
// configuration is a programming/deployment error and panics.
func LoadFrom(path string) Config {
	raw, err := os.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("config: read %s: %v", path, err))
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		panic(fmt.Sprintf("config: parse %s: %v", path, err))
	}

	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		panic(fmt.Sprintf("config: %s: %v", path, err))
	}
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8080"
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Limits.MaxHTMLBytes == 0 {
		cfg.Limits.MaxHTMLBytes = 2 * 1024 * 1024
	}
	if cfg.Limits.MaxPDFBytes == 0 {
		cfg.Limits.MaxPDFBytes = 25 * 1024 * 1024
	}
	if cfg.Limits.MaxImageBytes == 0 {
		cfg.Limits.MaxImageBytes = 5 * 1024 * 1024
	}
	if cfg.Limits.BodyLimit == 0 {
		cfg.Limits.BodyLimit = 4 * 1024 * 1024
	}
	if cfg.Chrome.TimeoutSecs == 0 {
		cfg.Chrome.TimeoutSecs = 30
	}
	if cfg.Chrome.AcquireTimeoutSecs == 0 {
		cfg.Chrome.AcquireTimeoutSecs = 5
	}
	if cfg.Chrome.ViewportWidth == 0 {
		cfg.Chrome.ViewportWidth = 1280
	}
	if cfg.Chrome.ViewportHeight == 0 {
		cfg.Chrome.ViewportHeight = 1024
	}
	if cfg.Cache.ImageCacheTTL == 0 {
		cfg.Cache.ImageCacheTTL = time.Hour
	}
	if cfg.RateLimiter.Interval == 0 {
		cfg.RateLimiter.Interval = time.Minute
	}
	if cfg.Presets.PaperSizes == nil {
		cfg.Presets.PaperSizes = DefaultPaperSizes()
	}
}

func validate(cfg Config) error {
	if cfg.Chrome.PoolSize < 0 {
		return fmt.Errorf("chrome.pool_size must not be negative")
	}
	if cfg.Chrome.TimeoutSecs <= 0 {
		return fmt.Errorf("chrome.timeout_secs must be positive")
	}
	if cfg.RateLimiter.UserLimit < 0 {
		return fmt.Errorf("rate_limiter.user_limit must not be negative")
	}
	for name, p := range cfg.Presets.PaperSizes {
		if p.Width <= 0 || p.Height <= 0 {
			return fmt.Errorf("presets.paper_sizes.%s: width and height must be positive", name)
		}
	}
	return nil
}

// DefaultPaperSizes returns the built-in paper format table in inches.
func DefaultPaperSizes() map[string]domain.PaperSize {
	return map[string]domain.PaperSize{
		"A3":      {Width: 11.69, Height: 16.54},
		"A4":      {Width: 8.27, Height: 11.69},
		"A5":      {Width: 5.83, Height: 8.27},
		"Letter":  {Width: 8.5, Height: 11},
		"Legal":   {Width: 8.5, Height: 14},
		"Tabloid": {Width: 11, Height: 17},
	}
}
