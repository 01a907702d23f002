package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig
	Logging    LoggingConfig
	Store      StoreConfig
	Admin      AdminConfig
	Redis      RedisConfig
	RateLimit  RateLimitConfig
	Providers  ProvidersConfig
	Poller     PollerConfig
	Costs      CostTable
	Search     SearchConfig
	Monitoring MonitoringConfig
}

type ServerConfig struct {
	Port           int
	Env            string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type StoreConfig struct {
	Path string
}

type AdminConfig struct {
	Secret string
}

type RedisConfig struct {
	URL string
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

// ProvidersConfig carries per-vendor credentials and endpoints. Base URLs
// are overridable so tests and staging can point at stand-ins.
type ProvidersConfig struct {
	FluxAPIKey     string
	FluxBaseURL    string
	RecraftAPIKey  string
	RecraftBaseURL string
	KlingAccessKey string
	KlingBaseURL   string
	ViduAPIKey     string
	ViduBaseURL    string
	UploadEndpoint string
	RequestTimeout time.Duration
	MaxTimeout     time.Duration
}

type PollerConfig struct {
	ImageInterval    time.Duration
	ImageMaxAttempts int
	VideoInterval    time.Duration
	VideoMaxAttempts int
}

// CostTable maps action names to integer credit costs. Loaded once at
// process start and treated as immutable for the process lifetime.
type CostTable map[string]int

// Cost resolves an action to its credit cost
func (t CostTable) Cost(action string) (int, bool) {
	cost, ok := t[action]
	return cost, ok
}

type SearchConfig struct {
	Endpoint string
	Timeout  time.Duration
}

type MonitoringConfig struct {
	PrometheusEnabled bool
	PrometheusPort    int
}

// defaultCosts is used when ACTION_COSTS is not set
var defaultCosts = CostTable{
	"image_generate": 1,
	"image_edit":     1,
	"video_generate": 5,
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	costs, err := loadCosts()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvInt("API_PORT", 8080),
			Env:            getEnv("APP_ENV", "development"),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 10*time.Minute),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins: []string{getEnv("CORS_ALLOWED_ORIGIN", "*")},
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Store: StoreConfig{
			Path: getEnv("STORE_PATH", "data/museflow.json"),
		},
		Admin: AdminConfig{
			Secret: getEnv("ADMIN_SECRET", ""),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 20),
		},
		Providers: ProvidersConfig{
			FluxAPIKey:     getEnv("FLUX_API_KEY", ""),
			FluxBaseURL:    getEnv("FLUX_BASE_URL", "https://api.bfl.ai"),
			RecraftAPIKey:  getEnv("RECRAFT_API_KEY", ""),
			RecraftBaseURL: getEnv("RECRAFT_BASE_URL", "https://external.api.recraft.ai"),
			KlingAccessKey: getEnv("KLING_ACCESS_KEY", ""),
			KlingBaseURL:   getEnv("KLING_BASE_URL", "https://api.klingai.com"),
			ViduAPIKey:     getEnv("VIDU_API_KEY", ""),
			ViduBaseURL:    getEnv("VIDU_BASE_URL", "https://api.vidu.com"),
			UploadEndpoint: getEnv("UPLOAD_ENDPOINT", ""),
			RequestTimeout: getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),
			MaxTimeout:     getEnvDuration("PROVIDER_MAX_TIMEOUT", 120*time.Second),
		},
		Poller: PollerConfig{
			ImageInterval:    getEnvDuration("POLL_IMAGE_INTERVAL", 2*time.Second),
			ImageMaxAttempts: getEnvInt("POLL_IMAGE_MAX_ATTEMPTS", 60),
			VideoInterval:    getEnvDuration("POLL_VIDEO_INTERVAL", 5*time.Second),
			VideoMaxAttempts: getEnvInt("POLL_VIDEO_MAX_ATTEMPTS", 120),
		},
		Costs: costs,
		Search: SearchConfig{
			Endpoint: getEnv("SEARCH_ENDPOINT", ""),
			Timeout:  getEnvDuration("SEARCH_TIMEOUT", 3*time.Second),
		},
		Monitoring: MonitoringConfig{
			PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
			PrometheusPort:    getEnvInt("PROMETHEUS_PORT", 9090),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present
func (c *Config) Validate() error {
	if c.Server.Env == "production" {
		if c.Admin.Secret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
	}
	for action, cost := range c.Costs {
		if cost <= 0 {
			return fmt.Errorf("ACTION_COSTS: cost for %q must be positive", action)
		}
	}
	return nil
}

// loadCosts parses the ACTION_COSTS env var as a JSON object of
// action name to credit cost, falling back to the built-in table
func loadCosts() (CostTable, error) {
	raw := os.Getenv("ACTION_COSTS")
	if raw == "" {
		costs := make(CostTable, len(defaultCosts))
		for action, cost := range defaultCosts {
			costs[action] = cost
		}
		return costs, nil
	}
	var costs CostTable
	if err := json.Unmarshal([]byte(raw), &costs); err != nil {
		return nil, fmt.Errorf("ACTION_COSTS is not a valid JSON object: %w", err)
	}
	return costs, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
