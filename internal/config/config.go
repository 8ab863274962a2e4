package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// Persistence: Postgres when databaseURL is set, else JSON files in dataDir.
	DataDir     string `yaml:"dataDir"`
	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	GeminiAPIKey   string `yaml:"geminiAPIKey"`
	ChatModel      string `yaml:"chatModel"`
	ImageModel     string `yaml:"imageModel"`
	ImageEditModel string `yaml:"imageEditModel"`

	// Sessions are JWTs when jwtSecret is set, Redis-backed tokens when
	// redisAddr is set, in-memory tokens otherwise.
	JWTSecret  string `yaml:"jwtSecret"`
	SessionTTL string `yaml:"sessionTTL"`

	AuthRateLimit       int      `yaml:"authRateLimit"`
	AuthRateLimitWindow string   `yaml:"authRateLimitWindow"`
	TrustedProxies      []string `yaml:"trustedProxies"`

	Storage StorageConfig `yaml:"storage"`
}

// StorageConfig holds optional MinIO settings for image payload offload.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables.
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.GeminiAPIKey == "" {
		return errors.New("config: geminiAPIKey is required (set in config.yaml or GEMINI_API_KEY)")
	}
	if cfg.DatabaseURL == "" && cfg.DataDir == "" {
		return errors.New("config: either databaseURL or dataDir is required")
	}
	return nil
}

// ParseSessionTTL parses the session TTL, defaulting to 24h.
func ParseSessionTTL(raw string) (time.Duration, error) {
	if raw == "" {
		return 24 * time.Hour, nil
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse sessionTTL: %w", err)
	}
	if ttl <= 0 {
		return 0, errors.New("sessionTTL must be positive")
	}
	return ttl, nil
}

// ParseRateLimitWindow parses the auth rate-limit window, defaulting to 1m.
func ParseRateLimitWindow(raw string) (time.Duration, error) {
	if raw == "" {
		return time.Minute, nil
	}
	window, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse authRateLimitWindow: %w", err)
	}
	if window <= 0 {
		return 0, errors.New("authRateLimitWindow must be positive")
	}
	return window, nil
}
