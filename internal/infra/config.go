package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	// MetricsPort is where the worker process serves its /metrics endpoint;
	// the API serves metrics on its main port.
	MetricsPort string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string

	StoragePath string
	GeoIPDBPath string

	NanoBananaAPIKey  string
	NanoBananaBaseURL string
	NanoBananaModel   string
	VeoAPIKey         string
	VeoBaseURL        string
	VeoModel          string

	ImageWorkers    int
	VideoWorkers    int
	MaxAttempts     int
	WorkerLease     time.Duration
	ClaimInterval   time.Duration
	PollInterval    time.Duration
	PollCeiling     time.Duration
	JanitorInterval time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		MetricsPort: getEnv("METRICS_PORT", "9100"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		StoragePath: getEnv("STORAGE_PATH", "./data/artifacts"),
		GeoIPDBPath: os.Getenv("GEOIP_DB_PATH"),

		NanoBananaAPIKey:  os.Getenv("NANOBANANA_API_KEY"),
		NanoBananaBaseURL: getEnv("NANOBANANA_BASE_URL", "https://api.nanobanana.dev/v1"),
		NanoBananaModel:   getEnv("NANOBANANA_MODEL", "nanobanana-compose-1"),
		VeoAPIKey:         os.Getenv("VEO_API_KEY"),
		VeoBaseURL:        getEnv("VEO_BASE_URL", "https://api.veo.dev/v1"),
		VeoModel:          getEnv("VEO_MODEL", "veo-motion-2"),

		ImageWorkers:    getEnvInt("IMAGE_WORKERS", 4),
		VideoWorkers:    getEnvInt("VIDEO_WORKERS", 1),
		MaxAttempts:     getEnvInt("MAX_ATTEMPTS", 3),
		WorkerLease:     time.Second * time.Duration(getEnvInt("WORKER_LEASE_SECONDS", 120)),
		ClaimInterval:   time.Second * time.Duration(getEnvInt("CLAIM_INTERVAL_SECONDS", 2)),
		PollInterval:    time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 5)),
		PollCeiling:     time.Second * time.Duration(getEnvInt("POLL_CEILING_SECONDS", 600)),
		JanitorInterval: time.Second * time.Duration(getEnvInt("JANITOR_INTERVAL_SECONDS", 30)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.ImageWorkers < 1 || cfg.VideoWorkers < 1 {
		return nil, fmt.Errorf("worker counts must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
