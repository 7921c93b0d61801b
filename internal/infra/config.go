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
	DatabaseURL string

	GeoIPDBPath   string
	DefaultLocale string

	BrokerBaseURL string
	BrokerAPIKey  string
	NativeBaseURL string
	NativeAPIKey  string

	JobCreditEstimate int

	WorkerBatchSize int
	WorkerSchedule  string
	WorkerJobBudget time.Duration

	DispatchConcurrency int
	DispatchStagger     time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:              getEnv("APP_ENV", "development"),
		Port:                getEnv("PORT", "8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		GeoIPDBPath:         os.Getenv("GEOIP_DB_PATH"),
		DefaultLocale:       getEnv("DEFAULT_LOCALE", "en"),
		BrokerBaseURL:       getEnv("BROKER_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),
		BrokerAPIKey:        os.Getenv("BROKER_API_KEY"),
		NativeBaseURL:       getEnv("NATIVE_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		NativeAPIKey:        os.Getenv("NATIVE_API_KEY"),
		JobCreditEstimate:   getEnvInt("JOB_CREDIT_ESTIMATE", 5),
		WorkerBatchSize:     getEnvInt("WORKER_BATCH_SIZE", 5),
		WorkerSchedule:      getEnv("WORKER_SCHEDULE", "@every 5s"),
		WorkerJobBudget:     time.Minute * time.Duration(getEnvInt("WORKER_JOB_BUDGET_MINUTES", 10)),
		DispatchConcurrency: getEnvInt("DISPATCH_CONCURRENCY", 3),
		DispatchStagger:     time.Millisecond * time.Duration(getEnvInt("DISPATCH_STAGGER_MS", 400)),
		HTTPReadTimeout:     time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:    time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 60)),
		HTTPIdleTimeout:     time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:     getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JobCreditEstimate <= 0 {
		return nil, fmt.Errorf("JOB_CREDIT_ESTIMATE must be positive")
	}

	if cfg.WorkerBatchSize <= 0 {
		cfg.WorkerBatchSize = 5
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
