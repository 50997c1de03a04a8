package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPricingConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	AuthJWTSecret string

	LogLevel          string
	LogFormat         string
	OTLPEndpoint      string
	OtelEnabled       bool
	OtelSamplingRatio float64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBRunMigrations   bool

	Redis     RedisConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Sweeper   SweeperConfig
	Allowance AllowanceConfig
	Storage   StorageConfig
	Engine    EngineConfig
	RateLimit RateLimitConfig
}

// IsDevelopment reports whether the deployment is a local or test environment.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis endpoint is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type QueueConfig struct {
	Driver            string
	Name              string
	VisibilityTimeout time.Duration
}

type WorkerConfig struct {
	Enabled     bool
	Concurrency int
	PollTimeout time.Duration
	StepTimeout time.Duration
}

type SweeperConfig struct {
	Enabled               bool
	Interval              time.Duration
	MaxProcessingDuration time.Duration
	// MaxQueuedDuration expires jobs no worker has started. Zero disables it.
	MaxQueuedDuration time.Duration
	BatchSize         int
	LockTTL           time.Duration
}

type AllowanceConfig struct {
	Enforcement string
}

// Strict reports whether submissions are rejected when the balance cannot cover the price.
func (c AllowanceConfig) Strict() bool {
	return c.Enforcement == EnforcementStrict
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether memo archival to object storage is configured.
func (c StorageConfig) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != "" && strings.TrimSpace(c.Bucket) != ""
}

type EngineConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type RateLimitConfig struct {
	SubmissionsPerMinute float64
	SubmissionBurst      int
}

const (
	QueueDriverMemory = "memory"
	QueueDriverRedis  = "redis"

	EnforcementSoft   = "soft"
	EnforcementStrict = "strict"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "memora"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		AuthJWTSecret:     strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		LogLevel:          strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getenv("LOG_FORMAT", "json")),
		OTLPEndpoint:      getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		OtelEnabled:       getenvBool("OTEL_ENABLED", false),
		OtelSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "memora"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		DBRunMigrations:   getenvBool("DATABASE_RUN_MIGRATIONS", true),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Driver:            normalizeQueueDriver(getenv("QUEUE_DRIVER", QueueDriverMemory)),
			Name:              getenv("QUEUE_NAME", "analysis_jobs"),
			VisibilityTimeout: getenvDuration("QUEUE_VISIBILITY_TIMEOUT", 20*time.Minute),
		},
		Worker: WorkerConfig{
			Enabled:     getenvBool("WORKER_ENABLED", true),
			Concurrency: getenvInt("WORKER_CONCURRENCY", 4),
			PollTimeout: getenvDuration("WORKER_POLL_TIMEOUT", 5*time.Second),
			StepTimeout: getenvDuration("WORKER_STEP_TIMEOUT", 5*time.Minute),
		},
		Sweeper: SweeperConfig{
			Enabled:               getenvBool("SWEEPER_ENABLED", true),
			Interval:              getenvDuration("SWEEPER_INTERVAL", time.Minute),
			MaxProcessingDuration: getenvDuration("JOB_MAX_PROCESSING_DURATION", 30*time.Minute),
			MaxQueuedDuration:     getenvDuration("JOB_MAX_QUEUED_DURATION", 24*time.Hour),
			BatchSize:             getenvInt("SWEEPER_BATCH_SIZE", 100),
			LockTTL:               getenvDuration("SWEEPER_LOCK_TTL", 2*time.Minute),
		},
		Allowance: AllowanceConfig{
			Enforcement: normalizeEnforcement(getenv("ALLOWANCE_ENFORCEMENT", EnforcementSoft)),
		},
		Storage: StorageConfig{
			Endpoint:  strings.TrimSpace(getenv("STORAGE_ENDPOINT", "")),
			AccessKey: strings.TrimSpace(getenv("STORAGE_ACCESS_KEY", "")),
			SecretKey: strings.TrimSpace(getenv("STORAGE_SECRET_KEY", "")),
			Bucket:    strings.TrimSpace(getenv("STORAGE_BUCKET", "")),
			UseSSL:    getenvBool("STORAGE_USE_SSL", true),
		},
		Engine: EngineConfig{
			BaseURL: strings.TrimRight(strings.TrimSpace(getenv("ENGINE_BASE_URL", "http://localhost:8090")), "/"),
			Token:   strings.TrimSpace(getenv("ENGINE_TOKEN", "")),
			Timeout: getenvDuration("ENGINE_TIMEOUT", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			SubmissionsPerMinute: getenvFloat("SUBMISSION_RATE_PER_MINUTE", 10),
			SubmissionBurst:      getenvInt("SUBMISSION_BURST", 5),
		},
	}

	if v := getenv("DEPLOYMENT_ENV", ""); v != "" {
		cfg.Environment = v
	}
	if v := getenv("SERVICE_VERSION", ""); v != "" {
		cfg.AppVersion = v
	}

	if cfg.AuthJWTSecret == "" {
		log.Println("AUTH_JWT_SECRET is empty; bearer tokens will be rejected")
	}

	return cfg
}

func normalizeQueueDriver(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case QueueDriverRedis:
		return QueueDriverRedis
	default:
		return QueueDriverMemory
	}
}

func normalizeEnforcement(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case EnforcementStrict:
		return EnforcementStrict
	default:
		return EnforcementSoft
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
