package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Device       DeviceConfig
	Cache        CacheConfig
	Sync         SyncConfig
	Media        MediaConfig
	Connectivity ConnectivityConfig
	Remote       RemoteConfig
	Scheduler    SchedulerConfig
	Server       ServerConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
}

var validate = validator.New()

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"FIELDSYNC_APP_ENV" default:"dev" validate:"oneof=dev staging prod"`
	LogLevel     string `envconfig:"FIELDSYNC_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"FIELDSYNC_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"FIELDSYNC_LOG_FORMAT" default:"json" validate:"oneof=json console"`
	// LogFile enables rotated file output in addition to stdout.
	LogFile       string `envconfig:"FIELDSYNC_LOG_FILE"`
	LogFileMaxMB  int    `envconfig:"FIELDSYNC_LOG_FILE_MAX_MB" default:"20" validate:"min=1"`
	LogFileMaxAge int    `envconfig:"FIELDSYNC_LOG_FILE_MAX_AGE_DAYS" default:"14" validate:"min=0"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// DeviceConfig identifies the tablet and the surveyor using it.
type DeviceConfig struct {
	DeviceID string `envconfig:"FIELDSYNC_DEVICE_ID" default:"device-local"`
	UserID   string `envconfig:"FIELDSYNC_USER_ID" default:"surveyor-local"`
	Token    string `envconfig:"FIELDSYNC_DEVICE_TOKEN"`
}

type CacheConfig struct {
	Path     string   `envconfig:"FIELDSYNC_CACHE_PATH" default:"fieldsync.db" validate:"required"`
	MediaDir string   `envconfig:"FIELDSYNC_MEDIA_DIR" default:"media-spool" validate:"required"`
	Tables   []string `envconfig:"FIELDSYNC_CACHE_TABLES" default:"surveyItem,appointment,property"`
}

type SyncConfig struct {
	Workers        int           `envconfig:"FIELDSYNC_SYNC_WORKERS" default:"3" validate:"min=1,max=16"`
	CallTimeout    time.Duration `envconfig:"FIELDSYNC_SYNC_CALL_TIMEOUT" default:"15s"`
	BackoffBase    time.Duration `envconfig:"FIELDSYNC_SYNC_BACKOFF_BASE" default:"1s"`
	BackoffFactor  float64       `envconfig:"FIELDSYNC_SYNC_BACKOFF_FACTOR" default:"2" validate:"gte=1"`
	BackoffCap     time.Duration `envconfig:"FIELDSYNC_SYNC_BACKOFF_CAP" default:"60s"`
	MaxAttempts    int           `envconfig:"FIELDSYNC_SYNC_MAX_ATTEMPTS" default:"5" validate:"min=1"`
	ClaimBatchSize int           `envconfig:"FIELDSYNC_SYNC_CLAIM_BATCH" default:"50" validate:"min=1"`
}

type MediaConfig struct {
	MaxUploadMB   int           `envconfig:"FIELDSYNC_MAX_UPLOAD_MB" default:"50" validate:"min=1"`
	BatchSize     int           `envconfig:"FIELDSYNC_MEDIA_BATCH_SIZE" default:"20" validate:"min=1"`
	MaxRetries    int           `envconfig:"FIELDSYNC_MEDIA_MAX_RETRIES" default:"5" validate:"min=1"`
	UploadTimeout time.Duration `envconfig:"FIELDSYNC_MEDIA_UPLOAD_TIMEOUT" default:"2m"`
}

// MaxUploadBytes returns the configured upload ceiling in bytes.
func (m MediaConfig) MaxUploadBytes() int64 {
	if m.MaxUploadMB <= 0 {
		return 0
	}
	return int64(m.MaxUploadMB) * 1024 * 1024
}

type ConnectivityConfig struct {
	StabilizationWindow time.Duration `envconfig:"FIELDSYNC_CONNECTIVITY_STABILIZATION" default:"2s"`
	ProbeInterval       time.Duration `envconfig:"FIELDSYNC_CONNECTIVITY_PROBE_INTERVAL" default:"10s"`
	ProbeTimeout        time.Duration `envconfig:"FIELDSYNC_CONNECTIVITY_PROBE_TIMEOUT" default:"3s"`
}

type RemoteConfig struct {
	BaseURL string        `envconfig:"FIELDSYNC_REMOTE_BASE_URL" default:"http://localhost:8085" validate:"required,url"`
	Timeout time.Duration `envconfig:"FIELDSYNC_REMOTE_TIMEOUT" default:"30s"`
}

type SchedulerConfig struct {
	Interval time.Duration `envconfig:"FIELDSYNC_SCHEDULER_INTERVAL" default:"30s"`
	// ServerInterval paces maintenance jobs of the reference server.
	ServerInterval     time.Duration `envconfig:"FIELDSYNC_SCHEDULER_SERVER_INTERVAL" default:"1h"`
	TombstoneRetention time.Duration `envconfig:"FIELDSYNC_SCHEDULER_TOMBSTONE_RETENTION" default:"720h"`
	LockKey            string        `envconfig:"FIELDSYNC_SCHEDULER_LOCK_KEY" default:"scheduler:server"`
}

// ServerConfig drives the reference sync server.
type ServerConfig struct {
	Port          string `envconfig:"FIELDSYNC_SERVER_PORT" default:"8085"`
	PublicBaseURL string `envconfig:"FIELDSYNC_SERVER_PUBLIC_URL" default:"http://localhost:8085"`
	MaxUploadMB   int    `envconfig:"FIELDSYNC_SERVER_MAX_UPLOAD_MB" default:"50" validate:"min=1"`
	// UploadRateLimit caps uploads per device per UploadRateWindow. Zero disables it.
	UploadRateLimit  int           `envconfig:"FIELDSYNC_SERVER_UPLOAD_RATE_LIMIT" default:"120" validate:"min=0"`
	UploadRateWindow time.Duration `envconfig:"FIELDSYNC_SERVER_UPLOAD_RATE_WINDOW" default:"1m"`
	CORSOrigins      []string      `envconfig:"FIELDSYNC_SERVER_CORS_ORIGINS"`
}

// MaxUploadBytes returns the server-side upload ceiling in bytes.
func (s ServerConfig) MaxUploadBytes() int64 {
	return int64(s.MaxUploadMB) * 1024 * 1024
}

type DBConfig struct {
	DSN    string `envconfig:"FIELDSYNC_DB_DSN" default:"file:syncserver.db?_foreign_keys=on"`
	Driver string `envconfig:"FIELDSYNC_DB_DRIVER" default:"sqlite" validate:"oneof=sqlite postgres"`

	MaxOpenConns    int           `envconfig:"FIELDSYNC_DB_MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `envconfig:"FIELDSYNC_DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"FIELDSYNC_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"FIELDSYNC_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	// SlowQuery is the duration above which statements are logged at warn.
	SlowQuery time.Duration `envconfig:"FIELDSYNC_DB_SLOW_QUERY" default:"200ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"FIELDSYNC_REDIS_URL"`
	Address      string        `envconfig:"FIELDSYNC_REDIS_ADDR"`
	Password     string        `envconfig:"FIELDSYNC_REDIS_PASSWORD"`
	DB           int           `envconfig:"FIELDSYNC_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"FIELDSYNC_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"FIELDSYNC_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"FIELDSYNC_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"FIELDSYNC_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"FIELDSYNC_REDIS_WRITE_TIMEOUT" default:"5s"`
	// IdempotencyTTL bounds how long upload replays are remembered.
	IdempotencyTTL time.Duration `envconfig:"FIELDSYNC_REDIS_IDEMPOTENCY_TTL" default:"168h"`
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Address != ""
}

type JWTConfig struct {
	Secret            string `envconfig:"FIELDSYNC_JWT_SECRET"`
	Issuer            string `envconfig:"FIELDSYNC_JWT_ISSUER" default:"fieldsync"`
	ExpirationMinutes int    `envconfig:"FIELDSYNC_JWT_EXPIRATION_MINUTES" default:"720"`
}

// Enabled reports whether device tokens are verified.
func (j JWTConfig) Enabled() bool {
	return strings.TrimSpace(j.Secret) != ""
}
