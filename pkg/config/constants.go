package config

const EnvPrefix = "FIELDSYNC"

const (
	AppEnvDev     = "dev"
	AppEnvStaging = "staging"
	AppEnvProd    = "prod"
)

const (
	EnvAppEnv          = "FIELDSYNC_APP_ENV"
	EnvLogLevel        = "FIELDSYNC_LOG_LEVEL"
	EnvDeviceID        = "FIELDSYNC_DEVICE_ID"
	EnvUserID          = "FIELDSYNC_USER_ID"
	EnvCachePath       = "FIELDSYNC_CACHE_PATH"
	EnvSyncWorkers     = "FIELDSYNC_SYNC_WORKERS"
	EnvSyncMaxAttempts = "FIELDSYNC_SYNC_MAX_ATTEMPTS"
	EnvStabilization   = "FIELDSYNC_CONNECTIVITY_STABILIZATION"
	EnvRemoteBaseURL   = "FIELDSYNC_REMOTE_BASE_URL"
	EnvDBDriver        = "FIELDSYNC_DB_DRIVER"
	EnvRedisURL        = "FIELDSYNC_REDIS_URL"
	EnvJWTSecret       = "FIELDSYNC_JWT_SECRET"
)
