package config

const (
	EnvPrefix = "COMPANION"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "COMPANION_APP_ENV"
	EnvPort     = "COMPANION_APP_PORT"
	EnvLogLevel = "COMPANION_LOG_LEVEL"

	EnvLocalDBPath = "COMPANION_LOCAL_DB_PATH"

	EnvBackendDSN  = "COMPANION_BACKEND_DSN"
	EnvBackendHost = "COMPANION_BACKEND_HOST"
	EnvBackendUser = "COMPANION_BACKEND_USER"
	EnvBackendName = "COMPANION_BACKEND_NAME"

	EnvRedisURL = "COMPANION_REDIS_URL"

	EnvERPBaseURL  = "COMPANION_ERP_BASE_URL"
	EnvERPUser     = "COMPANION_ERP_USER"
	EnvERPPassword = "COMPANION_ERP_PASSWORD"

	EnvSyncAutoInterval = "COMPANION_SYNC_AUTO_INTERVAL"
	EnvHistoryTTL       = "COMPANION_HISTORY_TTL"
)

var legacyBackendEnvVars = []string{EnvBackendHost, EnvBackendUser, EnvBackendName}
