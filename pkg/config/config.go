package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App      AppConfig
	Local    LocalStoreConfig
	Backend  BackendConfig
	Redis    RedisConfig
	ERP      ERPConfig
	Sync     SyncConfig
	History  HistoryConfig
	Queues   QueueConfig
	Eventing EventingConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Backend.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.ERP.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"COMPANION_APP_ENV" required:"true"`
	Port         string `envconfig:"COMPANION_APP_PORT" default:"8787"`
	LogLevel     string `envconfig:"COMPANION_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"COMPANION_LOG_WARN_STACK" default:"false"`
	AutoMigrate  bool   `envconfig:"COMPANION_AUTO_MIGRATE" default:"true"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// LocalStoreConfig describes the on-device sqlite database.
type LocalStoreConfig struct {
	Path         string        `envconfig:"COMPANION_LOCAL_DB_PATH" default:"companion.db"`
	MaxOpenConns int           `envconfig:"COMPANION_LOCAL_DB_MAX_OPEN_CONNS" default:"1"`
	BusyTimeout  time.Duration `envconfig:"COMPANION_LOCAL_DB_BUSY_TIMEOUT" default:"5s"`
	ChunkSize    int           `envconfig:"COMPANION_LOCAL_CHUNK_SIZE" default:"500"`
}

// BackendConfig points at the remote Postgres data backend.
type BackendConfig struct {
	DSN string `envconfig:"COMPANION_BACKEND_DSN"`

	LegacyHost     string `envconfig:"COMPANION_BACKEND_HOST"`
	LegacyPort     int    `envconfig:"COMPANION_BACKEND_PORT" default:"5432"`
	LegacyUser     string `envconfig:"COMPANION_BACKEND_USER"`
	LegacyPassword string `envconfig:"COMPANION_BACKEND_PASSWORD"`
	LegacyName     string `envconfig:"COMPANION_BACKEND_NAME"`
	LegacySSLMode  string `envconfig:"COMPANION_BACKEND_SSLMODE" default:"require"`

	MaxOpenConns    int           `envconfig:"COMPANION_BACKEND_MAX_OPEN_CONNS" default:"4"`
	MaxIdleConns    int           `envconfig:"COMPANION_BACKEND_MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime time.Duration `envconfig:"COMPANION_BACKEND_CONN_MAX_LIFETIME" default:"30m"`
	ConnMaxIdleTime time.Duration `envconfig:"COMPANION_BACKEND_CONN_MAX_IDLE_TIME" default:"5m"`
	QueryTimeout    time.Duration `envconfig:"COMPANION_BACKEND_QUERY_TIMEOUT" default:"15s"`
}

// RedisConfig is optional; an empty URL and address disables the redis dedup tier.
type RedisConfig struct {
	URL          string        `envconfig:"COMPANION_REDIS_URL"`
	Address      string        `envconfig:"COMPANION_REDIS_ADDR"`
	Password     string        `envconfig:"COMPANION_REDIS_PASSWORD"`
	DB           int           `envconfig:"COMPANION_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"COMPANION_REDIS_POOL_SIZE" default:"4"`
	MinIdleConns int           `envconfig:"COMPANION_REDIS_MIN_IDLE_CONNS" default:"1"`
	DialTimeout  time.Duration `envconfig:"COMPANION_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"COMPANION_REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"COMPANION_REDIS_WRITE_TIMEOUT" default:"3s"`
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type ERPConfig struct {
	BaseURL       string        `envconfig:"COMPANION_ERP_BASE_URL"`
	LoginPath     string        `envconfig:"COMPANION_ERP_LOGIN_PATH" default:"/login"`
	OrdersPath    string        `envconfig:"COMPANION_ERP_CREATE_ORDER_PATH" default:"/pedidos/crear"`
	Username      string        `envconfig:"COMPANION_ERP_USER"`
	Password      string        `envconfig:"COMPANION_ERP_PASSWORD"`
	TokenLifetime time.Duration `envconfig:"COMPANION_ERP_TOKEN_LIFETIME" default:"8h"`
	RefreshSkew   time.Duration `envconfig:"COMPANION_ERP_TOKEN_REFRESH_SKEW" default:"5m"`
	Timeout       time.Duration `envconfig:"COMPANION_ERP_REQUEST_TIMEOUT" default:"15s"`
}

func (e ERPConfig) validate() error {
	if strings.TrimSpace(e.BaseURL) == "" {
		return nil
	}
	missing := []string{}
	if e.Username == "" {
		missing = append(missing, EnvERPUser)
	}
	if e.Password == "" {
		missing = append(missing, EnvERPPassword)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s requires %s", EnvERPBaseURL, strings.Join(missing, ", "))
	}
	if _, err := url.Parse(e.BaseURL); err != nil {
		return fmt.Errorf("invalid %s: %w", EnvERPBaseURL, err)
	}
	return nil
}

type SyncConfig struct {
	PageSize          int           `envconfig:"COMPANION_SYNC_PAGE_SIZE" default:"1000"`
	IncrementalCutoff int           `envconfig:"COMPANION_SYNC_INCREMENTAL_CUTOFF" default:"1000"`
	PageRetries       int           `envconfig:"COMPANION_SYNC_PAGE_RETRIES" default:"3"`
	PageRetryBase     time.Duration `envconfig:"COMPANION_SYNC_PAGE_RETRY_BASE" default:"500ms"`
	AutoSyncInterval  time.Duration `envconfig:"COMPANION_SYNC_AUTO_INTERVAL" default:"240m"`
}

type HistoryConfig struct {
	TTL            time.Duration `envconfig:"COMPANION_HISTORY_TTL" default:"15m"`
	RefreshAfter   time.Duration `envconfig:"COMPANION_HISTORY_REFRESH_AFTER" default:"5m"`
	MaxEntries     int           `envconfig:"COMPANION_HISTORY_MAX_ENTRIES" default:"100"`
	RefreshTimeout time.Duration `envconfig:"COMPANION_HISTORY_REFRESH_TIMEOUT" default:"30s"`
}

type QueueConfig struct {
	ClaimLease          time.Duration `envconfig:"COMPANION_QUEUE_CLAIM_LEASE" default:"2m"`
	DuplicateWindow     time.Duration `envconfig:"COMPANION_OFFLINE_DUPLICATE_WINDOW" default:"90s"`
	MinTimerDelay       time.Duration `envconfig:"COMPANION_QUEUE_MIN_TIMER_DELAY" default:"1s"`
	BackgroundSyncDelay time.Duration `envconfig:"COMPANION_BACKGROUND_SYNC_DELAY" default:"30s"`
}

type EventingConfig struct {
	ReferenceTTL time.Duration `envconfig:"COMPANION_EVENTING_REFERENCE_TTL" default:"720h"`
}

func (db *BackendConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvBackendHost: db.LegacyHost,
		EnvBackendUser: db.LegacyUser,
		EnvBackendName: db.LegacyName,
	}
	for _, env := range legacyBackendEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvBackendDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
