package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App         AppConfig
	DB          DBConfig
	Redis       RedisConfig
	GCP         GCPConfig
	GCS         GCSConfig
	PubSub      PubSubConfig
	Payment     PaymentConfig
	Migration   MigrationConfig
	Access      AccessConfig
	Cleanup     CleanupConfig
	Outbox      OutboxConfig
	AutoMigrate bool `envconfig:"WAVEFRAME_AUTO_MIGRATE" default:"false"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"WAVEFRAME_APP_ENV" required:"true"`
	Port         string `envconfig:"WAVEFRAME_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"WAVEFRAME_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"WAVEFRAME_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"WAVEFRAME_DB_DSN"`
	Driver string `envconfig:"WAVEFRAME_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"WAVEFRAME_DB_HOST"`
	Port     int    `envconfig:"WAVEFRAME_DB_PORT" default:"5432"`
	User     string `envconfig:"WAVEFRAME_DB_USER"`
	Password string `envconfig:"WAVEFRAME_DB_PASSWORD"`
	Name     string `envconfig:"WAVEFRAME_DB_NAME"`
	SSLMode  string `envconfig:"WAVEFRAME_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"WAVEFRAME_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"WAVEFRAME_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"WAVEFRAME_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"WAVEFRAME_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"WAVEFRAME_REDIS_URL" required:"true"`
	Address      string        `envconfig:"WAVEFRAME_REDIS_ADDR"`
	Password     string        `envconfig:"WAVEFRAME_REDIS_PASSWORD"`
	DB           int           `envconfig:"WAVEFRAME_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"WAVEFRAME_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"WAVEFRAME_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"WAVEFRAME_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"WAVEFRAME_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"WAVEFRAME_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"WAVEFRAME_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"WAVEFRAME_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"WAVEFRAME_GOOGLE_APPLICATION_CREDENTIALS"`
}

type GCSConfig struct {
	BucketName string        `envconfig:"WAVEFRAME_GCS_BUCKET_NAME" required:"true"`
	OpTimeout  time.Duration `envconfig:"WAVEFRAME_GCS_OP_TIMEOUT" default:"10s"`
}

type PubSubConfig struct {
	FulfillmentTopic        string `envconfig:"WAVEFRAME_PUBSUB_FULFILLMENT_TOPIC" required:"true"`
	FulfillmentSubscription string `envconfig:"WAVEFRAME_PUBSUB_FULFILLMENT_SUBSCRIPTION" required:"true"`
	NotificationTopic       string `envconfig:"WAVEFRAME_PUBSUB_NOTIFICATION_TOPIC" default:"wf-notification-events"`
	RenderTopic             string `envconfig:"WAVEFRAME_PUBSUB_RENDER_TOPIC" default:"wf-render-requests"`
	OpsTopic                string `envconfig:"WAVEFRAME_PUBSUB_OPS_TOPIC" default:"wf-ops-alerts"`
}

// PaymentConfig carries the shared secret used to verify gateway webhooks.
type PaymentConfig struct {
	WebhookSecret  string        `envconfig:"WAVEFRAME_PAYMENT_WEBHOOK_SECRET" required:"true"`
	EventGuardTTL  time.Duration `envconfig:"WAVEFRAME_PAYMENT_EVENT_GUARD_TTL" default:"24h"`
	RequestTimeout time.Duration `envconfig:"WAVEFRAME_PAYMENT_REQUEST_TIMEOUT" default:"10s"`
}

type MigrationConfig struct {
	MaxAttempts  int           `envconfig:"WAVEFRAME_MIGRATION_MAX_ATTEMPTS" default:"3"`
	BackoffBase  time.Duration `envconfig:"WAVEFRAME_MIGRATION_BACKOFF_BASE" default:"500ms"`
	LockTTL      time.Duration `envconfig:"WAVEFRAME_MIGRATION_LOCK_TTL" default:"2m"`
	CommitRetry  int           `envconfig:"WAVEFRAME_MIGRATION_COMMIT_RETRY" default:"3"`
	TaskDeadline time.Duration `envconfig:"WAVEFRAME_MIGRATION_TASK_DEADLINE" default:"5m"`
}

type AccessConfig struct {
	PublicBaseURL string        `envconfig:"WAVEFRAME_ACCESS_PUBLIC_BASE_URL" required:"true"`
	PreviewTTL    time.Duration `envconfig:"WAVEFRAME_ACCESS_PREVIEW_TTL" default:"24h"`
	PermanentTTL  time.Duration `envconfig:"WAVEFRAME_ACCESS_PERMANENT_TTL" default:"87600h"`
}

type CleanupConfig struct {
	Interval    time.Duration `envconfig:"WAVEFRAME_CLEANUP_INTERVAL" default:"1h"`
	GraceWindow time.Duration `envconfig:"WAVEFRAME_CLEANUP_GRACE_WINDOW" default:"72h"`
	BatchSize   int           `envconfig:"WAVEFRAME_CLEANUP_BATCH_SIZE" default:"100"`
	LockTTL     time.Duration `envconfig:"WAVEFRAME_CLEANUP_LOCK_TTL" default:"55m"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"WAVEFRAME_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"WAVEFRAME_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"WAVEFRAME_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range requiredDBEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
