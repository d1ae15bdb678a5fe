package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "BOOKYARD"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App         AppConfig
	Service     ServiceConfig
	DB          DBConfig
	TxRetry     TxRetryConfig
	Redis       RedisConfig
	Reservation ReservationConfig
	Payment     PaymentConfig
	Webhook     WebhookConfig
	Sweeper     SweeperConfig
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
	Env          string `envconfig:"BOOKYARD_APP_ENV" required:"true"`
	Port         string `envconfig:"BOOKYARD_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"BOOKYARD_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"BOOKYARD_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"BOOKYARD_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"BOOKYARD_DB_DSN"`
	Driver string `envconfig:"BOOKYARD_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"BOOKYARD_DB_HOST"`
	Port     int    `envconfig:"BOOKYARD_DB_PORT" default:"5432"`
	User     string `envconfig:"BOOKYARD_DB_USER"`
	Password string `envconfig:"BOOKYARD_DB_PASSWORD"`
	Name     string `envconfig:"BOOKYARD_DB_NAME"`
	SSLMode  string `envconfig:"BOOKYARD_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"BOOKYARD_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BOOKYARD_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BOOKYARD_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"BOOKYARD_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	AutoMigrate bool `envconfig:"BOOKYARD_DB_AUTO_MIGRATE" default:"false"`
}

func (d *DBConfig) ensureDSN() error {
	if d.DSN != "" {
		return nil
	}
	if d.Host == "" || d.User == "" || d.Name == "" {
		return fmt.Errorf("either BOOKYARD_DB_DSN or host/user/name parts are required")
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   d.Host + ":" + strconv.Itoa(d.Port),
		Path:   d.Name,
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.User, d.Password)
	} else {
		u.User = url.User(d.User)
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	d.DSN = u.String()
	return nil
}

// TxRetryConfig tunes the transactional retry wrapper.
type TxRetryConfig struct {
	MaxRetries uint64        `envconfig:"BOOKYARD_TX_MAX_RETRIES" default:"3"`
	BaseDelay  time.Duration `envconfig:"BOOKYARD_TX_RETRY_BASE_DELAY" default:"25ms"`
	Jitter     time.Duration `envconfig:"BOOKYARD_TX_RETRY_JITTER" default:"25ms"`
	TxTimeout  time.Duration `envconfig:"BOOKYARD_TX_TIMEOUT" default:"5s"`
}

type RedisConfig struct {
	URL          string        `envconfig:"BOOKYARD_REDIS_URL" required:"true"`
	PoolSize     int           `envconfig:"BOOKYARD_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"BOOKYARD_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"BOOKYARD_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"BOOKYARD_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"BOOKYARD_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// ReservationConfig bounds a single order and a user's open reservations.
type ReservationConfig struct {
	MaxItemsPerOrder   int           `envconfig:"BOOKYARD_MAX_ITEMS_PER_ORDER" default:"5"`
	MaxReservedPerUser int           `envconfig:"BOOKYARD_MAX_RESERVED_PER_USER" default:"10"`
	PaymentTTL         time.Duration `envconfig:"BOOKYARD_PAYMENT_TTL" default:"30m"`
	PickupCodeAttempts int           `envconfig:"BOOKYARD_PICKUP_CODE_ATTEMPTS" default:"5"`
}

// PaymentConfig identifies this merchant to the gateway and bounds charges.
type PaymentConfig struct {
	AppID             string        `envconfig:"BOOKYARD_PAYMENT_APP_ID" required:"true"`
	MerchantID        string        `envconfig:"BOOKYARD_PAYMENT_MERCHANT_ID" required:"true"`
	GatewayBaseURL    string        `envconfig:"BOOKYARD_PAYMENT_GATEWAY_BASE_URL" required:"true"`
	APISecret         string        `envconfig:"BOOKYARD_PAYMENT_API_SECRET" required:"true"`
	APIKey            string        `envconfig:"BOOKYARD_PAYMENT_API_KEY" required:"true"`
	RequestTimeout    time.Duration `envconfig:"BOOKYARD_PAYMENT_REQUEST_TIMEOUT" default:"10s"`
	MaxChargeCents    int64         `envconfig:"BOOKYARD_PAYMENT_MAX_CHARGE_CENTS" default:"10000000"`
	QueryRetries      uint64        `envconfig:"BOOKYARD_PAYMENT_QUERY_RETRIES" default:"3"`
	QueryRetryBackoff time.Duration `envconfig:"BOOKYARD_PAYMENT_QUERY_RETRY_BACKOFF" default:"200ms"`
}

// WebhookConfig tunes notification security validation and dedup.
type WebhookConfig struct {
	TimestampTolerance time.Duration `envconfig:"BOOKYARD_WEBHOOK_TIMESTAMP_TOLERANCE" default:"5m"`
	FutureSkew         time.Duration `envconfig:"BOOKYARD_WEBHOOK_FUTURE_SKEW" default:"60s"`
	StrictAck          bool          `envconfig:"BOOKYARD_WEBHOOK_STRICT_ACK" default:"false"`
	DedupTTL           time.Duration `envconfig:"BOOKYARD_WEBHOOK_DEDUP_TTL" default:"24h"`
}

// SweeperConfig tunes the expired-order sweep worker.
type SweeperConfig struct {
	BatchSize int           `envconfig:"BOOKYARD_SWEEP_BATCH_SIZE" default:"1000"`
	Interval  time.Duration `envconfig:"BOOKYARD_SWEEP_INTERVAL" default:"1m"`
}
