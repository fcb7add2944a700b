package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/printventory/printventory-backend/pkg/enums"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Billing      BillingConfig
	Stripe       StripeConfig
	Cron         CronConfig
	FeatureFlags FeatureFlagsConfig
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
	Env          string `envconfig:"PRINTVENTORY_APP_ENV" required:"true"`
	Port         string `envconfig:"PRINTVENTORY_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"PRINTVENTORY_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PRINTVENTORY_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"PRINTVENTORY_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"PRINTVENTORY_DB_DSN"`
	Driver string `envconfig:"PRINTVENTORY_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"PRINTVENTORY_DB_HOST"`
	LegacyPort     int    `envconfig:"PRINTVENTORY_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"PRINTVENTORY_DB_USER"`
	LegacyPassword string `envconfig:"PRINTVENTORY_DB_PASSWORD"`
	LegacyName     string `envconfig:"PRINTVENTORY_DB_NAME"`
	LegacySSLMode  string `envconfig:"PRINTVENTORY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PRINTVENTORY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PRINTVENTORY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PRINTVENTORY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PRINTVENTORY_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PRINTVENTORY_REDIS_URL" required:"true"`
	Address      string        `envconfig:"PRINTVENTORY_REDIS_ADDR"`
	Password     string        `envconfig:"PRINTVENTORY_REDIS_PASSWORD"`
	DB           int           `envconfig:"PRINTVENTORY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PRINTVENTORY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PRINTVENTORY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PRINTVENTORY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PRINTVENTORY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PRINTVENTORY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"PRINTVENTORY_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"PRINTVENTORY_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"PRINTVENTORY_JWT_EXPIRATION_MINUTES" required:"true"`
}

// BillingConfig carries the entitlement lifecycle knobs.
type BillingConfig struct {
	GracePeriodDays      int           `envconfig:"PRINTVENTORY_BILLING_GRACE_PERIOD_DAYS" default:"30"`
	ProcessorCallTimeout time.Duration `envconfig:"PRINTVENTORY_BILLING_PROCESSOR_TIMEOUT" default:"10s"`
	ProcessorCallRetries uint64        `envconfig:"PRINTVENTORY_BILLING_PROCESSOR_RETRIES" default:"2"`
	DefaultCurrency      string        `envconfig:"PRINTVENTORY_BILLING_DEFAULT_CURRENCY" default:"usd"`
}

type StripeConfig struct {
	APIKey string `envconfig:"PRINTVENTORY_STRIPE_API_KEY"`
	Secret string `envconfig:"PRINTVENTORY_STRIPE_SECRET"`
	Env    string `envconfig:"PRINTVENTORY_STRIPE_ENV" default:"test"`

	PriceTierOneMonthly string `envconfig:"PRINTVENTORY_STRIPE_PRICE_TIER1_MONTHLY"`
	PriceTierOneAnnual  string `envconfig:"PRINTVENTORY_STRIPE_PRICE_TIER1_ANNUAL"`
	PriceTierTwoMonthly string `envconfig:"PRINTVENTORY_STRIPE_PRICE_TIER2_MONTHLY"`
	PriceTierTwoAnnual  string `envconfig:"PRINTVENTORY_STRIPE_PRICE_TIER2_ANNUAL"`
}

func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// PriceFor resolves the configured Stripe price for a paid tier and period.
func (s StripeConfig) PriceFor(tier enums.Tier, period enums.BillingPeriod) (string, error) {
	switch {
	case tier == enums.TierOne && period == enums.BillingPeriodMonthly:
		return s.PriceTierOneMonthly, nil
	case tier == enums.TierOne && period == enums.BillingPeriodAnnual:
		return s.PriceTierOneAnnual, nil
	case tier == enums.TierTwo && period == enums.BillingPeriodMonthly:
		return s.PriceTierTwoMonthly, nil
	case tier == enums.TierTwo && period == enums.BillingPeriodAnnual:
		return s.PriceTierTwoAnnual, nil
	}
	return "", fmt.Errorf("no price configured for tier %q period %q", tier, period)
}

type CronConfig struct {
	Interval            time.Duration `envconfig:"PRINTVENTORY_CRON_INTERVAL" default:"1h"`
	LockTTL             time.Duration `envconfig:"PRINTVENTORY_CRON_LOCK_TTL" default:"55m"`
	ReconcileLimit      int           `envconfig:"PRINTVENTORY_CRON_RECONCILE_LIMIT" default:"250"`
	WebhookDedupeTTL    time.Duration `envconfig:"PRINTVENTORY_WEBHOOK_DEDUPE_TTL" default:"720h"`
	GraceSweepBatchSize int           `envconfig:"PRINTVENTORY_CRON_GRACE_SWEEP_BATCH" default:"500"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"PRINTVENTORY_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if strings.TrimSpace(db.DSN) != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
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
