package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config carries every tunable the service reads from the environment.
// Thresholds and rate-limit windows are deliberately configuration, not
// constants, so operators can tighten them without a deploy.
type Config struct {
	Env  string `envconfig:"ENV" default:"dev"`
	Port string `envconfig:"PORT" default:"8080"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	JWTSecret   string `envconfig:"JWT_SECRET" required:"true"`

	// Gateway
	GatewayBaseURL     string        `envconfig:"GATEWAY_BASE_URL" default:"https://api.paystack.co"`
	GatewaySecretKey   string        `envconfig:"GATEWAY_SECRET_KEY" required:"true"`
	GatewayTimeout     time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
	PaymentCallbackURL string        `envconfig:"PAYMENT_CALLBACK_URL" default:""`

	// Reconciliation / payouts
	StalePayoutAfter   time.Duration `envconfig:"STALE_PAYOUT_AFTER" default:"5m"`
	SweepInterval      time.Duration `envconfig:"SWEEP_INTERVAL" default:"10m"`
	PlatformFeePercent int64         `envconfig:"PLATFORM_FEE_PERCENT" default:"10"`
	DefaultCountry     string        `envconfig:"DEFAULT_COUNTRY" default:"NG"`

	// Redis (rate limiting + bank directory cache). Empty addr disables both.
	RedisAddr     string        `envconfig:"REDIS_ADDR" default:""`
	RedisPassword string        `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	BankCacheTTL  time.Duration `envconfig:"BANK_CACHE_TTL" default:"24h"`

	SyncRateCapacity int           `envconfig:"SYNC_RATE_CAPACITY" default:"5"`
	SyncRateWindow   time.Duration `envconfig:"SYNC_RATE_WINDOW" default:"1m"`
	PayRateCapacity  int           `envconfig:"PAY_RATE_CAPACITY" default:"3"`
	PayRateWindow    time.Duration `envconfig:"PAY_RATE_WINDOW" default:"1m"`

	// Events. Empty URL falls back to log-only emission.
	AMQPURL string `envconfig:"AMQP_URL" default:""`

	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000"`
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return c, err
}
