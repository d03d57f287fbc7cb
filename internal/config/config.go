package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the full runtime configuration read from the environment.
type Config struct {
	App        AppConfig
	HTTP       HTTPConfig
	DB         DBConfig
	Redis      RedisConfig
	Lava       LavaConfig
	Crypto     CryptoConfig
	Kie        KieConfig
	Generation GenerationConfig
	Referral   ReferralConfig
	WhatsApp   WhatsAppConfig
}

type AppConfig struct {
	Env              string `envconfig:"APP_ENV" default:"development"`
	LogLevel         string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat        string `envconfig:"LOG_FORMAT" default:"text"`
	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"meemee"`
	BotName          string `envconfig:"BOT_NAME" default:"meemee_bot"`
	SignupFreeQuota  int64  `envconfig:"SIGNUP_FREE_QUOTA" default:"1"`
}

type HTTPConfig struct {
	ListenAddr    string `envconfig:"HTTP_LISTEN_ADDR" default:":3000"`
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL"`
	BasePath      string `envconfig:"PUBLIC_BASE_PATH"`
	APIKey        string `envconfig:"SERVICE_API_KEY"`
}

type DBConfig struct {
	Driver string `envconfig:"DATABASE_DRIVER" default:"postgres"`
	URL    string `envconfig:"DATABASE_URL"`
	Schema string `envconfig:"DATABASE_SCHEMA"`
	Path   string `envconfig:"SQLITE_PATH" default:"data/meemee.db"`
}

type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
	TLS      bool   `envconfig:"REDIS_TLS" default:"false"`
	// WebhookDedupTTL bounds how long a delivery id is remembered.
	WebhookDedupTTL time.Duration `envconfig:"WEBHOOK_DEDUP_TTL" default:"24h"`
}

type LavaConfig struct {
	BaseURL       string            `envconfig:"LAVA_BASE_URL" default:"https://gate.lava.top"`
	APIKey        string            `envconfig:"LAVA_PAYMENT_API" required:"true"`
	WebhookSecret string            `envconfig:"LAVA_WEBHOOK_SECRET" required:"true"`
	OfferIDs      map[string]string `envconfig:"LAVA_OFFER_IDS"`
	Timeout       time.Duration     `envconfig:"LAVA_TIMEOUT" default:"15s"`
}

type CryptoConfig struct {
	BaseURL       string        `envconfig:"OXPROCESSING_BASE_URL" default:"https://app.0xprocessing.com"`
	MerchantID    string        `envconfig:"MERCHANT_ID" required:"true"`
	WebhookSecret string        `envconfig:"WEBHOOK_PASSWORD_PROCESSING" required:"true"`
	ContactEmail  string        `envconfig:"CRYPTO_CONTACT_EMAIL" default:"user@meemee.bot"`
	Timeout       time.Duration `envconfig:"OXPROCESSING_TIMEOUT" default:"15s"`
	MinAmountTTL  time.Duration `envconfig:"OXPROCESSING_MIN_TTL" default:"10m"`
}

type KieConfig struct {
	BaseURL string        `envconfig:"KIE_BASE_URL" default:"https://api.kie.ai/api/v1/jobs"`
	APIKey  string        `envconfig:"KIE_AI_API_KEY" required:"true"`
	Model   string        `envconfig:"KIE_MODEL" default:"sora-2-text-to-video"`
	Timeout time.Duration `envconfig:"KIE_TIMEOUT" default:"30s"`
}

type GenerationConfig struct {
	Workers       int           `envconfig:"GENERATION_WORKERS" default:"4"`
	QueueSize     int           `envconfig:"GENERATION_QUEUE_SIZE" default:"64"`
	PollAttempts  int           `envconfig:"GENERATION_POLL_ATTEMPTS" default:"60"`
	PollInterval  time.Duration `envconfig:"GENERATION_POLL_INTERVAL" default:"10s"`
	SweepInterval time.Duration `envconfig:"GENERATION_SWEEP_INTERVAL" default:"1m"`
	WaitTimeout   time.Duration `envconfig:"GENERATION_WAIT_TIMEOUT" default:"3m"`
}

type ReferralConfig struct {
	Bonus                 int64 `envconfig:"REFERRAL_BONUS" default:"1"`
	ExpertCashbackPercent int64 `envconfig:"EXPERT_CASHBACK_PERCENT" default:"10"`
	SuspiciousDailyLimit  int   `envconfig:"REFERRAL_SUSPICIOUS_DAILY_LIMIT" default:"10"`
}

type WhatsAppConfig struct {
	Enabled   bool   `envconfig:"WHATSAPP_ENABLED" default:"false"`
	StorePath string `envconfig:"WHATSAPP_STORE_PATH" default:"data/whatsapp.db"`
	LogLevel  string `envconfig:"WHATSAPP_LOG_LEVEL" default:"WARN"`
}

// Load reads the configuration from the process environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.requireSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// requireSecrets rejects secrets that are present but blank.
func (c *Config) requireSecrets() error {
	secrets := map[string]string{
		"LAVA_PAYMENT_API":            c.Lava.APIKey,
		"LAVA_WEBHOOK_SECRET":         c.Lava.WebhookSecret,
		"MERCHANT_ID":                 c.Crypto.MerchantID,
		"WEBHOOK_PASSWORD_PROCESSING": c.Crypto.WebhookSecret,
		"KIE_AI_API_KEY":              c.Kie.APIKey,
	}
	for name, val := range secrets {
		if strings.TrimSpace(val) == "" {
			return fmt.Errorf("required secret %s is empty", name)
		}
	}
	return nil
}

// Validate checks cross-field constraints envconfig tags cannot express.
func (c *Config) Validate() error {
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	switch c.DB.Driver {
	case DriverPostgres:
		if strings.TrimSpace(c.DB.URL) == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	case DriverSQLite:
		if strings.TrimSpace(c.DB.Path) == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DB.Driver)
	}
	if c.Generation.Workers <= 0 {
		return fmt.Errorf("GENERATION_WORKERS must be positive")
	}
	if c.Generation.QueueSize <= 0 {
		return fmt.Errorf("GENERATION_QUEUE_SIZE must be positive")
	}
	if c.Generation.PollAttempts <= 0 || c.Generation.PollInterval <= 0 {
		return fmt.Errorf("generation poll attempts and interval must be positive")
	}
	if c.Referral.ExpertCashbackPercent < 0 || c.Referral.ExpertCashbackPercent > 100 {
		return fmt.Errorf("EXPERT_CASHBACK_PERCENT must be within 0..100")
	}
	if c.Referral.Bonus < 0 || c.App.SignupFreeQuota < 0 {
		return fmt.Errorf("quota bonuses must not be negative")
	}
	return nil
}
