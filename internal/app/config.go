package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/payledger/internal/domain/commission"
	"github.com/xenking/payledger/internal/domain/payout"
	"github.com/xenking/payledger/internal/domain/risk"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (LEDGER_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Environment string `default:"development" usage:"Deployment environment; production enforces webhook secrets"`
	Storage     StorageConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Webhook     WebhookConfig
	Commission  CommissionConfig
	Payout      PayoutConfig
	Transfer    TransferConfig
	Risk        RiskConfig
	Auth        AuthConfig
	Email       EmailConfig
	Providers   ProvidersConfig
	RateLimit   RateLimitConfig
	Idempotency IdempotencyConfig
	Graceful    GracefulConfig
}

// StorageConfig selects the transactional store.
type StorageConfig struct {
	Driver      string `default:"postgres" usage:"Storage driver: postgres or memory"`
	DatabaseURL string `usage:"PostgreSQL connection URL (LEDGER_STORAGE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
}

// RedisConfig enables the shared idempotency, velocity and blacklist stores.
type RedisConfig struct {
	URL string `usage:"Redis URL (LEDGER_REDIS_URL or REDIS_URL); empty keeps those stores in the primary storage" flag:"redis-url"`
}

// KafkaConfig enables the domain event bus. Without brokers events are logged.
type KafkaConfig struct {
	Brokers  []string      `usage:"Kafka brokers"`
	ClientID string        `default:"payledger" usage:"Kafka client id"`
	Timeout  time.Duration `default:"10s" usage:"Produce timeout"`
}

// WebhookConfig holds provider signing secrets and processing limits.
type WebhookConfig struct {
	CardSecret string        `usage:"Card gateway signing secret"`
	PixASecret string        `usage:"PIX gateway A signing secret"`
	PixBSecret string        `usage:"PIX gateway B signing secret"`
	Tolerance  time.Duration `default:"5m" usage:"Card signature timestamp tolerance"`
	Deadline   time.Duration `default:"5s" usage:"Hard deadline for processing one notification"`
}

// CommissionConfig overrides the canonical fee table. Percentages are
// decimal strings.
type CommissionConfig struct {
	CardStarter    string `default:"9" usage:"Card commission percent for the starter plan"`
	CardPro        string `default:"7" usage:"Card commission percent for the pro plan"`
	CardBusiness   string `default:"6" usage:"Card commission percent for the business plan"`
	PixFeePercent  string `default:"1.99" usage:"PIX gateway fee percent"`
	PixPlatformFee int64  `default:"80" usage:"PIX flat platform fee in minor units"`
}

// PayoutConfig controls payout limits and fees in minor units.
type PayoutConfig struct {
	MinAmount       int64 `default:"1000" usage:"Minimum payout"`
	MaxAmount       int64 `default:"5000000" usage:"Maximum payout"`
	PixFee          int64 `default:"0" usage:"Flat PIX payout fee"`
	BankTransferFee int64 `default:"367" usage:"Flat bank transfer payout fee"`
}

// TransferConfig configures the transfer API. Empty BaseURL uses the
// sandbox, which is refused in production.
type TransferConfig struct {
	BaseURL       string        `usage:"Transfer API base URL"`
	APIKey        string        `usage:"Transfer API key"`
	Timeout       time.Duration `default:"15s" usage:"Transfer request timeout"`
	RatePerSecond float64       `default:"10" usage:"Outgoing transfer calls per second"`
	Burst         int           `default:"5" usage:"Outgoing transfer burst"`
}

// RiskConfig tunes the risk scorer and the blacklist snapshot.
type RiskConfig struct {
	IPVelocityLimit       int           `default:"5" usage:"Checkouts per IP per window before scoring"`
	IPVelocityWindow      time.Duration `default:"1h"`
	CardVelocityLimit     int           `default:"3" usage:"Checkouts per card per window before scoring"`
	CardVelocityWindow    time.Duration `default:"24h"`
	Timezone              string        `default:"America/Sao_Paulo" usage:"Timezone of the off-hours window"`
	HighRiskCountries     []string      `default:"NG,KP,IR,RU,VE"`
	BlacklistSnapshot     string        `usage:"Gzip blacklist snapshot imported at startup"`
	BlacklistCacheTTL     time.Duration `default:"1m"`
	BlacklistRefresh      time.Duration `default:"5m" usage:"Bloom snapshot refresh interval"`
	BlacklistMaxStaleness time.Duration `default:"30m" usage:"Snapshot age that degrades readiness"`
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	JWTSecret string        `usage:"HS256 secret for customer and seller tokens" flag:"jwt-secret"`
	Issuer    string        `default:"payledger"`
	Leeway    time.Duration `default:"30s"`
}

// EmailConfig configures the transactional email API. Empty BaseURL logs
// messages instead of sending them.
type EmailConfig struct {
	BaseURL  string `usage:"Email API base URL"`
	APIKey   string
	From     string `default:"no-reply@payledger.local"`
	Template string `default:"access-grant"`
}

// ProvidersConfig configures the provider status APIs used by refresh polls.
type ProvidersConfig struct {
	CardAPIURL  string        `default:"https://api.stripe.com"`
	CardToken   string        `usage:"Card gateway API key"`
	PixAToken   string        `usage:"PIX gateway A access token"`
	PixBAPIURL  string        `usage:"PIX gateway B API base URL"`
	PixBToken   string        `usage:"PIX gateway B API token"`
	PollTimeout time.Duration `default:"5s"`
}

// RateLimitConfig controls the per-client limiters.
type RateLimitConfig struct {
	Max           int           `default:"100" usage:"Max API requests per window"`
	Window        time.Duration `default:"1m"  usage:"Rate limit window duration"`
	WebhookMax    int           `default:"600" usage:"Max webhook deliveries per client per window"`
	WebhookWindow time.Duration `default:"1m"`
}

// IdempotencyConfig controls processed-event marks.
type IdempotencyConfig struct {
	TTL           time.Duration `default:"24h" usage:"Retention of processed webhook events"`
	PurgeInterval time.Duration `default:"10m" usage:"Interval between purges of expired marks"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "LEDGER",
		Files:     []string{"config.yaml", "/etc/payledger/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration that cannot start the service.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("database URL is required: set LEDGER_STORAGE_DATABASE_URL or DATABASE_URL")
		}
	case DriverMemory:
		if c.Production() {
			return errors.New("memory storage is not allowed in production")
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Production() && c.Transfer.BaseURL == "" {
		return errors.New("transfer API base URL is required in production")
	}
	if c.Production() && c.Auth.JWTSecret == "" {
		return errors.New("JWT secret is required in production")
	}
	if _, err := c.Commission.Table(); err != nil {
		return err
	}
	return nil
}

// Production reports whether the service runs in production.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's LEDGER_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.Storage.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.Storage.DatabaseURL = v
		}
	}
	if c.Redis.URL == "" {
		if v := os.Getenv("REDIS_URL"); v != "" {
			c.Redis.URL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

// Table builds the commission table.
func (c CommissionConfig) Table() (commission.Table, error) {
	t := commission.DefaultTable()
	for plan, raw := range map[string]string{
		commission.PlanStarter:  c.CardStarter,
		commission.PlanPro:      c.CardPro,
		commission.PlanBusiness: c.CardBusiness,
	} {
		if raw == "" {
			continue
		}
		pct, err := decimal.NewFromString(raw)
		if err != nil {
			return commission.Table{}, errors.Wrapf(err, "card commission for %s", plan)
		}
		t.CardPercent[plan] = pct
	}
	if c.PixFeePercent != "" {
		pct, err := decimal.NewFromString(c.PixFeePercent)
		if err != nil {
			return commission.Table{}, errors.Wrap(err, "pix fee percent")
		}
		t.PixFeePercent = pct
	}
	t.PixPlatformFee = c.PixPlatformFee
	return t, nil
}

// Ledger builds the payout ledger configuration.
func (c PayoutConfig) Ledger() payout.Config {
	return payout.Config{
		MinAmount: c.MinAmount,
		MaxAmount: c.MaxAmount,
		Fees: map[payout.Method]int64{
			payout.MethodPix:          c.PixFee,
			payout.MethodBankTransfer: c.BankTransferFee,
		},
	}
}

// Scorer builds the risk scorer configuration on top of the defaults.
func (c RiskConfig) Scorer() risk.Config {
	cfg := risk.DefaultConfig()
	if c.IPVelocityLimit > 0 {
		cfg.IPVelocityLimit = c.IPVelocityLimit
	}
	if c.IPVelocityWindow > 0 {
		cfg.IPVelocityWindow = c.IPVelocityWindow
	}
	if c.CardVelocityLimit > 0 {
		cfg.CardVelocityLimit = c.CardVelocityLimit
	}
	if c.CardVelocityWindow > 0 {
		cfg.CardVelocityWindow = c.CardVelocityWindow
	}
	if len(c.HighRiskCountries) > 0 {
		cfg.HighRiskCountries = c.HighRiskCountries
	}
	if c.Timezone != "" {
		if loc, err := time.LoadLocation(c.Timezone); err == nil {
			cfg.Location = loc
		}
	}
	return cfg
}

// Blacklist builds the cached blacklist configuration.
func (c RiskConfig) Blacklist() risk.CachedBlacklistConfig {
	return risk.CachedBlacklistConfig{
		TTL:             c.BlacklistCacheTTL,
		RefreshInterval: c.BlacklistRefresh,
	}
}
