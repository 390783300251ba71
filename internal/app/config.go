package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/cart"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (POS_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (POS_DATABASE_URL or DATABASE_URL); empty runs in memory" flag:"database-url"`
	RedisURL    string `usage:"Redis URL for the promotion cache (POS_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	Demo        bool   `default:"true" usage:"Load the demo catalog in memory mode"`
	Register    RegisterConfig
	Pricing     PricingConfig
	Settlement  SettlementConfig
	PromoCache  PromoCacheConfig
	PromoLimit  RateLimitConfig
	CORS        CORSConfig
	Health      HealthConfig
	Graceful    GracefulConfig
}

// RegisterConfig identifies the register this process settles for.
type RegisterConfig struct {
	ID          string `default:"main" usage:"Register identifier" flag:"register-id"`
	OpenOnStart bool   `default:"true" usage:"Open a register session at startup when none is open"`
}

// PricingConfig holds the register pricing defaults. Values are decimal
// strings so no float rounding leaks into money.
type PricingConfig struct {
	TaxRate          string `default:"0" usage:"Tax rate as a fraction of the taxable amount (0.21 = 21%)"`
	PricesIncludeTax bool   `default:"false" usage:"Unit prices already include tax"`
	WholesaleRate    string `default:"0" usage:"Wholesale reduction as a fraction of the unit price (0.2 = 20% off)"`
	VIPPercent       string `default:"0" usage:"Default VIP discount in percent"`
}

// SettlementConfig tunes the checkout coordinator.
type SettlementConfig struct {
	AttemptLogSize int           `default:"50" usage:"Payment attempts kept in memory"`
	CloseDelay     time.Duration `default:"2s" usage:"How long a successful checkout stays visible"`
}

// PromoCacheConfig controls the Redis promotion cache.
type PromoCacheConfig struct {
	TTL    time.Duration `default:"5m" usage:"Base TTL of cached promotions"`
	Jitter time.Duration `default:"1m" usage:"Random TTL spread"`
}

// RateLimitConfig bounds promotion code attempts per client.
type RateLimitConfig struct {
	Max    int           `default:"20" usage:"Promotion code attempts per window"`
	Window time.Duration `default:"1m" usage:"Rate limit window"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins []string `default:"*" usage:"Allowed CORS origins"`
}

// HealthConfig controls the health check interval.
type HealthConfig struct {
	Interval time.Duration `default:"10s" usage:"Health check interval"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// Pricing is the parsed form of PricingConfig.
type Pricing struct {
	Preferences cart.Preferences
	VIPPercent  decimal.Decimal
}

// Parse validates the decimal fields.
func (c PricingConfig) Parse() (Pricing, error) {
	parse := func(name, v string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "parse %s %q", name, v)
		}
		if d.IsNegative() {
			return decimal.Zero, errors.Errorf("%s must not be negative", name)
		}
		return d, nil
	}

	tax, err := parse("tax rate", c.TaxRate)
	if err != nil {
		return Pricing{}, err
	}
	if tax.GreaterThan(decimal.NewFromInt(1)) {
		return Pricing{}, errors.New("tax rate must be a fraction in [0, 1]")
	}
	wholesale, err := parse("wholesale rate", c.WholesaleRate)
	if err != nil {
		return Pricing{}, err
	}
	if wholesale.GreaterThan(decimal.NewFromInt(1)) {
		return Pricing{}, errors.New("wholesale rate must be a fraction in [0, 1]")
	}
	vip, err := parse("vip percent", c.VIPPercent)
	if err != nil {
		return Pricing{}, err
	}
	return Pricing{
		Preferences: cart.Preferences{
			WholesaleRate:    wholesale,
			TaxRate:          tax,
			PricesIncludeTax: c.PricesIncludeTax,
		},
		VIPPercent: vip,
	}, nil
}

// LoadConfig loads configuration from environment variables and YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "POS",
		Files:     []string{"config.yaml", "/etc/pos/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults(os.Getenv)

	if _, err := cfg.Pricing.Parse(); err != nil {
		return nil, errors.Wrap(err, "pricing config")
	}
	return &cfg, nil
}

// applyPlatformDefaults maps the standard DATABASE_URL, REDIS_URL and PORT
// variables set by hosting platforms onto the POS_-prefixed configuration.
func (c *Config) applyPlatformDefaults(getenv func(string) string) {
	if c.DatabaseURL == "" {
		c.DatabaseURL = getenv("DATABASE_URL")
	}
	if c.RedisURL == "" {
		c.RedisURL = getenv("REDIS_URL")
	}
	if port := getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
