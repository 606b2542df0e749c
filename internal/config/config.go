// Package config handles service configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Billing   BillingConfig   `json:"billing,omitempty"`
	Trial     TrialConfig     `json:"trial,omitempty"`
}

// BillingConfig defines Stripe billing settings. Disabled by default.
//
// Every price field may also come from the environment variable named in its
// comment; the environment wins over the file so deployments can keep price
// IDs out of checked-in config.
type BillingConfig struct {
	Enabled             bool   `json:"enabled,omitempty"`
	StripeSecretKey     string `json:"stripe_secret_key,omitempty"`     // STRIPE_SECRET_KEY
	StripeWebhookSecret string `json:"stripe_webhook_secret,omitempty"` // STRIPE_WEBHOOK_SECRET

	PriceEssential28D      string `json:"price_essential_28d,omitempty"`       // PRICE_ESSENTIAL_28D
	PriceEssentialAnnual   string `json:"price_essential_annual,omitempty"`    // PRICE_ESSENTIAL_ANNUAL
	PriceEssentialAnnualEB string `json:"price_essential_annual_eb,omitempty"` // PRICE_ESSENTIAL_ANNUAL_EB
	PriceGrowth28D         string `json:"price_growth_28d,omitempty"`          // PRICE_GROWTH_28D
	PriceGrowthAnnual      string `json:"price_growth_annual,omitempty"`       // PRICE_GROWTH_ANNUAL
	PriceGrowthAnnualEB    string `json:"price_growth_annual_eb,omitempty"`    // PRICE_GROWTH_ANNUAL_EB
	PricePro28D            string `json:"price_pro_28d,omitempty"`             // PRICE_PRO_28D
	PriceProAnnual         string `json:"price_pro_annual,omitempty"`          // PRICE_PRO_ANNUAL
	PriceProAnnualEB       string `json:"price_pro_annual_eb,omitempty"`       // PRICE_PRO_ANNUAL_EB
	PriceLifetimeOneOff    string `json:"price_lifetime_oneoff,omitempty"`     // PRICE_LIFETIME_ONEOFF

	CheckoutSuccessURL string `json:"checkout_success_url,omitempty"`
	CheckoutCancelURL  string `json:"checkout_cancel_url,omitempty"`
	PortalReturnURL    string `json:"portal_return_url,omitempty"`
}

// TrialConfig defines the free-trial window granted to new profiles.
type TrialConfig struct {
	Length Duration `json:"length,omitempty"` // default 14 days
}

// ServerConfig defines the service's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"`      // "builtin" (default) or "jwks"
	JWKSIssuer   string        `json:"jwks_issuer,omitempty"`
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"`                    // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`                       // e.g. "fortune.db" or ":memory:"
	EventRetention Duration `json:"event_retention,omitempty"` // processed webhook event retention
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnvOverrides lets the environment win over the file for Stripe
// secrets and price IDs.
func (c *Config) applyEnvOverrides() {
	overrides := []struct {
		env string
		dst *string
	}{
		{"STRIPE_SECRET_KEY", &c.Billing.StripeSecretKey},
		{"STRIPE_WEBHOOK_SECRET", &c.Billing.StripeWebhookSecret},
		{"PRICE_ESSENTIAL_28D", &c.Billing.PriceEssential28D},
		{"PRICE_ESSENTIAL_ANNUAL", &c.Billing.PriceEssentialAnnual},
		{"PRICE_ESSENTIAL_ANNUAL_EB", &c.Billing.PriceEssentialAnnualEB},
		{"PRICE_GROWTH_28D", &c.Billing.PriceGrowth28D},
		{"PRICE_GROWTH_ANNUAL", &c.Billing.PriceGrowthAnnual},
		{"PRICE_GROWTH_ANNUAL_EB", &c.Billing.PriceGrowthAnnualEB},
		{"PRICE_PRO_28D", &c.Billing.PricePro28D},
		{"PRICE_PRO_ANNUAL", &c.Billing.PriceProAnnual},
		{"PRICE_PRO_ANNUAL_EB", &c.Billing.PriceProAnnualEB},
		{"PRICE_LIFETIME_ONEOFF", &c.Billing.PriceLifetimeOneOff},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret — generate a new one")
	}
	if c.Auth.Provider == "jwks" && c.Auth.JWKSIssuer == "" {
		return fmt.Errorf("auth.jwks_issuer is required when provider is jwks")
	}
	if c.Billing.Enabled {
		if c.Billing.StripeSecretKey == "" {
			return fmt.Errorf("billing.stripe_secret_key is required when billing is enabled")
		}
		if c.Billing.StripeWebhookSecret == "" {
			return fmt.Errorf("billing.stripe_webhook_secret is required when billing is enabled")
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "fortune.db"
	}
	if c.Storage.EventRetention.Duration == 0 {
		c.Storage.EventRetention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Trial.Length.Duration == 0 {
		c.Trial.Length.Duration = 14 * 24 * time.Hour
	}
}
