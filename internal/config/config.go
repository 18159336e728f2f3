// Package config reads the service configuration from flags and environment.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable of the order service. Environment variables
// take precedence over command-line flags.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	RedisAddr   string `env:"REDIS_ADDR"`

	AuthSecret string `env:"AUTH_SECRET"`

	GatewayBaseURL       string `env:"GATEWAY_BASE_URL"`
	GatewayWebhookSecret string `env:"GATEWAY_WEBHOOK_SECRET"`
	GatewayEncryptionKey string `env:"GATEWAY_ENCRYPTION_KEY"`

	ShippingProviderURLs []string      `env:"SHIPPING_PROVIDER_URLS" envSeparator:","`
	ShippingQuoteTimeout time.Duration `env:"SHIPPING_QUOTE_TIMEOUT"`

	MailRelayURL    string `env:"MAIL_RELAY_URL"`
	SecurityHookURL string `env:"SECURITY_HOOK_URL"`

	MinOrderAmount     int64 `env:"MIN_ORDER_AMOUNT"`
	MaxOrderAmount     int64 `env:"MAX_ORDER_AMOUNT"`
	MaxQuantityPerItem int32 `env:"MAX_QUANTITY_PER_ITEM"`
}

const (
	defaultRunAddress   = "localhost:8080"
	defaultQuoteTimeout = 5 * time.Second

	// Order totals accepted at checkout, in centavos.
	defaultMinOrderAmount = 100      // R$ 1,00
	defaultMaxOrderAmount = 10000000 // R$ 100.000,00

	defaultMaxQuantityPerItem = 10
)

// Parse reads the configuration from command-line flags and environment
// variables, environment winning on conflict.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for the quote cache (optional)")
	flag.StringVar(&cfg.AuthSecret, "auth-secret", "", "secret for signing auth cookies")
	flag.StringVar(&cfg.GatewayBaseURL, "gateway", "", "payment gateway base URL")
	flag.StringVar(&cfg.GatewayWebhookSecret, "gateway-secret", "", "payment gateway webhook signing secret")
	flag.StringVar(&cfg.GatewayEncryptionKey, "gateway-key", "", "payment gateway metadata encryption key (hex, 32 bytes)")
	flag.StringVar(&cfg.MailRelayURL, "mail-relay", "", "mail relay endpoint for customer notifications")
	flag.StringVar(&cfg.SecurityHookURL, "security-hook", "", "endpoint for security incident notifications")
	flag.Int64Var(&cfg.MinOrderAmount, "min-order", defaultMinOrderAmount, "minimum accepted order total, centavos")
	flag.Int64Var(&cfg.MaxOrderAmount, "max-order", defaultMaxOrderAmount, "maximum accepted order total, centavos")

	var maxQty int
	flag.IntVar(&maxQty, "max-qty", defaultMaxQuantityPerItem, "maximum quantity per cart item")

	var providers string
	flag.StringVar(&providers, "shipping-providers", "", "comma-separated shipping provider base URLs")

	flag.Parse()

	cfg.MaxQuantityPerItem = int32(maxQty)
	if providers != "" && len(fromEnv.ShippingProviderURLs) == 0 {
		cfg.ShippingProviderURLs = splitCSV(providers)
	}

	applyEnvOverrides(cfg, &fromEnv)

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.ShippingQuoteTimeout <= 0 {
		cfg.ShippingQuoteTimeout = defaultQuoteTimeout
	}
	if cfg.MinOrderAmount <= 0 {
		cfg.MinOrderAmount = defaultMinOrderAmount
	}
	if cfg.MaxOrderAmount <= cfg.MinOrderAmount {
		cfg.MaxOrderAmount = defaultMaxOrderAmount
	}
	if cfg.MaxQuantityPerItem <= 0 {
		cfg.MaxQuantityPerItem = defaultMaxQuantityPerItem
	}

	return cfg, nil
}

func applyEnvOverrides(cfg, fromEnv *Config) {
	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.DatabaseURI != "" {
		cfg.DatabaseURI = fromEnv.DatabaseURI
	}
	if fromEnv.RedisAddr != "" {
		cfg.RedisAddr = fromEnv.RedisAddr
	}
	if fromEnv.AuthSecret != "" {
		cfg.AuthSecret = fromEnv.AuthSecret
	}
	if fromEnv.GatewayBaseURL != "" {
		cfg.GatewayBaseURL = fromEnv.GatewayBaseURL
	}
	if fromEnv.GatewayWebhookSecret != "" {
		cfg.GatewayWebhookSecret = fromEnv.GatewayWebhookSecret
	}
	if fromEnv.GatewayEncryptionKey != "" {
		cfg.GatewayEncryptionKey = fromEnv.GatewayEncryptionKey
	}
	if fromEnv.MailRelayURL != "" {
		cfg.MailRelayURL = fromEnv.MailRelayURL
	}
	if fromEnv.SecurityHookURL != "" {
		cfg.SecurityHookURL = fromEnv.SecurityHookURL
	}
	if len(fromEnv.ShippingProviderURLs) > 0 {
		cfg.ShippingProviderURLs = fromEnv.ShippingProviderURLs
	}
	if fromEnv.ShippingQuoteTimeout > 0 {
		cfg.ShippingQuoteTimeout = fromEnv.ShippingQuoteTimeout
	}
	if fromEnv.MinOrderAmount > 0 {
		cfg.MinOrderAmount = fromEnv.MinOrderAmount
	}
	if fromEnv.MaxOrderAmount > 0 {
		cfg.MaxOrderAmount = fromEnv.MaxOrderAmount
	}
	if fromEnv.MaxQuantityPerItem > 0 {
		cfg.MaxQuantityPerItem = fromEnv.MaxQuantityPerItem
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
