// Package config содержит логику чтения конфигурации маркетплейса доставки.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации маркетплейса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	AuthSecret  string `env:"AUTH_SECRET"`

	DefaultGateway string `env:"DEFAULT_GATEWAY"`
	PixEnabled     bool   `env:"PIX_ENABLED" envDefault:"true"`
	CardEnabled    bool   `env:"CARD_ENABLED" envDefault:"true"`
	CashEnabled    bool   `env:"CASH_ENABLED" envDefault:"true"`

	MercadoPagoAccessToken   string `env:"MERCADOPAGO_ACCESS_TOKEN"`
	MercadoPagoWebhookSecret string `env:"MERCADOPAGO_WEBHOOK_SECRET"`
	MercadoPagoEnabled       bool   `env:"MERCADOPAGO_ENABLED" envDefault:"true"`

	PagarmeSecretKey     string `env:"PAGARME_SECRET_KEY"`
	PagarmeWebhookSecret string `env:"PAGARME_WEBHOOK_SECRET"`
	PagarmeEnabled       bool   `env:"PAGARME_ENABLED" envDefault:"true"`

	PixKey           string `env:"PIX_KEY"`
	PixMerchantName  string `env:"PIX_MERCHANT_NAME"`
	PixMerchantCity  string `env:"PIX_MERCHANT_CITY"`
	PixWebhookSecret string `env:"PIX_WEBHOOK_SECRET"`
	PixLocalEnabled  bool   `env:"PIX_LOCAL_ENABLED" envDefault:"true"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAuthSecret := cfg.AuthSecret
	envDefaultGateway := cfg.DefaultGateway

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth cookies")
	flag.StringVar(&cfg.DefaultGateway, "g", "", "default payment gateway")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envDefaultGateway != "" {
		cfg.DefaultGateway = envDefaultGateway
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
