// Package config содержит логику чтения конфигурации сервиса artgen.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса artgen.
type Config struct {
	RunAddress            string        `env:"RUN_ADDRESS"`
	DatabaseURI           string        `env:"DATABASE_URI"`
	ProviderAddress       string        `env:"PROVIDER_ADDRESS"`
	AuthSecret            string        `env:"AUTH_SECRET"`
	PaymentWebhookSecret  string        `env:"PAYMENT_WEBHOOK_SECRET"`
	PaymentCallbackSecret string        `env:"PAYMENT_CALLBACK_SECRET"`
	PaymentSuccessURL     string        `env:"PAYMENT_SUCCESS_URL"`
	ClawbackOnRefund      bool          `env:"CLAWBACK_ON_REFUND"`
	ReconcileInterval     time.Duration `env:"RECONCILE_INTERVAL"`
	DispatchTimeout       time.Duration `env:"DISPATCH_TIMEOUT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envProviderAddress := cfg.ProviderAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ProviderAddress, "p", "", "generation provider address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envProviderAddress != "" {
		cfg.ProviderAddress = envProviderAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = "artgen-secret"
	}
	if cfg.PaymentSuccessURL == "" {
		cfg.PaymentSuccessURL = "/payment/success"
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 5 * time.Second
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 2 * time.Minute
	}

	return cfg, nil
}
