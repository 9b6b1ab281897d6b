// Package config содержит логику чтения конфигурации сервиса кошельков.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const defaultRunAddress = "localhost:8080"

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	RedisAddr   string `env:"REDIS_ADDR"`
	JWTSecret   string `env:"JWT_SECRET"`

	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"paywallet.transactions"`

	WebhookSecret string `env:"WEBHOOK_SECRET"`
	// Providers сопоставляет имя провайдера с базовым адресом его API: PROVIDERS=vtpass=http://...,flutterwave=http://...
	Providers       map[string]string `env:"PROVIDERS" envSeparator:"," envKeyValSeparator:"="`
	ProviderTimeout time.Duration     `env:"PROVIDER_TIMEOUT" envDefault:"10s"`

	Currency string        `env:"CURRENCY" envDefault:"NGN"`
	LockTTL  time.Duration `env:"LOCK_TTL" envDefault:"30s"`

	ReconcileInterval    time.Duration `env:"RECONCILE_INTERVAL" envDefault:"15s"`
	ReconcileGrace       time.Duration `env:"RECONCILE_GRACE" envDefault:"10s"`
	ReconcileMaxAge      time.Duration `env:"RECONCILE_MAX_AGE" envDefault:"24h"`
	ReconcileMaxAttempts int           `env:"RECONCILE_MAX_ATTEMPTS" envDefault:"30"`
	ReconcileBatch       int           `env:"RECONCILE_BATCH" envDefault:"100"`
	ReconcileParallelism int           `env:"RECONCILE_PARALLELISM" envDefault:"4"`
}

// Parse считывает конфигурацию из файла .env, переменных окружения и флагов командной строки.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisAddr := cfg.RedisAddr
	envJWTSecret := cfg.JWTSecret

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory storage when empty")
	flag.StringVar(&cfg.RedisAddr, "r", "", "redis address, in-process locks when empty")
	flag.StringVar(&cfg.JWTSecret, "s", "", "JWT signing secret")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisAddr != "" {
		cfg.RedisAddr = envRedisAddr
	}
	if envJWTSecret != "" {
		cfg.JWTSecret = envJWTSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.LockTTL <= 0 {
		return errors.New("LOCK_TTL must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return errors.New("RECONCILE_INTERVAL must be positive")
	}
	if c.ReconcileBatch <= 0 {
		return errors.New("RECONCILE_BATCH must be positive")
	}
	for name, addr := range c.Providers {
		if name == "" || addr == "" {
			return fmt.Errorf("PROVIDERS: empty name or address in %q=%q", name, addr)
		}
	}
	return nil
}

// loadDotEnv подгружает переменные из файла DOTENV_PATH (по умолчанию .env), не перезаписывая заданные.
func loadDotEnv() error {
	path := os.Getenv("DOTENV_PATH")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
