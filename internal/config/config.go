// Package config reads service settings from BILLING_* environment variables, with
// command-line flags taking precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	PGDSN    string
	HTTPAddr string
	GRPCAddr string
	LogLevel string

	AuthSecret string

	Currency         string
	ProrationDueDays int

	MediaURL          string
	NotifyURL         string
	InternalAPIKey    string
	OutboxBatch       int
	OutboxMaxAttempts int
	OutboxInterval    time.Duration
	OutboxTimeout     time.Duration

	RateBurst     int
	RatePerSecond int
	MaxBodyBytes  int64

	// Args holds the positional arguments left after flag parsing.
	Args []string
}

// Load builds a Config from the environment and then applies flags parsed from args.
// getenv is usually os.Getenv.
func Load(args []string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := envReader{get: getenv}
	cfg := Config{
		PGDSN:             env.str("BILLING_PG_DSN", ""),
		HTTPAddr:          env.str("BILLING_HTTP_ADDR", ":8080"),
		GRPCAddr:          env.str("BILLING_GRPC_ADDR", ":9090"),
		LogLevel:          env.str("BILLING_LOG_LEVEL", "info"),
		AuthSecret:        env.str("BILLING_AUTH_SECRET", ""),
		Currency:          env.str("BILLING_CURRENCY", "INR"),
		ProrationDueDays:  env.num("BILLING_PRORATION_DUE_DAYS", 7),
		MediaURL:          env.str("BILLING_MEDIA_URL", ""),
		NotifyURL:         env.str("BILLING_NOTIFY_URL", ""),
		InternalAPIKey:    env.str("BILLING_INTERNAL_API_KEY", ""),
		OutboxBatch:       env.num("BILLING_OUTBOX_BATCH", 50),
		OutboxMaxAttempts: env.num("BILLING_OUTBOX_MAX_ATTEMPTS", 8),
		OutboxInterval:    env.dur("BILLING_OUTBOX_INTERVAL", 5*time.Second),
		OutboxTimeout:     env.dur("BILLING_OUTBOX_TIMEOUT", 10*time.Second),
		RateBurst:         env.num("BILLING_RATE_BURST", 50),
		RatePerSecond:     env.num("BILLING_RATE_PER_SEC", 20),
		MaxBodyBytes:      int64(env.num("BILLING_MAX_BODY_BYTES", 1<<20)),
	}
	if env.err != nil {
		return Config{}, env.err
	}

	fs := flag.NewFlagSet("billing", flag.ContinueOnError)
	fs.StringVar(&cfg.PGDSN, "dsn", cfg.PGDSN, "PostgreSQL DSN")
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc", cfg.GRPCAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.Currency, "currency", cfg.Currency, "default ISO-4217 currency")
	fs.IntVar(&cfg.ProrationDueDays, "proration-due-days", cfg.ProrationDueDays, "days until a proration invoice is due")
	fs.StringVar(&cfg.MediaURL, "media-url", cfg.MediaURL, "media service base URL")
	fs.StringVar(&cfg.NotifyURL, "notify-url", cfg.NotifyURL, "notification service base URL")
	fs.IntVar(&cfg.OutboxBatch, "outbox-batch", cfg.OutboxBatch, "effects claimed per dispatch pass")
	fs.IntVar(&cfg.OutboxMaxAttempts, "outbox-max-attempts", cfg.OutboxMaxAttempts, "attempts before an effect is dead-lettered")
	fs.DurationVar(&cfg.OutboxInterval, "outbox-interval", cfg.OutboxInterval, "pause between idle dispatch passes")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.Args = fs.Args()

	cfg.Currency = strings.ToUpper(strings.TrimSpace(cfg.Currency))
	return cfg, cfg.Validate()
}

// Validate checks settings that do not depend on which binary runs.
func (c Config) Validate() error {
	if len(c.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code, got %q", c.Currency)
	}
	if c.ProrationDueDays < 0 {
		return errors.New("proration due days must be >= 0")
	}
	if c.OutboxBatch <= 0 || c.OutboxMaxAttempts <= 0 {
		return errors.New("outbox batch and max attempts must be > 0")
	}
	if c.RateBurst <= 0 || c.RatePerSecond <= 0 {
		return errors.New("rate limit burst and rate must be > 0")
	}
	return nil
}

type envReader struct {
	get func(string) string
	err error
}

func (e *envReader) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *envReader) num(key string, def int) int {
	raw := strings.TrimSpace(e.get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.fail(fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (e *envReader) dur(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(e.get(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		e.fail(fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (e *envReader) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}
