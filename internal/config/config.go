// Package config loads service configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the complete service configuration.
type Config struct {
	Port string

	// Optional backends; empty means in-memory or disabled.
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
	MongoURL    string
	MongoDB     string
	NATSURL     string
	NATSPrefix  string

	JWTSecret string
	JWTIssuer string

	StoreTimeout       time.Duration
	GatewayTimeout     time.Duration
	PaymentSuccessRate float64

	LogLevel slog.Level
}

// Load reads configuration. Variables already set in the environment win
// over envFile; a missing envFile is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	c := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		MongoURL:    os.Getenv("MONGO_URL"),
		MongoDB:     getEnv("MONGO_DB", "agrobid"),
		NATSURL:     os.Getenv("NATS_URL"),
		NATSPrefix:  getEnv("NATS_SUBJECT_PREFIX", "ledger.events"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTIssuer:   os.Getenv("JWT_ISSUER"),
	}

	var errs []error
	c.CacheTTL = getDuration("CACHE_TTL", 30*time.Second, &errs)
	c.StoreTimeout = getDuration("STORE_TIMEOUT", 3*time.Second, &errs)
	c.GatewayTimeout = getDuration("GATEWAY_TIMEOUT", 5*time.Second, &errs)

	c.PaymentSuccessRate = 0.9
	if v := os.Getenv("PAYMENT_SUCCESS_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("PAYMENT_SUCCESS_RATE: %w", err))
		case f < 0 || f > 1:
			errs = append(errs, fmt.Errorf("PAYMENT_SUCCESS_RATE must be between 0 and 1, got %v", f))
		default:
			c.PaymentSuccessRate = f
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := c.LogLevel.UnmarshalText([]byte(strings.ToUpper(v))); err != nil {
			errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
		}
	}

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	if d <= 0 {
		*errs = append(*errs, fmt.Errorf("%s must be positive, got %s", key, v))
		return def
	}
	return d
}
