// Package config builds the validated service configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/EntitleFox/internal/pkg/env"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	AppHost  string `validate:"required"`
	AppPort  string `validate:"required,numeric"`
	AppEnv   string `validate:"oneof=dev test prod"`
	LogLevel string

	DBHost     string `validate:"required"`
	DBPort     string `validate:"required,numeric"`
	DBUser     string
	DBPassword string
	DBName     string `validate:"required"`

	CacheHost     string `validate:"required"`
	CachePort     string `validate:"required,numeric"`
	CachePassword string

	ServiceAPIKey string `validate:"required,min=16"`

	MetricsUser     string
	MetricsPassword string `validate:"required_with=MetricsUser"`

	ProviderTimeout     time.Duration `validate:"gt=0"`
	ReservationLease    time.Duration `validate:"gt=0"`
	EntitlementCacheTTL time.Duration `validate:"gte=0"`
	ProductTiers        string

	JobQueueWorkers          int           `validate:"gte=1,lte=64"`
	ReservationPurgeInterval time.Duration `validate:"gt=0"`

	GooglePlay GooglePlayConfig
	AppStore   AppStoreConfig
	Stripe     StripeConfig
}

type GooglePlayConfig struct {
	PackageName        string
	ServiceAccountJSON string `validate:"required_with=PackageName"`
	IntegrityRequired  bool
	PushAudience       string
	PushServiceAccount string
}

func (c GooglePlayConfig) Enabled() bool { return c.PackageName != "" }

type AppStoreConfig struct {
	IssuerID    string `validate:"required_with=BundleID"`
	KeyID       string `validate:"required_with=BundleID"`
	BundleID    string
	PrivateKey  string `validate:"required_with=BundleID"`
	RootCAPEM   string `validate:"required_with=BundleID"`
	Environment string `validate:"omitempty,oneof=production sandbox"`
}

func (c AppStoreConfig) Enabled() bool { return c.BundleID != "" }

type StripeConfig struct {
	SecretKey     string `validate:"required_with=WebhookSecret"`
	WebhookSecret string `validate:"required_with=SecretKey"`
	APIBaseURL    string `validate:"omitempty,url"`
}

func (c StripeConfig) Enabled() bool { return c.SecretKey != "" }

// Load reads the configuration through env.GetEnv and validates it.
func Load() (Config, error) {
	var errs []error
	duration := func(key, def string) time.Duration {
		raw := env.GetEnv(key, def)
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		}
		return d
	}
	integer := func(key, def string) int {
		raw := env.GetEnv(key, def)
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, raw))
		}
		return n
	}
	boolean := func(key string) bool {
		raw := env.GetEnv(key, "false")
		b, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, raw))
		}
		return b
	}

	cfg := Config{
		AppHost:  env.GetEnv("APP_HOST", "0.0.0.0"),
		AppPort:  env.GetEnv("APP_PORT", "8080"),
		AppEnv:   env.GetEnv("APP_ENV", "prod"),
		LogLevel: env.GetEnv("LOG_LEVEL", "info"),

		DBHost:     env.GetEnv("DB_HOST", "127.0.0.1"),
		DBPort:     env.GetEnv("DB_PORT", "3306"),
		DBUser:     env.GetEnv("DB_USER", ""),
		DBPassword: env.GetEnv("DB_PASSWORD", ""),
		DBName:     env.GetEnv("DB_NAME", ""),

		CacheHost:     env.GetEnv("CACHE_HOST", "localhost"),
		CachePort:     env.GetEnv("CACHE_PORT", "6379"),
		CachePassword: env.GetEnv("CACHE_PASSWORD", ""),

		ServiceAPIKey: strings.TrimSpace(env.GetEnv("SERVICE_API_KEY", "")),

		MetricsUser:     env.GetEnv("METRICS_USER", ""),
		MetricsPassword: env.GetEnv("METRICS_PASSWORD", ""),

		ProviderTimeout:     duration("PROVIDER_TIMEOUT", "10s"),
		ReservationLease:    duration("RESERVATION_LEASE", "2m"),
		EntitlementCacheTTL: duration("ENTITLEMENT_CACHE_TTL", "5m"),
		ProductTiers:        env.GetEnv("PRODUCT_TIERS", ""),

		JobQueueWorkers:          integer("JOB_QUEUE_WORKERS", "3"),
		ReservationPurgeInterval: duration("RESERVATION_PURGE_INTERVAL", "15m"),

		GooglePlay: GooglePlayConfig{
			PackageName:        strings.TrimSpace(env.GetEnv("GOOGLE_PLAY_PACKAGE", "")),
			ServiceAccountJSON: env.GetEnv("GOOGLE_PLAY_SERVICE_ACCOUNT_JSON", ""),
			IntegrityRequired:  boolean("GOOGLE_PLAY_INTEGRITY_REQUIRED"),
			PushAudience:       strings.TrimSpace(env.GetEnv("GOOGLE_PUBSUB_AUDIENCE", "")),
			PushServiceAccount: strings.TrimSpace(env.GetEnv("GOOGLE_PUBSUB_SERVICE_ACCOUNT", "")),
		},
		AppStore: AppStoreConfig{
			IssuerID:    strings.TrimSpace(env.GetEnv("APPSTORE_ISSUER_ID", "")),
			KeyID:       strings.TrimSpace(env.GetEnv("APPSTORE_KEY_ID", "")),
			BundleID:    strings.TrimSpace(env.GetEnv("APPSTORE_BUNDLE_ID", "")),
			PrivateKey:  env.GetEnv("APPSTORE_PRIVATE_KEY", ""),
			RootCAPEM:   env.GetEnv("APPSTORE_ROOT_CA_PEM", ""),
			Environment: strings.ToLower(env.GetEnv("APPSTORE_ENVIRONMENT", "production")),
		},
		Stripe: StripeConfig{
			SecretKey:     strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
			WebhookSecret: strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
			APIBaseURL:    strings.TrimSpace(env.GetEnv("STRIPE_API_BASE_URL", "")),
		},
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DSN returns the MySQL data source name.
func (c Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

func (c Config) ListenAddr() string { return c.AppHost + ":" + c.AppPort }

func (c Config) IsDev() bool { return c.AppEnv == "dev" }
