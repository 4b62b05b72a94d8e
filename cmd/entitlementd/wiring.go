package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/billing"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/cache"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/config"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/database"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/env"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/logging"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/provider/appstore"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/provider/googleplay"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/provider/stripe"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type services struct {
	cfg    config.Config
	db     *gorm.DB
	redis  *goredis.Client
	cache  *cache.EntitlementCache
	engine *billing.Engine
	jobs   *jobqueue.Manager
}

// bootstrap loads configuration and connects every backing service.
// enforceIntegrity is false for operator tooling, which has no device token.
func bootstrap(ctx context.Context, enforceIntegrity bool) (*services, error) {
	env.SetupEnvFile()
	logging.Init(logging.Config{Level: "info", Component: "entitlementd"})

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Console: cfg.IsDev(), Component: "entitlementd"})

	db, err := database.SetupDatabase(database.Options{
		DSN:         cfg.DSN(),
		AutoMigrate: cfg.IsDev(),
		Debug:       cfg.IsDev() && strings.EqualFold(cfg.LogLevel, "debug"),
	})
	if err != nil {
		return nil, err
	}

	redisClient := cache.SetupCache(cfg.CacheHost, cfg.CachePort, cfg.CachePassword)
	entitlementCache := cache.NewEntitlementCache(redisClient, cfg.EntitlementCacheTTL)

	store := billing.NewRepository(db)
	queue := jobqueue.NewQueue(redisClient, cfg.JobQueueWorkers)
	engine, err := newEngine(ctx, cfg, store, entitlementCache, queue, enforceIntegrity)
	if err != nil {
		return nil, err
	}
	return &services{
		cfg:    cfg,
		db:     db,
		redis:  redisClient,
		cache:  entitlementCache,
		engine: engine,
		jobs:   jobqueue.NewManager(queue, store, cfg.ReservationPurgeInterval),
	}, nil
}

func (s *services) close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func newEngine(ctx context.Context, cfg config.Config, store billing.Store, observer billing.EntitlementObserver, deferrer billing.Deferrer, enforceIntegrity bool) (*billing.Engine, error) {
	defaults, err := entitlements.ParseTierTable(cfg.ProductTiers)
	if err != nil {
		return nil, err
	}
	tiers, err := billing.LoadTierTable(ctx, store, defaults)
	if err != nil {
		return nil, err
	}
	if tiers.Len() == 0 {
		log.Warn().Msg("[Billing] No product tier mapping configured, every purchase resolves to the free tier")
	}

	normalizers, gateways, err := buildProviders(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if len(gateways) == 0 {
		log.Warn().Msg("[Billing] No payment provider configured")
	}

	return billing.NewEngine(billing.EngineConfig{
		Store:            store,
		Normalizers:      normalizers,
		Gateways:         gateways,
		Tiers:            tiers,
		Observer:         observer,
		Deferrer:         deferrer,
		ProviderTimeout:  cfg.ProviderTimeout,
		ReservationLease: cfg.ReservationLease,
		IntegrityRequired: map[models.Provider]bool{
			models.ProviderGooglePlay: enforceIntegrity && cfg.GooglePlay.IntegrityRequired,
		},
	}), nil
}

func buildProviders(ctx context.Context, cfg config.Config) ([]billing.Normalizer, billing.Gateways, error) {
	var normalizers []billing.Normalizer
	gateways := billing.Gateways{}

	if gp := cfg.GooglePlay; gp.Enabled() {
		client, err := googleplay.NewClientFromServiceAccount(gp.PackageName, []byte(gp.ServiceAccountJSON))
		if err != nil {
			return nil, nil, err
		}
		var verifier billing.PushVerifier
		if gp.PushAudience != "" {
			pv, err := googleplay.NewPushVerifier(ctx, gp.PushAudience, gp.PushServiceAccount)
			if err != nil {
				return nil, nil, err
			}
			verifier = pv
		} else {
			log.Warn().Msg("[Billing] GOOGLE_PUBSUB_AUDIENCE not set, Google Play pushes are not authenticated")
		}
		normalizers = append(normalizers, billing.NewGooglePlayNormalizer(gp.PackageName, verifier))
		gateways[models.ProviderGooglePlay] = client
	}

	if as := cfg.AppStore; as.Enabled() {
		key, err := appstore.ParsePrivateKey([]byte(pemValue(as.PrivateKey)))
		if err != nil {
			return nil, nil, fmt.Errorf("parse APPSTORE_PRIVATE_KEY: %w", err)
		}
		baseURL := appstore.ProductionBaseURL
		if as.Environment == "sandbox" {
			baseURL = appstore.SandboxBaseURL
		}
		client, err := appstore.NewClient(appstore.Config{
			IssuerID:   as.IssuerID,
			KeyID:      as.KeyID,
			BundleID:   as.BundleID,
			PrivateKey: key,
			BaseURL:    baseURL,
		})
		if err != nil {
			return nil, nil, err
		}
		verifier, err := billing.NewJWSVerifier([]byte(pemValue(as.RootCAPEM)))
		if err != nil {
			return nil, nil, fmt.Errorf("parse APPSTORE_ROOT_CA_PEM: %w", err)
		}
		normalizers = append(normalizers, billing.NewAppStoreNormalizer(as.BundleID, verifier))
		gateways[models.ProviderAppStore] = client
	}

	if sc := cfg.Stripe; sc.Enabled() {
		if sc.WebhookSecret == "" {
			return nil, nil, errors.New("STRIPE_WEBHOOK_SECRET is required")
		}
		normalizers = append(normalizers, billing.NewStripeNormalizer(sc.WebhookSecret))
		gateways[models.ProviderStripe] = stripe.NewClient(sc.SecretKey, sc.APIBaseURL)
	}

	return normalizers, gateways, nil
}

// pemValue accepts PEM blocks passed through env files with escaped newlines.
func pemValue(v string) string {
	return strings.ReplaceAll(strings.TrimSpace(v), `\n`, "\n")
}
