package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ManuelReschke/EntitleFox/app/controllers"
	apiv1 "github.com/ManuelReschke/EntitleFox/internal/api/v1"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/router"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap(ctx, true)
	if err != nil {
		return err
	}
	defer svc.close()

	app, err := NewApplication(ctx, svc)
	if err != nil {
		return err
	}

	svc.jobs.Start(svc.engine)
	defer svc.jobs.Stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", svc.cfg.ListenAddr()).Str("version", Version).Msg("Starting EntitleFox")
		errCh <- app.Listen(svc.cfg.ListenAddr())
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return app.ShutdownWithContext(shutdownCtx)
}

func NewApplication(ctx context.Context, svc *services) (*fiber.App, error) {
	doc, err := apiv1.LoadSpec(ctx)
	if err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		BodyLimit:             1 << 20, // provider payloads are small
		DisableStartupMessage: !svc.cfg.IsDev(),
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	if path, ok := findOpenAPIFile(); ok {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: path,
			Path:     "v1",
		}))
	}

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Billing:         controllers.NewBillingController(svc.engine, svc.cache),
		OpenAPI:         doc,
		ServiceAPIKey:   svc.cfg.ServiceAPIKey,
		Cache:           svc.redis,
		Health:          func() error { return pingDatabase(svc) },
		MetricsUser:     svc.cfg.MetricsUser,
		MetricsPassword: svc.cfg.MetricsPassword,
	})

	return app, nil
}

func pingDatabase(svc *services) error {
	sqlDB, err := svc.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// findOpenAPIFile locates the API document for the swagger UI relative to the
// usual working directories.
func findOpenAPIFile() (string, bool) {
	for _, base := range []string{"./", "../../", "../../../"} {
		path := base + "internal/api/v1/openapi.yml"
		if _, err := os.Stat(path); err == nil {
			return path, true
		} else if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("[Swagger] Cannot read API document")
		}
	}
	return "", false
}
