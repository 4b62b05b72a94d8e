package router

import (
	"context"
	"net"
	"strconv"
	"time"

	apiv1 "github.com/ManuelReschke/EntitleFox/internal/api/v1"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
		Storage:    limiterStorage(h.deps.Cache),
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	apiServer := apiv1.NewAPIServer(h.deps.Billing, h.deps.OpenAPI)
	apiv1.RegisterHandlers(v1, apiServer, middleware.APIKeyAuthMiddleware(h.deps.ServiceAPIKey))
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}

// limiterStorage shares rate limit counters across instances through the
// cache server, on a separate database. It falls back to in-memory counters
// when the cache is unreachable.
func limiterStorage(client *goredis.Client) fiber.Storage {
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("[Router] Cache unreachable, rate limits are per instance")
		return nil
	}

	opts := client.Options()
	host, portRaw, err := net.SplitHostPort(opts.Addr)
	if err != nil {
		return nil
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return nil
	}
	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: opts.Password,
		Database: 2, // cache uses DB 0
		Reset:    false,
	})
}
