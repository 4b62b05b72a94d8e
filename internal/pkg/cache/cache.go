package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var client *redis.Client

// SetupCache initializes the connection to the Redis-compatible cache server.
func SetupCache(host, port, password string) *redis.Client {
	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if pong, err := client.Ping(ctx).Result(); err != nil {
		log.Warn().Err(err).Msg("[Cache] Could not connect to cache")
	} else {
		log.Info().Str("pong", pong).Msg("[Cache] Connected")
	}
	return client
}

// GetClient returns the Redis client instance, or nil before SetupCache.
func GetClient() *redis.Client {
	return client
}
