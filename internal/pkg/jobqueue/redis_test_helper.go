package jobqueue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ManuelReschke/EntitleFox/internal/pkg/env"
	"github.com/redis/go-redis/v9"
)

const isolatedJobQueueTestRedisDB = 14

// newIsolatedRedisClient connects to the first reachable Redis endpoint on db,
// flushing it before and after the test. The test is skipped without Redis.
func newIsolatedRedisClient(t *testing.T, db int) *redis.Client {
	t.Helper()

	hosts := []string{env.GetEnv("CACHE_HOST", ""), "cache", "localhost", "127.0.0.1"}
	port := env.GetEnv("CACHE_PORT", "6379")
	password := env.GetEnv("CACHE_PASSWORD", "")

	seen := make(map[string]struct{})
	var lastErr error
	for _, host := range hosts {
		if host == "" {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}

		client := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", host, port),
			Password: password,
			DB:       db,
		})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := client.Ping(ctx).Result()
		cancel()
		if err != nil {
			_ = client.Close()
			lastErr = err
			continue
		}

		if err := client.FlushDB(context.Background()).Err(); err != nil {
			_ = client.Close()
			t.Fatalf("failed to flush isolated redis db %d: %v", db, err)
		}
		t.Cleanup(func() {
			_ = client.FlushDB(context.Background()).Err()
			_ = client.Close()
		})
		return client
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return nil
}
