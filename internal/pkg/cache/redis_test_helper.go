package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ManuelReschke/EntitleFox/internal/pkg/env"
	"github.com/redis/go-redis/v9"
)

// newTestRedisClient connects to the first reachable Redis endpoint on an
// isolated DB and skips the test when none is available.
func newTestRedisClient(t *testing.T, db int) *redis.Client {
	t.Helper()

	hosts := uniqueNonEmpty(env.GetEnv("CACHE_HOST", ""), "cache", "localhost", "127.0.0.1")
	ports := uniqueNonEmpty(env.GetEnv("CACHE_PORT", "6379"), "6379")
	password := env.GetEnv("CACHE_PASSWORD", "")

	var lastErr error
	for _, host := range hosts {
		for _, port := range ports {
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
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return nil
}

func uniqueNonEmpty(values ...string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
