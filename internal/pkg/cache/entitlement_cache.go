package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const entitlementKeyPrefix = "entitlefox:entitlement:"

// EntitlementCache is a read-through cache of committed entitlements. Entries
// are dropped whenever the engine commits a change for the user.
type EntitlementCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewEntitlementCache returns a cache; a nil client or non-positive ttl
// disables it.
func NewEntitlementCache(client *redis.Client, ttl time.Duration) *EntitlementCache {
	return &EntitlementCache{client: client, ttl: ttl}
}

func (c *EntitlementCache) enabled() bool {
	return c != nil && c.client != nil && c.ttl > 0
}

func entitlementKey(userID string) string {
	return entitlementKeyPrefix + userID
}

// Get returns the cached entitlement; ok is false on a miss.
func (c *EntitlementCache) Get(ctx context.Context, userID string) (ent *models.BillingEntitlement, ok bool, err error) {
	if !c.enabled() {
		return nil, false, nil
	}
	raw, err := c.client.Get(ctx, entitlementKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	ent = &models.BillingEntitlement{}
	if err := json.Unmarshal(raw, ent); err != nil {
		return nil, false, err
	}
	return ent, true, nil
}

func (c *EntitlementCache) Set(ctx context.Context, ent *models.BillingEntitlement) error {
	if !c.enabled() || ent == nil {
		return nil
	}
	raw, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, entitlementKey(ent.UserID), raw, c.ttl).Err()
}

// EntitlementChanged drops the cached entry of userID.
func (c *EntitlementCache) EntitlementChanged(ctx context.Context, userID string) {
	if !c.enabled() {
		return
	}
	if err := c.client.Del(ctx, entitlementKey(userID)).Err(); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("[Cache] Failed to invalidate entitlement")
	}
}
