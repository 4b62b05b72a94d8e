// Package tokencache keeps one provider access token and refreshes it when it
// is about to expire. Concurrent callers share a single refresh.
package tokencache

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const defaultSkew = time.Minute

// Token is an access token with its expiry.
type Token struct {
	Value  string
	Expiry time.Time
}

// Fetcher obtains a fresh token from the provider.
type Fetcher func(ctx context.Context) (Token, error)

// Cache holds the current token of one adapter.
type Cache struct {
	fetch Fetcher
	skew  time.Duration
	now   func() time.Time

	mu    sync.RWMutex
	token Token
	group singleflight.Group
}

func New(fetch Fetcher, skew time.Duration) *Cache {
	if skew <= 0 {
		skew = defaultSkew
	}
	return &Cache{fetch: fetch, skew: skew, now: time.Now}
}

// Get returns a token valid for at least the skew.
func (c *Cache) Get(ctx context.Context) (string, error) {
	c.mu.RLock()
	tok := c.token
	c.mu.RUnlock()
	if c.fresh(tok) {
		return tok.Value, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		c.mu.RLock()
		current := c.token
		c.mu.RUnlock()
		if c.fresh(current) {
			return current.Value, nil
		}
		next, err := c.fetch(ctx)
		if err != nil {
			return "", err
		}
		if next.Value == "" {
			return "", errors.New("tokencache: provider returned an empty token")
		}
		c.mu.Lock()
		c.token = next
		c.mu.Unlock()
		return next.Value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token, for example after a 401.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.token = Token{}
	c.mu.Unlock()
}

func (c *Cache) fresh(t Token) bool {
	if t.Value == "" {
		return false
	}
	if t.Expiry.IsZero() {
		return true
	}
	return c.now().Add(c.skew).Before(t.Expiry)
}

// FromTokenSource adapts an oauth2 token source.
func FromTokenSource(src oauth2.TokenSource) Fetcher {
	return func(context.Context) (Token, error) {
		t, err := src.Token()
		if err != nil {
			return Token{}, err
		}
		return Token{Value: t.AccessToken, Expiry: t.Expiry}, nil
	}
}

// FromSourceFunc adapts an oauth2 token source constructor such as
// (*jwt.Config).TokenSource. Every fetch builds a new source, so a fetch after
// Invalidate mints a new token instead of returning the one a reusing source
// still holds.
func FromSourceFunc(newSource func(ctx context.Context) oauth2.TokenSource) Fetcher {
	return func(ctx context.Context) (Token, error) {
		return FromTokenSource(newSource(ctx))(ctx)
	}
}
