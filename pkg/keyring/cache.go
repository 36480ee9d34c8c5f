package keyring

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache memoizes the provider's passphrase for a TTL. Concurrent callers
// share one provider round trip through singleflight; expiry forces a
// re-fetch so a rotated secret is picked up without a restart.
type Cache struct {
	provider Provider
	ttl      time.Duration
	group    singleflight.Group

	mu        sync.Mutex
	value     string
	expiresAt time.Time
	stopped   bool
}

func NewCache(provider Provider, ttl time.Duration) *Cache {
	return &Cache{provider: provider, ttl: ttl}
}

func (c *Cache) Passphrase(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return "", ErrProviderUnavailable
	}
	if c.value != "" && time.Now().Before(c.expiresAt) {
		v := c.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	result, err, _ := c.group.Do("passphrase", func() (interface{}, error) {
		c.mu.Lock()
		if c.value != "" && time.Now().Before(c.expiresAt) {
			v := c.value
			c.mu.Unlock()
			return v, nil
		}
		c.mu.Unlock()

		value, err := c.provider.Passphrase(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.value = value
		c.expiresAt = time.Now().Add(c.ttl)
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Stop drops the cached passphrase and refuses further lookups.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.value = ""
	c.expiresAt = time.Time{}
}
