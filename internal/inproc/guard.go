package inproc

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// Guard reserves keys for a TTL. The first Reserve of a key wins until it expires.
type Guard struct {
	cache *cache.Cache
}

func NewGuard(cleanupInterval time.Duration) *Guard {
	return &Guard{cache: cache.New(cache.NoExpiration, cleanupInterval)}
}

// Reserve returns true if key was not already reserved.
func (g *Guard) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	// Add fails if the key exists and has not expired.
	if err := g.cache.Add(key, struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

// Release drops a reservation before its TTL.
func (g *Guard) Release(_ context.Context, key string) error {
	g.cache.Delete(key)
	return nil
}
