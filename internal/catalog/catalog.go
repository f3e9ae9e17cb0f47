// Package catalog serves rules, channels and templates to the hot path from a
// short-lived cache in front of the store.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
)

const (
	keyRules     = "rules"
	keyChannels  = "channels"
	keyTemplates = "templates"
)

// Store is the configuration data the catalog reads.
type Store interface {
	ListRules(ctx context.Context, activeOnly bool) ([]*db.Rule, error)
	ListChannels(ctx context.Context, activeOnly bool) ([]*db.Channel, error)
	GetChannel(ctx context.Context, id uuid.UUID) (*db.Channel, error)
	ListTemplates(ctx context.Context, activeOnly bool) ([]*db.Template, error)
}

// Catalog caches active configuration entities for TTL. Admin writes call
// Invalidate so changes are visible on the next read.
type Catalog struct {
	store  Store
	cache  *cache.Cache
	logger *zap.Logger
}

func New(store Store, ttl time.Duration, logger *zap.Logger) *Catalog {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Catalog{
		store:  store,
		cache:  cache.New(ttl, 2*ttl),
		logger: logger,
	}
}

// ActiveRules returns every active rule.
func (c *Catalog) ActiveRules(ctx context.Context) ([]*db.Rule, error) {
	return load(ctx, c, keyRules, func(ctx context.Context) ([]*db.Rule, error) {
		return c.store.ListRules(ctx, true)
	})
}

// ActiveChannels returns every active channel, highest priority first.
func (c *Catalog) ActiveChannels(ctx context.Context) ([]*db.Channel, error) {
	return load(ctx, c, keyChannels, func(ctx context.Context) ([]*db.Channel, error) {
		return c.store.ListChannels(ctx, true)
	})
}

// ActiveTemplates returns every active template.
func (c *Catalog) ActiveTemplates(ctx context.Context) ([]*db.Template, error) {
	return load(ctx, c, keyTemplates, func(ctx context.Context) ([]*db.Template, error) {
		return c.store.ListTemplates(ctx, true)
	})
}

// Channel returns one channel by id, active or not.
func (c *Catalog) Channel(ctx context.Context, id uuid.UUID) (*db.Channel, error) {
	key := "channel:" + id.String()
	if v, ok := c.cache.Get(key); ok {
		return v.(*db.Channel), nil
	}
	ch, err := c.store.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, ch)
	return ch, nil
}

// Invalidate drops everything cached.
func (c *Catalog) Invalidate() {
	c.cache.Flush()
	c.logger.Debug("catalog cache invalidated")
}

func load[T any](ctx context.Context, c *Catalog, key string, fetch func(context.Context) ([]T, error)) ([]T, error) {
	if v, ok := c.cache.Get(key); ok {
		return v.([]T), nil
	}
	items, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	c.cache.SetDefault(key, items)
	return items, nil
}
