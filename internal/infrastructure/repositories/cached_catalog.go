package repositories

import (
	"context"
	"fmt"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/cache"
)

// CachedCatalog wraps a StreamRepository with a read-through cache.
// The orchestrator re-reads the record on every start and the poll
// loop lists the catalog each tick, so a Redis-backed catalog benefits
// from a short TTL in front of it. Writes invalidate eagerly.
type CachedCatalog struct {
	base  ports.StreamRepository
	cache *cache.CacheWithFallback
	ttl   time.Duration
}

func NewCachedCatalog(base ports.StreamRepository, ttl time.Duration) ports.StreamRepository {
	return &CachedCatalog{
		base:  base,
		cache: cache.NewCacheWithFallback(ttl),
		ttl:   ttl,
	}
}

func recordKey(id domain.StreamID) string {
	return fmt.Sprintf("stream:%s", id)
}

func (c *CachedCatalog) Create(ctx context.Context, rec *domain.StreamRecord) error {
	if err := c.base.Create(ctx, rec); err != nil {
		return err
	}
	c.cache.Invalidate("streams:")
	return nil
}

func (c *CachedCatalog) GetByID(ctx context.Context, id domain.StreamID) (*domain.StreamRecord, error) {
	value, err := c.cache.GetOrSet(ctx, recordKey(id), func(ctx context.Context) (interface{}, error) {
		return c.base.GetByID(ctx, id)
	}, c.ttl)
	if err != nil {
		return nil, err
	}
	return value.(*domain.StreamRecord), nil
}

func (c *CachedCatalog) Update(ctx context.Context, rec *domain.StreamRecord) error {
	if err := c.base.Update(ctx, rec); err != nil {
		return err
	}
	c.cache.Invalidate(recordKey(rec.ID))
	c.cache.Invalidate("streams:")
	return nil
}

func (c *CachedCatalog) Delete(ctx context.Context, id domain.StreamID) error {
	if err := c.base.Delete(ctx, id); err != nil {
		return err
	}
	c.cache.Invalidate(recordKey(id))
	c.cache.Invalidate("streams:")
	return nil
}

func (c *CachedCatalog) List(ctx context.Context) ([]*domain.StreamRecord, error) {
	value, err := c.cache.GetOrSet(ctx, "streams:list", func(ctx context.Context) (interface{}, error) {
		return c.base.List(ctx)
	}, c.ttl)
	if err != nil {
		return nil, err
	}
	return value.([]*domain.StreamRecord), nil
}

func (c *CachedCatalog) ListByMode(ctx context.Context, mode domain.Mode) ([]*domain.StreamRecord, error) {
	key := fmt.Sprintf("streams:mode:%s", mode)
	value, err := c.cache.GetOrSet(ctx, key, func(ctx context.Context) (interface{}, error) {
		return c.base.ListByMode(ctx, mode)
	}, c.ttl)
	if err != nil {
		return nil, err
	}
	return value.([]*domain.StreamRecord), nil
}
