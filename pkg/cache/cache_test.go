package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheSetGet(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	c.SetWithTTL("key", "value", time.Minute)

	v, ok := c.Get("key")
	assert.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	c.SetWithTTL("key", "value", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("key")
	assert.False(t, ok)
}

func TestCacheInvalidateByPrefix(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	c.SetWithTTL("stream:a", 1, time.Minute)
	c.SetWithTTL("stream:b", 2, time.Minute)
	c.SetWithTTL("groups:x", 3, time.Minute)

	c.Invalidate("stream:")

	_, ok := c.Get("stream:a")
	assert.False(t, ok)
	_, ok = c.Get("stream:b")
	assert.False(t, ok)
	_, ok = c.Get("groups:x")
	assert.True(t, ok)
}

func TestGetOrSetCachesResult(t *testing.T) {
	c := NewCacheWithFallback(time.Minute)
	defer c.Stop()

	calls := 0
	fallback := func(ctx context.Context) (interface{}, error) {
		calls++
		return "loaded", nil
	}

	v, err := c.GetOrSet(context.Background(), "k", fallback, time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, "loaded", v)

	v, err = c.GetOrSet(context.Background(), "k", fallback, time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, "loaded", v)
	assert.Equal(t, 1, calls)
}

func TestGetOrSetPropagatesError(t *testing.T) {
	c := NewCacheWithFallback(time.Minute)
	defer c.Stop()

	wantErr := errors.New("backend down")
	_, err := c.GetOrSet(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		return nil, wantErr
	}, time.Minute)
	assert.ErrorIs(t, err, wantErr)

	// Errors must not be cached.
	v, err := c.GetOrSet(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		return "recovered", nil
	}, time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, "recovered", v)
}
