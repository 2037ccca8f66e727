// Package reqcache memoizes the results of remote requests for a limited
// time and coalesces concurrent requests for the same key.
package reqcache

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/singleflight"
)

type settings struct {
	now        func() time.Time
	newBackOff func() backoff.BackOff
	maxRetries uint64
}

type Option func(*settings)

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		s.now = now
	}
}

// WithRetry retries a failing fetch up to maxRetries times, waiting as
// dictated by the policy returned from newBackOff.
func WithRetry(maxRetries uint64, newBackOff func() backoff.BackOff) Option {
	return func(s *settings) {
		s.maxRetries = maxRetries
		s.newBackOff = newBackOff
	}
}

type entry[V any] struct {
	value   V
	expires time.Time
}

type Cache[V any] struct {
	settings

	mu      sync.Mutex
	entries map[string]entry[V]
	group   singleflight.Group
}

func New[V any](opts ...Option) *Cache[V] {
	c := &Cache[V]{
		settings: settings{
			now:        time.Now,
			newBackOff: func() backoff.BackOff { return &backoff.StopBackOff{} },
		},
		entries: make(map[string]entry[V]),
	}
	for _, opt := range opts {
		opt(&c.settings)
	}
	return c
}

// Get returns the cached value for key if it has not expired, otherwise it
// calls fetch. Concurrent callers missing on the same key share one fetch.
// Failed fetches are not cached. A ttl <= 0 disables caching for the call.
func (c *Cache[V]) Get(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (V, error)) (V, error) {
	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (interface{}, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}

		var v V
		op := func() error {
			var err error
			v, err = fetch(ctx)
			return err
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
		if err := backoff.Retry(op, policy); err != nil {
			return nil, err
		}

		if ttl > 0 {
			c.mu.Lock()
			c.entries[key] = entry[V]{value: v, expires: c.now().Add(ttl)}
			c.mu.Unlock()
		}
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	v, _ := res.(V)
	return v, nil
}

func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of unexpired entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for _, e := range c.entries {
		if now.Before(e.expires) {
			n++
		}
	}
	return n
}

func (c *Cache[V]) lookup(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}
