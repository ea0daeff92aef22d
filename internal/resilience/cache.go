// Package resilience wraps inference calls with a content-addressed result
// cache and per-provider circuit breakers.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultCacheCapacity is the number of results kept before LRU eviction.
	DefaultCacheCapacity = 256

	// DefaultCacheTTL is how long a stored result stays valid.
	DefaultCacheTTL = 30 * time.Minute
)

// Outcome says how a GetOrCompute call was answered.
type Outcome int

const (
	// Miss means this caller started the computation.
	Miss Outcome = iota
	// Hit means a stored result was returned without computing.
	Hit
	// Joined means the caller waited on another caller's computation.
	Joined
)

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Joined:
		return "joined"
	default:
		return "miss"
	}
}

// CacheConfig holds tunable parameters for the result cache.
type CacheConfig struct {
	Capacity int
	TTL      time.Duration
	// Sliding renews an entry's TTL on every hit.
	Sliding    bool
	Registerer prometheus.Registerer
}

// Cache stores successful results under a fingerprint and guarantees at
// most one computation in flight per fingerprint. Failures are shared with
// the callers waiting on them but never stored.
type Cache[V any] struct {
	mu      sync.Mutex
	lru     *expirable.LRU[string, V]
	flights map[string]*flight[V]
	sliding bool
	metrics *cacheMetrics
}

// flight is one in-progress computation. waiters counts the callers still
// interested; when it drops to zero the computation is cancelled.
type flight[V any] struct {
	done    chan struct{}
	cancel  context.CancelFunc
	waiters int
	val     V
	err     error
}

// NewCache creates a result cache.
func NewCache[V any](conf ...CacheConfig) (*Cache[V], error) {
	var cfg CacheConfig
	if len(conf) > 0 {
		cfg = conf[0]
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCacheCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	metrics, err := newCacheMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("resilience: register cache metrics: %w", err)
	}
	return &Cache[V]{
		lru:     expirable.NewLRU[string, V](cfg.Capacity, nil, cfg.TTL),
		flights: make(map[string]*flight[V]),
		sliding: cfg.Sliding,
		metrics: metrics,
	}, nil
}

// GetOrCompute returns the stored result for key, or runs compute once for
// all concurrent callers of the same key.
//
// compute runs detached from any single caller's context: a caller whose
// ctx ends stops waiting without affecting the others. Only when every
// waiter has left is the computation's context cancelled.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (V, error)) (V, Outcome, error) {
	var zero V

	c.mu.Lock()
	if v, ok := c.lru.Get(key); ok {
		if c.sliding {
			c.lru.Add(key, v)
		}
		size := c.lru.Len()
		c.mu.Unlock()
		c.metrics.record(Hit, size)
		return v, Hit, nil
	}

	outcome := Joined
	f, ok := c.flights[key]
	if !ok {
		outcome = Miss
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight[V]{done: make(chan struct{}), cancel: cancel}
		c.flights[key] = f
		go c.execute(fctx, key, f, compute)
	}
	f.waiters++
	size := c.lru.Len()
	c.mu.Unlock()
	c.metrics.record(outcome, size)

	select {
	case <-f.done:
		return f.val, outcome, f.err
	case <-ctx.Done():
		c.leave(key, f)
		return zero, outcome, context.Cause(ctx)
	}
}

func (c *Cache[V]) execute(ctx context.Context, key string, f *flight[V], compute func(context.Context) (V, error)) {
	v, err := safeCompute(ctx, compute)

	c.mu.Lock()
	f.val, f.err = v, err
	if err == nil {
		c.lru.Add(key, v)
	}
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	c.mu.Unlock()

	f.cancel()
	close(f.done)
}

func safeCompute[V any](ctx context.Context, compute func(context.Context) (V, error)) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resilience: compute panicked: %v", r)
		}
	}()
	return compute(ctx)
}

// leave detaches a waiter. The last waiter to leave aborts the computation
// and forgets the flight so the next caller starts afresh.
func (c *Cache[V]) leave(key string, f *flight[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	f.cancel()
}

// Get returns a stored result without computing.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key)
}

// Remove drops a stored result.
func (c *Cache[V]) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Len returns the number of stored results.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// InFlight returns the number of computations currently running.
func (c *Cache[V]) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}
