package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tinytelemetry/sift/internal/apperr"
)

// Config holds tunable parameters for a Guard.
type Config struct {
	Cache      CacheConfig
	Breaker    BreakerConfig
	Registerer prometheus.Registerer
}

// Guard composes the result cache with the provider breakers. A cache hit
// never touches a breaker; a miss runs the call behind the provider's
// breaker, once per fingerprint.
type Guard[V any] struct {
	cache    *Cache[V]
	breakers *Breakers
}

// NewGuard creates a guard with its own cache and breaker table.
func NewGuard[V any](cfg Config) (*Guard[V], error) {
	if cfg.Cache.Registerer == nil {
		cfg.Cache.Registerer = cfg.Registerer
	}
	cache, err := NewCache[V](cfg.Cache)
	if err != nil {
		return nil, err
	}
	breakers, err := NewBreakers(cfg.Breaker, cfg.Registerer)
	if err != nil {
		return nil, err
	}
	return &Guard[V]{cache: cache, breakers: breakers}, nil
}

// Do returns the cached result for fingerprint or performs call through
// provider's breaker.
//
// A call that every waiter abandoned is reported to the breaker as Ignored.
// So is a call that rejected its input as invalid. Neither says anything
// about the provider's health.
func (g *Guard[V]) Do(ctx context.Context, provider, fingerprint string, call func(context.Context) (V, error)) (V, Outcome, error) {
	return g.cache.GetOrCompute(ctx, fingerprint, func(cctx context.Context) (V, error) {
		var zero V
		done, err := g.breakers.Allow(provider)
		if err != nil {
			return zero, err
		}
		v, err := call(cctx)
		switch {
		case err == nil:
			done(Success)
		case cctx.Err() != nil, apperr.Is(err, apperr.KindInvalid):
			done(Ignored)
		default:
			done(Failure)
		}
		if err != nil {
			if cctx.Err() != nil {
				return zero, apperr.New(apperr.KindCancelled, "provider "+provider, err)
			}
			return zero, classify(provider, err)
		}
		return v, nil
	})
}

// classify marks a failure of a call nobody abandoned as a provider error,
// including the provider's own call timeout.
func classify(provider string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.New(apperr.KindProvider, "provider "+provider, fmt.Errorf("call timed out: %w", err))
	}
	return apperr.New(apperr.KindProvider, "provider "+provider, fmt.Errorf("inference failed: %w", err))
}

// Cache returns the underlying result cache.
func (g *Guard[V]) Cache() *Cache[V] { return g.cache }

// Breakers returns the underlying breaker table.
func (g *Guard[V]) Breakers() *Breakers { return g.breakers }
