package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/sift/internal/apperr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := NewBreaker("primary", BreakerConfig{Threshold: threshold, Cooldown: cooldown})
	b.now = clock.Now
	return b, clock
}

func fail(t *testing.T, b *Breaker) {
	t.Helper()
	done, err := b.Allow()
	require.NoError(t, err)
	done(Failure)
}

func TestBreaker_OpensAfterThresholdConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3, time.Minute)

	fail(t, b)
	fail(t, b)
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 2, b.Failures())

	fail(t, b)
	assert.Equal(t, Open, b.State())

	_, err := b.Allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrBreakerOpen))
	assert.Equal(t, apperr.KindBreakerOpen, apperr.KindOf(err))
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3, time.Minute)

	fail(t, b)
	fail(t, b)
	done, err := b.Allow()
	require.NoError(t, err)
	done(Success)
	fail(t, b)
	fail(t, b)

	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenAllowsExactlyOneTrial(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(1, time.Minute)
	fail(t, b)
	require.Equal(t, Open, b.State())

	clock.Advance(59 * time.Second)
	_, err := b.Allow()
	require.Error(t, err, "cooldown has not elapsed")

	clock.Advance(time.Second)
	trial, err := b.Allow()
	require.NoError(t, err)
	assert.Equal(t, HalfOpen, b.State())

	_, err = b.Allow()
	assert.True(t, errors.Is(err, apperr.ErrBreakerOpen), "second call during the trial must fail fast")

	trial(Success)
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreaker_HalfOpenFailureReopensWithFreshCooldown(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(2, time.Minute)
	fail(t, b)
	fail(t, b)

	clock.Advance(time.Minute)
	trial, err := b.Allow()
	require.NoError(t, err)
	trial(Failure)
	assert.Equal(t, Open, b.State())

	clock.Advance(30 * time.Second)
	_, err = b.Allow()
	assert.Error(t, err, "opened_at must be reset by the failed trial")

	clock.Advance(30 * time.Second)
	_, err = b.Allow()
	assert.NoError(t, err)
}

func TestBreaker_IgnoredTrialReleasesSlot(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(1, time.Second)
	fail(t, b)
	clock.Advance(time.Second)

	trial, err := b.Allow()
	require.NoError(t, err)
	trial(Ignored)
	assert.Equal(t, HalfOpen, b.State())

	next, err := b.Allow()
	require.NoError(t, err)
	next(Success)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_StaleCompletionsAreIgnored(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(1, time.Second)

	slow, err := b.Allow()
	require.NoError(t, err)
	fail(t, b)
	require.Equal(t, Open, b.State())

	clock.Advance(time.Second)
	trial, err := b.Allow()
	require.NoError(t, err)

	// A call admitted while closed must not settle the half-open trial.
	slow(Success)
	assert.Equal(t, HalfOpen, b.State())
	trial(Failure)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_DoneIsIdempotent(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(2, time.Minute)
	done, err := b.Allow()
	require.NoError(t, err)
	done(Failure)
	done(Failure)
	assert.Equal(t, 1, b.Failures())
}

func TestBreaker_ConcurrentFailuresNeverSkipOpen(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(10, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if done, err := b.Allow(); err == nil {
				done(Failure)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, Open, b.State())
}

func TestBreakers_TableIsPerProvider(t *testing.T) {
	t.Parallel()
	table, err := NewBreakers(BreakerConfig{Threshold: 1, Cooldown: time.Minute}, nil)
	require.NoError(t, err)

	done, err := table.Allow("a")
	require.NoError(t, err)
	done(Failure)

	_, err = table.Allow("a")
	assert.Error(t, err)
	_, err = table.Allow("b")
	assert.NoError(t, err)
	assert.Same(t, table.Get("a"), table.Get("a"))
	assert.Equal(t, map[string]State{"a": Open, "b": Closed}, table.States())
}
