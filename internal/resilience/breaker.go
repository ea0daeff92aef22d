package resilience

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinytelemetry/sift/internal/apperr"
)

const (
	// DefaultBreakerThreshold is the number of consecutive failures that
	// opens a breaker.
	DefaultBreakerThreshold = 5

	// DefaultBreakerCooldown is how long an open breaker fails fast.
	DefaultBreakerCooldown = 30 * time.Second
)

// State is a circuit breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Result reports how a permitted call ended.
type Result int

const (
	// Success closes a half-open breaker and resets the failure count.
	Success Result = iota
	// Failure counts toward opening the breaker.
	Failure
	// Ignored ends the call without affecting the breaker, for calls the
	// caller abandoned. A half-open trial slot is released.
	Ignored
)

// BreakerConfig holds tunable parameters for a circuit breaker.
type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
}

// Breaker is a per-provider circuit breaker.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(name string, from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
	// gen changes on every transition so completions of calls admitted
	// under an earlier state are ignored.
	gen uint64
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, conf ...BreakerConfig) *Breaker {
	var cfg BreakerConfig
	if len(conf) > 0 {
		cfg = conf[0]
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBreakerThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerCooldown
	}
	return &Breaker{
		name:      name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       time.Now,
	}
}

// Allow asks permission for one call. On success the caller must invoke
// the returned function exactly once with the call's result. When the
// breaker is open, or half-open with its trial already taken, Allow fails
// fast with an error wrapping apperr.ErrBreakerOpen.
func (b *Breaker) Allow() (func(Result), error) {
	b.mu.Lock()
	var changes [][2]State

	if b.state == Open {
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return nil, b.openErr()
		}
		changes = append(changes, b.setState(HalfOpen))
	}
	if b.state == HalfOpen {
		if b.trial {
			b.mu.Unlock()
			b.emit(changes)
			return nil, b.openErr()
		}
		b.trial = true
	}
	gen, trial := b.gen, b.state == HalfOpen
	b.mu.Unlock()
	b.emit(changes)

	var once sync.Once
	return func(r Result) {
		once.Do(func() { b.complete(gen, trial, r) })
	}, nil
}

func (b *Breaker) complete(gen uint64, trial bool, r Result) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	var changes [][2]State
	switch r {
	case Success:
		b.failures = 0
		if trial {
			changes = append(changes, b.setState(Closed))
		}
	case Failure:
		if trial {
			b.openedAt = b.now()
			changes = append(changes, b.setState(Open))
			break
		}
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			changes = append(changes, b.setState(Open))
		}
	case Ignored:
		if trial {
			b.trial = false
		}
	}
	b.mu.Unlock()
	b.emit(changes)
}

// setState must be called with mu held. It returns the transition for
// emit to report after the lock is released.
func (b *Breaker) setState(to State) [2]State {
	from := b.state
	b.state = to
	b.gen++
	b.trial = false
	if to == Closed {
		b.failures = 0
	}
	return [2]State{from, to}
}

func (b *Breaker) emit(changes [][2]State) {
	for _, c := range changes {
		log.Printf("resilience: breaker %s %s -> %s", b.name, c[0], c[1])
		if b.onChange != nil {
			b.onChange(b.name, c[0], c[1])
		}
	}
}

func (b *Breaker) openErr() error {
	return apperr.New(apperr.KindBreakerOpen, "provider "+b.name, apperr.ErrBreakerOpen)
}

// State returns the current state without transitioning. An open breaker
// whose cooldown has elapsed still reports Open until the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Breakers is the table of breakers keyed by provider name. Breakers are
// created on first use and live as long as the table.
type Breakers struct {
	cfg     BreakerConfig
	metrics *breakerMetrics

	mu    sync.Mutex
	table map[string]*Breaker
}

// NewBreakers creates an empty table. All breakers share cfg.
func NewBreakers(cfg BreakerConfig, reg prometheus.Registerer) (*Breakers, error) {
	metrics, err := newBreakerMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("resilience: register breaker metrics: %w", err)
	}
	return &Breakers{cfg: cfg, metrics: metrics, table: make(map[string]*Breaker)}, nil
}

// Get returns the breaker for provider, creating it closed if needed.
func (t *Breakers) Get(provider string) *Breaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.table[provider]; ok {
		return b
	}
	b := NewBreaker(provider, t.cfg)
	b.onChange = func(name string, _, to State) { t.metrics.setState(name, to) }
	t.table[provider] = b
	t.metrics.setState(provider, Closed)
	return b
}

// Allow is Get(provider).Allow with rejection accounting.
func (t *Breakers) Allow(provider string) (func(Result), error) {
	done, err := t.Get(provider).Allow()
	if err != nil {
		t.metrics.recordRejection(provider)
	}
	return done, err
}

// States returns a snapshot of every breaker's state.
func (t *Breakers) States() map[string]State {
	t.mu.Lock()
	breakers := make(map[string]*Breaker, len(t.table))
	for k, v := range t.table {
		breakers[k] = v
	}
	t.mu.Unlock()

	out := make(map[string]State, len(breakers))
	for k, b := range breakers {
		out[k] = b.State()
	}
	return out
}
