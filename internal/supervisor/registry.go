package supervisor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/sift/internal/apperr"
	"github.com/tinytelemetry/sift/internal/batch"
	"github.com/tinytelemetry/sift/internal/logsource"
	"github.com/tinytelemetry/sift/internal/model"
)

// Config holds the dependencies shared by every supervisor of a registry.
type Config struct {
	// Factory builds connectors. Defaults to logsource.New.
	Factory logsource.Factory
	// Sink receives every flushed batch of every source.
	Sink batch.Sink
	// Store records source configuration and state transitions. Optional.
	Store model.SourceStore
	// OnChange observes every state transition. Optional.
	OnChange func(model.StreamingSource)
	// Registerer receives the source metrics. Nil disables metrics.
	Registerer prometheus.Registerer

	DefaultBufferSize   int
	DefaultBatchTimeout time.Duration
}

// Registry is the table of live supervisors keyed by source id. Entries
// are inserted on create and removed on stop, project deletion or shutdown.
type Registry struct {
	cfg     Config
	metrics *sourceMetrics
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex
	sups   map[string]*Supervisor
	closed bool

	statusMu sync.Mutex
	statuses map[string]model.SourceStatus
}

// NewRegistry creates an empty registry.
func NewRegistry(conf ...Config) (*Registry, error) {
	var cfg Config
	if len(conf) > 0 {
		cfg = conf[0]
	}
	if cfg.Factory == nil {
		cfg.Factory = logsource.New
	}
	metrics, err := newSourceMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("supervisor: register metrics: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:      cfg,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		sups:     make(map[string]*Supervisor),
		statuses: make(map[string]model.SourceStatus),
	}, nil
}

// CreateSource validates src, registers it and starts its supervisor.
func (r *Registry) CreateSource(_ context.Context, src model.StreamingSource) (string, error) {
	src.ApplyDefaults(r.cfg.DefaultBufferSize, r.cfg.DefaultBatchTimeout)
	if err := src.Validate(); err != nil {
		return "", apperr.New(apperr.KindInvalid, "create source", fmt.Errorf("%w: %v", apperr.ErrInvalidConfig, err))
	}
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	src.CreatedAt = time.Now().UTC()
	src.Stats = model.SourceStats{}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", apperr.Errorf(apperr.KindInvalid, "create source", "registry is shut down")
	}
	if _, exists := r.sups[src.ID]; exists {
		r.mu.Unlock()
		return "", apperr.Errorf(apperr.KindInvalid, "create source", "source %s already exists", src.ID)
	}
	sup := r.newSupervisor(src, 0)
	r.sups[src.ID] = sup
	r.mu.Unlock()

	if r.cfg.Store != nil {
		if err := r.cfg.Store.SaveSource(sup.Snapshot()); err != nil {
			log.Printf("supervisor: persist source %s: %v", src.ID, err)
		}
	}
	log.Printf("supervisor: created %s source %s (%s) in project %s", src.SourceType, src.ID, src.Name, src.ProjectID)
	sup.Start(r.ctx)
	return src.ID, nil
}

// StopSource stops the source's connector, releases its resources and
// removes it from the registry.
func (r *Registry) StopSource(_ context.Context, id string) error {
	r.mu.Lock()
	sup, ok := r.sups[id]
	if ok {
		delete(r.sups, id)
	}
	r.mu.Unlock()
	if !ok {
		return notFound("stop source", id)
	}
	r.retire(id, sup)
	return nil
}

// RestartSource replaces the source's supervisor with a fresh one. Only a
// source in Error or Stopped can be restarted. The restart counter is reset
// and batch numbering continues.
func (r *Registry) RestartSource(_ context.Context, id string) error {
	r.mu.RLock()
	old, ok := r.sups[id]
	r.mu.RUnlock()
	if !ok {
		return notFound("restart source", id)
	}
	if state := old.Snapshot().State; state != model.StateError && state != model.StateStopped {
		return apperr.Errorf(apperr.KindInvalid, "restart source", "source %s is %s", id, state)
	}

	old.Stop()
	src := old.Snapshot()
	src.Stats.RestartCount = 0
	src.Stats.LastError = ""

	r.mu.Lock()
	if r.closed || r.sups[id] != old {
		// Stopped or restarted concurrently.
		r.mu.Unlock()
		return notFound("restart source", id)
	}
	sup := r.newSupervisor(src, old.Sequence())
	r.sups[id] = sup
	r.mu.Unlock()

	log.Printf("supervisor: restarting source %s", id)
	sup.Start(r.ctx)
	return nil
}

// DeleteProject stops and removes every source of the project.
func (r *Registry) DeleteProject(ctx context.Context, projectID string) error {
	r.mu.Lock()
	victims := make(map[string]*Supervisor)
	for id, sup := range r.sups {
		if sup.Snapshot().ProjectID == projectID {
			victims[id] = sup
			delete(r.sups, id)
		}
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for id, sup := range victims {
		g.Go(func() error {
			r.retire(id, sup)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("supervisor: deleted project %s (%d sources)", projectID, len(victims))
	return nil
}

// ListSources returns the sources of a project ordered by creation time.
// An empty project id lists every source.
func (r *Registry) ListSources(projectID string) []model.StreamingSource {
	r.mu.RLock()
	out := make([]model.StreamingSource, 0, len(r.sups))
	for _, sup := range r.sups {
		snap := sup.Snapshot()
		if projectID == "" || snap.ProjectID == projectID {
			out = append(out, snap)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetSource returns one source with its current status.
func (r *Registry) GetSource(id string) (model.StreamingSource, error) {
	r.mu.RLock()
	sup, ok := r.sups[id]
	r.mu.RUnlock()
	if !ok {
		return model.StreamingSource{}, notFound("get source", id)
	}
	return sup.Snapshot(), nil
}

// GetStats returns the statistics of one source.
func (r *Registry) GetStats(id string) (model.SourceStats, error) {
	src, err := r.GetSource(id)
	if err != nil {
		return model.SourceStats{}, err
	}
	return src.Stats, nil
}

// Shutdown stops every supervisor concurrently. It returns ctx's error if
// the deadline passes before all connectors have released their resources.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sups := r.sups
	r.sups = make(map[string]*Supervisor)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		for _, sup := range sups {
			g.Go(func() error {
				sup.Stop()
				return nil
			})
		}
		_ = g.Wait()
		r.cancel()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor: shutdown: %w", ctx.Err())
	}
}

func (r *Registry) newSupervisor(src model.StreamingSource, sequence uint64) *Supervisor {
	return newSupervisor(src, supervisorConfig{
		factory:  r.cfg.Factory,
		sink:     r.cfg.Sink,
		onChange: r.observe,
		metrics:  r.metrics,
		sequence: sequence,
	})
}

// retire stops a supervisor that has already been removed from the table.
func (r *Registry) retire(id string, sup *Supervisor) {
	sup.Stop()
	r.statusMu.Lock()
	delete(r.statuses, id)
	r.publishStatusCounts()
	r.statusMu.Unlock()
	if r.cfg.Store != nil {
		if err := r.cfg.Store.DeleteSource(id); err != nil {
			log.Printf("supervisor: delete source %s: %v", id, err)
		}
	}
	log.Printf("supervisor: stopped source %s", id)
}

// observe runs on the supervisor's goroutine after each state transition.
func (r *Registry) observe(src model.StreamingSource) {
	r.statusMu.Lock()
	r.statuses[src.ID] = src.Status
	r.publishStatusCounts()
	r.statusMu.Unlock()

	if r.cfg.Store != nil {
		if err := r.cfg.Store.UpdateSourceState(src.ID, src.State, src.Stats); err != nil {
			log.Printf("supervisor: persist state of %s: %v", src.ID, err)
		}
	}
	if src.State == model.StateError {
		log.Printf("supervisor: source %s entered error state: %s", src.ID, src.Stats.LastError)
	}
	if r.cfg.OnChange != nil {
		r.cfg.OnChange(src)
	}
}

// publishStatusCounts must be called with statusMu held.
func (r *Registry) publishStatusCounts() {
	counts := make(map[string]int, 3)
	for _, st := range r.statuses {
		counts[string(st)]++
	}
	r.metrics.setStatusCounts(counts)
}

func notFound(op, id string) error {
	return apperr.New(apperr.KindNotFound, op, fmt.Errorf("source %s: %w", id, apperr.ErrNotFound))
}

var _ model.SourceController = (*Registry)(nil)
