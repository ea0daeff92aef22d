// Package supervisor owns the lifecycle of streaming sources: one
// Supervisor per source drives a connector and its batch accumulator,
// applies the restart policy and is the only writer of the source's
// status and statistics.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/sift/internal/apperr"
	"github.com/tinytelemetry/sift/internal/batch"
	"github.com/tinytelemetry/sift/internal/ingest"
	"github.com/tinytelemetry/sift/internal/logsource"
	"github.com/tinytelemetry/sift/internal/model"
)

// Supervisor runs one streaming source.
//
// State machine: Starting -> Running -> Restarting -> Running ... and
// finally Error (restarts exhausted or disabled) or Stopped (explicit stop,
// or a clean end of input).
type Supervisor struct {
	factory  logsource.Factory
	sink     batch.Sink
	onChange func(model.StreamingSource)
	metrics  *sourceMetrics
	parser   *ingest.Parser
	seq      atomic.Uint64

	mu   sync.RWMutex
	src  model.StreamingSource
	conn logsource.Connector

	cancel   context.CancelFunc
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

type supervisorConfig struct {
	factory  logsource.Factory
	sink     batch.Sink
	onChange func(model.StreamingSource)
	metrics  *sourceMetrics
	// sequence is the last batch sequence already issued for this source.
	sequence uint64
}

func newSupervisor(src model.StreamingSource, cfg supervisorConfig) *Supervisor {
	factory := cfg.factory
	if factory == nil {
		factory = logsource.New
	}
	parser, err := ingest.NewParser(src.ParserConfig)
	if err != nil {
		log.Printf("supervisor: source %s: %v, using auto detection", src.ID, err)
		parser = ingest.MustParser(model.ParserConfig{})
	}
	src.State = model.StateStarting
	src.Status = src.State.Status()
	s := &Supervisor{
		factory:  factory,
		sink:     cfg.sink,
		onChange: cfg.onChange,
		metrics:  cfg.metrics,
		parser:   parser,
		src:      src,
		cancel:   func() {},
		done:     make(chan struct{}),
	}
	s.seq.Store(cfg.sequence)
	return s
}

// Start launches the supervision loop. It returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop terminates the connector and waits until every resource it bound
// (sockets, files, child processes) has been released. It is idempotent.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.started.CompareAndSwap(false, true) {
			// Never started: nothing to release.
			s.mu.Unlock()
			close(s.done)
			s.transition(model.StateStopped, nil)
			return
		}
		cancel := s.cancel
		s.mu.Unlock()
		cancel()
		<-s.done
	})
}

// Done is closed when the supervision loop has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Sequence returns the last issued batch sequence number.
func (s *Supervisor) Sequence() uint64 { return s.seq.Load() }

// Snapshot returns a copy of the source with current status and statistics.
func (s *Supervisor) Snapshot() model.StreamingSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.src
	if s.conn != nil {
		out.Stats.ConnectionCount = s.conn.Peers()
	} else {
		out.Stats.ConnectionCount = 0
	}
	return out
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	attempts := 0
	for {
		flushed, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.transition(model.StateStopped, nil)
			return
		}
		if err == nil {
			log.Printf("supervisor: source %s (%s) reached end of input", s.src.ID, s.src.SourceType)
			s.transition(model.StateStopped, nil)
			return
		}
		log.Printf("supervisor: source %s (%s) failed: %v", s.src.ID, s.src.SourceType, err)

		// An instance that delivered data was healthy for a while; only
		// consecutive unproductive failures count against max_restarts.
		if flushed > 0 {
			attempts = 0
		}
		policy := s.src.RestartPolicy
		if !policy.Enabled || (policy.MaxRestarts > 0 && attempts >= policy.MaxRestarts) {
			s.transition(model.StateError, err)
			return
		}
		attempts++
		s.recordRestart(err)
		s.metrics.recordRestart(string(s.src.SourceType))

		delay := policy.Backoff.Delay(attempts)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.transition(model.StateStopped, nil)
			return
		case <-timer.C:
		}
	}
}

// runOnce builds a fresh connector and pumps it until it ends. It returns
// nil on a clean end of input or when ctx was cancelled.
func (s *Supervisor) runOnce(ctx context.Context) (int64, error) {
	s.mu.RLock()
	src := s.src
	s.mu.RUnlock()

	conn, err := s.factory(src)
	if err != nil {
		return 0, apperr.New(apperr.KindConnector, "build connector", err)
	}
	if err := conn.Start(ctx); err != nil {
		conn.Stop()
		return 0, apperr.New(apperr.KindConnector, "start connector", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.transition(model.StateRunning, nil)

	acc := batch.New(batch.Config{
		SourceID:   src.ID,
		BufferSize: src.BufferSize,
		Timeout:    src.BatchTimeout.Std(),
		Parser:     s.parser,
		Sequence:   &s.seq,
	}, s.deliver)
	runErr := acc.Run(ctx, conn.Lines())

	conn.Stop()
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	if runErr != nil {
		return acc.Flushed(), apperr.New(apperr.KindCapacity, "deliver batch", runErr)
	}
	if ctx.Err() != nil {
		return acc.Flushed(), nil
	}
	return acc.Flushed(), apperr.New(apperr.KindConnector, fmt.Sprintf("%s source %s", src.SourceType, src.Name), conn.Err())
}

// deliver hands a batch to the sink and updates statistics once it has
// been accepted.
func (s *Supervisor) deliver(ctx context.Context, b model.LogBatch) error {
	if s.sink != nil {
		if err := s.sink(ctx, b); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.src.Stats.LinesProcessed += int64(b.Len())
	s.src.Stats.BatchesFlushed++
	s.src.Stats.LastActivity = b.FlushedAt
	if s.conn != nil {
		s.src.Stats.ConnectionCount = s.conn.Peers()
	}
	s.mu.Unlock()
	s.metrics.recordBatch(string(s.src.SourceType), b.Len())
	return nil
}

func (s *Supervisor) recordRestart(cause error) {
	s.mu.Lock()
	s.src.Stats.RestartCount++
	s.src.Stats.LastError = cause.Error()
	s.src.State = model.StateRestarting
	s.src.Status = s.src.State.Status()
	snap := s.src
	s.mu.Unlock()
	s.notify(snap)
}

func (s *Supervisor) transition(state model.SupervisorState, cause error) {
	s.mu.Lock()
	if s.src.State == state && cause == nil {
		s.mu.Unlock()
		return
	}
	s.src.State = state
	s.src.Status = state.Status()
	if cause != nil {
		s.src.Stats.LastError = cause.Error()
	}
	snap := s.src
	s.mu.Unlock()
	s.notify(snap)
}

func (s *Supervisor) notify(src model.StreamingSource) {
	if s.onChange != nil {
		s.onChange(src)
	}
}
