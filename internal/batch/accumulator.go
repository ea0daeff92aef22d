// Package batch turns a connector's line stream into size- or time-bounded
// LogBatches.
package batch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/sift/internal/ingest"
	"github.com/tinytelemetry/sift/internal/model"
)

// Sink receives each flushed batch. It is called synchronously from Run, so
// a slow sink blocks the accumulator and, through the connector's bounded
// channel, the source itself. Lines are never dropped to relieve pressure.
type Sink func(ctx context.Context, b model.LogBatch) error

// Config holds tunable parameters for an accumulator.
type Config struct {
	SourceID   string
	BufferSize int
	Timeout    time.Duration
	Parser     *ingest.Parser
	// Sequence is shared by every accumulator of one source so numbering
	// continues across connector restarts. Nil starts a private counter.
	Sequence *atomic.Uint64
}

// Accumulator buffers lines and flushes them when the buffer reaches
// BufferSize, when Timeout elapses since the first unflushed line, or at
// the end of a connector-delimited unit.
type Accumulator struct {
	sourceID string
	size     int
	timeout  time.Duration
	parser   *ingest.Parser
	seq      *atomic.Uint64
	sink     Sink
	now      func() time.Time

	pending []model.LogLine
	flushed int64
}

// New creates an accumulator that delivers batches to sink.
func New(cfg Config, sink Sink) *Accumulator {
	size := cfg.BufferSize
	if size <= 0 {
		size = model.DefaultBufferSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = model.DefaultBatchTimeout
	}
	parser := cfg.Parser
	if parser == nil {
		parser = ingest.MustParser(model.ParserConfig{})
	}
	seq := cfg.Sequence
	if seq == nil {
		seq = new(atomic.Uint64)
	}
	return &Accumulator{
		sourceID: cfg.SourceID,
		size:     size,
		timeout:  timeout,
		parser:   parser,
		seq:      seq,
		sink:     sink,
		now:      time.Now,
		pending:  make([]model.LogLine, 0, size),
	}
}

// Run consumes lines until the channel is closed or ctx is done. Any partial
// buffer is flushed as a final short batch before Run returns. The returned
// error is non-nil only when the sink failed.
func (a *Accumulator) Run(ctx context.Context, lines <-chan model.IngestEnvelope) error {
	timer := time.NewTimer(a.timeout)
	stopTimer(timer)
	armed := false

	// The final flush must reach the sink even when ctx is already done.
	final := context.WithoutCancel(ctx)

	for {
		var tick <-chan time.Time
		if armed {
			tick = timer.C
		}

		select {
		case env, ok := <-lines:
			if !ok {
				return a.flush(final)
			}
			a.pending = append(a.pending, a.parser.Parse(env.Line))
			if !armed {
				timer.Reset(a.timeout)
				armed = true
			}
			if len(a.pending) >= a.size || env.EndOfUnit {
				stopTimer(timer)
				armed = false
				if err := a.flush(ctx); err != nil {
					return err
				}
			}

		case <-tick:
			armed = false
			if err := a.flush(ctx); err != nil {
				return err
			}

		case <-ctx.Done():
			stopTimer(timer)
			return a.flush(final)
		}
	}
}

// Flushed returns the number of batches this accumulator delivered.
func (a *Accumulator) Flushed() int64 { return a.flushed }

func (a *Accumulator) flush(ctx context.Context) error {
	if len(a.pending) == 0 {
		return nil
	}
	b := model.LogBatch{
		SourceID:  a.sourceID,
		Sequence:  a.seq.Add(1),
		FlushedAt: a.now(),
		Lines:     a.pending,
	}
	a.pending = make([]model.LogLine, 0, a.size)
	if err := a.sink(ctx, b); err != nil {
		return fmt.Errorf("batch: deliver sequence %d: %w", b.Sequence, err)
	}
	a.flushed++
	return nil
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
