package main

import (
	"context"
	"errors"
	"sync"

	"github.com/tinytelemetry/sift/internal/batch"
	"github.com/tinytelemetry/sift/internal/model"
)

var errRouterStopped = errors.New("batch router stopped")

// batchRouter delivers every flushed batch to each sink in order. The first
// sink is the store, so a batch is persisted before a triggered run can
// read it back.
type batchRouter struct {
	sinks []batch.Sink

	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
}

func newBatchRouter(sinks ...batch.Sink) *batchRouter {
	return &batchRouter{sinks: sinks}
}

// Sink is a batch.Sink. Every sink sees the batch even when an earlier one
// fails; the errors are joined.
func (r *batchRouter) Sink(ctx context.Context, b model.LogBatch) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return errRouterStopped
	}
	if len(b.Lines) == 0 {
		return nil
	}
	var errs []error
	for _, sink := range r.sinks {
		if err := sink(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop waits for in-flight deliveries and rejects later ones.
func (r *batchRouter) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
	})
}
