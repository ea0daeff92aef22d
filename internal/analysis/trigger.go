package analysis

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/tinytelemetry/sift/internal/model"
)

// RunStarter is the part of the engine the stream trigger drives.
type RunStarter interface {
	StartRun(ctx context.Context, req model.RunRequest) (string, error)
	Notify(runID, message string) error
	Finished(runID string) bool
}

type triggerState struct {
	cfg     model.TriggerConfig
	pending []model.LogBatch
	runs    []string
}

// StreamTrigger starts a run every min_batches flushed batches of a source
// whose trigger is enabled, and tells those runs when their source fails.
type StreamTrigger struct {
	starter RunStarter

	mu      sync.Mutex
	sources map[string]*triggerState
}

// NewStreamTrigger creates a trigger that starts runs on starter.
func NewStreamTrigger(starter RunStarter) *StreamTrigger {
	return &StreamTrigger{starter: starter, sources: make(map[string]*triggerState)}
}

// SourceChanged observes supervisor state transitions. It learns each
// source's trigger configuration and publishes a message to the runs that
// depend on a source entering the error state.
func (t *StreamTrigger) SourceChanged(src model.StreamingSource) {
	t.mu.Lock()
	if !src.Trigger.Enabled || src.State == model.StateStopped {
		delete(t.sources, src.ID)
		t.mu.Unlock()
		return
	}
	st, ok := t.sources[src.ID]
	if !ok {
		st = &triggerState{}
		t.sources[src.ID] = st
	}
	st.cfg = src.Trigger
	var notify []string
	if src.State == model.StateError {
		notify = t.liveRunsLocked(st)
	}
	t.mu.Unlock()

	for _, runID := range notify {
		msg := fmt.Sprintf("source %s entered error state: %s", src.Name, src.Stats.LastError)
		if err := t.starter.Notify(runID, msg); err != nil {
			log.Printf("analysis: notify run %s: %v", runID, err)
		}
	}
}

// liveRunsLocked prunes finished runs and returns the remaining ones.
func (t *StreamTrigger) liveRunsLocked(st *triggerState) []string {
	live := st.runs[:0]
	for _, id := range st.runs {
		if !t.starter.Finished(id) {
			live = append(live, id)
		}
	}
	st.runs = live
	return append([]string(nil), live...)
}

// Sink collects batches of trigger-enabled sources. It never blocks on the
// run it starts and never fails the source's delivery.
func (t *StreamTrigger) Sink(_ context.Context, b model.LogBatch) error {
	t.mu.Lock()
	st, ok := t.sources[b.SourceID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	st.pending = append(st.pending, b)
	minBatches := max(st.cfg.MinBatches, 1)
	if len(st.pending) < minBatches {
		t.mu.Unlock()
		return nil
	}
	batches := st.pending
	st.pending = nil
	req := model.RunRequest{
		Origin:      model.Origin{Kind: model.OriginStreamTrigger, SourceID: b.SourceID},
		Batches:     batches,
		Provider:    st.cfg.Provider,
		LevelFilter: st.cfg.LevelFilter,
		Timeout:     st.cfg.Timeout,
	}
	t.mu.Unlock()

	runID, err := t.starter.StartRun(context.Background(), req)
	if err != nil {
		log.Printf("analysis: trigger run for source %s: %v", b.SourceID, err)
		return nil
	}

	t.mu.Lock()
	if st, ok := t.sources[b.SourceID]; ok {
		t.liveRunsLocked(st)
		st.runs = append(st.runs, runID)
	}
	t.mu.Unlock()
	return nil
}

// Runs returns the unfinished runs started for a source.
func (t *StreamTrigger) Runs(sourceID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sources[sourceID]
	if !ok {
		return nil
	}
	return t.liveRunsLocked(st)
}
