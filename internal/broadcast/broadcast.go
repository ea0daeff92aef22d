// Package broadcast fans one run's ordered event stream out to any number of
// subscribers and carries their cancel requests back to the run.
package broadcast

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tinytelemetry/sift/internal/apperr"
	"github.com/tinytelemetry/sift/internal/model"
)

const (
	// DefaultHeartbeatInterval is the idle time after which a subscriber
	// receives a heartbeat.
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultRetention is how long a finished run stays subscribable.
	DefaultRetention = 10 * time.Minute

	// DefaultSubscriberBuffer is the channel size handed to subscribers.
	DefaultSubscriberBuffer = 64
)

// Config holds tunable parameters for the broadcaster.
type Config struct {
	HeartbeatInterval time.Duration
	Retention         time.Duration
	SubscriberBuffer  int

	// OnFinish is called once per run, after its event channel is closed,
	// with the complete ordered history.
	OnFinish func(runID string, history []model.RunEvent)
}

// run is the broadcaster's view of one run. history only grows; notify is
// closed and replaced on every append so waiting subscribers wake up.
type run struct {
	id     string
	cancel context.CancelCauseFunc

	mu         sync.Mutex
	history    []model.RunEvent
	notify     chan struct{}
	closed     bool
	started    time.Time
	finishedAt time.Time
	cancelOnce sync.Once
}

// Broadcaster multiplexes run event streams. Producers never block on
// subscribers: each run's history is unbounded and each subscriber reads it
// at its own pace through a private cursor.
type Broadcaster struct {
	heartbeat time.Duration
	retention time.Duration
	bufSize   int
	onFinish  func(string, []model.RunEvent)
	now       func() time.Time

	mu   sync.RWMutex
	runs map[string]*run

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a broadcaster and starts its retention sweeper.
func New(conf ...Config) *Broadcaster {
	var cfg Config
	if len(conf) > 0 {
		cfg = conf[0]
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	b := &Broadcaster{
		heartbeat: cfg.HeartbeatInterval,
		retention: cfg.Retention,
		bufSize:   cfg.SubscriberBuffer,
		onFinish:  cfg.OnFinish,
		now:       time.Now,
		runs:      make(map[string]*run),
		done:      make(chan struct{}),
	}
	b.wg.Add(1)
	go b.sweepLoop()
	return b
}

// Attach registers a run and starts draining its event channel. The
// producer owns events and closes it after the terminal event. cancel is
// invoked with apperr.ErrCancelled on the first Cancel.
func (b *Broadcaster) Attach(runID string, events <-chan model.RunEvent, cancel context.CancelCauseFunc) error {
	r := &run{id: runID, cancel: cancel, notify: make(chan struct{}), started: b.now()}

	b.mu.Lock()
	if _, exists := b.runs[runID]; exists {
		b.mu.Unlock()
		return apperr.Errorf(apperr.KindInvalid, "broadcast", "run %s already attached", runID)
	}
	b.runs[runID] = r
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(r, events)
	return nil
}

func (b *Broadcaster) drain(r *run, events <-chan model.RunEvent) {
	defer b.wg.Done()
	for ev := range events {
		b.append(r, ev)
	}

	r.mu.Lock()
	r.closed = true
	r.finishedAt = b.now()
	history := append([]model.RunEvent(nil), r.history...)
	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()

	if b.onFinish != nil {
		b.onFinish(r.id, history)
	}
}

// append assigns the next sequence number and wakes subscribers.
func (b *Broadcaster) append(r *run, ev model.RunEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.terminalLocked() {
		return false
	}
	ev.RunID = r.id
	ev.Seq = len(r.history) + 1
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}
	r.history = append(r.history, ev)
	close(r.notify)
	r.notify = make(chan struct{})
	return true
}

func (r *run) terminalLocked() bool {
	n := len(r.history)
	return n > 0 && r.history[n-1].Type.Terminal()
}

// Publish appends an out-of-band event, such as a message about the run's
// input source, to a run that has not finished.
func (b *Broadcaster) Publish(runID string, ev model.RunEvent) error {
	r, err := b.get(runID)
	if err != nil {
		return err
	}
	if ev.Type.Terminal() {
		return apperr.Errorf(apperr.KindInvalid, "broadcast", "terminal events come from the run itself")
	}
	if !b.append(r, ev) {
		return apperr.Errorf(apperr.KindInvalid, "broadcast", "run %s has finished", runID)
	}
	return nil
}

// Subscribe returns the run's event stream from the first event. The
// channel is closed after the terminal event, when ctx ends, or when the
// run's producer goes away. Idle periods yield heartbeats with Seq 0.
func (b *Broadcaster) Subscribe(ctx context.Context, runID string) (<-chan model.RunEvent, error) {
	r, err := b.get(runID)
	if err != nil {
		return nil, err
	}
	out := make(chan model.RunEvent, b.bufSize)
	b.wg.Add(1)
	go b.serve(ctx, r, out)
	return out, nil
}

func (b *Broadcaster) serve(ctx context.Context, r *run, out chan<- model.RunEvent) {
	defer b.wg.Done()
	defer close(out)

	idle := time.NewTimer(b.heartbeat)
	defer idle.Stop()

	cursor := 0
	for {
		r.mu.Lock()
		pending := r.history[cursor:len(r.history):len(r.history)]
		notify := r.notify
		closed := r.closed
		r.mu.Unlock()

		for _, ev := range pending {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
			cursor++
			if ev.Type.Terminal() {
				return
			}
		}
		if len(pending) > 0 {
			resetTimer(idle, b.heartbeat)
			continue
		}
		if closed {
			return
		}

		select {
		case <-notify:
		case <-idle.C:
			select {
			case out <- b.heartbeatFor(r):
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
			idle.Reset(b.heartbeat)
		case <-ctx.Done():
			return
		case <-b.done:
			return
		}
	}
}

func (b *Broadcaster) heartbeatFor(r *run) model.RunEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	hb := model.RunEvent{
		RunID:     r.id,
		Type:      model.EventHeartbeat,
		ElapsedMS: b.now().Sub(r.started).Milliseconds(),
		Time:      b.now(),
	}
	if n := len(r.history); n > 0 {
		hb.Stage = r.history[n-1].Stage
		hb.Progress = r.history[n-1].Progress
	}
	return hb
}

// Cancel asks the run to stop. Only the first call has an effect; later
// calls and calls on finished runs succeed without doing anything.
func (b *Broadcaster) Cancel(runID string) error {
	r, err := b.get(runID)
	if err != nil {
		return err
	}
	r.cancelOnce.Do(func() {
		if r.cancel != nil {
			r.cancel(apperr.ErrCancelled)
		}
	})
	return nil
}

// History returns a copy of the run's events so far.
func (b *Broadcaster) History(runID string) ([]model.RunEvent, error) {
	r, err := b.get(runID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.RunEvent(nil), r.history...), nil
}

// Finished reports whether the run's producer has closed its stream.
func (b *Broadcaster) Finished(runID string) (bool, error) {
	r, err := b.get(runID)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed, nil
}

func (b *Broadcaster) get(runID string) (*run, error) {
	b.mu.RLock()
	r, ok := b.runs[runID]
	b.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "broadcast", fmt.Errorf("run %s: %w", runID, apperr.ErrNotFound))
	}
	return r, nil
}

func (b *Broadcaster) sweepLoop() {
	defer b.wg.Done()
	interval := b.retention / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-b.done:
			return
		}
	}
}

// sweep forgets finished runs older than the retention period.
func (b *Broadcaster) sweep() int {
	cutoff := b.now().Add(-b.retention)
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, r := range b.runs {
		r.mu.Lock()
		expired := r.closed && r.finishedAt.Before(cutoff)
		r.mu.Unlock()
		if expired {
			delete(b.runs, id)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("broadcast: forgot %d finished runs", removed)
	}
	return removed
}

// Stop ends the sweeper and every subscription, then waits for run drains
// to finish. Producers must close their channels for Stop to return.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
	})
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
