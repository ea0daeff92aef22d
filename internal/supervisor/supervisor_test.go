package supervisor

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/sift/internal/apperr"
	"github.com/tinytelemetry/sift/internal/logsource"
	"github.com/tinytelemetry/sift/internal/model"
)

// fakeConn emits a fixed set of lines, then either fails, ends cleanly or
// stays open until stopped.
type fakeConn struct {
	lines []string
	err   error
	hold  bool
	peers int

	ch          chan model.IngestEnvelope
	stop        chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	stopped     atomic.Bool
	interrupted atomic.Bool
}

func newFakeConn(lines []string, err error, hold bool) *fakeConn {
	return &fakeConn{
		lines: lines,
		err:   err,
		hold:  hold,
		ch:    make(chan model.IngestEnvelope),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (f *fakeConn) Name() string { return "fake" }

func (f *fakeConn) Start(context.Context) error {
	go func() {
		defer close(f.done)
		defer close(f.ch)
		for _, l := range f.lines {
			select {
			case f.ch <- model.IngestEnvelope{Source: "fake", Line: l}:
			case <-f.stop:
				f.interrupted.Store(true)
				return
			}
		}
		if f.hold {
			<-f.stop
			f.interrupted.Store(true)
		}
	}()
	return nil
}

func (f *fakeConn) Lines() <-chan model.IngestEnvelope { return f.ch }
func (f *fakeConn) Peers() int                         { return f.peers }

func (f *fakeConn) Err() error {
	if f.interrupted.Load() {
		return nil
	}
	return f.err
}

func (f *fakeConn) Stop() {
	f.stopOnce.Do(func() {
		f.stopped.Store(true)
		close(f.stop)
	})
	<-f.done
}

type batchLog struct {
	mu      sync.Mutex
	batches []model.LogBatch
}

func (b *batchLog) sink(_ context.Context, batch model.LogBatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, batch)
	return nil
}

func (b *batchLog) sequences() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint64, len(b.batches))
	for i, batch := range b.batches {
		out[i] = batch.Sequence
	}
	return out
}

func fastRestarts(n int) model.RestartPolicy {
	return model.RestartPolicy{
		Enabled:     true,
		MaxRestarts: n,
		Backoff:     model.Backoff{Initial: model.Duration(5 * time.Millisecond), Max: model.Duration(20 * time.Millisecond), Multiplier: 2},
	}
}

func waitState(t *testing.T, r *Registry, id string, want model.SupervisorState) model.StreamingSource {
	t.Helper()
	var last model.StreamingSource
	require.Eventually(t, func() bool {
		src, err := r.GetSource(id)
		if err != nil {
			return false
		}
		last = src
		return src.State == want
	}, 5*time.Second, 5*time.Millisecond, "source never reached %s", want)
	return last
}

func TestRegistry_CommandExitingImmediatelyEndsInError(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	var builds atomic.Int32
	reg := prometheus.NewRegistry()
	r, err := NewRegistry(Config{
		Registerer: reg,
		Factory: func(src model.StreamingSource) (logsource.Connector, error) {
			builds.Add(1)
			return logsource.New(src)
		},
	})
	require.NoError(t, err)
	defer r.Shutdown(context.Background())

	id, err := r.CreateSource(context.Background(), model.StreamingSource{
		SourceType:    model.SourceCommand,
		TypeConfig:    model.TypeConfig{Command: "sh", Args: []string{"-c", "exit 0"}},
		RestartPolicy: fastRestarts(2),
	})
	require.NoError(t, err)

	src := waitState(t, r, id, model.StateError)
	assert.Equal(t, model.StatusError, src.Status)
	assert.Equal(t, 2, src.Stats.RestartCount)
	assert.NotEmpty(t, src.Stats.LastError)
	assert.Equal(t, int32(3), builds.Load(), "initial attempt plus two restarts")

	restarts, err := r.metrics.restarts.GetMetricWithLabelValues("command")
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(restarts))
}

func TestSupervisor_RestartDisabledFailsImmediately(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry(Config{Factory: func(model.StreamingSource) (logsource.Connector, error) {
		return newFakeConn(nil, errors.New("connection reset"), false), nil
	}})
	require.NoError(t, err)
	defer r.Shutdown(context.Background())

	id, err := r.CreateSource(context.Background(), model.StreamingSource{SourceType: model.SourceStdin})
	require.NoError(t, err)

	src := waitState(t, r, id, model.StateError)
	assert.Equal(t, 0, src.Stats.RestartCount)
	assert.Contains(t, src.Stats.LastError, "connection reset")
}

func TestSupervisor_SequenceContinuesAcrossRestarts(t *testing.T) {
	t.Parallel()
	var builds atomic.Int32
	log := &batchLog{}
	r, err := NewRegistry(Config{
		Sink: log.sink,
		Factory: func(model.StreamingSource) (logsource.Connector, error) {
			if builds.Add(1) > 3 {
				return newFakeConn(nil, nil, true), nil
			}
			return newFakeConn([]string{"a", "b", "c"}, errors.New("broken pipe"), false), nil
		},
	})
	require.NoError(t, err)
	defer r.Shutdown(context.Background())

	id, err := r.CreateSource(context.Background(), model.StreamingSource{
		SourceType:    model.SourceStdin,
		BufferSize:    2,
		BatchTimeout:  model.Duration(time.Hour),
		RestartPolicy: fastRestarts(1),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(log.sequences()) == 6 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, log.sequences())

	// Every failing instance delivered data, so the counter never exhausts.
	src := waitState(t, r, id, model.StateRunning)
	assert.Equal(t, 3, src.Stats.RestartCount)
	assert.Equal(t, int64(9), src.Stats.LinesProcessed)
	assert.Equal(t, int64(6), src.Stats.BatchesFlushed)
}

func TestSupervisor_CleanEndStops(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry(Config{Factory: func(model.StreamingSource) (logsource.Connector, error) {
		return newFakeConn([]string{"only"}, nil, false), nil
	}})
	require.NoError(t, err)
	defer r.Shutdown(context.Background())

	id, err := r.CreateSource(context.Background(), model.StreamingSource{SourceType: model.SourceStdin, RestartPolicy: fastRestarts(0)})
	require.NoError(t, err)

	src := waitState(t, r, id, model.StateStopped)
	assert.Equal(t, model.StatusInactive, src.Status)
	assert.Equal(t, int64(1), src.Stats.LinesProcessed)
}

func TestSupervisor_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	conn := newFakeConn(nil, nil, true)
	sup := newSupervisor(model.StreamingSource{ID: "s1", SourceType: model.SourceStdin}, supervisorConfig{
		factory: func(model.StreamingSource) (logsource.Connector, error) { return conn, nil },
	})
	sup.Start(context.Background())
	require.Eventually(t, func() bool { return sup.Snapshot().State == model.StateRunning }, time.Second, time.Millisecond)

	sup.Stop()
	sup.Stop()
	assert.True(t, conn.stopped.Load())
	assert.Equal(t, model.StateStopped, sup.Snapshot().State)
	select {
	case <-sup.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestSupervisor_StopBeforeStart(t *testing.T) {
	t.Parallel()
	sup := newSupervisor(model.StreamingSource{ID: "s1"}, supervisorConfig{})
	sup.Stop()
	sup.Start(context.Background())
	<-sup.Done()
	assert.Equal(t, model.StateStopped, sup.Snapshot().State)
}

func TestRegistry_StopSourceReleasesListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	r, err := NewRegistry()
	require.NoError(t, err)
	defer r.Shutdown(context.Background())

	id, err := r.CreateSource(context.Background(), model.StreamingSource{
		SourceType:   model.SourceTCP,
		TypeConfig:   model.TypeConfig{Port: port},
		BufferSize:   1,
		BatchTimeout: model.Duration(time.Hour),
	})
	require.NoError(t, err)
	waitState(t, r, id, model.StateRunning)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		stats, err := r.GetStats(id)
		return err == nil && stats.LinesProcessed == 1 && stats.ConnectionCount == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, r.StopSource(context.Background(), id))
	assert.True(t, apperr.Is(r.StopSource(context.Background(), id), apperr.KindNotFound))

	again, err := net.Listen("tcp", ln.Addr().String())
	require.NoError(t, err, "port should be free once StopSource returns")
	again.Close()
}

func TestRegistry_RestartSourceFromError(t *testing.T) {
	t.Parallel()
	var builds atomic.Int32
	r, err := NewRegistry(Config{Factory: func(model.StreamingSource) (logsource.Connector, error) {
		if builds.Add(1) == 1 {
			return newFakeConn(nil, errors.New("boom"), false), nil
		}
		return newFakeConn(nil, nil, true), nil
	}})
	require.NoError(t, err)
	defer r.Shutdown(context.Background())

	id, err := r.CreateSource(context.Background(), model.StreamingSource{SourceType: model.SourceStdin})
	require.NoError(t, err)
	waitState(t, r, id, model.StateError)

	require.NoError(t, r.RestartSource(context.Background(), id))
	src := waitState(t, r, id, model.StateRunning)
	assert.Equal(t, 0, src.Stats.RestartCount)
	assert.Empty(t, src.Stats.LastError)

	err = r.RestartSource(context.Background(), id)
	assert.True(t, apperr.Is(err, apperr.KindInvalid), "restarting a running source: %v", err)
	assert.Equal(t, model.StateRunning, waitState(t, r, id, model.StateRunning).State)

	assert.True(t, apperr.Is(r.RestartSource(context.Background(), "missing"), apperr.KindNotFound))
}

func TestRegistry_DeleteProjectStopsOnlyThatProject(t *testing.T) {
	t.Parallel()
	var conns sync.Map
	r, err := NewRegistry(Config{Factory: func(src model.StreamingSource) (logsource.Connector, error) {
		c := newFakeConn(nil, nil, true)
		conns.Store(src.ID, c)
		return c, nil
	}})
	require.NoError(t, err)
	defer r.Shutdown(context.Background())

	ctx := context.Background()
	a1, err := r.CreateSource(ctx, model.StreamingSource{ProjectID: "a", SourceType: model.SourceStdin})
	require.NoError(t, err)
	a2, err := r.CreateSource(ctx, model.StreamingSource{ProjectID: "a", SourceType: model.SourceStdin})
	require.NoError(t, err)
	b1, err := r.CreateSource(ctx, model.StreamingSource{ProjectID: "b", SourceType: model.SourceStdin})
	require.NoError(t, err)
	for _, id := range []string{a1, a2, b1} {
		waitState(t, r, id, model.StateRunning)
	}

	require.NoError(t, r.DeleteProject(ctx, "a"))
	assert.Empty(t, r.ListSources("a"))
	require.Len(t, r.ListSources("b"), 1)
	assert.Len(t, r.ListSources(""), 1)

	for _, id := range []string{a1, a2} {
		c, _ := conns.Load(id)
		assert.True(t, c.(*fakeConn).stopped.Load(), "connector of %s should be stopped", id)
	}
	c, _ := conns.Load(b1)
	assert.False(t, c.(*fakeConn).stopped.Load())
}

func TestRegistry_CreateRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry()
	require.NoError(t, err)
	defer r.Shutdown(context.Background())

	_, err = r.CreateSource(context.Background(), model.StreamingSource{SourceType: model.SourceFile})
	assert.True(t, apperr.Is(err, apperr.KindInvalid))
	_, err = r.CreateSource(context.Background(), model.StreamingSource{SourceType: "smoke-signal"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidConfig))
	assert.Empty(t, r.ListSources(""))
}

func TestRegistry_ShutdownStopsEverything(t *testing.T) {
	t.Parallel()
	conn := newFakeConn(nil, nil, true)
	r, err := NewRegistry(Config{Factory: func(model.StreamingSource) (logsource.Connector, error) { return conn, nil }})
	require.NoError(t, err)

	id, err := r.CreateSource(context.Background(), model.StreamingSource{SourceType: model.SourceStdin})
	require.NoError(t, err)
	waitState(t, r, id, model.StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.True(t, conn.stopped.Load())

	_, err = r.CreateSource(context.Background(), model.StreamingSource{SourceType: model.SourceStdin})
	assert.Error(t, err)
}
