package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/sift/internal/logsource"
	"github.com/tinytelemetry/sift/internal/model"
)

type recorder struct {
	mu      sync.Mutex
	batches []model.LogBatch
	at      []time.Time
}

func (r *recorder) sink(_ context.Context, b model.LogBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	r.at = append(r.at, time.Now())
	return nil
}

func (r *recorder) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.batches))
	for i, b := range r.batches {
		out[i] = b.Len()
	}
	return out
}

func (r *recorder) snapshot() []model.LogBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.LogBatch(nil), r.batches...)
}

func feed(lines ...string) <-chan model.IngestEnvelope {
	ch := make(chan model.IngestEnvelope, len(lines))
	for _, l := range lines {
		ch <- model.IngestEnvelope{Line: l}
	}
	close(ch)
	return ch
}

func TestAccumulator_FileSourceTwelveLinesGiveFiveFiveTwo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	conn := logsource.NewFileSource(path, logsource.FileConfig{PollInterval: 20 * time.Millisecond})
	require.NoError(t, conn.Start(context.Background()))

	rec := &recorder{}
	acc := New(Config{SourceID: "src-a", BufferSize: 5, Timeout: 300 * time.Millisecond}, rec.sink)
	done := make(chan error, 1)
	go func() { done <- acc.Run(context.Background(), conn.Lines()) }()

	var body strings.Builder
	for i := 1; i <= 12; i++ {
		fmt.Fprintf(&body, "line %02d\n", i)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(body.String())
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return len(rec.sizes()) == 3 }, 5*time.Second, 10*time.Millisecond)
	conn.Stop()
	require.NoError(t, <-done)

	assert.Equal(t, []int{5, 5, 2}, rec.sizes())
	var got []string
	for i, b := range rec.snapshot() {
		assert.Equal(t, uint64(i+1), b.Sequence)
		assert.Equal(t, "src-a", b.SourceID)
		for _, l := range b.Lines {
			got = append(got, l.Raw)
		}
	}
	require.Len(t, got, 12)
	for i, raw := range got {
		assert.Equal(t, fmt.Sprintf("line %02d", i+1), raw)
	}
}

func TestAccumulator_FlushesPartialBatchOnClose(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	acc := New(Config{BufferSize: 10, Timeout: time.Hour}, rec.sink)

	require.NoError(t, acc.Run(context.Background(), feed("a", "b", "c")))
	assert.Equal(t, []int{3}, rec.sizes())
	assert.Equal(t, int64(1), acc.Flushed())
}

func TestAccumulator_FlushesPartialBatchOnCancel(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	acc := New(Config{BufferSize: 10, Timeout: time.Hour}, rec.sink)

	lines := make(chan model.IngestEnvelope, 2)
	lines <- model.IngestEnvelope{Line: "a"}
	lines <- model.IngestEnvelope{Line: "b"}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- acc.Run(ctx, lines) }()
	require.Eventually(t, func() bool { return len(lines) == 0 }, time.Second, time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, []int{2}, rec.sizes())
}

func TestAccumulator_TimeoutBoundsLatencyUnderTrickle(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	timeout := 100 * time.Millisecond
	acc := New(Config{BufferSize: 1000, Timeout: timeout}, rec.sink)

	lines := make(chan model.IngestEnvelope)
	done := make(chan error, 1)
	go func() { done <- acc.Run(context.Background(), lines) }()

	start := time.Now()
	for i := 0; i < 12; i++ {
		lines <- model.IngestEnvelope{Line: fmt.Sprintf("trickle %d", i)}
		time.Sleep(25 * time.Millisecond)
	}
	close(lines)
	require.NoError(t, <-done)

	batches := rec.snapshot()
	require.GreaterOrEqual(t, len(batches), 2, "a trickle longer than the timeout must flush before close")
	first := rec.at[0].Sub(start)
	assert.Less(t, first, timeout+150*time.Millisecond)

	total := 0
	for _, b := range batches {
		total += b.Len()
	}
	assert.Equal(t, 12, total)
}

func TestAccumulator_EndOfUnitFlushesImmediately(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	acc := New(Config{BufferSize: 100, Timeout: time.Hour}, rec.sink)

	lines := make(chan model.IngestEnvelope, 3)
	lines <- model.IngestEnvelope{Line: "a"}
	lines <- model.IngestEnvelope{Line: "b", EndOfUnit: true}
	lines <- model.IngestEnvelope{Line: "c", EndOfUnit: true}
	close(lines)

	require.NoError(t, acc.Run(context.Background(), lines))
	assert.Equal(t, []int{2, 1}, rec.sizes())
}

func TestAccumulator_SequenceContinuesAcrossInstances(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	var seq atomic.Uint64

	first := New(Config{SourceID: "s", BufferSize: 2, Sequence: &seq}, rec.sink)
	require.NoError(t, first.Run(context.Background(), feed("a", "b", "c")))
	second := New(Config{SourceID: "s", BufferSize: 2, Sequence: &seq}, rec.sink)
	require.NoError(t, second.Run(context.Background(), feed("d")))

	var seqs []uint64
	for _, b := range rec.snapshot() {
		seqs = append(seqs, b.Sequence)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestAccumulator_SlowSinkAppliesBackpressure(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var delivered atomic.Int64
	sink := func(ctx context.Context, b model.LogBatch) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		delivered.Add(int64(b.Len()))
		return nil
	}
	acc := New(Config{BufferSize: 1, Timeout: time.Hour}, sink)

	lines := make(chan model.IngestEnvelope, 2)
	done := make(chan error, 1)
	go func() { done <- acc.Run(context.Background(), lines) }()

	sent := 0
	for i := 0; i < 10; i++ {
		select {
		case lines <- model.IngestEnvelope{Line: "x"}:
			sent++
		case <-time.After(50 * time.Millisecond):
		}
	}
	// One line is held by the blocked sink and two fill the channel.
	assert.Equal(t, 3, sent, "producer should block once the sink stalls")

	close(release)
	close(lines)
	require.NoError(t, <-done)
	assert.Equal(t, int64(sent), delivered.Load())
}

func TestAccumulator_SinkErrorStopsRun(t *testing.T) {
	t.Parallel()
	acc := New(Config{BufferSize: 1}, func(context.Context, model.LogBatch) error {
		return fmt.Errorf("disk full")
	})
	err := acc.Run(context.Background(), feed("a", "b"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestAccumulator_ParsesLines(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	acc := New(Config{BufferSize: 5}, rec.sink)
	require.NoError(t, acc.Run(context.Background(), feed(`{"level":"error","msg":"boom"}`, "plain words")))

	b := rec.snapshot()[0]
	assert.Equal(t, "ERROR", b.Lines[0].Level)
	assert.Equal(t, "boom", b.Lines[0].Message)
	assert.False(t, b.Lines[1].Parsed)
	assert.Equal(t, "plain words", b.Lines[1].Raw)
}
