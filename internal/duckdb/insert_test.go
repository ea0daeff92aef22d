package duckdb

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/sift/internal/model"
)

func testBatch(sourceID string, seq uint64, n int) model.LogBatch {
	b := model.LogBatch{SourceID: sourceID, Sequence: seq, FlushedAt: time.Now()}
	for i := 0; i < n; i++ {
		msg := fmt.Sprintf("line %d of batch %d", i, seq)
		b.Lines = append(b.Lines, model.LogLine{Raw: "INFO " + msg, Level: "INFO", Message: msg, Parsed: true})
	}
	return b
}

func lineCount(t *testing.T, store *Store, sourceID string) int64 {
	t.Helper()
	n, err := store.LineCount(sourceID)
	if err != nil {
		t.Fatalf("LineCount: %v", err)
	}
	return n
}

func TestInsertBuffer_AddAndStop(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store)

	for i := 0; i < 10; i++ {
		buf.Add(testBatch("src", uint64(i+1), 3))
	}
	buf.Stop()

	if got := lineCount(t, store, "src"); got != 30 {
		t.Errorf("after Stop, line count = %d, want 30", got)
	}
}

func TestInsertBuffer_LineThreshold(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store, InsertBufferConfig{BatchSize: 100, FlushInterval: time.Hour})
	defer buf.Stop()

	for i := 0; i < 5; i++ {
		buf.Add(testBatch("src", uint64(i+1), 25))
	}

	deadline := time.Now().Add(2 * time.Second)
	for lineCount(t, store, "src") < 100 {
		if time.Now().After(deadline) {
			t.Fatal("threshold flush did not happen before the interval")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInsertBuffer_ConcurrentAdd(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store, InsertBufferConfig{BatchSize: 7, FlushQueueSize: 1})

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				buf.Add(testBatch(fmt.Sprintf("src-%d", g), uint64(i+1), 2))
			}
		}()
	}
	wg.Wait()
	buf.Stop()

	for g := 0; g < 10; g++ {
		if got := lineCount(t, store, fmt.Sprintf("src-%d", g)); got != 40 {
			t.Errorf("src-%d line count = %d, want 40", g, got)
		}
	}
}

func TestInsertBuffer_StopIsIdempotentAndDropsLateBatches(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store)

	if err := buf.Sink(context.Background(), testBatch("src", 1, 1)); err != nil {
		t.Fatalf("Sink: %v", err)
	}
	buf.Stop()
	buf.Stop()
	buf.Add(testBatch("src", 2, 1))

	if got := lineCount(t, store, "src"); got != 1 {
		t.Errorf("after double Stop, line count = %d, want 1", got)
	}
}
