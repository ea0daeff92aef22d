package duckdb

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/sift/internal/model"
)

// Defaults for the insert buffer.
const (
	DefaultInsertBatchSize     = 2000
	DefaultInsertFlushInterval = 100 * time.Millisecond
	DefaultFlushQueueSize      = 64
)

// InsertBuffer groups flushed log batches and writes them to DuckDB
// asynchronously. Add never blocks on DuckDB writes unless the flush queue
// is full, in which case the write happens inline.
type InsertBuffer struct {
	writer        model.BatchWriter
	mu            sync.Mutex
	pending       []model.LogBatch
	pendingLines  int
	flushChan     chan []model.LogBatch
	maxLines      int
	flushInterval time.Duration
	done          chan struct{}
	wg            sync.WaitGroup
	tickWg        sync.WaitGroup
	stopOnce      sync.Once
	stopped       atomic.Bool

	// backpressureCount tracks inline flushes for throttled logging.
	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64
}

// InsertBufferConfig holds tunable parameters for the insert buffer.
type InsertBufferConfig struct {
	// BatchSize is the number of buffered lines that triggers a flush.
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
}

// NewInsertBuffer creates an insert buffer that writes to writer.
func NewInsertBuffer(writer model.BatchWriter, conf ...InsertBufferConfig) *InsertBuffer {
	batchSize := DefaultInsertBatchSize
	flushInterval := DefaultInsertFlushInterval
	flushQueueSize := DefaultFlushQueueSize
	if len(conf) > 0 {
		if conf[0].BatchSize > 0 {
			batchSize = conf[0].BatchSize
		}
		if conf[0].FlushInterval > 0 {
			flushInterval = conf[0].FlushInterval
		}
		if conf[0].FlushQueueSize > 0 {
			flushQueueSize = conf[0].FlushQueueSize
		}
	}

	b := &InsertBuffer{
		writer:        writer,
		flushChan:     make(chan []model.LogBatch, flushQueueSize),
		maxLines:      batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushWorker()

	b.wg.Add(1)
	b.tickWg.Add(1)
	go b.tickLoop()

	return b
}

func (b *InsertBuffer) tickLoop() {
	defer b.wg.Done()
	defer b.tickWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainPending()
		case <-b.done:
			b.drainPending()
			return
		}
	}
}

// logBackpressure emits a throttled warning, at most once per 10 seconds.
func (b *InsertBuffer) logBackpressure() {
	count := b.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := b.lastBPLog.Load()
	if now-last >= 10 && b.lastBPLog.CompareAndSwap(last, now) {
		log.Printf("duckdb: backpressure: %d inline flushes, flush queue full", count)
	}
}

// takeLocked swaps out the pending batches. Must be called with mu held.
func (b *InsertBuffer) takeLocked() []model.LogBatch {
	out := b.pending
	b.pending = nil
	b.pendingLines = 0
	return out
}

func (b *InsertBuffer) drainPending() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	group := b.takeLocked()
	b.mu.Unlock()
	b.enqueue(group)
}

func (b *InsertBuffer) enqueue(group []model.LogBatch) {
	select {
	case b.flushChan <- group:
	default:
		b.logBackpressure()
		b.flush(group)
	}
}

func (b *InsertBuffer) flushWorker() {
	defer b.wg.Done()
	for group := range b.flushChan {
		b.flush(group)
	}
}

func (b *InsertBuffer) flush(group []model.LogBatch) {
	if err := b.writer.InsertBatches(group); err != nil {
		log.Printf("duckdb: flush of %d batches failed: %v", len(group), err)
	}
}

// Add queues a batch for insertion. Batches added after Stop are dropped.
func (b *InsertBuffer) Add(batch model.LogBatch) {
	if b.stopped.Load() {
		log.Printf("duckdb: dropping batch %d of %s after stop", batch.Sequence, batch.SourceID)
		return
	}
	b.mu.Lock()
	b.pending = append(b.pending, batch)
	b.pendingLines += batch.Len()
	var group []model.LogBatch
	if b.pendingLines >= b.maxLines {
		group = b.takeLocked()
	}
	b.mu.Unlock()

	if group != nil {
		b.enqueue(group)
	}
}

// Sink adapts the buffer to a batch sink. It never fails the caller.
func (b *InsertBuffer) Sink(_ context.Context, batch model.LogBatch) error {
	b.Add(batch)
	return nil
}

// Stop flushes remaining batches and waits for all writes to complete.
func (b *InsertBuffer) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		close(b.done)
		// tickLoop performs the final drain before the queue is closed.
		b.tickWg.Wait()
		close(b.flushChan)
		b.wg.Wait()
	})
}

// InsertBatches writes batches and their lines in a single transaction.
// If the transaction fails, each batch is retried on its own so one bad
// batch does not lose the others.
func (s *Store) InsertBatches(batches []model.LogBatch) error {
	if len(batches) == 0 {
		return nil
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.insertBatchesTx(ctx, batches)
	if err == nil {
		return nil
	}

	var failed int
	var lastErr error
	for _, batch := range batches {
		if rerr := s.insertBatchesTx(ctx, []model.LogBatch{batch}); rerr != nil {
			failed++
			lastErr = rerr
			log.Printf("duckdb: dropping batch %d of source %s (%d lines): %v", batch.Sequence, batch.SourceID, batch.Len(), rerr)
		}
	}
	if failed == len(batches) {
		return fmt.Errorf("insert batches: %w", lastErr)
	}
	if failed > 0 {
		log.Printf("duckdb: insert partially failed, %d/%d batches dropped", failed, len(batches))
	}
	return nil
}

func (s *Store) insertBatchesTx(ctx context.Context, batches []model.LogBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	batchStmt, err := tx.PrepareContext(ctx, `INSERT INTO log_batches (source_id, sequence, flushed_at, line_count) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer batchStmt.Close()
	lineStmt, err := tx.PrepareContext(ctx, `INSERT INTO log_lines (source_id, sequence, line_no, timestamp, level, message, raw_line, parsed, flushed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer lineStmt.Close()

	for _, b := range batches {
		flushedAt := b.FlushedAt
		if flushedAt.IsZero() {
			flushedAt = time.Now()
		}
		if _, err := batchStmt.ExecContext(ctx, b.SourceID, b.Sequence, flushedAt.UTC(), b.Len()); err != nil {
			return fmt.Errorf("batch insert: %w", err)
		}
		for i, l := range b.Lines {
			var ts any
			if l.HasTimestamp() {
				ts = l.Timestamp.UTC()
			}
			if _, err := lineStmt.ExecContext(ctx,
				b.SourceID, b.Sequence, i, ts, l.Level, l.Message, l.Raw, l.Parsed, flushedAt.UTC(),
			); err != nil {
				return fmt.Errorf("line insert: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
