package logsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/tinytelemetry/sift/internal/model"
)

const (
	// DefaultStdinBuffer is the default channel buffer size for stdin lines.
	DefaultStdinBuffer = 50_000

	// DefaultStdinMaxLineSize is the default maximum size (in bytes) of a single stdin line.
	DefaultStdinMaxLineSize = 1024 * 1024 // 1MB
)

// StdinConfig holds tunable parameters for the stdin source.
type StdinConfig struct {
	Name        string
	BufferSize  int
	MaxLineSize int
}

// StdinSource reads log lines from stdin. EOF ends the source cleanly.
type StdinSource struct {
	name        string
	reader      io.Reader
	maxLineSize int
	ch          chan model.IngestEnvelope
	cancel      context.CancelFunc
	done        chan struct{}

	mu       sync.Mutex
	err      error
	started  bool
	stopOnce sync.Once
}

// NewStdinSource creates a StdinSource over os.Stdin.
func NewStdinSource(conf ...StdinConfig) *StdinSource {
	return newStdinSource(os.Stdin, conf...)
}

func newStdinSource(r io.Reader, conf ...StdinConfig) *StdinSource {
	bufferSize := DefaultStdinBuffer
	maxLineSize := DefaultStdinMaxLineSize
	name := ""
	if len(conf) > 0 {
		if conf[0].BufferSize > 0 {
			bufferSize = conf[0].BufferSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
		name = conf[0].Name
	}
	return &StdinSource{
		name:        envelopeName(name, "stdin"),
		reader:      r,
		maxLineSize: maxLineSize,
		ch:          make(chan model.IngestEnvelope, bufferSize),
		cancel:      func() {},
		done:        make(chan struct{}),
	}
}

// newStdinSourceWithReader builds and starts a source over r.
func newStdinSourceWithReader(ctx context.Context, r io.Reader) *StdinSource {
	s := newStdinSource(r)
	_ = s.Start(ctx)
	return s
}

// Start launches the background reader.
func (s *StdinSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("logsource: stdin source already started")
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	go s.read(ctx)
	return nil
}

func (s *StdinSource) read(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)

	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, min(64*1024, s.maxLineSize)), s.maxLineSize)

	// A single scanning goroutine lets the forwarder observe cancellation
	// while a read is blocked. The scanner goroutine may outlive the source
	// until the reader returns.
	type scanResult struct {
		line string
		err  error
	}
	results := make(chan scanResult)
	go func() {
		defer close(results)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			select {
			case results <- scanResult{line: line}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				log.Printf("logsource: stdin line exceeded max size (%d bytes), stopping stdin source", s.maxLineSize)
				err = fmt.Errorf("stdin line exceeded %d bytes: %w", s.maxLineSize, err)
			}
			select {
			case results <- scanResult{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-results:
			if !ok {
				return
			}
			if r.err != nil {
				s.setErr(r.err)
				return
			}
			select {
			case s.ch <- model.IngestEnvelope{Source: s.name, Line: r.line}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *StdinSource) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Stop cancels the reader and waits for the line channel to close.
func (s *StdinSource) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.started = true
		s.cancel()
		s.mu.Unlock()
		if !started {
			close(s.ch)
			close(s.done)
			return
		}
		<-s.done
	})
}

func (s *StdinSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *StdinSource) Lines() <-chan model.IngestEnvelope { return s.ch }
func (s *StdinSource) Name() string                       { return s.name }
func (s *StdinSource) Peers() int                         { return 0 }
