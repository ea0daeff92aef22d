package logsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/tinytelemetry/sift/internal/model"
)

// DefaultCommandWaitDelay bounds how long Stop waits for pipes held open by
// grandchildren after the process is killed.
const DefaultCommandWaitDelay = 2 * time.Second

// ErrProcessExited is reported when a long-running command exits on its own.
var ErrProcessExited = errors.New("process exited")

// CommandConfig holds tunable parameters for the command source.
type CommandConfig struct {
	Name        string
	MaxLineSize int
	BufferSize  int
	// RunToCompletion treats a zero exit status as a clean end of input.
	RunToCompletion bool
}

// CommandSource runs a process and emits each stdout line.
type CommandSource struct {
	command         string
	args            []string
	name            string
	maxLineSize     int
	runToCompletion bool
	ch              chan model.IngestEnvelope
	cancel          context.CancelFunc
	done            chan struct{}
	stderr          *tailBuffer

	mu       sync.Mutex
	err      error
	started  bool
	stopOnce sync.Once
}

// NewCommandSource creates a command source. The process starts on Start.
func NewCommandSource(command string, args []string, conf ...CommandConfig) *CommandSource {
	var c CommandConfig
	if len(conf) > 0 {
		c = conf[0]
	}
	if c.MaxLineSize <= 0 {
		c.MaxLineSize = DefaultStdinMaxLineSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultFileBuffer
	}
	return &CommandSource{
		command:         command,
		args:            append([]string(nil), args...),
		name:            envelopeName(c.Name, "command"),
		maxLineSize:     c.MaxLineSize,
		runToCompletion: c.RunToCompletion,
		ch:              make(chan model.IngestEnvelope, c.BufferSize),
		cancel:          func() {},
		done:            make(chan struct{}),
		stderr:          &tailBuffer{limit: 4096},
	}
}

// Start launches the process. A missing executable fails here.
func (s *CommandSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("logsource: command source already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.WaitDelay = DefaultCommandWaitDelay
	cmd.Stderr = s.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("logsource: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("logsource: start %s: %w", s.command, err)
	}

	s.started = true
	s.cancel = cancel
	go s.run(ctx, cmd, stdout)
	return nil
}

func (s *CommandSource) run(ctx context.Context, cmd *exec.Cmd, stdout io.Reader) {
	defer close(s.done)
	defer close(s.ch)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, min(64*1024, s.maxLineSize)), s.maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		select {
		case s.ch <- model.IngestEnvelope{Source: s.name, Line: line}:
		case <-ctx.Done():
			_ = cmd.Wait()
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		// Nobody reads stdout any more, so the process would block on a
		// full pipe. Kill it before waiting.
		s.setErr(fmt.Errorf("read stdout of %s: %w", s.command, err))
		s.cancel()
		_ = cmd.Wait()
		return
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		// Stopped by the owner; not a failure of the source.
		return
	}
	switch {
	case waitErr != nil:
		s.setErr(fmt.Errorf("%s: %w%s", s.command, waitErr, s.stderr.suffix()))
	case !s.runToCompletion:
		s.setErr(fmt.Errorf("%s: %w with status 0", s.command, ErrProcessExited))
	}
}

func (s *CommandSource) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Stop kills the process and waits for the line channel to close.
func (s *CommandSource) Stop() {
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

func (s *CommandSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *CommandSource) Lines() <-chan model.IngestEnvelope { return s.ch }
func (s *CommandSource) Name() string                       { return s.name }
func (s *CommandSource) Peers() int                         { return 0 }

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

// suffix formats the captured stderr for an error message.
func (b *tailBuffer) suffix() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimSpace(string(b.buf))
	if s == "" {
		return ""
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return ": " + s
}
