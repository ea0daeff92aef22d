package logsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/tinytelemetry/sift/internal/model"
)

const (
	// DefaultFilePollInterval backs up fsnotify on filesystems that miss events.
	DefaultFilePollInterval = 500 * time.Millisecond

	// DefaultFileBuffer is the default channel buffer size for file lines.
	DefaultFileBuffer = 4096

	fileReadChunk = 32 * 1024
)

// FileConfig holds tunable parameters for the file source.
type FileConfig struct {
	Name         string
	MaxLineSize  int
	BufferSize   int
	PollInterval time.Duration
	// FromStart reads existing content instead of seeking to the end.
	FromStart bool
}

// FileSource tails a file, or the newest file matching a glob pattern.
// It follows rotation by rename and by truncation.
type FileSource struct {
	pattern     string
	name        string
	maxLineSize int
	poll        time.Duration
	fromStart   bool
	ch          chan model.IngestEnvelope
	cancel      context.CancelFunc
	done        chan struct{}

	mu       sync.Mutex
	err      error
	started  bool
	stopOnce sync.Once
}

// trackedFile is the currently tailed file and its partial trailing line.
type trackedFile struct {
	path    string
	file    *os.File
	info    os.FileInfo
	offset  int64
	pending []byte
	// discarding is set while skipping the rest of an oversized line.
	discarding bool
}

// NewFileSource creates a file source for a path or doublestar pattern.
func NewFileSource(pattern string, conf ...FileConfig) *FileSource {
	var c FileConfig
	if len(conf) > 0 {
		c = conf[0]
	}
	if c.MaxLineSize <= 0 {
		c.MaxLineSize = DefaultStdinMaxLineSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultFileBuffer
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultFilePollInterval
	}
	return &FileSource{
		pattern:     pattern,
		name:        envelopeName(c.Name, "file"),
		maxLineSize: c.MaxLineSize,
		poll:        c.PollInterval,
		fromStart:   c.FromStart,
		ch:          make(chan model.IngestEnvelope, c.BufferSize),
		cancel:      func() {},
		done:        make(chan struct{}),
	}
}

// Start opens the file and begins tailing. A pattern with no match fails.
func (s *FileSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("logsource: file source already started")
	}

	path, err := s.resolve()
	if err != nil {
		return err
	}
	tf, err := openTracked(path, !s.fromStart)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		tf.file.Close()
		return fmt.Errorf("logsource: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Printf("logsource: cannot watch %s, falling back to polling: %v", filepath.Dir(path), err)
	}

	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	go s.tail(ctx, watcher, tf)
	return nil
}

// resolve expands the pattern and picks the most recently modified match.
func (s *FileSource) resolve() (string, error) {
	if !hasGlobMeta(s.pattern) {
		abs, err := filepath.Abs(s.pattern)
		if err != nil {
			return "", fmt.Errorf("logsource: resolve %s: %w", s.pattern, err)
		}
		return abs, nil
	}
	matches, err := doublestar.FilepathGlob(s.pattern, doublestar.WithFilesOnly())
	if err != nil {
		return "", fmt.Errorf("logsource: expand %s: %w", s.pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("logsource: no file matches %s", s.pattern)
	}
	type candidate struct {
		path string
		mod  time.Time
	}
	cands := make([]candidate, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		cands = append(cands, candidate{path: m, mod: info.ModTime()})
	}
	if len(cands) == 0 {
		return "", fmt.Errorf("logsource: no readable file matches %s", s.pattern)
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].mod.Equal(cands[j].mod) {
			return cands[i].path > cands[j].path
		}
		return cands[i].mod.After(cands[j].mod)
	})
	return filepath.Abs(cands[0].path)
}

func hasGlobMeta(p string) bool {
	for _, c := range p {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

func openTracked(path string, seekEnd bool) (*trackedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("logsource: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("logsource: stat %s: %w", path, err)
	}
	var offset int64
	if seekEnd {
		if offset, err = f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, fmt.Errorf("logsource: seek %s: %w", path, err)
		}
	}
	return &trackedFile{path: path, file: f, info: info, offset: offset}, nil
}

func (s *FileSource) tail(ctx context.Context, watcher *fsnotify.Watcher, tf *trackedFile) {
	defer close(s.done)
	defer close(s.ch)
	defer watcher.Close()
	defer func() { tf.file.Close() }()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	step := func() bool {
		next, err := s.sync(ctx, tf)
		if err != nil {
			if ctx.Err() == nil {
				s.setErr(err)
			}
			return false
		}
		tf = next
		return true
	}

	if s.fromStart && !step() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != tf.path && !hasGlobMeta(s.pattern) {
				continue
			}
			if !step() {
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("logsource: watcher error on %s: %v", tf.path, err)
		case <-ticker.C:
			if !step() {
				return
			}
		}
	}
}

// sync handles rotation and truncation, then emits every complete line
// appended since the last read. It returns the file now being tailed.
func (s *FileSource) sync(ctx context.Context, tf *trackedFile) (*trackedFile, error) {
	path := tf.path
	if hasGlobMeta(s.pattern) {
		if newest, err := s.resolve(); err == nil {
			path = newest
		}
	}

	st, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Removed or mid-rotation. Drain what the open handle still holds.
		return tf, s.readAvailable(ctx, tf)
	case err != nil:
		return tf, fmt.Errorf("stat %s: %w", path, err)
	}

	if path != tf.path || !os.SameFile(st, tf.info) {
		if err := s.readAvailable(ctx, tf); err != nil {
			return tf, err
		}
		next, err := openTracked(path, false)
		if err != nil {
			return tf, err
		}
		log.Printf("logsource: %s rotated, reopening from start", path)
		tf.file.Close()
		tf = next
	} else if st.Size() < tf.offset {
		log.Printf("logsource: %s truncated, reading from start", path)
		if _, err := tf.file.Seek(0, io.SeekStart); err != nil {
			return tf, fmt.Errorf("seek %s: %w", path, err)
		}
		tf.offset = 0
		tf.pending = tf.pending[:0]
		tf.discarding = false
		tf.info = st
	}
	return tf, s.readAvailable(ctx, tf)
}

func (s *FileSource) readAvailable(ctx context.Context, tf *trackedFile) error {
	buf := make([]byte, fileReadChunk)
	for {
		n, err := tf.file.Read(buf)
		if n > 0 {
			tf.offset += int64(n)
			tf.pending = append(tf.pending, buf[:n]...)
			if err := s.emitComplete(ctx, tf); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", tf.path, err)
		}
	}
}

func (s *FileSource) emitComplete(ctx context.Context, tf *trackedFile) error {
	for {
		idx := bytes.IndexByte(tf.pending, '\n')
		if idx < 0 {
			if len(tf.pending) > s.maxLineSize {
				if !tf.discarding {
					log.Printf("logsource: dropped line in %s exceeding max size (%d bytes)", tf.path, s.maxLineSize)
				}
				tf.discarding = true
				tf.pending = tf.pending[:0]
			}
			return nil
		}
		if tf.discarding {
			tf.discarding = false
			tf.pending = tf.pending[idx+1:]
			continue
		}
		line := string(bytes.TrimRight(tf.pending[:idx], "\r"))
		tf.pending = tf.pending[idx+1:]
		if line == "" {
			continue
		}
		if len(line) > s.maxLineSize {
			log.Printf("logsource: dropped line in %s exceeding max size (%d bytes)", tf.path, s.maxLineSize)
			continue
		}
		select {
		case s.ch <- model.IngestEnvelope{Source: s.name, Line: line}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *FileSource) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Stop ends tailing and waits for the line channel to close.
func (s *FileSource) Stop() {
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

func (s *FileSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *FileSource) Lines() <-chan model.IngestEnvelope { return s.ch }
func (s *FileSource) Name() string                       { return s.name }
func (s *FileSource) Peers() int                         { return 0 }
