package logsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinytelemetry/sift/internal/model"
)

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := fmt.Fprintln(f, l)
		require.NoError(t, err)
	}
}

func collect(t *testing.T, ch <-chan model.IngestEnvelope, n int) []string {
	t.Helper()
	var out []string
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case env, ok := <-ch:
			if !ok {
				t.Fatalf("lines closed after %d of %d lines", len(out), n)
			}
			out = append(out, env.Line)
		case <-deadline:
			t.Fatalf("timed out after %d of %d lines", len(out), n)
		}
	}
	return out
}

func TestFileSource_TailsAppendedLinesOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	appendLines(t, path, "already here")

	src := NewFileSource(path, FileConfig{Name: "app", PollInterval: 20 * time.Millisecond})
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	appendLines(t, path, "one", "two", "three")
	got := collect(t, src.Lines(), 3)
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestFileSource_SkipsWholeOversizedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	appendLines(t, path)

	src := NewFileSource(path, FileConfig{MaxLineSize: 64, PollInterval: 20 * time.Millisecond})
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	// Longer than one read chunk, so the overflow is seen before its newline.
	appendLines(t, path, "before", strings.Repeat("x", 3*fileReadChunk)+"tail", "after")
	assert.Equal(t, []string{"before", "after"}, collect(t, src.Lines(), 2))
}

func TestFileSource_FollowsTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	appendLines(t, path, "old-1", "old-2", "old-3")

	src := NewFileSource(path, FileConfig{PollInterval: 20 * time.Millisecond})
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	require.NoError(t, os.Truncate(path, 0))
	time.Sleep(100 * time.Millisecond)
	appendLines(t, path, "fresh")

	assert.Equal(t, []string{"fresh"}, collect(t, src.Lines(), 1))
}

func TestFileSource_FollowsRenameRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	appendLines(t, path, "before")

	src := NewFileSource(path, FileConfig{PollInterval: 20 * time.Millisecond})
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	appendLines(t, path, "tail of old file")
	assert.Equal(t, []string{"tail of old file"}, collect(t, src.Lines(), 1))

	require.NoError(t, os.Rename(path, path+".1"))
	appendLines(t, path, "first in new file")
	assert.Equal(t, []string{"first in new file"}, collect(t, src.Lines(), 1))
}

func TestFileSource_GlobPicksNewestMatch(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "svc", "a.log")
	newer := filepath.Join(dir, "svc", "b.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(older), 0o755))
	appendLines(t, older, "x")
	appendLines(t, newer, "y")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	src := NewFileSource(filepath.Join(dir, "**", "*.log"), FileConfig{PollInterval: 20 * time.Millisecond})
	path, err := src.resolve()
	require.NoError(t, err)
	assert.Equal(t, "b.log", filepath.Base(path))
}

func TestFileSource_StartFailsWithoutMatch(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "*.log"))
	assert.Error(t, src.Start(context.Background()))
	src.Stop()
	_, ok := <-src.Lines()
	assert.False(t, ok)
}

func TestFileSource_StopIsIdempotentAndClosesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendLines(t, path, "x")

	src := NewFileSource(path)
	require.NoError(t, src.Start(context.Background()))
	src.Stop()
	src.Stop()

	_, ok := <-src.Lines()
	assert.False(t, ok)
	assert.NoError(t, src.Err())
}
