package logsource

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func drain(src Connector) []string {
	var out []string
	for env := range src.Lines() {
		out = append(out, env.Line)
	}
	return out
}

func TestCommandSource_RunToCompletionEndsCleanly(t *testing.T) {
	requireShell(t)
	src := NewCommandSource("sh", []string{"-c", "printf 'a\\nb\\n\\nc\\n'"}, CommandConfig{RunToCompletion: true})
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	assert.Equal(t, []string{"a", "b", "c"}, drain(src))
	assert.NoError(t, src.Err())
}

func TestCommandSource_ExitIsFailureForLongRunningSource(t *testing.T) {
	requireShell(t)
	src := NewCommandSource("sh", []string{"-c", "echo only"})
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	assert.Equal(t, []string{"only"}, drain(src))
	assert.True(t, errors.Is(src.Err(), ErrProcessExited))
}

func TestCommandSource_NonZeroExitCarriesStderr(t *testing.T) {
	requireShell(t)
	src := NewCommandSource("sh", []string{"-c", "echo boom >&2; exit 3"}, CommandConfig{RunToCompletion: true})
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	drain(src)
	require.Error(t, src.Err())
	assert.Contains(t, src.Err().Error(), "boom")
}

func TestCommandSource_MissingExecutableFailsStart(t *testing.T) {
	src := NewCommandSource("definitely-not-a-real-binary-sift", nil)
	assert.Error(t, src.Start(context.Background()))
	src.Stop()
}

func TestCommandSource_StopKillsProcess(t *testing.T) {
	requireShell(t)
	src := NewCommandSource("sh", []string{"-c", "while true; do echo tick; sleep 0.05; done"})
	require.NoError(t, src.Start(context.Background()))

	collect(t, src.Lines(), 2)

	stopped := make(chan struct{})
	go func() {
		src.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.NoError(t, src.Err())
	src.Stop()
}

func TestCommandSource_OverlongLineKillsProcess(t *testing.T) {
	requireShell(t)
	script := `head -c 300000 /dev/zero | tr '\0' a; echo; sleep 30`
	src := NewCommandSource("sh", []string{"-c", script}, CommandConfig{MaxLineSize: 1024})
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	done := make(chan []string, 1)
	go func() { done <- drain(src) }()
	select {
	case lines := <-done:
		assert.Empty(t, lines)
	case <-time.After(10 * time.Second):
		t.Fatal("connector did not end after an overlong line")
	}
	require.Error(t, src.Err())
	assert.ErrorIs(t, src.Err(), bufio.ErrTooLong)
}
