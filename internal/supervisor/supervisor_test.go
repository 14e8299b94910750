package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	requireShell(t)
	r := NewProcessRunner(5*time.Second, map[string]string{"GREETING": "hi"}, testLogger())

	res, err := r.Run(context.Background(), t.TempDir(), []string{"sh", "-c", "echo $GREETING; echo oops >&2; exit 3"})
	require.NoError(t, err)

	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Succeeded())
	assert.Equal(t, "hi\noops\n", res.Combined())
}

func TestRunUsesDirectory(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("here"), 0o644))

	res, err := NewProcessRunner(0, nil, testLogger()).Run(context.Background(), dir, []string{"cat", "marker.txt"})
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "here", res.Stdout)
}

func TestRunTimeout(t *testing.T) {
	requireShell(t)
	r := NewProcessRunner(100*time.Millisecond, nil, testLogger())

	start := time.Now()
	_, err := r.Run(context.Background(), t.TempDir(), []string{"sleep", "5"})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestRunCallerCancellation(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewProcessRunner(0, nil, testLogger()).Run(ctx, t.TempDir(), []string{"sleep", "5"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestRunStartFailure(t *testing.T) {
	r := NewProcessRunner(time.Second, nil, testLogger())

	_, err := r.Run(context.Background(), t.TempDir(), []string{"definitely-not-a-real-binary-xyz"})
	assert.ErrorContains(t, err, "failed to start process")

	_, err = r.Run(context.Background(), t.TempDir(), nil)
	assert.Error(t, err)
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = b.Write([]byte("gh"))
	assert.True(t, strings.HasPrefix(b.String(), "abcd\n[output truncated]"))
}

func TestCombined(t *testing.T) {
	assert.Equal(t, "err", Result{Stderr: "err"}.Combined())
	assert.Equal(t, "out", Result{Stdout: "out"}.Combined())
	assert.Equal(t, "out\nerr", Result{Stdout: "out\n", Stderr: "err"}.Combined())
}
