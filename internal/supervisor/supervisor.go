package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// MaxOutput caps how much of each stream is kept per run
const MaxOutput = 1 << 20

// ErrTimeout is returned when a process outlives its time limit
var ErrTimeout = errors.New("process timed out")

// Result is the outcome of a finished process. A non-zero ExitCode is a
// normal result, not an error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Combined returns stdout followed by stderr
func (r Result) Combined() string {
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	}
	return strings.TrimRight(r.Stdout, "\n") + "\n" + r.Stderr
}

// Succeeded reports whether the process exited zero
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Runner executes a command in a directory
type Runner interface {
	Run(ctx context.Context, dir string, argv []string) (Result, error)
}

// ProcessRunner runs real subprocesses with a per-run time limit
type ProcessRunner struct {
	timeout time.Duration
	env     map[string]string
	logger  *slog.Logger
}

// NewProcessRunner creates a runner. A zero timeout means no limit
// beyond the caller's context.
func NewProcessRunner(timeout time.Duration, env map[string]string, logger *slog.Logger) *ProcessRunner {
	return &ProcessRunner{timeout: timeout, env: env, logger: logger}
}

// Run starts argv in dir and waits for it to exit
func (p *ProcessRunner) Run(ctx context.Context, dir string, argv []string) (Result, error) {
	if len(argv) == 0 || argv[0] == "" {
		return Result{}, fmt.Errorf("empty command")
	}

	runCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	proc := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	proc.Dir = dir
	proc.WaitDelay = 2 * time.Second

	// Inherit the parent environment, then add custom vars
	proc.Env = os.Environ()
	for k, v := range p.env {
		proc.Env = append(proc.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdout := &cappedBuffer{limit: MaxOutput}
	stderr := &cappedBuffer{limit: MaxOutput}
	proc.Stdout = stdout
	proc.Stderr = stderr

	p.logger.Info("starting process", "cmd", argv, "dir", dir)
	start := time.Now()

	if err := proc.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start process %s: %w", argv[0], err)
	}
	waitErr := proc.Wait()

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: proc.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return result, fmt.Errorf("%w after %s: %s", ErrTimeout, p.timeout, strings.Join(argv, " "))
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return result, fmt.Errorf("failed to wait for process: %w", waitErr)
	}

	p.logger.Info("process exited",
		"cmd", argv[0],
		"exit_code", result.ExitCode,
		"duration", result.Duration)
	return result, nil
}

// cappedBuffer keeps the first limit bytes written and discards the rest
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
