// Package execx runs external tools (yt-dlp, ffmpeg) with bounded output
// capture and structured error reporting.
package execx

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// MaxCaptureBytes is how much of each output stream is retained for
// diagnostics. Older output is discarded once the limit is exceeded.
const MaxCaptureBytes = 64 * 1024

// ExecError is returned when a tool exits non-zero or fails to start.
// Stdout and Stderr hold the tail of the captured output.
type ExecError struct {
	Cmd      string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Cause    error
}

func (e *ExecError) Error() string {
	cmdline := strings.TrimSpace(e.Cmd + " " + strings.Join(e.Args, " "))
	if e.ExitCode != 0 {
		return fmt.Sprintf("execx: command failed (exit %d): %s", e.ExitCode, cmdline)
	}
	return fmt.Sprintf("execx: command failed: %s", cmdline)
}

func (e *ExecError) Unwrap() error { return e.Cause }

// tailBuffer keeps the last MaxCaptureBytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - MaxCaptureBytes; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// Runner executes commands. The zero value is ready to use; RunFn can be
// swapped in tests to avoid spawning processes.
type Runner struct {
	// RunFn overrides process execution when set.
	RunFn func(ctx context.Context, name string, args []string, dir string) (stdout, stderr string, err error)
}

// Run executes name with args, waits for it to exit, and returns the captured
// stdout/stderr tails. A non-zero exit is reported as an *ExecError that also
// carries the captured output. Arguments are passed as an argv vector; nothing
// is shell-interpreted. Cancellation and timeouts belong to the caller's ctx.
func (r *Runner) Run(ctx context.Context, name string, args []string, dir string) (string, string, error) {
	if r.RunFn != nil {
		return r.RunFn(ctx, name, args, dir)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var outBuf, errBuf tailBuffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	stdout := outBuf.String()
	stderr := errBuf.String()
	if err != nil {
		return stdout, stderr, wrapError(name, args, stdout, stderr, err)
	}
	return stdout, stderr, nil
}

func wrapError(name string, args []string, stdout, stderr string, cause error) error {
	exitCode := 0
	var ee *exec.ExitError
	if errors.As(cause, &ee) {
		exitCode = ee.ExitCode()
	}

	return &ExecError{
		Cmd:      name,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   strings.TrimSpace(stdout),
		Stderr:   strings.TrimSpace(stderr),
		Cause:    cause,
	}
}
