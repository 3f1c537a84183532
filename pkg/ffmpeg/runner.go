package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Process represents a running ffmpeg process.
type Process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	stderr bytes.Buffer
}

// Wait blocks until the process completes and returns any error.
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// Kill sends SIGKILL to the process.
func (p *Process) Kill() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Stderr returns the captured stderr output (available after Wait).
func (p *Process) Stderr() string {
	return p.stderr.String()
}

// Start starts an ffmpeg process. When progress is non-nil the command must
// include "-progress pipe:1"; parsed updates are sent on the channel and the
// channel is closed when the process exits, or immediately if startup fails.
// The caller must Wait() or Kill().
func Start(ctx context.Context, args []string, progress chan<- Progress) (*Process, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	p := &Process{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	cmd.Stderr = &p.stderr

	if progress != nil {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			close(progress)
			return nil, fmt.Errorf("ffmpeg: failed to create stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			close(progress)
			return nil, fmt.Errorf("ffmpeg: failed to start: %w", err)
		}

		go func() {
			defer close(p.done)
			scanner := bufio.NewScanner(stdout)
			ParseProgressOutput(scanner, progress)
			p.err = wait(cmd, args, &p.stderr)
			close(progress)
		}()
	} else {
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("ffmpeg: failed to start: %w", err)
		}

		go func() {
			defer close(p.done)
			p.err = wait(cmd, args, &p.stderr)
		}()
	}

	return p, nil
}

func wait(cmd *exec.Cmd, args []string, stderr *bytes.Buffer) error {
	if err := cmd.Wait(); err != nil {
		return &Error{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return nil
}

// run executes ffmpeg and waits for completion.
func run(ctx context.Context, args []string, progress chan<- Progress) error {
	proc, err := Start(ctx, args, progress)
	if err != nil {
		return err
	}
	return proc.Wait()
}

// Error represents an ffmpeg execution error with context.
type Error struct {
	Args   []string
	Stderr string
	Err    error
}

// Error implements error. Only the last few stderr lines are included in the
// message; FullStderr has the rest.
func (e *Error) Error() string {
	lines := strings.Split(strings.TrimSpace(e.Stderr), "\n")
	var lastLines string
	if len(lines) > 3 {
		lastLines = strings.Join(lines[len(lines)-3:], "\n")
	} else {
		lastLines = strings.Join(lines, "\n")
	}

	if lastLines != "" {
		return fmt.Sprintf("ffmpeg: %v: %s", e.Err, lastLines)
	}
	return fmt.Sprintf("ffmpeg: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// FullStderr returns the complete stderr output.
func (e *Error) FullStderr() string {
	return e.Stderr
}
