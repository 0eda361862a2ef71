// Package supervisor runs the simulation engine as a child process and
// classifies how it ended.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/simforge/internal/model"
)

var (
	ErrLaunchFailure = errors.New("engine could not be launched")
	ErrTimeout       = errors.New("engine exceeded its time budget")
	ErrNonZeroExit   = errors.New("engine exited with a failure status")
)

const (
	// DefaultMaxStderrBytes caps the stderr kept per run.
	DefaultMaxStderrBytes = 64 << 10

	// waitDelay bounds how long Wait keeps draining output pipes after the
	// process is gone or killed.
	waitDelay = 5 * time.Second
)

// Command describes one engine invocation.
type Command struct {
	Executable string
	Args       []string
	Dir        string

	// Env is appended to the parent environment.
	Env []string

	// Timeout is the wall-clock budget. Zero means no limit.
	Timeout time.Duration

	Stdin io.Reader

	// LineWriter receives stdout one line at a time, without the newline.
	// It is called from a single goroutine.
	LineWriter func(line string)
}

// Supervisor launches engine processes. The zero value is usable.
type Supervisor struct {
	MaxStderrBytes int
	Logger         *slog.Logger
}

// New creates a Supervisor with default limits.
func New(logger *slog.Logger) *Supervisor {
	return &Supervisor{MaxStderrBytes: DefaultMaxStderrBytes, Logger: logger}
}

// Resolve returns the absolute path of executable, searching PATH when it
// contains no separator.
func Resolve(executable string) (string, error) {
	if executable == "" {
		return "", errors.Wrap(ErrLaunchFailure, "no engine executable configured")
	}
	p, err := exec.LookPath(executable)
	if err != nil {
		return "", errors.Wrapf(ErrLaunchFailure, "resolve %s: %v", executable, err)
	}
	return p, nil
}

// Run starts the command and waits for it. It never returns an error: every
// way a run can end is described by the outcome. The child and anything it
// spawned are killed when the timeout expires or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, c Command) model.ExecutionOutcome {
	start := time.Now()
	logger := s.logger()

	if ctx.Err() != nil {
		return s.record(model.ExecutionOutcome{Exit: model.ExitCancelled, Error: "cancelled before launch"}, start)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeoutCause(ctx, c.Timeout, ErrTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Executable, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	stderr := &cappedBuffer{max: s.maxStderr()}
	cmd.Stderr = stderr
	var lines *lineSplitter
	if c.LineWriter != nil {
		lines = &lineSplitter{emit: c.LineWriter}
		cmd.Stdout = lines
	}

	if err := cmd.Start(); err != nil {
		logger.Warn("engine launch failed", "executable", c.Executable, "error", err)
		return s.record(model.ExecutionOutcome{
			Exit:  model.ExitLaunchFailed,
			Error: fmt.Sprintf("start %s: %v", c.Executable, err),
		}, start)
	}
	logger.Debug("engine started", "executable", c.Executable, "pid", cmd.Process.Pid, "dir", c.Dir)

	err := cmd.Wait()
	if lines != nil {
		lines.Flush()
	}

	out := model.ExecutionOutcome{Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil || errors.Is(err, exec.ErrWaitDelay):
		code := 0
		out.Success = true
		out.Exit = model.ExitNormal
		out.ExitCode = &code
		if err != nil {
			logger.Warn("engine left output pipes open", "executable", c.Executable)
		}
	case runCtx.Err() != nil && errors.Is(context.Cause(runCtx), ErrTimeout):
		out.Exit = model.ExitTimedOut
		out.Error = fmt.Sprintf("timed out after %s", c.Timeout)
	case ctx.Err() != nil:
		out.Exit = model.ExitCancelled
		out.Error = "cancelled"
	case errors.As(err, &exitErr):
		out.Exit = model.ExitNormal
		if code := exitErr.ExitCode(); code >= 0 {
			out.ExitCode = &code
			out.Error = fmt.Sprintf("exit status %d", code)
		} else {
			out.Error = exitErr.String()
		}
	default:
		out.Exit = model.ExitNormal
		out.Error = err.Error()
	}

	return s.record(out, start)
}

func (s *Supervisor) record(out model.ExecutionOutcome, start time.Time) model.ExecutionOutcome {
	out.Duration = time.Since(start)
	runsTotal.WithLabelValues(string(out.Exit)).Inc()
	runDuration.Observe(out.Duration.Seconds())
	return out
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Supervisor) maxStderr() int {
	if s.MaxStderrBytes <= 0 {
		return DefaultMaxStderrBytes
	}
	return s.MaxStderrBytes
}

// Classify returns the sentinel error matching a failed outcome, or nil when
// the outcome succeeded.
func Classify(out model.ExecutionOutcome) error {
	if out.Success {
		return nil
	}
	switch out.Exit {
	case model.ExitTimedOut:
		return ErrTimeout
	case model.ExitLaunchFailed:
		return ErrLaunchFailure
	case model.ExitCancelled:
		return context.Canceled
	default:
		return ErrNonZeroExit
	}
}

// cappedBuffer keeps the first max bytes written to it and counts the rest.
type cappedBuffer struct {
	buf     bytes.Buffer
	max     int
	dropped int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	n := min(max(room, 0), len(p))
	b.buf.Write(p[:n])
	b.dropped += len(p) - n
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.dropped == 0 {
		return b.buf.String()
	}
	return fmt.Sprintf("%s\n[stderr truncated: %d bytes dropped]", b.buf.String(), b.dropped)
}

// lineSplitter forwards complete lines to emit. Flush emits a trailing line
// that had no newline.
type lineSplitter struct {
	emit    func(string)
	partial []byte
}

func (l *lineSplitter) Write(p []byte) (int, error) {
	l.partial = append(l.partial, p...)
	consumed := 0
	for {
		i := bytes.IndexByte(l.partial[consumed:], '\n')
		if i < 0 {
			break
		}
		l.emit(strings.TrimSuffix(string(l.partial[consumed:consumed+i]), "\r"))
		consumed += i + 1
	}
	if consumed > 0 {
		l.partial = append(l.partial[:0], l.partial[consumed:]...)
	}
	return len(p), nil
}

func (l *lineSplitter) Flush() {
	if len(l.partial) > 0 {
		l.emit(strings.TrimSuffix(string(l.partial), "\r"))
		l.partial = l.partial[:0]
	}
}
