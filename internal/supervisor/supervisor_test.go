//go:build unix

package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/simforge/internal/model"
)

func newTestSupervisor() *Supervisor {
	return New(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

// writeScript writes an executable shell script and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return p
}

func TestRunSuccessStreamsStdout(t *testing.T) {
	script := writeScript(t, `echo "Warming up"; printf 'Starting Simulation at 01/01\r\n'; printf 'tail'`)

	var mu sync.Mutex
	var lines []string
	out := newTestSupervisor().Run(context.Background(), Command{
		Executable: script,
		LineWriter: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
	})

	if !out.Success || out.Exit != model.ExitNormal {
		t.Fatalf("outcome = %+v, want success", out)
	}
	if out.ExitCode == nil || *out.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", out.ExitCode)
	}
	want := []string{"Warming up", "Starting Simulation at 01/01", "tail"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %q, want %q", lines, want)
	}
	if out.Duration <= 0 {
		t.Error("Duration not recorded")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	script := writeScript(t, `echo "** Severe  ** missing zone" >&2; exit 3`)

	out := newTestSupervisor().Run(context.Background(), Command{Executable: script})

	if out.Success {
		t.Fatal("expected failure")
	}
	if out.Exit != model.ExitNormal {
		t.Errorf("Exit = %q, want %q", out.Exit, model.ExitNormal)
	}
	if out.ExitCode == nil || *out.ExitCode != 3 {
		t.Errorf("ExitCode = %v, want 3", out.ExitCode)
	}
	if !strings.Contains(out.Stderr, "missing zone") {
		t.Errorf("Stderr = %q", out.Stderr)
	}
	if !errors.Is(Classify(out), ErrNonZeroExit) {
		t.Errorf("Classify = %v, want ErrNonZeroExit", Classify(out))
	}
}

func TestRunTimeout(t *testing.T) {
	script := writeScript(t, `sleep 30`)

	start := time.Now()
	out := newTestSupervisor().Run(context.Background(), Command{
		Executable: script,
		Timeout:    100 * time.Millisecond,
	})

	if out.Success {
		t.Fatal("expected failure")
	}
	if out.Exit != model.ExitTimedOut {
		t.Errorf("Exit = %q, want %q", out.Exit, model.ExitTimedOut)
	}
	if out.ExitCode != nil {
		t.Errorf("ExitCode = %d, want nil", *out.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("run took %s after timeout", elapsed)
	}
	if !errors.Is(Classify(out), ErrTimeout) {
		t.Errorf("Classify = %v, want ErrTimeout", Classify(out))
	}
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	// The grandchild inherits stdout; without a group kill Wait would block
	// until waitDelay.
	script := writeScript(t, `sleep 30 & wait`)

	start := time.Now()
	out := newTestSupervisor().Run(context.Background(), Command{
		Executable: script,
		Timeout:    100 * time.Millisecond,
		LineWriter: func(string) {},
	})

	if out.Exit != model.ExitTimedOut {
		t.Errorf("Exit = %q, want %q", out.Exit, model.ExitTimedOut)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("run took %s; grandchild was not killed", elapsed)
	}
}

func TestRunCancelled(t *testing.T) {
	script := writeScript(t, `sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	out := newTestSupervisor().Run(ctx, Command{Executable: script})

	if out.Exit != model.ExitCancelled {
		t.Errorf("Exit = %q, want %q", out.Exit, model.ExitCancelled)
	}
	if out.ExitCode != nil {
		t.Errorf("ExitCode = %d, want nil", *out.ExitCode)
	}
	if !errors.Is(Classify(out), context.Canceled) {
		t.Errorf("Classify = %v, want context.Canceled", Classify(out))
	}
}

func TestRunAlreadyCancelledDoesNotLaunch(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	script := writeScript(t, `touch `+marker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := newTestSupervisor().Run(ctx, Command{Executable: script})

	if out.Exit != model.ExitCancelled {
		t.Errorf("Exit = %q, want %q", out.Exit, model.ExitCancelled)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("engine was launched despite cancelled context")
	}
}

func TestRunLaunchFailure(t *testing.T) {
	notExec := filepath.Join(t.TempDir(), "engine")
	if err := os.WriteFile(notExec, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		executable string
	}{
		{"missing", filepath.Join(t.TempDir(), "nope")},
		{"not executable", notExec},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := newTestSupervisor().Run(context.Background(), Command{Executable: tt.executable})
			if out.Exit != model.ExitLaunchFailed {
				t.Errorf("Exit = %q, want %q", out.Exit, model.ExitLaunchFailed)
			}
			if out.ExitCode != nil {
				t.Errorf("ExitCode = %d, want nil", *out.ExitCode)
			}
			if out.Error == "" {
				t.Error("Error is empty")
			}
			if !errors.Is(Classify(out), ErrLaunchFailure) {
				t.Errorf("Classify = %v, want ErrLaunchFailure", Classify(out))
			}
		})
	}
}

func TestRunTruncatesStderr(t *testing.T) {
	script := writeScript(t, `i=0; while [ $i -lt 40 ]; do printf 'xxxxx' >&2; i=$((i+1)); done; exit 1`)

	s := newTestSupervisor()
	s.MaxStderrBytes = 50
	out := s.Run(context.Background(), Command{Executable: script})

	if !strings.HasPrefix(out.Stderr, strings.Repeat("x", 50)+"\n") {
		t.Errorf("Stderr = %q, want 50 bytes kept", out.Stderr)
	}
	if !strings.Contains(out.Stderr, "150 bytes dropped") {
		t.Errorf("Stderr = %q, want truncation marker", out.Stderr)
	}
}

func TestRunPassesDirEnvAndStdin(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, `read input; echo "$input $SIMFORGE_RUN $(pwd)"`)

	var got string
	out := newTestSupervisor().Run(context.Background(), Command{
		Executable: script,
		Dir:        dir,
		Env:        []string{"SIMFORGE_RUN=42"},
		Stdin:      strings.NewReader("hello\n"),
		LineWriter: func(line string) { got = line },
	})
	if !out.Success {
		t.Fatalf("outcome = %+v", out)
	}

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello 42 "+dir && got != "hello 42 "+resolved {
		t.Errorf("line = %q", got)
	}
}

func TestResolve(t *testing.T) {
	script := writeScript(t, `exit 0`)

	p, err := Resolve(script)
	if err != nil || p != script {
		t.Errorf("Resolve(%q) = %q, %v", script, p, err)
	}

	if _, err := Resolve("simforge-no-such-engine"); !errors.Is(err, ErrLaunchFailure) {
		t.Errorf("Resolve missing = %v, want ErrLaunchFailure", err)
	}
	if _, err := Resolve(""); !errors.Is(err, ErrLaunchFailure) {
		t.Errorf("Resolve empty = %v, want ErrLaunchFailure", err)
	}
}

func TestLineSplitter(t *testing.T) {
	var lines []string
	l := &lineSplitter{emit: func(s string) { lines = append(lines, s) }}

	for _, chunk := range []string{"Warm", "ing up\nStart", "ing\r\n\n", "last"} {
		l.Write([]byte(chunk))
	}
	l.Flush()

	want := []string{"Warming up", "Starting", "", "last"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %q, want %q", lines, want)
	}
}

func TestClassifySuccess(t *testing.T) {
	if err := Classify(model.ExecutionOutcome{Success: true}); err != nil {
		t.Errorf("Classify(success) = %v", err)
	}
}
