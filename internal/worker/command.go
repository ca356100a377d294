package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DefaultWaitDelay bounds how long a cancelled worker may take to exit
// after SIGTERM before it is killed.
const DefaultWaitDelay = 10 * time.Second

// Command is the process a role runs.
type Command struct {
	Argv []string
	Dir  string
}

// CommandRunner runs each role as an external process. Stdout lines become
// progress entries and session output; stderr lines become issues.
type CommandRunner struct {
	Commands  map[string]Command
	Env       []string
	WaitDelay time.Duration
}

// Run implements Runner.
func (r *CommandRunner) Run(ctx context.Context, s *Session) error {
	c, ok := r.Commands[s.Role]
	if !ok || len(c.Argv) == 0 {
		return fmt.Errorf("no command configured for role %q", s.Role)
	}

	cmd := buildCommand(ctx, c, s, r.Env, r.WaitDelay)
	stdout := &lineWriter{onLine: func(line string) {
		s.Logf("%s", line)
		s.WriteOutput(line + "\n")
	}}
	stderr := &lineWriter{onLine: func(line string) {
		s.Issue("%s", line)
	}}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	stdout.Close()
	stderr.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", strings.Join(c.Argv, " "), err)
	}
	return nil
}

// buildCommand constructs the exec.Cmd for a role. Cancellation sends
// SIGTERM and waits up to waitDelay before the process is killed.
func buildCommand(ctx context.Context, c Command, s *Session, env []string, waitDelay time.Duration) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	cmd.Env = append(os.Environ(), env...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("SY_ITEM=%d", s.ItemID),
		"SY_PHASE="+s.Phase,
		"SY_ROLE="+s.Role,
		"SY_OWNED_FILES="+strings.Join(s.OwnedFiles, string(os.PathListSeparator)),
	)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	if waitDelay <= 0 {
		waitDelay = DefaultWaitDelay
	}
	cmd.WaitDelay = waitDelay
	return cmd
}

// lineWriter implements io.Writer, calling onLine for each complete line.
type lineWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	onLine func(string)
}

// Write appends bytes and emits every complete line.
func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf.Next(i+1)), "\r\n")
		if line != "" {
			w.onLine(line)
		}
	}
	return n, err
}

// Close emits any trailing partial line.
func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		if line := strings.TrimRight(w.buf.String(), "\r\n"); line != "" {
			w.onLine(line)
		}
		w.buf.Reset()
	}
	return nil
}
