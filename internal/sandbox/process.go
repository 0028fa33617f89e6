package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/jkaninda/jenga/internal/workspace"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout = 300 * time.Second
)

// Config configures the process sandbox.
type Config struct {
	DefaultTimeout time.Duration
}

// Sandbox executes commands as OS processes confined to a workspace.
//
// Guarantees:
//   - Working directories must resolve inside the workspace (fail closed)
//   - Each command runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - stdout/stderr capped to prevent OOM
type Sandbox struct {
	ws             *workspace.Workspace
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// New creates a process sandbox confined to ws.
func New(ws *workspace.Workspace, cfg Config, logger *slog.Logger) *Sandbox {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Sandbox{
		ws:             ws,
		defaultTimeout: timeout,
		logger:         logger,
	}
}

// Execute runs a command to completion inside the workspace.
func (s *Sandbox) Execute(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("empty command")
	}

	// 1. Validate the working directory before anything runs.
	dir := s.ws.Root
	if req.Dir != "" {
		resolved, err := s.ws.ConfineDir(req.Dir)
		if err != nil {
			s.logger.Warn("rejected working directory",
				slog.String("dir", req.Dir),
				slog.String("error", err.Error()),
			)
			return &Result{
				Success:  false,
				ExitCode: -1,
				Error:    fmt.Sprintf("cwd escapes workspace: %v", err),
			}, nil
		}
		dir = resolved
	}

	// 2. Apply timeout.
	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", req.Command)
	cmd.Dir = dir

	// 3. Process group isolation — the child runs in its own group.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	// Kill the entire process group on context cancellation (timeout/cancel).
	// This ensures child processes spawned by the command are also terminated.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// 4. Host environment plus request overrides. Build tooling needs
	// PATH, HOME and the package manager caches.
	cmd.Env = buildEnv(req.Env)

	// 5. Capture stdout/stderr with size cap.
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	s.logger.Info("sandbox executing",
		slog.String("command", req.Command),
		slog.String("dir", dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// 6. Interpret the result.
	exitCode := 0
	if runErr != nil {
		// Timeout first: the group is already SIGKILLed by cmd.Cancel.
		if ctx.Err() != nil {
			s.logger.Warn("sandbox execution timed out",
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return &Result{
				Success:  false,
				Stdout:   stdoutBuf.String(),
				Stderr:   stderrBuf.String(),
				ExitCode: -1,
				Error:    fmt.Sprintf("command timed out after %s", timeout),
				TimedOut: true,
				Duration: duration,
			}, nil
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// Non-zero exit code is not an error — it's a result.
			exitCode = exitErr.ExitCode()
		} else {
			// Launch failure (command not found, permission denied).
			return &Result{
				Success:  false,
				Stderr:   stderrBuf.String(),
				ExitCode: -1,
				Error:    fmt.Sprintf("launch failed: %v", runErr),
				Duration: duration,
			}, nil
		}
	}

	s.logger.Info("sandbox execution completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return &Result{
		Success:  exitCode == 0,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// buildEnv merges extra variables on top of the inherited host environment.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	chunk := p
	if len(chunk) > lw.remaining {
		chunk = chunk[:lw.remaining]
	}
	n, err := lw.w.Write(chunk)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	// Report the full length so the copier never sees a short write.
	return len(p), nil
}
