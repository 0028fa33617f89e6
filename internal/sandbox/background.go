package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jkaninda/jenga/internal/workspace"
)

const (
	probeInterval  = 500 * time.Millisecond
	termGrace      = 5 * time.Second
	termPollEvery  = 100 * time.Millisecond
	signalAttempts = 3
)

// Process is a detached background process (typically a dev server).
type Process struct {
	PID     int
	PGID    int
	Command string
	Port    int

	cmd       *exec.Cmd
	outMu     sync.Mutex // guards stdout/stderr against the copier goroutines
	stdout    *bytes.Buffer
	stderr    *bytes.Buffer
	done      chan struct{}
	waitErr   error
	closeOnce sync.Once
}

// Exited reports whether the process has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Output returns the captured (capped) stdout and stderr so far. It is safe
// to call while the process is still running.
func (p *Process) Output() (string, string) {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	return p.stdout.String(), p.stderr.String()
}

// Manager starts, probes and terminates background processes.
//
// It tracks at most one live process: a second Spawn without an intervening
// Terminate is rejected so the cleanup guarantee stays single-valued.
// Terminate is safe to call from a defer on every exit path and is
// idempotent.
type Manager struct {
	ws     *workspace.Workspace
	logger *slog.Logger

	mu   sync.Mutex
	live *Process
}

// NewManager creates a background process manager confined to ws.
func NewManager(ws *workspace.Workspace, logger *slog.Logger) *Manager {
	return &Manager{ws: ws, logger: logger}
}

// Live returns the currently tracked background process, or nil.
func (m *Manager) Live() *Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// Spawn starts a detached background process in its own process group and
// returns without waiting for it. The declared port is recorded for later
// probing; Spawn itself does not check it.
func (m *Manager) Spawn(command, dir string, port int) (*Process, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("empty command")
	}

	workDir := m.ws.Root
	if dir != "" {
		resolved, err := m.ws.ConfineDir(dir)
		if err != nil {
			return nil, fmt.Errorf("cwd escapes workspace: %w", err)
		}
		workDir = resolved
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live != nil && !m.live.Exited() {
		return nil, fmt.Errorf("background process already running (pgid %d), terminate it first", m.live.PGID)
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = workDir
	cmd.Env = buildEnv(nil)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	p := &Process{
		Command: command,
		Port:    port,
		cmd:     cmd,
		stdout:  &bytes.Buffer{},
		stderr:  &bytes.Buffer{},
		done:    make(chan struct{}),
	}
	cmd.Stdout = &lockedWriter{mu: &p.outMu, w: &limitedWriter{w: p.stdout, remaining: maxOutputBytes}}
	cmd.Stderr = &lockedWriter{mu: &p.outMu, w: &limitedWriter{w: p.stderr, remaining: maxOutputBytes}}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting background process: %w", err)
	}
	p.PID = cmd.Process.Pid
	// Setpgid makes the child the leader of a fresh group.
	p.PGID = cmd.Process.Pid

	// Reap the process so Exited() observes termination.
	go func() {
		p.waitErr = cmd.Wait()
		p.closeOnce.Do(func() { close(p.done) })
	}()

	m.live = p
	m.logger.Info("background process started",
		slog.String("command", command),
		slog.Int("pid", p.PID),
		slog.Int("port", port),
	)
	return p, nil
}

// Probe waits for the process to accept TCP connections on port, then
// issues a single HTTP GET against path ("/" by default). It returns early
// when the process exits before the port opens.
func (m *Manager) Probe(ctx context.Context, p *Process, port int, timeout time.Duration, path string) Health {
	if path == "" {
		path = "/"
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(timeout)

	for {
		if p.Exited() {
			_, stderr := p.Output()
			m.logger.Warn("background process exited during probe",
				slog.Int("pid", p.PID),
				slog.String("stderr_tail", tail(stderr, 512)),
			)
			return Health{Crashed: true, Detail: "process exited before the port opened"}
		}

		conn, err := net.DialTimeout("tcp", addr, probeInterval)
		if err == nil {
			conn.Close()
			break
		}

		if time.Now().After(deadline) {
			return Health{Detail: fmt.Sprintf("port %d not accepting connections after %s", port, timeout)}
		}

		select {
		case <-ctx.Done():
			return Health{Detail: "probe canceled: " + ctx.Err().Error()}
		case <-time.After(probeInterval):
		}
	}

	url := fmt.Sprintf("http://%s%s", addr, path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Health{Detail: fmt.Sprintf("building probe request: %v", err)}
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Health{Detail: fmt.Sprintf("GET %s: %v", url, err)}
	}
	defer resp.Body.Close()

	h := Health{HTTPStatus: resp.StatusCode}
	if resp.StatusCode == http.StatusOK {
		h.Ready = true
	} else {
		h.Detail = fmt.Sprintf("GET %s returned %d", url, resp.StatusCode)
	}

	m.logger.Info("health probe completed",
		slog.Int("port", port),
		slog.Int("status", resp.StatusCode),
		slog.Bool("ready", h.Ready),
	)
	return h
}

// Terminate stops the process group: SIGTERM, a grace period, then SIGKILL.
// It returns only once the whole group is gone, not just the leader, so a
// server that forked children leaves nothing behind. It is idempotent and
// tolerates an already-dead process. Callers should invoke it from a defer
// so spawned servers are signaled on every path.
func (m *Manager) Terminate(p *Process) error {
	if p == nil {
		return nil
	}

	defer func() {
		m.mu.Lock()
		if m.live == p {
			m.live = nil
		}
		m.mu.Unlock()
	}()

	if p.Exited() && groupGone(p.PGID) {
		return nil
	}

	if err := m.signalGroup(p, syscall.SIGTERM); err != nil {
		m.logger.Warn("SIGTERM failed, escalating",
			slog.Int("pgid", p.PGID),
			slog.String("error", err.Error()),
		)
	}

	graceEnd := time.Now().Add(termGrace)
	for time.Now().Before(graceEnd) {
		if p.Exited() && groupGone(p.PGID) {
			m.logger.Info("background process stopped", slog.Int("pid", p.PID))
			return nil
		}
		time.Sleep(termPollEvery)
	}

	if err := m.signalGroup(p, syscall.SIGKILL); err != nil {
		return fmt.Errorf("killing process group %d: %w", p.PGID, err)
	}

	// SIGKILL cannot be ignored; wait for the reaper and for init to
	// collect any orphaned group members.
	killEnd := time.Now().Add(termGrace)
	for time.Now().Before(killEnd) {
		if p.Exited() && groupGone(p.PGID) {
			m.logger.Info("background process killed", slog.Int("pid", p.PID))
			return nil
		}
		time.Sleep(termPollEvery)
	}
	return fmt.Errorf("process group %d still has members after SIGKILL", p.PGID)
}

// groupGone reports whether process group pgid has no remaining members.
// Signal 0 checks existence without delivering anything.
func groupGone(pgid int) bool {
	return errors.Is(syscall.Kill(-pgid, 0), syscall.ESRCH)
}

// signalGroup delivers sig to the whole process group with bounded retries.
// ESRCH means the group is already gone and counts as success.
func (m *Manager) signalGroup(p *Process, sig syscall.Signal) error {
	var lastErr error
	for attempt := 0; attempt < signalAttempts; attempt++ {
		err := syscall.Kill(-p.PGID, sig)
		if err == nil || errors.Is(err, syscall.ESRCH) {
			return nil
		}
		lastErr = err
		time.Sleep(termPollEvery)
	}
	return lastErr
}

// lockedWriter serializes writes with readers of the same buffer.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(b []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(b)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
