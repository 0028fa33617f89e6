package tools

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/jenga/internal/sandbox"
)

const logSeparator = "============================================================"

// ActionLog is the append-only record of everything the agent did.
//
// agent.log gets one line per tool invocation; system.log gets the full
// stdout/stderr of every command execution. A nil *ActionLog is valid and
// records nothing, and write failures never propagate to the tool caller.
type ActionLog struct {
	mu     sync.Mutex
	agent  *os.File
	system *os.File
	logger *slog.Logger
}

// NewActionLog opens (or creates) the two log files in append mode.
func NewActionLog(agentPath, systemPath string, logger *slog.Logger) (*ActionLog, error) {
	agent, err := os.OpenFile(agentPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening agent log: %w", err)
	}
	system, err := os.OpenFile(systemPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		agent.Close()
		return nil, fmt.Errorf("opening system log: %w", err)
	}
	return &ActionLog{agent: agent, system: system, logger: logger}, nil
}

// Action appends one line describing a tool invocation.
// Format: [<RFC3339>] [STEP n] [TOOL: name] message
func (l *ActionLog) Action(step int, tool, message string) {
	if l == nil {
		return
	}
	line := fmt.Sprintf("[%s] [STEP %d] [TOOL: %s] %s\n",
		time.Now().UTC().Format(time.RFC3339), step, tool, strings.ReplaceAll(message, "\n", " "))

	l.mu.Lock()
	_, err := l.agent.WriteString(line)
	l.mu.Unlock()
	if err != nil {
		l.logger.Warn("agent log write failed", slog.String("error", err.Error()))
	}
}

// Command appends the full record of a command execution to the system log.
func (l *ActionLog) Command(command string, res *sandbox.Result) {
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString(logSeparator + "\n")
	fmt.Fprintf(&b, "[%s] COMMAND: %s\n", time.Now().UTC().Format(time.RFC3339), command)
	fmt.Fprintf(&b, "EXIT CODE: %d\n", res.ExitCode)
	if res.TimedOut {
		b.WriteString("TIMED OUT\n")
	}
	if res.Error != "" {
		fmt.Fprintf(&b, "ERROR: %s\n", res.Error)
	}
	b.WriteString("STDOUT:\n" + res.Stdout + "\n")
	b.WriteString("STDERR:\n" + res.Stderr + "\n")
	b.WriteString(logSeparator + "\n")

	l.mu.Lock()
	_, err := l.system.WriteString(b.String())
	l.mu.Unlock()
	if err != nil {
		l.logger.Warn("system log write failed", slog.String("error", err.Error()))
	}
}

// Close flushes and closes both log files.
func (l *ActionLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	agentErr := l.agent.Close()
	systemErr := l.system.Close()
	if agentErr != nil {
		return agentErr
	}
	return systemErr
}
