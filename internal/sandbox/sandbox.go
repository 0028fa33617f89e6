// Package sandbox executes agent commands inside a confined workspace.
// All external commands run through here — never directly on the host.
//
// Failures the agent can act on (bad working directory, non-zero exit,
// timeout, unlaunchable command) come back as structured results, not Go
// errors. An error return means the caller misused the API.
package sandbox

import (
	"context"
	"time"
)

// Executor runs a single foreground command to completion.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Request defines what to run and under what constraints.
type Request struct {
	// Command is a shell command line, run via sh -c.
	Command string

	// Dir overrides the working directory. Empty = workspace root.
	// Must resolve inside the workspace.
	Dir string

	// Env adds environment variables on top of the inherited host set.
	Env map[string]string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration
}

// Result captures the outcome of a command, including the failure modes.
type Result struct {
	Success  bool          `json:"success"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Error    string        `json:"error,omitempty"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"-"`
}

// Health is the outcome of probing a background server process.
type Health struct {
	// Ready means the port accepted a connection and the HTTP check
	// returned 200.
	Ready bool

	// HTTPStatus is the observed status code, 0 when no HTTP response
	// was received.
	HTTPStatus int

	// Crashed means the process exited before the port opened.
	Crashed bool

	// Detail explains a not-ready outcome.
	Detail string
}
