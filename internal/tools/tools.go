// Package tools exposes the fixed set of operations the agent can invoke.
//
// The set is closed on purpose: six operations, dispatched through a switch.
// Adding a tool means adding a constant, a schema and a case, so the compiler
// and the tests see every operation the agent could ever perform.
package tools

import (
	"fmt"
	"strings"

	"github.com/jkaninda/jenga/internal/llm"
)

// Name identifies one of the agent's operations.
type Name string

const (
	WriteFile   Name = "write_file"
	ReadFile    Name = "read_file"
	RunCommand  Name = "run_command"
	InstallDeps Name = "install_deps"
	StartServer Name = "start_server"
	FinishTask  Name = "finish_task"
)

// AllNames lists every operation in dispatch order.
func AllNames() []Name {
	return []Name{WriteFile, ReadFile, RunCommand, InstallDeps, StartServer, FinishTask}
}

// NameList returns the operations as a comma-separated string for error
// messages.
func NameList() string {
	names := AllNames()
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}

// Call is a single tool invocation requested by the model.
type Call struct {
	// ID correlates the call with its observation in the conversation.
	ID string

	// Name is the requested operation, untrusted until dispatched.
	Name string

	// Input holds the decoded JSON arguments.
	Input map[string]any
}

// Result is the uniform outcome of a tool invocation.
type Result struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Fail builds a failure result from a format string.
func Fail(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// MaxOutputBytes is the cap applied to tool output fed back to the model.
const MaxOutputBytes = 1 << 20 // 1 MB

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Definitions returns the LLM tool definitions for the fixed operation set.
func Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        string(WriteFile),
			Description: "Write a file inside the workspace. Parent directories are created, existing files are overwritten.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string", "description": "Path relative to the workspace root"},
					"content": map[string]any{"type": "string", "description": "Full file content"},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        string(ReadFile),
			Description: "Read a text file inside the workspace.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "Path relative to the workspace root"},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        string(RunCommand),
			Description: "Run a shell command inside the workspace and return its output and exit code.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string", "description": "Shell command line"},
					"cwd":     map[string]any{"type": "string", "description": "Working directory relative to the workspace root. Defaults to the root"},
					"timeout": map[string]any{"type": "number", "description": "Timeout in seconds. Defaults to the configured limit"},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        string(InstallDeps),
			Description: "Install project dependencies from scratch: stale lockfiles and node_modules are removed first, native modules are rebuilt afterwards.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        string(StartServer),
			Description: "Start the development server in the background. Returns immediately without waiting for readiness.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"port": map[string]any{"type": "integer", "description": "Port the server will listen on. Defaults to 3000"},
				},
			},
		},
		{
			Name:        string(FinishTask),
			Description: "Declare the task complete. Call this exactly once, when the application builds and works.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary": map[string]any{"type": "string", "description": "Short summary of what was built"},
				},
				"required": []string{"summary"},
			},
		},
	}
}

// --- Parameter helpers ---

// requireString extracts a required non-empty string param.
func requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", fmt.Errorf("parameter %s must not be empty", key)
	}
	return s, nil
}

// requireText extracts a required string param that may be empty
// (file content legitimately can be "").
func requireText(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	return s, nil
}

// optionalString extracts an optional string param, "" when absent.
func optionalString(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// optionalInt extracts an optional integer param, accepting the float64
// that JSON decoding produces. Returns def when absent or malformed.
func optionalInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}
