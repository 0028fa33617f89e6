package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/jenga/internal/llm"
	"github.com/jkaninda/jenga/internal/sandbox"
	"github.com/jkaninda/jenga/internal/tools"
	"github.com/jkaninda/jenga/internal/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider returns canned responses in order. Past the end of the
// script it keeps returning the last response.
type scriptedProvider struct {
	script []scriptEntry
	calls  int
}

type scriptEntry struct {
	resp *llm.Response
	err  error
}

func (p *scriptedProvider) Complete(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	i := p.calls
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	p.calls++
	e := p.script[i]
	return e.resp, e.err
}

func (p *scriptedProvider) Name() string { return "scripted" }

func toolUseResponse(blocks ...llm.Block) *llm.Response {
	return &llm.Response{
		Blocks:     blocks,
		StopReason: llm.StopToolUse,
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func newTestLoop(t *testing.T, provider llm.Provider, cfg Config) (*Loop, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	logger := discardLogger()
	exec := sandbox.New(ws, sandbox.Config{}, logger)
	procs := sandbox.NewManager(ws, logger)
	d := tools.NewDispatcher(ws, exec, procs, nil, tools.Config{}, logger)
	return NewLoop(provider, d, cfg, logger), ws
}

func TestRun_DoneOnFinishTask(t *testing.T) {
	provider := &scriptedProvider{script: []scriptEntry{
		{resp: toolUseResponse(
			llm.ToolUse("c1", "write_file", map[string]any{"path": "index.html", "content": "<h1>hi</h1>"}),
		)},
		{resp: toolUseResponse(
			llm.ToolUse("c2", "finish_task", map[string]any{"summary": "built the page"}),
		)},
	}}

	loop, ws := newTestLoop(t, provider, Config{MaxSteps: 10})
	s, err := loop.Run(context.Background(), "build a page")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if s.State != StateDone {
		t.Errorf("state = %s, want DONE", s.State)
	}
	if s.StepCount != 2 {
		t.Errorf("steps = %d, want 2", s.StepCount)
	}
	if s.Summary != "built the page" {
		t.Errorf("summary = %q", s.Summary)
	}
	if _, err := os.Stat(filepath.Join(ws.Root, "index.html")); err != nil {
		t.Errorf("write_file side effect missing: %v", err)
	}
}

func TestRun_StepLimit(t *testing.T) {
	// The model keeps running a failing command and never finishes.
	provider := &scriptedProvider{script: []scriptEntry{
		{resp: toolUseResponse(
			llm.ToolUse("c1", "run_command", map[string]any{"command": "exit 1"}),
		)},
	}}

	loop, _ := newTestLoop(t, provider, Config{MaxSteps: 3})
	s, err := loop.Run(context.Background(), "impossible task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if s.State != StateStepLimit {
		t.Errorf("state = %s, want STEP_LIMIT_REACHED", s.State)
	}
	if s.StepCount != 3 {
		t.Errorf("steps = %d, want exactly 3", s.StepCount)
	}
	if provider.calls != 3 {
		t.Errorf("model calls = %d, want 3", provider.calls)
	}
}

func TestRun_FailedFinishTaskDoesNotComplete(t *testing.T) {
	// finish_task without a summary fails; the episode must not go DONE.
	provider := &scriptedProvider{script: []scriptEntry{
		{resp: toolUseResponse(
			llm.ToolUse("c1", "finish_task", map[string]any{}),
		)},
	}}

	loop, _ := newTestLoop(t, provider, Config{MaxSteps: 2})
	s, err := loop.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.State != StateStepLimit {
		t.Errorf("state = %s, want STEP_LIMIT_REACHED after failed finish_task", s.State)
	}
}

func TestRun_FinishTaskStopsRemainingCalls(t *testing.T) {
	provider := &scriptedProvider{script: []scriptEntry{
		{resp: toolUseResponse(
			llm.ToolUse("c1", "finish_task", map[string]any{"summary": "done"}),
			llm.ToolUse("c2", "write_file", map[string]any{"path": "late.txt", "content": "should not exist"}),
		)},
	}}

	loop, ws := newTestLoop(t, provider, Config{MaxSteps: 10})
	s, err := loop.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if s.State != StateDone {
		t.Fatalf("state = %s, want DONE", s.State)
	}
	if _, err := os.Stat(filepath.Join(ws.Root, "late.txt")); !os.IsNotExist(err) {
		t.Error("tool call after finish_task was executed")
	}

	// The conversation still acknowledges the skipped call.
	last := s.Messages[len(s.Messages)-1]
	if len(last.Blocks) != 2 {
		t.Fatalf("observations = %d, want 2", len(last.Blocks))
	}
	if !last.Blocks[1].IsError {
		t.Error("skipped call should be acknowledged as an error observation")
	}
}

func TestRun_StallAborts(t *testing.T) {
	provider := &scriptedProvider{script: []scriptEntry{
		{resp: toolUseResponse(
			llm.ToolUse("c1", "run_command", map[string]any{"command": "true"}),
		)},
		{resp: &llm.Response{StopReason: llm.StopEndTurn}},
	}}

	loop, _ := newTestLoop(t, provider, Config{MaxSteps: 10})
	s, err := loop.Run(context.Background(), "task")
	if err == nil {
		t.Fatal("expected stall error")
	}
	// History up to the stall is preserved.
	if len(s.Messages) < 3 {
		t.Errorf("history lost: %d messages", len(s.Messages))
	}
	if s.StepCount != 2 {
		t.Errorf("steps = %d, want 2", s.StepCount)
	}
}

func TestRun_ContentWithoutToolContinues(t *testing.T) {
	provider := &scriptedProvider{script: []scriptEntry{
		{resp: &llm.Response{
			Blocks:     []llm.Block{llm.Text("Let me think about the layout first.")},
			StopReason: llm.StopEndTurn,
		}},
		{resp: toolUseResponse(
			llm.ToolUse("c1", "finish_task", map[string]any{"summary": "ok"}),
		)},
	}}

	loop, _ := newTestLoop(t, provider, Config{MaxSteps: 10})
	s, err := loop.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("prose without a tool call must not abort: %v", err)
	}
	if s.State != StateDone {
		t.Errorf("state = %s, want DONE", s.State)
	}
}

func TestRun_ModelErrorAbortsWithHistory(t *testing.T) {
	provider := &scriptedProvider{script: []scriptEntry{
		{resp: toolUseResponse(
			llm.ToolUse("c1", "run_command", map[string]any{"command": "true"}),
		)},
		{err: errors.New("rate limited")},
	}}

	loop, _ := newTestLoop(t, provider, Config{MaxSteps: 10})
	s, err := loop.Run(context.Background(), "task")
	if err == nil {
		t.Fatal("expected model error to abort")
	}
	if provider.calls != 2 {
		t.Errorf("model calls = %d, want 2 (no retry)", provider.calls)
	}
	// Task + assistant + observations survive.
	if len(s.Messages) != 3 {
		t.Errorf("history = %d messages, want 3", len(s.Messages))
	}
}

func TestRun_ObservationsFeedBack(t *testing.T) {
	provider := &scriptedProvider{script: []scriptEntry{
		{resp: toolUseResponse(
			llm.ToolUse("c1", "run_command", map[string]any{"command": "echo from-the-sandbox"}),
		)},
		{resp: toolUseResponse(
			llm.ToolUse("c2", "finish_task", map[string]any{"summary": "ok"}),
		)},
	}}

	loop, _ := newTestLoop(t, provider, Config{MaxSteps: 10})
	s, err := loop.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Message layout: task, assistant, observations, assistant, observations.
	obs := s.Messages[2]
	if obs.Role != llm.RoleUser {
		t.Fatalf("observation role = %s", obs.Role)
	}
	if len(obs.Blocks) != 1 || obs.Blocks[0].Kind != llm.BlockToolResult {
		t.Fatalf("unexpected observation blocks: %+v", obs.Blocks)
	}
	if got := obs.Blocks[0].Text; !strings.Contains(got, "from-the-sandbox") {
		t.Errorf("observation text = %q", got)
	}
	if obs.Blocks[0].ToolUseID != "c1" {
		t.Errorf("observation correlation id = %q", obs.Blocks[0].ToolUseID)
	}
}
