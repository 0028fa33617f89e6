package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/jenga/internal/grader"
	"github.com/jkaninda/jenga/internal/llm"
	"github.com/jkaninda/jenga/internal/observability"
	"github.com/jkaninda/jenga/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider returns its responses in order, repeating the last one.
type scriptedProvider struct {
	responses []*llm.Response
	calls     int
}

func (p *scriptedProvider) Complete(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	i := p.calls
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	p.calls++
	return p.responses[i], nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func toolUse(id, name string, input map[string]any) *llm.Response {
	return &llm.Response{
		Blocks:     []llm.Block{llm.ToolUse(id, name, input)},
		StopReason: llm.StopToolUse,
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

// memStore records saved episodes in memory.
type memStore struct {
	saved []*storage.Episode
}

func (m *memStore) SaveEpisode(_ context.Context, e *storage.Episode) error {
	m.saved = append(m.saved, e)
	return nil
}

func (m *memStore) GetEpisode(_ context.Context, id string) (*storage.Episode, error) {
	for _, e := range m.saved {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListEpisodes(_ context.Context, _ int) ([]*storage.Episode, error) {
	return m.saved, nil
}

func (m *memStore) Close() error { return nil }

func TestRunEpisode_WriteAndFinish(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		toolUse("c1", "write_file", map[string]any{"path": "index.html", "content": "<h1>hi</h1>"}),
		toolUse("c2", "finish_task", map[string]any{"summary": "wrote the page"}),
	}}
	store := &memStore{}
	r := New(provider, store, Options{
		RunsRoot: filepath.Join(t.TempDir(), "runs"),
		MaxSteps: 5,
	}, discardLogger())

	res, err := r.RunEpisode(context.Background(), "make a page")
	if err != nil {
		t.Fatalf("RunEpisode: %v", err)
	}
	if res.State != "DONE" {
		t.Errorf("state = %s, want DONE", res.State)
	}
	if res.Steps != 2 {
		t.Errorf("steps = %d, want 2", res.Steps)
	}
	if res.Summary != "wrote the page" {
		t.Errorf("summary = %q", res.Summary)
	}
	if res.InputTokens != 20 || res.OutputTokens != 10 {
		t.Errorf("usage = %d/%d", res.InputTokens, res.OutputTokens)
	}

	// The written file lands in the episode workspace.
	data, err := os.ReadFile(filepath.Join(res.EpisodeDir, "workspace", "index.html"))
	if err != nil {
		t.Fatalf("reading written file: %v", err)
	}
	if string(data) != "<h1>hi</h1>" {
		t.Errorf("file content = %q", data)
	}

	// result.json round-trips.
	raw, err := os.ReadFile(filepath.Join(res.EpisodeDir, "result.json"))
	if err != nil {
		t.Fatalf("reading result.json: %v", err)
	}
	var onDisk Result
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("decoding result.json: %v", err)
	}
	if onDisk.EpisodeID != res.EpisodeID || onDisk.State != "DONE" {
		t.Errorf("result.json mismatch: %+v", onDisk)
	}

	// agent.log recorded both tool calls.
	logData, err := os.ReadFile(filepath.Join(res.EpisodeDir, "logs", "agent.log"))
	if err != nil {
		t.Fatalf("reading agent.log: %v", err)
	}
	if len(logData) == 0 {
		t.Error("agent.log is empty")
	}

	// The episode was persisted.
	if len(store.saved) != 1 {
		t.Fatalf("saved %d episodes, want 1", len(store.saved))
	}
	if store.saved[0].ID != res.EpisodeID || store.saved[0].State != "DONE" {
		t.Errorf("persisted episode mismatch: %+v", store.saved[0])
	}
}

func TestRunEpisode_StepLimit(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		toolUse("c1", "run_command", map[string]any{"command": "exit 1"}),
	}}
	r := New(provider, nil, Options{
		RunsRoot: filepath.Join(t.TempDir(), "runs"),
		MaxSteps: 3,
	}, discardLogger())

	res, err := r.RunEpisode(context.Background(), "doomed task")
	if err != nil {
		t.Fatalf("RunEpisode: %v", err)
	}
	if res.State != "STEP_LIMIT_REACHED" {
		t.Errorf("state = %s, want STEP_LIMIT_REACHED", res.State)
	}
	if res.Steps != 3 {
		t.Errorf("steps = %d, want 3", res.Steps)
	}
}

func TestRunEpisode_CopiesTemplate(t *testing.T) {
	tmpl := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpl, "package.json"), []byte(`{"name":"app"}`), 0640); err != nil {
		t.Fatalf("writing template: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(tmpl, "node_modules", "dep"), 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	provider := &scriptedProvider{responses: []*llm.Response{
		toolUse("c1", "finish_task", map[string]any{"summary": "done"}),
	}}
	r := New(provider, nil, Options{
		RunsRoot:    filepath.Join(t.TempDir(), "runs"),
		TemplateDir: tmpl,
		MaxSteps:    2,
	}, discardLogger())

	res, err := r.RunEpisode(context.Background(), "use the template")
	if err != nil {
		t.Fatalf("RunEpisode: %v", err)
	}
	if _, err := os.Stat(filepath.Join(res.EpisodeDir, "workspace", "package.json")); err != nil {
		t.Errorf("template file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(res.EpisodeDir, "workspace", "node_modules")); !os.IsNotExist(err) {
		t.Error("node_modules should not be copied")
	}
}

func TestRunEpisode_RecordsSandboxMetrics(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		toolUse("c1", "run_command", map[string]any{"command": "true"}),
		toolUse("c2", "finish_task", map[string]any{"summary": "done"}),
	}}
	m := observability.NewMetricsCollector()
	r := New(provider, nil, Options{
		RunsRoot: filepath.Join(t.TempDir(), "runs"),
		MaxSteps: 5,
		Metrics:  m,
	}, discardLogger())

	if _, err := r.RunEpisode(context.Background(), "run a command"); err != nil {
		t.Fatalf("RunEpisode: %v", err)
	}
	if got := testutil.ToFloat64(m.SandboxExecutionsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("sandbox executions[success] = %v, want 1", got)
	}
}

// pipelineFail is a fast-failing pipeline configuration so grading tests
// don't need a package manager.
func pipelineFail() grader.PipelineConfig {
	return grader.PipelineConfig{
		InstallCommand: "false",
		BuildCommand:   "true",
		ServeCommand:   "sleep 5",
		ProbeTimeout:   time.Second,
	}
}

func TestRunEpisode_GradePipeline(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		toolUse("c1", "finish_task", map[string]any{"summary": "done"}),
	}}
	store := &memStore{}
	r := New(provider, store, Options{
		RunsRoot: filepath.Join(t.TempDir(), "runs"),
		MaxSteps: 2,
		Grade:    true,
		Pipeline: pipelineFail(),
	}, discardLogger())

	res, err := r.RunEpisode(context.Background(), "graded task")
	if err != nil {
		t.Fatalf("RunEpisode: %v", err)
	}
	if res.Pipeline == nil {
		t.Fatal("expected pipeline report")
	}
	if res.Pipeline.OverallPass {
		t.Error("expected pipeline failure")
	}
	if len(store.saved) != 1 || !store.saved[0].Graded {
		t.Errorf("persisted episode should be marked graded: %+v", store.saved)
	}
}
