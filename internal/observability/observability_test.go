package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/jenga/internal/config"
	"github.com/jkaninda/jenga/internal/llm"
	"github.com/jkaninda/jenga/internal/sandbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_NilConfigDisablesEverything(t *testing.T) {
	obs, err := New(nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs != nil {
		t.Errorf("expected nil Observability, got %+v", obs)
	}
	// Nil-safe accessors.
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
		t.Error("nil observability accessors should return nil")
	}
	obs.Shutdown(context.Background())
}

func TestNew_MetricsOnly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs.Metrics == nil {
		t.Fatal("metrics should be enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracing should be disabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always exist")
	}
}

type fakeProvider struct {
	resp *llm.Response
	err  error
}

func (f *fakeProvider) Complete(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	return f.resp, f.err
}

func (f *fakeProvider) Name() string { return "fake" }

func TestInstrumentedProvider_RecordsMetrics(t *testing.T) {
	m := NewMetricsCollector()
	inner := &fakeProvider{resp: &llm.Response{
		Blocks:     []llm.Block{llm.Text("hi")},
		StopReason: llm.StopEndTurn,
		Usage:      llm.Usage{InputTokens: 100, OutputTokens: 20},
	}}

	p := NewInstrumentedProvider(inner, m, nil)
	if p.Name() != "fake" {
		t.Errorf("Name = %q", p.Name())
	}

	resp, err := p.Complete(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text() != "hi" {
		t.Errorf("response text = %q", resp.Text())
	}

	if got := testutil.ToFloat64(m.LLMRequestsTotal.WithLabelValues("fake", "success")); got != 1 {
		t.Errorf("requests_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("fake", "input")); got != 100 {
		t.Errorf("input tokens = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("fake", "output")); got != 20 {
		t.Errorf("output tokens = %v, want 20", got)
	}
}

func TestInstrumentedProvider_RecordsErrors(t *testing.T) {
	m := NewMetricsCollector()
	p := NewInstrumentedProvider(&fakeProvider{err: fmt.Errorf("boom")}, m, nil)

	if _, err := p.Complete(context.Background(), &llm.Request{}); err == nil {
		t.Fatal("expected error")
	}
	if got := testutil.ToFloat64(m.LLMRequestsTotal.WithLabelValues("fake", "error")); got != 1 {
		t.Errorf("error requests = %v, want 1", got)
	}
}

type fakeExecutor struct {
	res *sandbox.Result
	err error
}

func (f *fakeExecutor) Execute(_ context.Context, _ sandbox.Request) (*sandbox.Result, error) {
	return f.res, f.err
}

func TestInstrumentedSandbox_StatusLabels(t *testing.T) {
	tests := []struct {
		name   string
		res    *sandbox.Result
		err    error
		status string
	}{
		{"success", &sandbox.Result{Success: true}, nil, "success"},
		{"nonzero exit", &sandbox.Result{Success: false, ExitCode: 2}, nil, "failed"},
		{"timeout", &sandbox.Result{TimedOut: true, ExitCode: -1}, nil, "timeout"},
		{"error", nil, fmt.Errorf("empty command"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetricsCollector()
			s := NewInstrumentedSandbox(&fakeExecutor{res: tt.res, err: tt.err}, m, nil)

			_, err := s.Execute(context.Background(), sandbox.Request{Command: "true"})
			if (err != nil) != (tt.err != nil) {
				t.Fatalf("err = %v", err)
			}
			if got := testutil.ToFloat64(m.SandboxExecutionsTotal.WithLabelValues(tt.status)); got != 1 {
				t.Errorf("executions[%s] = %v, want 1", tt.status, got)
			}
		})
	}
}

func TestRecordEpisode(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordEpisode("DONE", 42.5, 7)
	m.RecordEpisode("STEP_LIMIT_REACHED", 10, 3)

	if got := testutil.ToFloat64(m.EpisodesTotal.WithLabelValues("DONE")); got != 1 {
		t.Errorf("episodes[DONE] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EpisodesTotal.WithLabelValues("STEP_LIMIT_REACHED")); got != 1 {
		t.Errorf("episodes[STEP_LIMIT_REACHED] = %v, want 1", got)
	}

	// Nil collector is a no-op.
	var nilM *MetricsCollector
	nilM.RecordEpisode("DONE", 1, 1)
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker(discardLogger())

	if got := h.CheckHealth(); got.Status != "ok" {
		t.Errorf("liveness = %q", got.Status)
	}
	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("readiness with no checks = %q", got.Status)
	}

	h.AddCheck("db", func(ctx context.Context) error { return nil })
	h.AddCheck("broken", func(ctx context.Context) error { return fmt.Errorf("down") })

	got := h.CheckReady(context.Background())
	if got.Status != "degraded" {
		t.Errorf("readiness = %q, want degraded", got.Status)
	}
	if got.Checks["db"].Status != "ok" {
		t.Errorf("db check = %+v", got.Checks["db"])
	}
	if got.Checks["broken"].Status != "fail" || got.Checks["broken"].Message == "" {
		t.Errorf("broken check = %+v", got.Checks["broken"])
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(m, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/episodes", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/episodes", "418")); got != 1 {
		t.Errorf("http requests = %v, want 1", got)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestTracerSetup_NilSafe(t *testing.T) {
	var ts *TracerSetup
	if ts.Tracer() == nil {
		t.Error("nil TracerSetup should return a noop tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
