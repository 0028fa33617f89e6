// Package runner orchestrates a full episode: a fresh workspace, the agent
// control loop, optional grading, and persistence of the outcome.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/jenga/internal/agent"
	"github.com/jkaninda/jenga/internal/grader"
	"github.com/jkaninda/jenga/internal/llm"
	"github.com/jkaninda/jenga/internal/observability"
	"github.com/jkaninda/jenga/internal/sandbox"
	"github.com/jkaninda/jenga/internal/storage"
	"github.com/jkaninda/jenga/internal/tools"
	"github.com/jkaninda/jenga/internal/workspace"
)

// Options configures an episode run. Zero values select the defaults of the
// component they configure.
type Options struct {
	RunsRoot     string // parent directory for episode directories
	TemplateDir  string // optional project template copied into the workspace
	MaxSteps     int
	MaxTokens    int // per model call
	SystemPrompt string

	Sandbox  sandbox.Config
	Tools    tools.Config
	Pipeline grader.PipelineConfig

	Grade  bool           // run the install/build/serve gate after the loop
	Rubric *grader.Rubric // when set with Grade, also run the LLM judge

	// Metrics instruments sandbox executions when set. Tracing may be nil
	// even when Metrics is set.
	Metrics *observability.MetricsCollector
	Tracing *observability.TracerSetup
}

// Result is the episode outcome written to result.json.
type Result struct {
	EpisodeID  string             `json:"episode_id"`
	Task       string             `json:"task"`
	State      string             `json:"state"`
	Steps      int                `json:"steps"`
	Summary    string             `json:"summary,omitempty"`
	Error      string             `json:"error,omitempty"`
	Pipeline   *grader.Report     `json:"pipeline,omitempty"`
	Evaluation *grader.Evaluation `json:"evaluation,omitempty"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	EpisodeDir string    `json:"episode_dir"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Runner runs episodes against a model provider. store may be nil, which
// disables persistence.
type Runner struct {
	provider llm.Provider
	store    storage.Store
	logger   *slog.Logger
	opts     Options
}

// New creates a Runner.
func New(provider llm.Provider, store storage.Store, opts Options, logger *slog.Logger) *Runner {
	if opts.RunsRoot == "" {
		opts.RunsRoot = "runs"
	}
	return &Runner{
		provider: provider,
		store:    store,
		logger:   logger,
		opts:     opts,
	}
}

// RunEpisode executes one complete episode for task.
//
// A loop abort (model error or stall) is not fatal to the episode record:
// the partial outcome is still written to result.json and persisted, and
// the abort error is returned alongside it. Grading only runs when the
// loop completed without error.
func (r *Runner) RunEpisode(ctx context.Context, task string) (*Result, error) {
	startedAt := time.Now().UTC()

	ep, err := workspace.NewEpisode(r.opts.RunsRoot, startedAt)
	if err != nil {
		return nil, fmt.Errorf("creating episode layout: %w", err)
	}
	ws, err := workspace.New(ep.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	if r.opts.TemplateDir != "" {
		if err := ws.CopyTemplate(r.opts.TemplateDir); err != nil {
			return nil, fmt.Errorf("copying template: %w", err)
		}
	}

	actionLog, err := tools.NewActionLog(ep.AgentLogPath(), ep.SystemLogPath(), r.logger)
	if err != nil {
		return nil, fmt.Errorf("opening action log: %w", err)
	}
	defer actionLog.Close()

	var exec sandbox.Executor = sandbox.New(ws, r.opts.Sandbox, r.logger)
	if r.opts.Metrics != nil {
		exec = observability.NewInstrumentedSandbox(exec, r.opts.Metrics, r.opts.Tracing)
	}
	procs := sandbox.NewManager(ws, r.logger)
	dispatcher := tools.NewDispatcher(ws, exec, procs, actionLog, r.opts.Tools, r.logger)

	// Whatever start_server left running dies with the episode.
	defer func() {
		if live := procs.Live(); live != nil {
			if terr := procs.Terminate(live); terr != nil {
				r.logger.Error("terminating leftover server failed",
					slog.Int("pgid", live.PGID),
					slog.String("error", terr.Error()),
				)
			}
		}
	}()

	loop := agent.NewLoop(r.provider, dispatcher, agent.Config{
		MaxSteps:     r.opts.MaxSteps,
		MaxTokens:    r.opts.MaxTokens,
		SystemPrompt: r.opts.SystemPrompt,
	}, r.logger)

	session, runErr := loop.Run(ctx, task)

	result := &Result{
		EpisodeID:    session.ID,
		Task:         task,
		State:        string(session.State),
		Steps:        session.StepCount,
		Summary:      session.Summary,
		InputTokens:  session.Usage.InputTokens,
		OutputTokens: session.Usage.OutputTokens,
		EpisodeDir:   ep.Dir,
		StartedAt:    startedAt,
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}

	if r.opts.Grade && runErr == nil {
		result.Pipeline = grader.NewPipeline(exec, procs, r.opts.Pipeline, r.logger).Run(ctx)

		if r.opts.Rubric != nil {
			judge := grader.NewJudge(r.provider, r.opts.Rubric, r.logger)
			eval, jerr := judge.Evaluate(ctx, ws.Root, ep.AgentLogPath())
			if jerr != nil {
				r.logger.Warn("rubric evaluation failed", slog.String("error", jerr.Error()))
			} else {
				result.Evaluation = eval
			}
		}
	}

	result.DurationMS = time.Since(startedAt).Milliseconds()

	if err := writeResult(ep.ResultPath(), result); err != nil {
		r.logger.Warn("writing result.json failed", slog.String("error", err.Error()))
	}
	if err := r.persist(ctx, result); err != nil {
		r.logger.Warn("persisting episode failed", slog.String("error", err.Error()))
	}

	return result, runErr
}

// persist writes the episode record to the store, when one is configured.
func (r *Runner) persist(ctx context.Context, res *Result) error {
	if r.store == nil {
		return nil
	}
	e := &storage.Episode{
		ID:           res.EpisodeID,
		Task:         res.Task,
		State:        res.State,
		Steps:        res.Steps,
		Summary:      res.Summary,
		Error:        res.Error,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		EpisodeDir:   res.EpisodeDir,
		StartedAt:    res.StartedAt,
		DurationMS:   res.DurationMS,
	}
	if res.Pipeline != nil {
		e.Graded = true
		e.InstallOK = res.Pipeline.InstallOK
		e.BuildOK = res.Pipeline.BuildOK
		e.ServeOK = res.Pipeline.ServeOK
		e.OverallPass = res.Pipeline.OverallPass
	}
	if res.Evaluation != nil {
		e.Score = res.Evaluation.Total
		e.MaxScore = res.Evaluation.Max
	}
	return r.store.SaveEpisode(ctx, e)
}

func writeResult(path string, res *Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0640)
}
