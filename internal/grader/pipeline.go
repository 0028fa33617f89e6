// Package grader checks a finished workspace: first mechanically
// (install, build, serve and probe), then optionally by scoring the code
// against a rubric with an LLM judge.
package grader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/jenga/internal/sandbox"
)

const (
	defaultInstallCommand = "pnpm install --no-frozen-lockfile"
	defaultBuildCommand   = "pnpm build"
	defaultServeCommand   = "pnpm dev"
	defaultPort           = 3000
	defaultStageTimeout   = 600 * time.Second
	defaultProbeTimeout   = 30 * time.Second
)

// PipelineConfig configures the install/build/serve gate.
// Zero values select the pnpm defaults.
type PipelineConfig struct {
	InstallCommand string
	BuildCommand   string
	ServeCommand   string
	Port           int
	InstallTimeout time.Duration
	BuildTimeout   time.Duration
	ProbeTimeout   time.Duration
	ProbePath      string
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.InstallCommand == "" {
		c.InstallCommand = defaultInstallCommand
	}
	if c.BuildCommand == "" {
		c.BuildCommand = defaultBuildCommand
	}
	if c.ServeCommand == "" {
		c.ServeCommand = defaultServeCommand
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.InstallTimeout == 0 {
		c.InstallTimeout = defaultStageTimeout
	}
	if c.BuildTimeout == 0 {
		c.BuildTimeout = defaultStageTimeout
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.ProbePath == "" {
		c.ProbePath = "/"
	}
	return c
}

// Report records the outcome of each stage. A stage that never ran because
// an earlier one failed stays false.
type Report struct {
	InstallOK   bool   `json:"install_ok"`
	BuildOK     bool   `json:"build_ok"`
	ServeOK     bool   `json:"serve_ok"`
	OverallPass bool   `json:"overall_pass"`
	Detail      string `json:"detail,omitempty"`
}

// Pipeline is the mechanical install → build → serve-and-probe gate.
type Pipeline struct {
	exec   sandbox.Executor
	procs  *sandbox.Manager
	cfg    PipelineConfig
	logger *slog.Logger
}

// NewPipeline creates the gate over a sandbox and process manager.
func NewPipeline(exec sandbox.Executor, procs *sandbox.Manager, cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		exec:   exec,
		procs:  procs,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Run executes the stages in order, short-circuiting on the first failure.
// The serve stage's process is terminated on every path, probe outcome
// included.
func (p *Pipeline) Run(ctx context.Context) *Report {
	report := &Report{}

	if !p.stage(ctx, "install", p.cfg.InstallCommand, p.cfg.InstallTimeout, report, &report.InstallOK) {
		return report
	}
	if !p.stage(ctx, "build", p.cfg.BuildCommand, p.cfg.BuildTimeout, report, &report.BuildOK) {
		return report
	}
	p.serveAndProbe(ctx, report)

	report.OverallPass = report.InstallOK && report.BuildOK && report.ServeOK
	return report
}

// stage runs one foreground command and records its outcome.
func (p *Pipeline) stage(ctx context.Context, name, command string, timeout time.Duration, report *Report, ok *bool) bool {
	res, err := p.exec.Execute(ctx, sandbox.Request{Command: command, Timeout: timeout})
	if err != nil {
		report.Detail = fmt.Sprintf("%s stage: %v", name, err)
		return false
	}
	if !res.Success {
		detail := res.Error
		if detail == "" {
			detail = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		report.Detail = fmt.Sprintf("%s stage failed: %s", name, detail)
		p.logger.Warn("pipeline stage failed",
			slog.String("stage", name),
			slog.Int("exit_code", res.ExitCode),
			slog.Bool("timed_out", res.TimedOut),
		)
		return false
	}

	*ok = true
	p.logger.Info("pipeline stage passed",
		slog.String("stage", name),
		slog.Duration("duration", res.Duration),
	)
	return true
}

func (p *Pipeline) serveAndProbe(ctx context.Context, report *Report) {
	proc, err := p.procs.Spawn(p.cfg.ServeCommand, "", p.cfg.Port)
	if err != nil {
		report.Detail = fmt.Sprintf("serve stage: %v", err)
		return
	}
	defer func() {
		if terr := p.procs.Terminate(proc); terr != nil {
			p.logger.Error("terminating server failed",
				slog.Int("pgid", proc.PGID),
				slog.String("error", terr.Error()),
			)
		}
	}()

	h := p.procs.Probe(ctx, proc, p.cfg.Port, p.cfg.ProbeTimeout, p.cfg.ProbePath)
	report.ServeOK = h.Ready
	if !h.Ready {
		report.Detail = fmt.Sprintf("serve stage: %s", h.Detail)
		if h.Crashed {
			report.Detail = "serve stage: server crashed during startup"
		}
	}
}
