package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/jenga/internal/config"
	"github.com/jkaninda/jenga/internal/grader"
	"github.com/jkaninda/jenga/internal/sandbox"
	"github.com/jkaninda/jenga/internal/workspace"
)

var (
	gradeConfigPath string
	gradeDir        string
	gradeAgentLog   string
)

var gradeCmd = &cobra.Command{
	Use:   "grade",
	Short: "Grade an existing workspace",
	Long: `Grade an existing workspace with the install/build/serve gate. When a
rubric is configured, the workspace is also scored by the model judge.
The agent log, if provided, is shown to the judge alongside the sources.`,
	RunE: runGrade,
}

func init() {
	gradeCmd.Flags().StringVar(&gradeConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	gradeCmd.Flags().StringVarP(&gradeDir, "dir", "d", "", "workspace directory to grade")
	gradeCmd.Flags().StringVar(&gradeAgentLog, "agent-log", "", "agent log shown to the rubric judge")
	_ = gradeCmd.MarkFlagRequired("dir")
}

// runGrade runs the mechanical gate and the optional rubric judge over an
// existing workspace.
func runGrade(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig(gradeConfigPath)
	if err != nil {
		return err
	}

	ws, err := workspace.New(gradeDir)
	if err != nil {
		return fmt.Errorf("opening workspace: %w", err)
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exec := sandbox.New(ws, sandbox.Config{DefaultTimeout: cfg.Sandbox.DefaultTimeout()}, logger)
	procs := sandbox.NewManager(ws, logger)
	pipeline := grader.NewPipeline(exec, procs, pipelineConfig(cfg), logger)

	report := pipeline.Run(ctx)
	fmt.Printf("install: %t\n", report.InstallOK)
	fmt.Printf("build:   %t\n", report.BuildOK)
	fmt.Printf("serve:   %t\n", report.ServeOK)
	fmt.Printf("pass:    %t\n", report.OverallPass)
	if report.Detail != "" {
		fmt.Printf("detail:  %s\n", report.Detail)
	}

	if cfg.Grading.RubricPath == "" {
		return nil
	}

	rubric, err := grader.LoadRubric(cfg.Grading.RubricPath)
	if err != nil {
		return fmt.Errorf("loading rubric: %w", err)
	}
	provider, err := buildProvider(cfg, logger)
	if err != nil {
		return err
	}

	eval, err := grader.NewJudge(provider, rubric, logger).Evaluate(ctx, ws.Root, gradeAgentLog)
	if err != nil {
		return fmt.Errorf("judging workspace: %w", err)
	}
	fmt.Printf("score:   %.1f / %.1f\n", eval.Total, eval.Max)
	for _, s := range eval.Scores {
		fmt.Printf("  %-24s %4.1f  %s\n", s.Criterion, s.Score, s.Reason)
	}
	return nil
}
