package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/jenga/internal/config"
	"github.com/jkaninda/jenga/internal/runner"
)

var (
	runConfigPath string
	runTask       string
	runPromptsCSV string
	runPromptIdx  int
	runMaxSteps   int
	runTemplate   string
	runWithGrade  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one agent episode against a task",
	Long: `Run one agent episode. The task comes from --task, or from a row of a
CSV file with a "prompt" column via --prompts and --index. The episode gets
a fresh workspace under the runs directory and its outcome is written to
result.json and the episode store.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringVarP(&runTask, "task", "t", "", "task for the agent")
	runCmd.Flags().StringVar(&runPromptsCSV, "prompts", "", "CSV file with a prompt column")
	runCmd.Flags().IntVar(&runPromptIdx, "index", 0, "row index into --prompts")
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "override the agent step budget")
	runCmd.Flags().StringVar(&runTemplate, "template", "", "override the workspace template directory")
	runCmd.Flags().BoolVar(&runWithGrade, "grade", false, "grade the workspace after the episode")
}

// runRun executes a single episode and prints the outcome.
func runRun(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if runMaxSteps > 0 {
		cfg.Agent.MaxSteps = runMaxSteps
	}
	if runTemplate != "" {
		cfg.TemplateDir = runTemplate
	}
	if runWithGrade {
		cfg.Grading.Enabled = true
	}

	task := strings.TrimSpace(runTask)
	if task == "" && runPromptsCSV != "" {
		task, err = runner.LoadPrompt(runPromptsCSV, runPromptIdx)
		if err != nil {
			return err
		}
	}
	if task == "" {
		return fmt.Errorf("a task is required (use --task or --prompts)")
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, runErr := sc.Runner.RunEpisode(ctx, task)
	if res != nil {
		printResult(res)
	}
	return runErr
}

func printResult(res *runner.Result) {
	fmt.Printf("episode:  %s\n", res.EpisodeID)
	fmt.Printf("state:    %s\n", res.State)
	fmt.Printf("steps:    %d\n", res.Steps)
	if res.Summary != "" {
		fmt.Printf("summary:  %s\n", res.Summary)
	}
	if res.Error != "" {
		fmt.Printf("error:    %s\n", res.Error)
	}
	if res.Pipeline != nil {
		fmt.Printf("pipeline: install=%t build=%t serve=%t pass=%t\n",
			res.Pipeline.InstallOK, res.Pipeline.BuildOK, res.Pipeline.ServeOK, res.Pipeline.OverallPass)
	}
	if res.Evaluation != nil {
		fmt.Printf("score:    %.1f / %.1f\n", res.Evaluation.Total, res.Evaluation.Max)
	}
	fmt.Printf("tokens:   %d in / %d out\n", res.InputTokens, res.OutputTokens)
	fmt.Printf("dir:      %s\n", res.EpisodeDir)
}
