package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/jenga/internal/llm"
	"github.com/jkaninda/jenga/internal/tools"
)

const (
	defaultMaxSteps  = 50
	defaultMaxTokens = 4096
)

// Config bounds the control loop.
type Config struct {
	MaxSteps     int    // 0 = 50
	MaxTokens    int    // 0 = 4096
	SystemPrompt string // "" = the built-in prompt
}

// Loop drives the model/tool conversation for an episode.
type Loop struct {
	provider   llm.Provider
	dispatcher *tools.Dispatcher
	maxSteps   int
	maxTokens  int
	system     string
	logger     *slog.Logger
}

// NewLoop creates a control loop over a provider and tool dispatcher.
func NewLoop(provider llm.Provider, dispatcher *tools.Dispatcher, cfg Config, logger *slog.Logger) *Loop {
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	return &Loop{
		provider:   provider,
		dispatcher: dispatcher,
		maxSteps:   maxSteps,
		maxTokens:  maxTokens,
		system:     system,
		logger:     logger,
	}
}

// Run executes the loop for task until DONE, the step limit, or an abort.
// On abort (model error or stall) the returned session still carries the
// full history accumulated so far.
func (l *Loop) Run(ctx context.Context, task string) (Session, error) {
	s := NewSession(task)

	l.logger.InfoContext(ctx, "episode started",
		slog.String("session_id", s.ID),
		slog.Int("max_steps", l.maxSteps),
	)

	for s.State == StateRunning {
		if s.StepCount >= l.maxSteps {
			s.State = StateStepLimit
			break
		}

		var err error
		s, err = l.step(ctx, s)
		if err != nil {
			return s, err
		}
	}

	l.logger.InfoContext(ctx, "episode finished",
		slog.String("session_id", s.ID),
		slog.String("state", string(s.State)),
		slog.Int("steps", s.StepCount),
		slog.Int("input_tokens", s.Usage.InputTokens),
		slog.Int("output_tokens", s.Usage.OutputTokens),
	)
	return s, nil
}

// step performs one model call and dispatches the tool calls it requested,
// in order. A successful finish_task flips the session to DONE; calls after
// it in the same response are acknowledged but not executed.
func (l *Loop) step(ctx context.Context, s Session) (Session, error) {
	s.StepCount++

	resp, err := l.provider.Complete(ctx, &llm.Request{
		System:    l.system,
		Messages:  s.Messages,
		MaxTokens: l.maxTokens,
		Tools:     tools.Definitions(),
	})
	if err != nil {
		// No retry here: the episode owner decides what a failed model
		// call is worth.
		return s, fmt.Errorf("model call failed at step %d: %w", s.StepCount, err)
	}
	s.Usage.Add(resp.Usage)
	s.Messages = append(s.Messages, llm.Message{Role: llm.RoleAssistant, Blocks: resp.Blocks})

	if !resp.HasToolCalls() {
		if strings.TrimSpace(resp.Text()) == "" {
			return s, fmt.Errorf("model stalled at step %d: no tool call and no content", s.StepCount)
		}
		// Plain prose without an action: remind the model how to make
		// progress and keep going.
		s.Messages = append(s.Messages, llm.UserText(
			"Continue working. Use a tool, or call finish_task when the application is complete."))
		return s, nil
	}

	calls := resp.ToolCalls()
	observations := make([]llm.Block, 0, len(calls))
	for _, call := range calls {
		if s.State == StateDone {
			observations = append(observations, llm.ToolResult(call.ID, "skipped: task already finished", true))
			continue
		}

		res := l.dispatcher.Dispatch(ctx, s.StepCount, tools.Call{
			ID:    call.ID,
			Name:  call.Name,
			Input: call.Input,
		})
		observations = append(observations, llm.ToolResult(call.ID, formatObservation(res), !res.Success))

		if tools.Name(call.Name) == tools.FinishTask && res.Success {
			s.State = StateDone
			s.Summary = res.Output
		}
	}
	s.Messages = append(s.Messages, llm.Message{Role: llm.RoleUser, Blocks: observations})

	return s, nil
}

// formatObservation renders a tool result as the observation text the model
// sees, capped to the output limit.
func formatObservation(res *tools.Result) string {
	if res.Success {
		if res.Output == "" {
			return "ok"
		}
		return tools.TruncateOutput(res.Output, tools.MaxOutputBytes)
	}
	obs := "Error: " + res.Error
	if res.Output != "" {
		obs += "\n" + res.Output
	}
	return tools.TruncateOutput(obs, tools.MaxOutputBytes)
}
