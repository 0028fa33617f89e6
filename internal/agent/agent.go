// Package agent runs the tool-use control loop that drives one episode.
//
// The loop is a small state machine over an explicit Session value:
// RUNNING until the model's finish_task call succeeds (DONE) or the step
// budget runs out (STEP_LIMIT_REACHED). A stalled model or a failed model
// call aborts the episode with an error; the session history survives for
// diagnosis.
package agent

import (
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/jenga/internal/llm"
)

// State is the control loop's episode state.
type State string

const (
	StateRunning   State = "RUNNING"
	StateDone      State = "DONE"
	StateStepLimit State = "STEP_LIMIT_REACHED"
)

// Session is the complete, explicit state of one episode. Steps take a
// Session and return the advanced one; nothing about an episode lives in
// loop fields.
type Session struct {
	ID        string
	Task      string
	Messages  []llm.Message
	StepCount int
	State     State
	Summary   string
	Usage     llm.Usage
	StartedAt time.Time
}

// NewSession starts a RUNNING session for the given task.
func NewSession(task string) Session {
	return Session{
		ID:        uuid.NewString(),
		Task:      task,
		Messages:  []llm.Message{llm.UserText(task)},
		State:     StateRunning,
		StartedAt: time.Now().UTC(),
	}
}

// Duration returns the elapsed time since the session started.
func (s *Session) Duration() time.Duration {
	return time.Since(s.StartedAt)
}
