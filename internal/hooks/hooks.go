// Package hooks implements the extension points of the agent loop. Hooks
// observe each iteration at fixed phases; the loop itself stays free of
// billing, persistence, and streaming concerns.
package hooks

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/agentd/internal/llm"
)

// Phase is a point in the agent loop where hooks fire.
type Phase string

const (
	PreReasoning  Phase = "pre_reasoning"
	PostReasoning Phase = "post_reasoning"
	PreActing     Phase = "pre_acting"
	PostActing    Phase = "post_acting"
)

// Event is the loop state passed to hooks. Fields are filled per phase:
// Response after reasoning, ToolCall before acting, ToolResult after.
type Event struct {
	RunID     string
	ThreadID  string
	AccountID string
	Model     string
	Iteration int

	Response           *llm.Response
	AssistantMessageID string

	ToolCall     *llm.ToolCall
	ToolResult   string
	ToolErr      error
	ToolResultID string

	// Interrupt asks the loop to stop after the current iteration.
	Interrupt func()
}

// Hook observes one or more phases of the loop.
type Hook interface {
	Name() string
	Run(ctx context.Context, phase Phase, ev *Event) error
}

// Pipeline dispatches events to hooks in registration order.
type Pipeline struct {
	hooks map[Phase][]Hook
}

func NewPipeline() *Pipeline {
	return &Pipeline{hooks: make(map[Phase][]Hook)}
}

// Register subscribes a hook to a phase. Order of registration is order
// of execution.
func (p *Pipeline) Register(phase Phase, hook Hook) {
	p.hooks[phase] = append(p.hooks[phase], hook)
}

// Run fires all hooks of a phase. In the pre-reasoning phase the first
// error aborts and is returned, so a gate hook can stop the run before the
// model is called. In post phases errors are logged and the remaining
// hooks still fire: a broken observer must not kill a running agent.
func (p *Pipeline) Run(ctx context.Context, phase Phase, ev *Event) error {
	for _, hook := range p.hooks[phase] {
		if err := hook.Run(ctx, phase, ev); err != nil {
			if phase == PreReasoning {
				return err
			}
			log.Error().
				Str("hook", hook.Name()).
				Str("phase", string(phase)).
				Str("run_id", ev.RunID).
				Err(err).
				Msg("Hook failed")
		}
	}
	return nil
}
