package hooks

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/agentd/internal/tools"
)

// terminatingTools end the run when called: the model has either handed
// control to the user or declared the task done.
var terminatingTools = map[string]bool{
	tools.NameAsk:      true,
	tools.NameComplete: true,
}

// Terminator interrupts the loop after a terminating tool has run.
type Terminator struct{}

func NewTerminator() *Terminator { return &Terminator{} }

func (h *Terminator) Name() string { return "terminator" }

func (h *Terminator) Run(_ context.Context, phase Phase, ev *Event) error {
	if phase != PostActing || ev.ToolCall == nil {
		return nil
	}
	if !terminatingTools[ev.ToolCall.Name] {
		return nil
	}

	log.Debug().
		Str("run_id", ev.RunID).
		Str("tool", ev.ToolCall.Name).
		Msg("Terminating tool called, interrupting run")
	if ev.Interrupt != nil {
		ev.Interrupt()
	}
	return nil
}
