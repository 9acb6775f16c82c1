package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/agentd/internal/compression"
	"github.com/agentd/internal/hooks"
	"github.com/agentd/internal/llm"
	"github.com/agentd/internal/memory"
	"github.com/agentd/internal/store"
	"github.com/agentd/internal/toolkit"
)

// Runner drives one agent run: reason, act, repeat, with the hook pipeline
// observing each phase.
type Runner struct {
	generator    llm.Generator
	registry     *toolkit.Registry
	pipeline     *hooks.Pipeline
	compressor   *compression.Compressor
	systemPrompt string
	model        string
	maxIters     int
}

// RunnerParams wires a Runner.
type RunnerParams struct {
	Generator     llm.Generator
	Registry      *toolkit.Registry
	Pipeline      *hooks.Pipeline
	Compressor    *compression.Compressor
	SystemPrompt  string
	Model         string
	MaxIterations int
}

func NewRunner(p RunnerParams) *Runner {
	if p.MaxIterations <= 0 {
		p.MaxIterations = 25
	}
	return &Runner{
		generator:    p.Generator,
		registry:     p.Registry,
		pipeline:     p.Pipeline,
		compressor:   p.Compressor,
		systemPrompt: p.SystemPrompt,
		model:        p.Model,
		maxIters:     p.MaxIterations,
	}
}

// Run executes the loop over the given memory until the model stops calling
// tools, a terminating tool fires, the iteration cap is hit, or the context
// is cancelled. The returned status is one of the run statuses; err is only
// set for failed runs.
func (r *Runner) Run(ctx context.Context, runID, accountID string, mem *memory.Memory) (string, error) {
	var interrupted atomic.Bool

	for iteration := 1; iteration <= r.maxIters; iteration++ {
		if err := ctx.Err(); err != nil {
			return store.RunStatusStopped, nil
		}

		if r.compressor != nil && r.compressor.ShouldCompress(mem) {
			if err := r.compressor.Compress(ctx, mem); err != nil {
				log.Warn().
					Str("run_id", runID).
					Err(err).
					Msg("Compression failed, continuing with full history")
			}
		}

		ev := &hooks.Event{
			RunID:     runID,
			ThreadID:  mem.ThreadID(),
			AccountID: accountID,
			Model:     r.model,
			Iteration: iteration,
			Interrupt: func() { interrupted.Store(true) },
		}

		if err := r.pipeline.Run(ctx, hooks.PreReasoning, ev); err != nil {
			return store.RunStatusFailed, err
		}

		resp, err := r.generator.Generate(ctx, r.systemPrompt, mem.Context(ctx), r.registry.Definitions())
		if err != nil {
			if ctx.Err() != nil {
				return store.RunStatusStopped, nil
			}
			return store.RunStatusFailed, fmt.Errorf("model call failed: %w", err)
		}

		// Persistence failures degrade the run instead of killing it: the
		// model already produced the reply, so we keep going with whatever
		// the store accepted and log the gap.
		assistantID, err := r.persistAssistant(ctx, mem, resp)
		if err != nil {
			log.Error().
				Str("run_id", runID).
				Err(err).
				Msg("Assistant message persistence failed, continuing degraded")
		}

		ev.Response = resp
		ev.AssistantMessageID = assistantID
		r.pipeline.Run(ctx, hooks.PostReasoning, ev)

		if len(resp.ToolCalls) == 0 {
			// A plain text reply ends the turn.
			return store.RunStatusCompleted, nil
		}

		for i := range resp.ToolCalls {
			tc := resp.ToolCalls[i]

			// Every call in the batch gets a result, even after a
			// terminating tool fired: an assistant message with unanswered
			// tool calls would poison the next model request.
			var content string
			var toolErr error
			if interrupted.Load() {
				content = "Tool was not executed: the run ended before this call."
			} else {
				ev.ToolCall = &tc
				r.pipeline.Run(ctx, hooks.PreActing, ev)

				content, toolErr = r.registry.Execute(ctx, tc.Name, json.RawMessage(tc.Arguments))
				if toolErr != nil {
					content = "Error: " + toolErr.Error()
					log.Warn().
						Str("run_id", runID).
						Str("tool", tc.Name).
						Err(toolErr).
						Msg("Tool execution failed")
				}
			}

			resultID, err := r.persistToolResult(ctx, mem, tc, content)
			if err != nil {
				log.Error().
					Str("run_id", runID).
					Str("tool", tc.Name).
					Err(err).
					Msg("Tool result persistence failed, continuing degraded")
			}

			ev.ToolCall = &tc
			ev.ToolResult = content
			ev.ToolErr = toolErr
			ev.ToolResultID = resultID
			r.pipeline.Run(ctx, hooks.PostActing, ev)
		}

		if interrupted.Load() {
			return store.RunStatusCompleted, nil
		}
		if ctx.Err() != nil {
			return store.RunStatusStopped, nil
		}
	}

	log.Info().
		Str("run_id", runID).
		Int("max_iterations", r.maxIters).
		Msg("Iteration cap reached, ending run")
	return store.RunStatusCompleted, nil
}

func (r *Runner) persistAssistant(ctx context.Context, mem *memory.Memory, resp *llm.Response) (string, error) {
	payload, err := json.Marshal(llm.Payload{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})
	if err != nil {
		return "", fmt.Errorf("encode assistant message: %w", err)
	}
	msg, err := mem.Add(ctx, store.TypeAssistant, payload, true)
	if err != nil {
		return "", fmt.Errorf("persist assistant message: %w", err)
	}
	return msg.ID, nil
}

func (r *Runner) persistToolResult(ctx context.Context, mem *memory.Memory, tc llm.ToolCall, content string) (string, error) {
	payload, err := json.Marshal(llm.Payload{
		Role:       "tool",
		ToolCallID: tc.ID,
		Name:       tc.Name,
		Content:    content,
	})
	if err != nil {
		return "", fmt.Errorf("encode tool message: %w", err)
	}
	msg, err := mem.Add(ctx, store.TypeTool, payload, true)
	if err != nil {
		return "", fmt.Errorf("persist tool message: %w", err)
	}
	return msg.ID, nil
}
