package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Emitter appends one event to the run's output stream.
type Emitter interface {
	Emit(ctx context.Context, runID string, payload json.RawMessage) error
}

// Streamer publishes the run's progress: the assistant reply after each
// reasoning phase and every tool result after acting. Consumers poll the
// stream; nothing here blocks the loop.
type Streamer struct {
	emitter Emitter
	// lastAssistant recovers the most recent persisted assistant id when the
	// event does not carry one, by scanning memory backward.
	lastAssistant func() string
}

func NewStreamer(emitter Emitter, lastAssistant func() string) *Streamer {
	return &Streamer{emitter: emitter, lastAssistant: lastAssistant}
}

func (h *Streamer) Name() string { return "streamer" }

func (h *Streamer) assistantID(ev *Event) string {
	if ev.AssistantMessageID != "" || h.lastAssistant == nil {
		return ev.AssistantMessageID
	}
	return h.lastAssistant()
}

func (h *Streamer) Run(ctx context.Context, phase Phase, ev *Event) error {
	switch phase {
	case PostReasoning:
		if ev.Response == nil {
			return nil
		}
		return h.emit(ctx, ev.RunID, map[string]any{
			"type":       "assistant",
			"message_id": h.assistantID(ev),
			"content":    ev.Response.Content,
			"tool_calls": ev.Response.ToolCalls,
			"iteration":  ev.Iteration,
			"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		})
	case PostActing:
		if ev.ToolCall == nil {
			return nil
		}
		payload := map[string]any{
			"type": "tool",
			// Ties the result back to the assistant message that asked
			// for it.
			"assistant_message_id": h.assistantID(ev),
			"message_id":           ev.ToolResultID,
			"tool_call_id":         ev.ToolCall.ID,
			"tool_name":            ev.ToolCall.Name,
			"content":              ev.ToolResult,
			"iteration":            ev.Iteration,
			"ts":                   time.Now().UTC().Format(time.RFC3339Nano),
		}
		if ev.ToolErr != nil {
			payload["error"] = ev.ToolErr.Error()
		}
		return h.emit(ctx, ev.RunID, payload)
	}
	return nil
}

func (h *Streamer) emit(ctx context.Context, runID string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}
	return h.emitter.Emit(ctx, runID, raw)
}
