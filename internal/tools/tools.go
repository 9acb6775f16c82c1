// Package tools holds the built-in tools every agent run carries: asking
// the user, completing the task, expanding compressed history, and
// initializing optional tools on demand.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentd/internal/store"
	"github.com/agentd/internal/toolkit"
)

// Names of the built-in tools.
const (
	NameAsk             = "ask"
	NameComplete        = "complete"
	NameExpandMessage   = "expand_message"
	NameInitializeTools = "initialize_tools"
)

// Ask pauses the run and puts a question or intermediate result in front
// of the user. Calling it ends the current run.
type Ask struct{}

func (Ask) Name() string { return NameAsk }

func (Ask) Description() string {
	return "Ask the user a question or present intermediate results. Ends the current turn and waits for the user."
}

func (Ask) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "The question or information to present to the user.",
			},
		},
		"required": []string{"text"},
	}
}

func (Ask) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("decode ask arguments: %w", err)
	}
	return p.Text, nil
}

// Complete signals that the task is finished. Calling it ends the run.
type Complete struct{}

func (Complete) Name() string { return NameComplete }

func (Complete) Description() string {
	return "Mark the task as complete with a final summary. Ends the run."
}

func (Complete) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{
				"type":        "string",
				"description": "Final summary of what was accomplished.",
			},
		},
		"required": []string{"summary"},
	}
}

func (Complete) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("decode complete arguments: %w", err)
	}
	return p.Summary, nil
}

// ExpandMessage retrieves the full content of a message by id, bypassing
// compression. It reads straight from the store so summarized history
// stays reachable.
type ExpandMessage struct {
	Messages store.Messages
}

func (ExpandMessage) Name() string { return NameExpandMessage }

func (ExpandMessage) Description() string {
	return "Retrieve the full original content of a message by its id, including messages folded into a summary."
}

func (ExpandMessage) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message_id": map[string]any{
				"type":        "string",
				"description": "The id of the message to expand.",
			},
		},
		"required": []string{"message_id"},
	}
}

func (t ExpandMessage) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("decode expand_message arguments: %w", err)
	}
	msg, err := t.Messages.Get(ctx, p.MessageID)
	if err != nil {
		return "", fmt.Errorf("load message: %w", err)
	}
	if msg == nil {
		return "", fmt.Errorf("message %s not found", p.MessageID)
	}
	return string(msg.Content), nil
}

// InitializeTools is the meta tool the model calls to enable optional tools
// for the current thread.
type InitializeTools struct {
	Activator *toolkit.Activator
	ThreadID  string
}

func (InitializeTools) Name() string { return NameInitializeTools }

func (InitializeTools) Description() string {
	return "Activate one or more optional tools by name. Pass a comma-separated list of tool names."
}

func (t InitializeTools) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tool_names": map[string]any{
				"type":        "string",
				"description": "Comma-separated tool names to activate. Available: " + joinNames(t.Activator),
			},
		},
		"required": []string{"tool_names"},
	}
}

func (t InitializeTools) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		ToolNames string `json:"tool_names"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("decode initialize_tools arguments: %w", err)
	}
	return t.Activator.InitializeTools(ctx, t.ThreadID, p.ToolNames), nil
}

func joinNames(a *toolkit.Activator) string {
	names := a.Registry().Available()
	out := ""
	for i, name := range names {
		if i > 0 {
			out += ", "
		}
		out += name
	}
	return out
}
