package prompts

import (
	"fmt"
	"strings"
	"time"
)

// SystemPrompt is the base instruction set for the agent. The CLI can
// override it wholesale from the config file.
const SystemPrompt = `You are a capable assistant working inside a tool-using agent loop.

Work iteratively: reason about the task, call tools when they help, and read
their results before deciding the next step. Keep responses grounded in tool
output rather than guesses.

Tool rules:
- Call 'initialize_tools' before using any tool that is not yet active.
- When part of the conversation has been folded into a <compressed_context>
  summary, use 'expand_message' with a message id from that summary to recover
  the full text.
- When you need input from the user, call 'ask' with a clear question.
- When the task is finished, call 'complete' with a short summary of what was
  done. Do not keep iterating after the task is done.`

// Build assembles the effective system prompt: the base (or its override),
// the current date, and a note about which optional tools exist.
func Build(override string, optionalTools []string) string {
	base := SystemPrompt
	if strings.TrimSpace(override) != "" {
		base = override
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString(fmt.Sprintf("\n\nCurrent date: %s", time.Now().Format("2006-01-02")))
	if len(optionalTools) > 0 {
		b.WriteString("\nOptional tools available for activation: ")
		b.WriteString(strings.Join(optionalTools, ", "))
	}
	return b.String()
}
