package llm

import (
	"context"
	"encoding/json"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"github.com/agentd/internal/retry"
	"github.com/agentd/internal/store"
)

// Generator is the interface the agent loop calls a model through.
type Generator interface {
	Generate(ctx context.Context, systemPrompt string, history []*store.Message, tools []llms.Tool) (*Response, error)
}

// Resilient wraps a Generator with exponential backoff on transient failures
// and repair of malformed tool call arguments.
type Resilient struct {
	inner  Generator
	config retry.Config
}

func NewResilient(inner Generator) *Resilient {
	return &Resilient{inner: inner, config: retry.LLMConfig()}
}

func NewResilientWithConfig(inner Generator, config retry.Config) *Resilient {
	return &Resilient{inner: inner, config: config}
}

func (r *Resilient) Generate(ctx context.Context, systemPrompt string, history []*store.Message, tools []llms.Tool) (*Response, error) {
	var resp *Response
	var permanent error

	result := retry.WithBackoffAndReason(ctx, r.config, func() (error, string) {
		out, err := r.inner.Generate(ctx, systemPrompt, history, tools)
		if err != nil {
			if !retry.IsRetryableError(err) {
				// Returning nil stops the backoff loop; the caller sees
				// the original error through permanent.
				permanent = err
				return nil, "permanent"
			}
			return err, err.Error()
		}
		resp = out
		return nil, ""
	})

	if permanent != nil {
		return nil, permanent
	}
	if !result.Success && result.LastError != nil {
		return nil, result.LastError
	}

	repairToolArguments(resp)
	return resp, nil
}

// repairToolArguments fixes malformed JSON in tool call arguments in place.
// Arguments that cannot be repaired are left untouched and will fail when
// the tool decodes them.
func repairToolArguments(resp *Response) {
	if resp == nil {
		return
	}
	for i := range resp.ToolCalls {
		args := resp.ToolCalls[i].Arguments
		if args == "" || json.Valid([]byte(args)) {
			continue
		}
		repaired, err := jsonrepair.JSONRepair(args)
		if err != nil || !json.Valid([]byte(repaired)) {
			log.Warn().
				Str("tool", resp.ToolCalls[i].Name).
				Err(err).
				Msg("Could not repair malformed tool arguments")
			continue
		}
		log.Debug().
			Str("tool", resp.ToolCalls[i].Name).
			Int("original_bytes", len(args)).
			Int("repaired_bytes", len(repaired)).
			Msg("Repaired malformed tool arguments")
		resp.ToolCalls[i].Arguments = repaired
	}
}
