package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/agentd/internal/retry"
	"github.com/agentd/internal/store"
)

type fakeGenerator struct {
	responses []*Response
	errs      []error
	calls     int
}

func (f *fakeGenerator) Generate(_ context.Context, _ string, _ []*store.Message, _ []llms.Tool) (*Response, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &Response{}, nil
}

func fastRetryConfig() retry.Config {
	return retry.Config{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestResilientRetriesTransientErrors(t *testing.T) {
	fake := &fakeGenerator{
		errs:      []error{errors.New("rate limit"), nil},
		responses: []*Response{nil, {Content: "ok"}},
	}
	r := NewResilientWithConfig(fake, fastRetryConfig())

	resp, err := r.Generate(context.Background(), "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 2, fake.calls)
}

func TestResilientStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("invalid request")
	fake := &fakeGenerator{errs: []error{permanent, permanent, permanent}}
	r := NewResilientWithConfig(fake, fastRetryConfig())

	_, err := r.Generate(context.Background(), "", nil, nil)
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, fake.calls)
}

func TestResilientRepairsToolArguments(t *testing.T) {
	fake := &fakeGenerator{
		responses: []*Response{{
			ToolCalls: []ToolCall{
				{ID: "call_1", Name: "web_search", Arguments: `{"query": "go",}`},
				{ID: "call_2", Name: "ask", Arguments: `{"text": "done"}`},
			},
		}},
	}
	r := NewResilientWithConfig(fake, fastRetryConfig())

	resp, err := r.Generate(context.Background(), "", nil, nil)
	require.NoError(t, err)

	// Trailing comma fixed, valid arguments untouched.
	assert.True(t, json.Valid([]byte(resp.ToolCalls[0].Arguments)))
	assert.Equal(t, `{"text": "done"}`, resp.ToolCalls[1].Arguments)
}
