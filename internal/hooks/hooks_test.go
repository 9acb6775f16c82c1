package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentd/internal/billing"
	"github.com/agentd/internal/llm"
	"github.com/agentd/internal/tools"
)

type namedHook struct {
	name string
	fn   func(ctx context.Context, phase Phase, ev *Event) error
}

func (h *namedHook) Name() string { return h.name }
func (h *namedHook) Run(ctx context.Context, phase Phase, ev *Event) error {
	return h.fn(ctx, phase, ev)
}

func TestPipelinePreReasoningAborts(t *testing.T) {
	p := NewPipeline()
	var order []string

	p.Register(PreReasoning, &namedHook{"first", func(context.Context, Phase, *Event) error {
		order = append(order, "first")
		return errors.New("gate closed")
	}})
	p.Register(PreReasoning, &namedHook{"second", func(context.Context, Phase, *Event) error {
		order = append(order, "second")
		return nil
	}})

	err := p.Run(context.Background(), PreReasoning, &Event{})
	assert.Error(t, err)
	assert.Equal(t, []string{"first"}, order)
}

func TestPipelinePostPhaseContinuesPastErrors(t *testing.T) {
	p := NewPipeline()
	var order []string

	p.Register(PostActing, &namedHook{"broken", func(context.Context, Phase, *Event) error {
		order = append(order, "broken")
		return errors.New("observer died")
	}})
	p.Register(PostActing, &namedHook{"healthy", func(context.Context, Phase, *Event) error {
		order = append(order, "healthy")
		return nil
	}})

	err := p.Run(context.Background(), PostActing, &Event{})
	assert.NoError(t, err)
	assert.Equal(t, []string{"broken", "healthy"}, order)
}

type fatLedger struct{ balance billing.Balance }

func (l *fatLedger) GetBalance(context.Context, string) (*billing.Balance, error) {
	return &l.balance, nil
}
func (l *fatLedger) Deduct(context.Context, billing.DeductRequest) error { return nil }

func gatewayWithBalance(total, used int64) (*billing.Gateway, *countingEnqueuer) {
	resolver := billing.NewIdentityResolver(billing.EmailLookupFunc(func(context.Context, string) (string, error) {
		return "u_c@flashlabs.ai", nil
	}))
	enq := &countingEnqueuer{}
	return billing.NewGateway(true, &fatLedger{balance: billing.Balance{TokenTotal: total, TokenUsed: used}}, resolver, enq), enq
}

type countingEnqueuer struct{ reqs []billing.DeductRequest }

func (e *countingEnqueuer) EnqueueDeduction(_ context.Context, req billing.DeductRequest) error {
	e.reqs = append(e.reqs, req)
	return nil
}

func TestBillingGateChecksOncePerRun(t *testing.T) {
	ctx := context.Background()

	gw, _ := gatewayWithBalance(0, 0)
	gate := NewBillingGate(gw)
	ev := &Event{AccountID: "acct-1"}

	err := gate.Run(ctx, PreReasoning, ev)
	assert.ErrorIs(t, err, billing.ErrInsufficientCredits)

	// Second iteration does not re-check; the run was already admitted or
	// rejected on its first pass.
	assert.NoError(t, gate.Run(ctx, PreReasoning, ev))
}

func TestUsageMeterChargesOnPostReasoning(t *testing.T) {
	gw, enq := gatewayWithBalance(1000, 0)
	meter := NewUsageMeter(gw)

	ev := &Event{
		AccountID:          "acct-1",
		ThreadID:           "t1",
		Model:              "claude-sonnet-4-20250514",
		Iteration:          2,
		AssistantMessageID: "m9",
		Response: &llm.Response{
			Usage: llm.Usage{PromptTokens: 100000, CompletionTokens: 5000},
		},
	}
	require.NoError(t, meter.Run(context.Background(), PostReasoning, ev))
	require.Len(t, enq.reqs, 1)
	assert.Equal(t, billing.FeatLLMUsage, enq.reqs[0].FeatID)
	assert.Greater(t, enq.reqs[0].Value, int64(0))
	assert.Equal(t, "m9", enq.reqs[0].MessageID)

	// Zero usage means no charge.
	ev2 := &Event{AccountID: "acct-1", ThreadID: "t1", Model: "gpt-4o", Iteration: 3, Response: &llm.Response{}}
	require.NoError(t, meter.Run(context.Background(), PostReasoning, ev2))
	assert.Len(t, enq.reqs, 1)
}

func TestUsageMeterChargesEveryRunOnAThread(t *testing.T) {
	gw, enq := gatewayWithBalance(1000, 0)
	meter := NewUsageMeter(gw)
	ctx := context.Background()

	usage := llm.Usage{PromptTokens: 100000, CompletionTokens: 5000}

	// Two separate runs over the same thread both start at iteration 1.
	// Each model call is a distinct charge.
	require.NoError(t, meter.Run(ctx, PostReasoning, &Event{
		AccountID: "acct-1", ThreadID: "t1", RunID: "r1",
		Model: "claude-sonnet-4-20250514", Iteration: 1,
		AssistantMessageID: "m1",
		Response:           &llm.Response{Usage: usage},
	}))
	require.NoError(t, meter.Run(ctx, PostReasoning, &Event{
		AccountID: "acct-1", ThreadID: "t1", RunID: "r2",
		Model: "claude-sonnet-4-20250514", Iteration: 1,
		AssistantMessageID: "m2",
		Response:           &llm.Response{Usage: usage},
	}))
	assert.Len(t, enq.reqs, 2)

	// Even without persisted assistant ids, the run id keeps the charges
	// apart.
	require.NoError(t, meter.Run(ctx, PostReasoning, &Event{
		AccountID: "acct-1", ThreadID: "t1", RunID: "r3",
		Model: "claude-sonnet-4-20250514", Iteration: 1,
		Response: &llm.Response{Usage: usage},
	}))
	require.NoError(t, meter.Run(ctx, PostReasoning, &Event{
		AccountID: "acct-1", ThreadID: "t1", RunID: "r4",
		Model: "claude-sonnet-4-20250514", Iteration: 1,
		Response: &llm.Response{Usage: usage},
	}))
	assert.Len(t, enq.reqs, 4)

	// Re-entry of the same event is still deduplicated.
	require.NoError(t, meter.Run(ctx, PostReasoning, &Event{
		AccountID: "acct-1", ThreadID: "t1", RunID: "r2",
		Model: "claude-sonnet-4-20250514", Iteration: 1,
		AssistantMessageID: "m2",
		Response:           &llm.Response{Usage: usage},
	}))
	assert.Len(t, enq.reqs, 4)
}

func TestPipelinePreActingContinuesPastErrors(t *testing.T) {
	p := NewPipeline()
	var order []string

	p.Register(PreActing, &namedHook{"broken", func(context.Context, Phase, *Event) error {
		order = append(order, "broken")
		return errors.New("observer died")
	}})
	p.Register(PreActing, &namedHook{"healthy", func(context.Context, Phase, *Event) error {
		order = append(order, "healthy")
		return nil
	}})

	err := p.Run(context.Background(), PreActing, &Event{})
	assert.NoError(t, err)
	assert.Equal(t, []string{"broken", "healthy"}, order)
}

type memEmitter struct{ payloads []json.RawMessage }

func (e *memEmitter) Emit(_ context.Context, _ string, payload json.RawMessage) error {
	e.payloads = append(e.payloads, payload)
	return nil
}

func TestStreamerEmitsAssistantAndToolEvents(t *testing.T) {
	emitter := &memEmitter{}
	s := NewStreamer(emitter, nil)
	ctx := context.Background()

	require.NoError(t, s.Run(ctx, PostReasoning, &Event{
		RunID:              "r1",
		AssistantMessageID: "m1",
		Response:           &llm.Response{Content: "thinking"},
	}))
	require.NoError(t, s.Run(ctx, PostActing, &Event{
		RunID:              "r1",
		AssistantMessageID: "m1",
		ToolCall:           &llm.ToolCall{ID: "call_1", Name: "web_search"},
		ToolResult:         "results",
	}))

	require.Len(t, emitter.payloads, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal(emitter.payloads[0], &first))
	assert.Equal(t, "assistant", first["type"])
	assert.Equal(t, "thinking", first["content"])

	var second map[string]any
	require.NoError(t, json.Unmarshal(emitter.payloads[1], &second))
	assert.Equal(t, "tool", second["type"])
	assert.Equal(t, "m1", second["assistant_message_id"])
	assert.Equal(t, "web_search", second["tool_name"])
}

func TestStreamerRecoversAssistantIDFromMemory(t *testing.T) {
	emitter := &memEmitter{}
	s := NewStreamer(emitter, func() string { return "m42" })
	ctx := context.Background()

	// The event carries no assistant id; the streamer falls back to the
	// most recent persisted one.
	require.NoError(t, s.Run(ctx, PostActing, &Event{
		RunID:      "r1",
		ToolCall:   &llm.ToolCall{ID: "call_1", Name: "web_search"},
		ToolResult: "results",
	}))

	require.Len(t, emitter.payloads, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(emitter.payloads[0], &payload))
	assert.Equal(t, "m42", payload["assistant_message_id"])
}

func TestTerminatorInterruptsOnTerminatingTools(t *testing.T) {
	term := NewTerminator()
	ctx := context.Background()

	interrupted := false
	ev := &Event{
		ToolCall:  &llm.ToolCall{Name: tools.NameAsk},
		Interrupt: func() { interrupted = true },
	}
	require.NoError(t, term.Run(ctx, PostActing, ev))
	assert.True(t, interrupted)

	interrupted = false
	ev.ToolCall = &llm.ToolCall{Name: "web_search"}
	require.NoError(t, term.Run(ctx, PostActing, ev))
	assert.False(t, interrupted)

	ev.ToolCall = &llm.ToolCall{Name: tools.NameComplete}
	require.NoError(t, term.Run(ctx, PostActing, ev))
	assert.True(t, interrupted)
}
