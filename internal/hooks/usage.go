package hooks

import (
	"context"
	"strconv"

	"github.com/agentd/internal/billing"
)

// UsageMeter converts each model reply's token usage into credits and hands
// the charge to the billing gateway after the reasoning phase.
type UsageMeter struct {
	gateway *billing.Gateway
}

func NewUsageMeter(gateway *billing.Gateway) *UsageMeter {
	return &UsageMeter{gateway: gateway}
}

func (h *UsageMeter) Name() string { return "usage_meter" }

func (h *UsageMeter) Run(ctx context.Context, phase Phase, ev *Event) error {
	if phase != PostReasoning || ev.Response == nil {
		return nil
	}

	credits := billing.CreditsForUsage(ev.Model, ev.Response.Usage)
	if credits == 0 {
		return nil
	}

	// The idempotency key has to name this exact model call, not just its
	// position in the loop: iteration numbers repeat on every run of the
	// thread. The persisted assistant message id is unique per call; when
	// persistence was degraded, fall back to run id plus iteration.
	callID := ev.AssistantMessageID
	if callID == "" {
		callID = ev.RunID + "_" + strconv.Itoa(ev.Iteration)
	}

	h.gateway.Charge(ctx, billing.ChargeRequest{
		AccountID:  ev.AccountID,
		ThreadID:   ev.ThreadID,
		Action:     "llm_call",
		ToolCallID: callID,
		FeatID:     billing.FeatLLMUsage,
		Credits:    credits,
		MessageID:  ev.AssistantMessageID,
	})
	return nil
}
