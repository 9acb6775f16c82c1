package hooks

import (
	"context"
	"sync"

	"github.com/agentd/internal/billing"
)

// BillingGate blocks a run before its first model call when the account is
// out of credits. The balance is checked once per run, not per iteration;
// mid-run exhaustion is settled by the ledger afterwards.
type BillingGate struct {
	gateway *billing.Gateway

	mu      sync.Mutex
	checked bool
}

func NewBillingGate(gateway *billing.Gateway) *BillingGate {
	return &BillingGate{gateway: gateway}
}

func (h *BillingGate) Name() string { return "billing_gate" }

func (h *BillingGate) Run(ctx context.Context, phase Phase, ev *Event) error {
	if phase != PreReasoning {
		return nil
	}

	h.mu.Lock()
	if h.checked {
		h.mu.Unlock()
		return nil
	}
	h.checked = true
	h.mu.Unlock()

	return h.gateway.CheckBalance(ctx, ev.AccountID)
}
