package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

// Bounds of the in-process charge dedup cache. Duplicates only arise from
// hook re-entry within one run, so a short horizon is enough.
const (
	chargeCacheSize = 4096
	chargeCacheTTL  = time.Hour
)

// ErrInsufficientCredits is returned when a run must not proceed because
// the account has no credits, or because the balance could not be verified.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Ledger is the subset of the credit ledger the gateway needs.
type Ledger interface {
	GetBalance(ctx context.Context, companyID string) (*Balance, error)
	Deduct(ctx context.Context, req DeductRequest) error
}

// Enqueuer hands a deduction to a background worker. The worker owns
// retries; the caller never blocks on the ledger.
type Enqueuer interface {
	EnqueueDeduction(ctx context.Context, req DeductRequest) error
}

// ChargeRequest describes one usage charge.
type ChargeRequest struct {
	AccountID  string
	ThreadID   string
	Action     string
	ToolCallID string
	FeatID     string
	Credits    int64
	MessageID  string
}

// Gateway sits between the agent and the ledger. Balance checks fail
// closed; deductions are queued and never block or fail the run.
type Gateway struct {
	enabled  bool
	ledger   Ledger
	resolver *IdentityResolver
	enqueuer Enqueuer

	charged *expirable.LRU[string, struct{}]
}

// NewGateway builds a gateway. enqueuer may be nil, in which case
// deductions run in a background goroutine with a bounded timeout.
func NewGateway(enabled bool, ledger Ledger, resolver *IdentityResolver, enqueuer Enqueuer) *Gateway {
	return &Gateway{
		enabled:  enabled,
		ledger:   ledger,
		resolver: resolver,
		enqueuer: enqueuer,
		charged:  expirable.NewLRU[string, struct{}](chargeCacheSize, nil, chargeCacheTTL),
	}
}

// Enabled reports whether metering is on.
func (g *Gateway) Enabled() bool { return g.enabled }

// CheckBalance verifies the account has credits left. Any failure along
// the way counts as no credits: when in doubt, do not run.
func (g *Gateway) CheckBalance(ctx context.Context, accountID string) error {
	if !g.enabled {
		return nil
	}

	id, err := g.resolver.Resolve(ctx, accountID)
	if err != nil {
		log.Warn().Str("account_id", accountID).Err(err).Msg("Identity resolution failed, treating as no credits")
		return fmt.Errorf("%w: %v", ErrInsufficientCredits, err)
	}

	balance, err := g.ledger.GetBalance(ctx, id.CompanyID)
	if err != nil {
		log.Warn().Str("company_id", id.CompanyID).Err(err).Msg("Balance check failed, treating as no credits")
		return fmt.Errorf("%w: %v", ErrInsufficientCredits, err)
	}
	if balance.Remaining() <= 0 {
		return ErrInsufficientCredits
	}
	return nil
}

// GetBalanceForDisplay returns the account's balance for UI purposes.
// Unlike CheckBalance this propagates errors as errors.
func (g *Gateway) GetBalanceForDisplay(ctx context.Context, accountID string) (*Balance, error) {
	if !g.enabled {
		return &Balance{}, nil
	}
	id, err := g.resolver.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return g.ledger.GetBalance(ctx, id.CompanyID)
}

// IdempotencyKey identifies one charge. The same thread, action, and tool
// call never charges twice.
func IdempotencyKey(threadID, action, toolCallID string) string {
	if toolCallID == "" {
		toolCallID = "no_tool_call_id"
	}
	return threadID + ":" + action + ":" + toolCallID
}

// Charge records a usage charge and hands the deduction to the background
// path. Duplicate charges for the same idempotency key are dropped. A
// failed deduction is logged, never surfaced to the run.
func (g *Gateway) Charge(ctx context.Context, req ChargeRequest) {
	if !g.enabled || req.Credits <= 0 {
		return
	}

	key := IdempotencyKey(req.ThreadID, req.Action, req.ToolCallID)
	if _, dup := g.charged.Get(key); dup {
		log.Debug().Str("key", key).Msg("Duplicate charge dropped")
		return
	}
	g.charged.Add(key, struct{}{})

	id, err := g.resolver.Resolve(ctx, req.AccountID)
	if err != nil {
		log.Error().
			Str("account_id", req.AccountID).
			Int64("credits", req.Credits).
			Err(err).
			Msg("Cannot resolve identity for deduction, charge lost")
		return
	}

	deduct := DeductRequest{
		CompanyID: id.CompanyID,
		UserID:    id.UserID,
		FeatID:    req.FeatID,
		Value:     req.Credits,
		MessageID: req.MessageID,
	}

	if g.enqueuer != nil {
		if err := g.enqueuer.EnqueueDeduction(ctx, deduct); err != nil {
			log.Error().Str("key", key).Err(err).Msg("Failed to enqueue deduction")
		}
		return
	}

	go func() {
		dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := g.ledger.Deduct(dctx, deduct); err != nil {
			log.Error().
				Str("company_id", deduct.CompanyID).
				Str("feat_id", deduct.FeatID).
				Int64("credits", deduct.Value).
				Err(err).
				Msg("Deduction failed")
		}
	}()
}
