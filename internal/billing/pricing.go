package billing

import (
	"github.com/shopspring/decimal"

	"github.com/agentd/internal/llm"
)

// TokenPriceUSD is the price of one credit.
var TokenPriceUSD = decimal.RequireFromString("0.012")

// ModelPricing holds per-million-token USD prices for a model. Cached
// prompt tokens are priced separately from fresh ones.
type ModelPricing struct {
	InputPerMillion      decimal.Decimal
	OutputPerMillion     decimal.Decimal
	CacheReadPerMillion  decimal.Decimal
	CacheWritePerMillion decimal.Decimal
}

func price(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var modelPricing = map[string]ModelPricing{
	"claude-sonnet-4-20250514": {
		InputPerMillion:      price("3.00"),
		OutputPerMillion:     price("15.00"),
		CacheReadPerMillion:  price("0.30"),
		CacheWritePerMillion: price("3.75"),
	},
	"claude-3-5-haiku-20241022": {
		InputPerMillion:      price("0.80"),
		OutputPerMillion:     price("4.00"),
		CacheReadPerMillion:  price("0.08"),
		CacheWritePerMillion: price("1.00"),
	},
	"gpt-4o": {
		InputPerMillion:     price("2.50"),
		OutputPerMillion:    price("10.00"),
		CacheReadPerMillion: price("1.25"),
	},
	"gpt-4o-mini": {
		InputPerMillion:     price("0.15"),
		OutputPerMillion:    price("0.60"),
		CacheReadPerMillion: price("0.075"),
	},
	"gemini-2.5-flash": {
		InputPerMillion:  price("0.30"),
		OutputPerMillion: price("2.50"),
	},
	"gemini-2.5-pro": {
		InputPerMillion:  price("1.25"),
		OutputPerMillion: price("10.00"),
	},
}

// defaultPricing is used for unknown models so usage is never free.
var defaultPricing = ModelPricing{
	InputPerMillion:  price("3.00"),
	OutputPerMillion: price("15.00"),
}

// PricingFor returns the price table for a model.
func PricingFor(model string) ModelPricing {
	if p, ok := modelPricing[model]; ok {
		return p
	}
	return defaultPricing
}

var million = decimal.NewFromInt(1_000_000)

// CostUSD computes the dollar cost of one model call. Cached prompt tokens
// are subtracted from the fresh prompt count and charged at their own rates.
func CostUSD(model string, usage llm.Usage) decimal.Decimal {
	p := PricingFor(model)

	nonCached := usage.PromptTokens - usage.CacheReadTokens - usage.CacheWriteTokens
	if nonCached < 0 {
		nonCached = 0
	}

	cost := decimal.NewFromInt(nonCached).Mul(p.InputPerMillion)
	cost = cost.Add(decimal.NewFromInt(usage.CacheReadTokens).Mul(p.CacheReadPerMillion))
	cost = cost.Add(decimal.NewFromInt(usage.CacheWriteTokens).Mul(p.CacheWritePerMillion))
	cost = cost.Add(decimal.NewFromInt(usage.CompletionTokens).Mul(p.OutputPerMillion))
	return cost.Div(million)
}

// Credits converts a dollar cost to credits, rounding up. Zero cost stays
// zero; any positive cost charges at least one credit.
func Credits(costUSD decimal.Decimal) int64 {
	if costUSD.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	return costUSD.Div(TokenPriceUSD).Ceil().IntPart()
}

// CreditsForUsage is the full conversion from token usage to credits.
func CreditsForUsage(model string, usage llm.Usage) int64 {
	return Credits(CostUSD(model, usage))
}
