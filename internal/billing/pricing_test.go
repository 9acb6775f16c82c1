package billing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/agentd/internal/llm"
)

func TestCreditsCeilingConversion(t *testing.T) {
	// Zero cost charges nothing.
	assert.Equal(t, int64(0), Credits(decimal.Zero))
	assert.Equal(t, int64(0), Credits(decimal.RequireFromString("-0.01")))

	// Any positive cost charges at least one credit.
	assert.Equal(t, int64(1), Credits(decimal.RequireFromString("0.0001")))
	assert.Equal(t, int64(1), Credits(decimal.RequireFromString("0.012")))

	// Fractions always round up, never down.
	assert.Equal(t, int64(2), Credits(decimal.RequireFromString("0.0121")))
	assert.Equal(t, int64(2), Credits(decimal.RequireFromString("0.024")))
	assert.Equal(t, int64(3), Credits(decimal.RequireFromString("0.0241")))
}

func TestCostUSDSeparatesCachedTokens(t *testing.T) {
	usage := llm.Usage{
		PromptTokens:     1_000_000,
		CacheReadTokens:  600_000,
		CacheWriteTokens: 100_000,
		CompletionTokens: 0,
	}
	// 300k fresh at $3/M + 600k cache reads at $0.30/M + 100k cache writes
	// at $3.75/M.
	cost := CostUSD("claude-sonnet-4-20250514", usage)
	expected := decimal.RequireFromString("1.455")
	assert.True(t, cost.Equal(expected), "got %s want %s", cost, expected)
}

func TestCostUSDClampNegativeFresh(t *testing.T) {
	// Cache counts can exceed the prompt total on some providers; the
	// fresh count must clamp at zero instead of going negative.
	usage := llm.Usage{
		PromptTokens:    100,
		CacheReadTokens: 200,
	}
	cost := CostUSD("gpt-4o", usage)
	expected := decimal.NewFromInt(200).Mul(decimal.RequireFromString("1.25")).Div(million)
	assert.True(t, cost.Equal(expected), "got %s want %s", cost, expected)
}

func TestCreditsForUsageUnknownModelNotFree(t *testing.T) {
	usage := llm.Usage{PromptTokens: 1000, CompletionTokens: 1000}
	assert.Greater(t, CreditsForUsage("some-unknown-model", usage), int64(0))
}
