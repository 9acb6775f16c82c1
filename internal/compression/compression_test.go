package compression

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/agentd/internal/llm"
	"github.com/agentd/internal/memory"
	"github.com/agentd/internal/store"
	"github.com/agentd/internal/store/memstore"
)

// scriptedModel returns a canned summary, echoing whatever ids the caller
// wants it to claim.
type scriptedModel struct {
	echoIDs  []string
	lastSeen []*store.Message
}

func (m *scriptedModel) Generate(_ context.Context, _ string, history []*store.Message, _ []llms.Tool) (*llm.Response, error) {
	m.lastSeen = history
	summary := Summary{
		TaskOverview:         "Research Go memory models",
		KeyPoints:            "Found three relevant papers",
		PendingActions:       "Write the comparison",
		CompressedMessageIDs: m.echoIDs,
	}
	b, _ := json.Marshal(summary)
	return &llm.Response{Content: string(b)}, nil
}

func seedMemory(t *testing.T, n int) (*memory.Memory, []string, *memstore.Store) {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	mem := memory.Load(ctx, uuid.NewString(), st.Messages())

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		payload, _ := json.Marshal(llm.Payload{Role: "user", Content: fmt.Sprintf("message %d", i)})
		msg, err := mem.Add(ctx, store.TypeUser, payload, true)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	return mem, ids, st
}

func TestShouldCompressRespectsThresholdAndTail(t *testing.T) {
	mem, _, _ := seedMemory(t, 15)

	c := NewCompressor(&scriptedModel{}, nil, Config{Enabled: true, TokenThreshold: 1, KeepRecent: 10})
	assert.True(t, c.ShouldCompress(mem))

	// Below threshold.
	c = NewCompressor(&scriptedModel{}, nil, Config{Enabled: true, TokenThreshold: 1 << 30, KeepRecent: 10})
	assert.False(t, c.ShouldCompress(mem))

	// Not enough messages beyond the protected tail.
	c = NewCompressor(&scriptedModel{}, nil, Config{Enabled: true, TokenThreshold: 1, KeepRecent: 20})
	assert.False(t, c.ShouldCompress(mem))

	// Disabled.
	c = NewCompressor(&scriptedModel{}, nil, Config{Enabled: false, TokenThreshold: 1, KeepRecent: 10})
	assert.False(t, c.ShouldCompress(mem))
}

func TestCompressKeepsRecentTail(t *testing.T) {
	mem, ids, st := seedMemory(t, 15)
	model := &scriptedModel{echoIDs: ids[:5]}
	c := NewCompressor(model, st.Summaries(), Config{Enabled: true, TokenThreshold: 1, KeepRecent: 10})

	require.NoError(t, c.Compress(context.Background(), mem))

	// 10 recent originals plus the summary message remain visible, with
	// the summary leading the view.
	entries := mem.All()
	require.Len(t, entries, 11)

	summary := entries[0]
	assert.Equal(t, store.TypeSummary, summary.Type)
	assert.Contains(t, string(summary.Content), "<compressed_context>")

	// The model only saw the candidates, not the protected tail.
	require.Len(t, model.lastSeen, 1)
	assert.NotContains(t, string(model.lastSeen[0].Content), "message 14")
}

func TestCompressFallsBackToCandidateIDs(t *testing.T) {
	mem, ids, _ := seedMemory(t, 15)
	// The model echoes a wrong id set; the rendered block must still list
	// every message that actually left the context.
	model := &scriptedModel{echoIDs: []string{"bogus-id"}}
	c := NewCompressor(model, nil, Config{Enabled: true, TokenThreshold: 1, KeepRecent: 10})

	require.NoError(t, c.Compress(context.Background(), mem))

	entries := mem.All()
	summary := entries[0]
	for _, id := range ids[:5] {
		assert.Contains(t, string(summary.Content), id)
	}
	assert.NotContains(t, string(summary.Content), "bogus-id")
}

func TestCompressUpsertsThreadSummaryRow(t *testing.T) {
	ctx := context.Background()
	mem, ids, st := seedMemory(t, 15)
	model := &scriptedModel{echoIDs: ids[:5]}
	c := NewCompressor(model, st.Summaries(), Config{Enabled: true, TokenThreshold: 1, KeepRecent: 10})

	require.NoError(t, c.Compress(ctx, mem))

	row, err := st.Summaries().Get(ctx, mem.ThreadID())
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, mem.ThreadID(), row.ThreadID)
	assert.Equal(t, 5, row.CompressedCount)
	assert.Contains(t, row.Content, "<compressed_context>")
	firstUpdate := row.UpdatedAt

	// A second compression replaces the row rather than adding another.
	for i := 0; i < 10; i++ {
		payload, _ := json.Marshal(llm.Payload{Role: "user", Content: fmt.Sprintf("later %d", i)})
		_, err := mem.Add(ctx, store.TypeUser, payload, true)
		require.NoError(t, err)
	}
	require.NoError(t, c.Compress(ctx, mem))

	row, err = st.Summaries().Get(ctx, mem.ThreadID())
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 11, row.CompressedCount)
	assert.True(t, row.UpdatedAt.After(firstUpdate))
}

func TestParseSummaryRepairsAndClamps(t *testing.T) {
	// Trailing comma plus surrounding prose.
	raw := "Here is the summary:\n{\"task_overview\": \"" + strings.Repeat("a", 600) + "\", \"key_points\": \"k\", \"pending_actions\": \"p\", \"compressed_message_ids\": [\"x\"],}"
	s, err := parseSummary(raw)
	require.NoError(t, err)
	assert.Len(t, s.TaskOverview, MaxTaskOverview)
	assert.Equal(t, []string{"x"}, s.CompressedMessageIDs)
}

func TestCompressNoopWhenNothingToFold(t *testing.T) {
	mem, _, _ := seedMemory(t, 5)
	c := NewCompressor(&scriptedModel{}, nil, Config{Enabled: true, TokenThreshold: 1, KeepRecent: 10})
	require.NoError(t, c.Compress(context.Background(), mem))
	assert.Equal(t, 5, mem.Size())
}
