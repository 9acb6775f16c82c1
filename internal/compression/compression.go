// Package compression folds the older part of a long conversation into a
// structured summary so the model context stays bounded. Original messages
// are never deleted, only marked, and remain reachable through the
// expand_message tool.
package compression

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"

	"github.com/agentd/internal/llm"
	"github.com/agentd/internal/memory"
	"github.com/agentd/internal/store"
)

// Field limits of the summary schema, in characters.
const (
	MaxTaskOverview   = 500
	MaxKeyPoints      = 800
	MaxPendingActions = 300
)

// Summary is the structured result the model produces when compressing.
type Summary struct {
	TaskOverview         string   `json:"task_overview"`
	KeyPoints            string   `json:"key_points"`
	PendingActions       string   `json:"pending_actions"`
	CompressedMessageIDs []string `json:"compressed_message_ids"`
}

// Config controls when compression fires and how much history it keeps.
type Config struct {
	Enabled        bool
	TokenThreshold int
	KeepRecent     int
}

func DefaultConfig() Config {
	return Config{Enabled: true, TokenThreshold: 100000, KeepRecent: 10}
}

// Compressor produces summaries through a model call.
type Compressor struct {
	generator llm.Generator
	summaries store.Summaries
	config    Config
}

func NewCompressor(generator llm.Generator, summaries store.Summaries, config Config) *Compressor {
	return &Compressor{generator: generator, summaries: summaries, config: config}
}

// ShouldCompress reports whether the working view is over the token
// threshold and has more than the protected recent tail.
func (c *Compressor) ShouldCompress(mem *memory.Memory) bool {
	if !c.config.Enabled {
		return false
	}
	return mem.EstimateTokens() >= c.config.TokenThreshold && mem.Size() > c.config.KeepRecent
}

// Compress summarizes everything except the most recent messages, persists
// the summary into memory, and marks the summarized messages compressed.
func (c *Compressor) Compress(ctx context.Context, mem *memory.Memory) error {
	entries := mem.All()
	if len(entries) <= c.config.KeepRecent {
		return nil
	}
	candidates := entries[:len(entries)-c.config.KeepRecent]

	candidateIDs := make([]string, len(candidates))
	for i, msg := range candidates {
		candidateIDs[i] = msg.ID
	}

	summary, err := c.summarize(ctx, candidates)
	if err != nil {
		return fmt.Errorf("summarize history: %w", err)
	}

	// The model is asked to echo the ids it summarized. If the echoed set
	// does not exactly match the candidates, trust our own list: the
	// candidate set is what actually leaves the context.
	if !sameIDSet(summary.CompressedMessageIDs, candidateIDs) {
		log.Warn().
			Str("thread_id", mem.ThreadID()).
			Int("expected", len(candidateIDs)).
			Int("got", len(summary.CompressedMessageIDs)).
			Msg("Summary id list mismatch, using candidate set")
		summary.CompressedMessageIDs = candidateIDs
	}

	rendered := Render(summary)
	payload, err := json.Marshal(llm.Payload{Role: "user", Content: rendered})
	if err != nil {
		return fmt.Errorf("encode summary payload: %w", err)
	}

	// The summary must be durable before the originals disappear from the
	// working view, so add first and mark after.
	if _, err := mem.Add(ctx, store.TypeSummary, payload, true, store.MarkSummary); err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}
	if err := mem.MarkCompressed(ctx, candidateIDs); err != nil {
		return fmt.Errorf("mark summarized messages: %w", err)
	}

	// One row per thread mirrors the latest summary for inspection without
	// replaying the message log.
	if c.summaries != nil {
		err := c.summaries.Upsert(ctx, &store.ThreadSummary{
			ThreadID:        mem.ThreadID(),
			Content:         rendered,
			CompressedCount: len(candidateIDs),
		})
		if err != nil {
			log.Error().Err(err).
				Str("thread_id", mem.ThreadID()).
				Msg("Thread summary row upsert failed")
		}
	}

	log.Info().
		Str("thread_id", mem.ThreadID()).
		Int("compressed", len(candidateIDs)).
		Int("kept", c.config.KeepRecent).
		Msg("Compressed conversation history")
	return nil
}

const summarizePrompt = `Summarize the conversation messages below into JSON with exactly these fields:
- "task_overview": what the user is trying to accomplish (max 500 characters)
- "key_points": decisions, facts, and results established so far (max 800 characters)
- "pending_actions": what remains to be done (max 300 characters)
- "compressed_message_ids": the ids of ALL messages you summarized

Respond with the JSON object only.`

func (c *Compressor) summarize(ctx context.Context, candidates []*store.Message) (*Summary, error) {
	var b strings.Builder
	for _, msg := range candidates {
		fmt.Fprintf(&b, "[id: %s]\n%s\n\n", msg.ID, msg.Content)
	}

	payload, err := json.Marshal(llm.Payload{Role: "user", Content: b.String()})
	if err != nil {
		return nil, fmt.Errorf("encode summarize request: %w", err)
	}
	request := []*store.Message{{
		ID:      "summarize-request",
		Type:    store.TypeUser,
		Content: payload,
	}}

	resp, err := c.generator.Generate(ctx, summarizePrompt, request, nil)
	if err != nil {
		return nil, err
	}

	summary, err := parseSummary(resp.Content)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// parseSummary decodes the model's JSON, repairing it if needed, and clamps
// the fields to their limits.
func parseSummary(raw string) (*Summary, error) {
	text := strings.TrimSpace(raw)
	if i := strings.Index(text, "{"); i > 0 {
		text = text[i:]
	}
	if j := strings.LastIndex(text, "}"); j >= 0 {
		text = text[:j+1]
	}

	var s Summary
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(text)
		if rerr != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &s); err != nil {
			return nil, fmt.Errorf("decode repaired summary: %w", err)
		}
	}

	s.TaskOverview = clamp(s.TaskOverview, MaxTaskOverview)
	s.KeyPoints = clamp(s.KeyPoints, MaxKeyPoints)
	s.PendingActions = clamp(s.PendingActions, MaxPendingActions)
	return &s, nil
}

// Render produces the context block that replaces the summarized messages.
func Render(s *Summary) string {
	var b strings.Builder
	b.WriteString("<compressed_context>\n")
	b.WriteString("The earlier part of this conversation was compressed to stay within the context limit.\n\n")
	fmt.Fprintf(&b, "Task overview: %s\n", s.TaskOverview)
	fmt.Fprintf(&b, "Key points: %s\n", s.KeyPoints)
	fmt.Fprintf(&b, "Pending actions: %s\n\n", s.PendingActions)
	b.WriteString("Use the expand_message tool with a message id to retrieve full original content.\n")
	fmt.Fprintf(&b, "Compressed message ids: %s\n", strings.Join(s.CompressedMessageIDs, ", "))
	b.WriteString("</compressed_context>")
	return b.String()
}

func clamp(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func sameIDSet(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	set := make(map[string]bool, len(want))
	for _, id := range want {
		set[id] = true
	}
	for _, id := range got {
		if !set[id] {
			return false
		}
	}
	return true
}
