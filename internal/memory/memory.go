// Package memory manages a thread's conversation history. Entries are
// persisted before they become visible, so the durable record never lags
// the in-process view.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/agentd/internal/llm"
	"github.com/agentd/internal/store"
)

// ContextProvider supplies supplementary context for a thread, injected into
// the model view between the summaries and the live messages. Providers are
// optional and a failing provider only costs its own contribution.
type ContextProvider func(ctx context.Context, threadID string) (string, error)

// Memory is the working view of one thread's history. It loads the
// persisted, uncompressed model-visible messages on creation and keeps
// itself consistent with the store on every mutation.
type Memory struct {
	threadID  string
	messages  store.Messages
	providers []ContextProvider

	mu      sync.Mutex
	entries []*store.Message
}

// Load builds a Memory for a thread from its persisted history. Only
// model-visible, uncompressed messages are loaded, in creation order.
// A load failure is not fatal: the agent can still run on an empty view,
// so we log and continue.
func Load(ctx context.Context, threadID string, messages store.Messages) *Memory {
	m := &Memory{threadID: threadID, messages: messages}

	persisted, err := messages.List(ctx, threadID, store.ListOptions{
		OnlyLLM:           true,
		ExcludeCompressed: true,
	})
	if err != nil {
		log.Warn().
			Str("thread_id", threadID).
			Err(err).
			Msg("Failed to load persisted history, starting with empty memory")
		return m
	}

	m.entries = summariesFirst(persisted)
	return m
}

// ThreadID returns the thread this memory belongs to.
func (m *Memory) ThreadID() string { return m.threadID }

// SetContextProviders installs the supplementary context sources consulted
// by Context.
func (m *Memory) SetContextProviders(providers ...ContextProvider) {
	m.providers = providers
}

// Add persists a message and then appends it to the working view. The store
// assigns the message id on insert. If persistence fails the message is not
// appended and the error is returned, so memory never holds entries the
// database does not.
func (m *Memory) Add(ctx context.Context, msgType string, content json.RawMessage, isLLM bool, marks ...string) (*store.Message, error) {
	msg := &store.Message{
		ThreadID:     m.threadID,
		Type:         msgType,
		Content:      content,
		IsLLMMessage: isLLM,
		Marks:        marks,
	}

	if err := m.messages.Insert(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	stored, err := m.messages.Get(ctx, msg.ID)
	if err == nil && stored != nil {
		msg = stored
	}

	m.mu.Lock()
	if hasMark(msg, store.MarkSummary) {
		// Summaries stand in for everything older than the kept tail, so
		// they lead the view instead of trailing it.
		i := 0
		for i < len(m.entries) && hasMark(m.entries[i], store.MarkSummary) {
			i++
		}
		m.entries = append(m.entries[:i], append([]*store.Message{msg}, m.entries[i:]...)...)
	} else {
		m.entries = append(m.entries, msg)
	}
	m.mu.Unlock()

	return msg, nil
}

// FilterOptions selects a subset of the working view.
type FilterOptions struct {
	Mark        string
	ExcludeMark string
}

// Get returns the current working view, optionally filtered by mark.
// The returned slice is a copy.
func (m *Memory) Get(opts FilterOptions) []*store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*store.Message, 0, len(m.entries))
	for _, msg := range m.entries {
		if opts.Mark != "" && !hasMark(msg, opts.Mark) {
			continue
		}
		if opts.ExcludeMark != "" && hasMark(msg, opts.ExcludeMark) {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// All returns the full working view.
func (m *Memory) All() []*store.Message {
	return m.Get(FilterOptions{})
}

// Context returns the model view for a reasoning step: summaries first, then
// any provider-supplied context as synthetic user messages, then the live
// messages. A failing provider is logged and skipped.
func (m *Memory) Context(ctx context.Context) []*store.Message {
	entries := m.All()
	if len(m.providers) == 0 {
		return entries
	}

	lead := 0
	for lead < len(entries) && hasMark(entries[lead], store.MarkSummary) {
		lead++
	}

	var aux []*store.Message
	for _, provide := range m.providers {
		text, err := provide(ctx, m.threadID)
		if err != nil {
			log.Warn().
				Str("thread_id", m.threadID).
				Err(err).
				Msg("Context provider failed, skipping")
			continue
		}
		if text == "" {
			continue
		}
		payload, err := json.Marshal(llm.Payload{Role: "user", Content: text})
		if err != nil {
			continue
		}
		aux = append(aux, &store.Message{
			ThreadID:     m.threadID,
			Type:         store.TypeUser,
			Content:      payload,
			IsLLMMessage: true,
		})
	}
	if len(aux) == 0 {
		return entries
	}

	out := make([]*store.Message, 0, len(entries)+len(aux))
	out = append(out, entries[:lead]...)
	out = append(out, aux...)
	out = append(out, entries[lead:]...)
	return out
}

// Size returns the number of entries in the working view.
func (m *Memory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// LastAssistantID returns the persisted id of the most recent assistant
// message, or empty string if there is none.
func (m *Memory) LastAssistantID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Type == store.TypeAssistant {
			return m.entries[i].ID
		}
	}
	return ""
}

// MarkCompressed durably marks the given messages as compressed and drops
// them from the working view. The summary that replaces them is added by the
// caller via Add.
func (m *Memory) MarkCompressed(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := m.messages.MarkCompressed(ctx, messageIDs); err != nil {
		return fmt.Errorf("mark compressed: %w", err)
	}

	compressed := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		compressed[id] = true
	}

	m.mu.Lock()
	kept := m.entries[:0]
	for _, msg := range m.entries {
		if compressed[msg.ID] {
			msg.IsCompressed = true
			if !hasMark(msg, store.MarkCompressed) {
				msg.Marks = append(msg.Marks, store.MarkCompressed)
			}
			continue
		}
		kept = append(kept, msg)
	}
	m.entries = kept
	m.mu.Unlock()

	return nil
}

// Mark durably applies a mark to the given messages and mirrors it in the
// working view. Compression has its own path in MarkCompressed because it
// also evicts; Mark leaves the entries visible.
func (m *Memory) Mark(ctx context.Context, messageIDs []string, mark string) error {
	for _, id := range messageIDs {
		if err := m.messages.AddMark(ctx, id, mark); err != nil {
			return fmt.Errorf("mark message %s: %w", id, err)
		}
	}

	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}

	m.mu.Lock()
	for _, msg := range m.entries {
		if wanted[msg.ID] && !hasMark(msg, mark) {
			msg.Marks = append(msg.Marks, mark)
		}
	}
	m.mu.Unlock()
	return nil
}

// Clear empties the working view. Persisted messages are untouched; a later
// Load rebuilds the view from the store.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
}

// EstimateTokens gives a rough token count for the working view using the
// usual four characters per token heuristic.
func (m *Memory) EstimateTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	chars := 0
	for _, msg := range m.entries {
		chars += len(msg.Content)
	}
	return chars / 4
}

// summariesFirst orders summary messages ahead of everything else,
// preserving relative order within each group.
func summariesFirst(entries []*store.Message) []*store.Message {
	out := make([]*store.Message, 0, len(entries))
	for _, msg := range entries {
		if hasMark(msg, store.MarkSummary) {
			out = append(out, msg)
		}
	}
	for _, msg := range entries {
		if !hasMark(msg, store.MarkSummary) {
			out = append(out, msg)
		}
	}
	return out
}

func hasMark(msg *store.Message, mark string) bool {
	for _, m := range msg.Marks {
		if m == mark {
			return true
		}
	}
	return false
}
