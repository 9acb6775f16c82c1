package store

import (
	"context"
	"encoding/json"
	"time"
)

// Message is a single entry in a thread's conversation history. Content is
// the provider-shaped JSON payload (role, content, tool calls).
type Message struct {
	ID           string          `json:"message_id"`
	ThreadID     string          `json:"thread_id"`
	Type         string          `json:"type"`
	Content      json.RawMessage `json:"content"`
	IsLLMMessage bool            `json:"is_llm_message"`
	IsCompressed bool            `json:"is_compressed"`
	Marks        []string        `json:"marks,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Message types.
const (
	TypeUser      = "user"
	TypeAssistant = "assistant"
	TypeTool      = "tool"
	TypeStatus    = "status"
	TypeSummary   = "summary"
)

// Well-known marks.
const (
	MarkCompressed = "compressed"
	MarkSummary    = "summary"
)

// Thread groups the messages of one conversation. Metadata carries
// thread-scoped state such as the set of activated dynamic tools.
type Thread struct {
	ID        string          `json:"thread_id"`
	AccountID string          `json:"account_id"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Agent run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusStopped   = "stopped"
)

// AgentRun tracks one execution of the agent loop over a thread.
type AgentRun struct {
	ID          string     `json:"run_id"`
	ThreadID    string     `json:"thread_id"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunEvent is one entry of a run's output stream.
type RunEvent struct {
	Seq       int64           `json:"seq"`
	RunID     string          `json:"run_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListOptions filters message listing.
type ListOptions struct {
	OnlyLLM           bool
	ExcludeCompressed bool
	Mark              string
	ExcludeMark       string
}

// Messages persists and queries thread messages.
type Messages interface {
	// Insert stores the message. The store assigns msg.ID when it is
	// empty; callers read the id back from the message after insert.
	Insert(ctx context.Context, msg *Message) error
	Get(ctx context.Context, messageID string) (*Message, error)
	List(ctx context.Context, threadID string, opts ListOptions) ([]*Message, error)
	MarkCompressed(ctx context.Context, messageIDs []string) error
	AddMark(ctx context.Context, messageID, mark string) error
}

// Threads persists threads and their metadata.
type Threads interface {
	Create(ctx context.Context, thread *Thread) error
	Get(ctx context.Context, threadID string) (*Thread, error)
	UpdateMetadata(ctx context.Context, threadID string, metadata json.RawMessage) error
}

// Runs persists agent run records.
type Runs interface {
	Create(ctx context.Context, run *AgentRun) error
	Get(ctx context.Context, runID string) (*AgentRun, error)
	SetStatus(ctx context.Context, runID, status, errMsg string) error
}

// Events is the append-only output stream of a run. Appends trim the
// stream to the configured max length and refresh its expiry.
type Events interface {
	Append(ctx context.Context, runID string, payload json.RawMessage) error
	ListAfter(ctx context.Context, runID string, afterSeq int64) ([]*RunEvent, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// StopSignals coordinates cancellation across processes. A signal set by
// any process is visible to the run's stop checker.
type StopSignals interface {
	Set(ctx context.Context, runID string) error
	IsSet(ctx context.Context, runID string) (bool, error)
	Clear(ctx context.Context, runID string) error
}

// ThreadSummary is the current compression summary of a thread. One row
// per thread, replaced on every compression pass.
type ThreadSummary struct {
	ThreadID        string    `json:"thread_id"`
	Content         string    `json:"content"`
	CompressedCount int       `json:"compressed_message_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Summaries persists the per-thread compression summary.
type Summaries interface {
	Upsert(ctx context.Context, summary *ThreadSummary) error
	Get(ctx context.Context, threadID string) (*ThreadSummary, error)
}

// Store bundles all persistence interfaces.
type Store interface {
	Messages() Messages
	Threads() Threads
	Runs() Runs
	Events() Events
	StopSignals() StopSignals
	Summaries() Summaries
}
