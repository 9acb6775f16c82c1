package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Postgres implements Store on a database/sql connection.
type Postgres struct {
	db           *sql.DB
	messages     *pgMessages
	threads      *pgThreads
	runs         *pgRuns
	events       *pgEvents
	stopSignals  *pgStopSignals
	summaries    *pgSummaries
	streamMaxLen int
	streamTTL    time.Duration
}

// NewPostgres wraps a DB connection. streamMaxLen bounds each run's event
// stream; streamTTL controls when idle streams become eligible for cleanup.
func NewPostgres(db *sql.DB, streamMaxLen int, streamTTL time.Duration) *Postgres {
	p := &Postgres{db: db, streamMaxLen: streamMaxLen, streamTTL: streamTTL}
	p.messages = &pgMessages{db: db}
	p.threads = &pgThreads{db: db}
	p.runs = &pgRuns{db: db}
	p.events = &pgEvents{db: db, maxLen: streamMaxLen, ttl: streamTTL}
	p.stopSignals = &pgStopSignals{db: db}
	p.summaries = &pgSummaries{db: db}
	return p
}

func (p *Postgres) Messages() Messages       { return p.messages }
func (p *Postgres) Threads() Threads         { return p.threads }
func (p *Postgres) Runs() Runs               { return p.runs }
func (p *Postgres) Events() Events           { return p.events }
func (p *Postgres) StopSignals() StopSignals { return p.stopSignals }
func (p *Postgres) Summaries() Summaries     { return p.summaries }

type pgMessages struct {
	db *sql.DB
}

func (s *pgMessages) Insert(ctx context.Context, msg *Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	metadata := msg.Metadata
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages (message_id, thread_id, type, content, is_llm_message, is_compressed, marks, metadata)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.ThreadID, msg.Type, []byte(msg.Content), msg.IsLLMMessage, msg.IsCompressed, pq.Array(msg.Marks), []byte(metadata),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *pgMessages) Get(ctx context.Context, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT message_id, thread_id, type, content, is_llm_message, is_compressed, marks, metadata, created_at
        FROM messages WHERE message_id=$1`, messageID)

	var msg Message
	var content, metadata []byte
	err := row.Scan(&msg.ID, &msg.ThreadID, &msg.Type, &content, &msg.IsLLMMessage, &msg.IsCompressed, pq.Array(&msg.Marks), &metadata, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	msg.Content = content
	msg.Metadata = metadata
	return &msg, nil
}

func (s *pgMessages) List(ctx context.Context, threadID string, opts ListOptions) ([]*Message, error) {
	query := `SELECT message_id, thread_id, type, content, is_llm_message, is_compressed, marks, metadata, created_at
        FROM messages WHERE thread_id=$1`
	args := []interface{}{threadID}

	if opts.OnlyLLM {
		query += ` AND is_llm_message=true`
	}
	if opts.ExcludeCompressed {
		query += ` AND is_compressed=false`
	}
	if opts.Mark != "" {
		args = append(args, opts.Mark)
		query += fmt.Sprintf(` AND $%d = ANY(marks)`, len(args))
	}
	if opts.ExcludeMark != "" {
		args = append(args, opts.ExcludeMark)
		query += fmt.Sprintf(` AND NOT ($%d = ANY(marks))`, len(args))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var content, metadata []byte
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.Type, &content, &msg.IsLLMMessage, &msg.IsCompressed, pq.Array(&msg.Marks), &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Content = content
		msg.Metadata = metadata
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func (s *pgMessages) MarkCompressed(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET is_compressed=true, marks=array_append(marks, $2)
        WHERE message_id = ANY($1) AND NOT ($2 = ANY(marks))`,
		pq.Array(messageIDs), MarkCompressed,
	)
	if err != nil {
		return fmt.Errorf("mark compressed: %w", err)
	}
	return nil
}

func (s *pgMessages) AddMark(ctx context.Context, messageID, mark string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET marks=array_append(marks, $2)
        WHERE message_id=$1 AND NOT ($2 = ANY(marks))`, messageID, mark)
	if err != nil {
		return fmt.Errorf("add mark: %w", err)
	}
	return nil
}

type pgThreads struct {
	db *sql.DB
}

func (s *pgThreads) Create(ctx context.Context, thread *Thread) error {
	if thread == nil {
		return errors.New("nil thread")
	}
	metadata := thread.Metadata
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO threads (thread_id, account_id, metadata)
        VALUES ($1, $2, $3)
        ON CONFLICT (thread_id) DO NOTHING`,
		thread.ID, thread.AccountID, []byte(metadata),
	)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *pgThreads) Get(ctx context.Context, threadID string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT thread_id, account_id, metadata, created_at, updated_at
        FROM threads WHERE thread_id=$1`, threadID)

	var th Thread
	var metadata []byte
	err := row.Scan(&th.ID, &th.AccountID, &metadata, &th.CreatedAt, &th.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
	}
	th.Metadata = metadata
	return &th, nil
}

func (s *pgThreads) UpdateMetadata(ctx context.Context, threadID string, metadata json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `UPDATE threads SET metadata=$2, updated_at=now() WHERE thread_id=$1`,
		threadID, []byte(metadata))
	if err != nil {
		return fmt.Errorf("update thread metadata: %w", err)
	}
	return nil
}

type pgRuns struct {
	db *sql.DB
}

func (s *pgRuns) Create(ctx context.Context, run *AgentRun) error {
	if run == nil {
		return errors.New("nil run")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_runs (run_id, thread_id, status, started_at)
        VALUES ($1, $2, $3, $4)`,
		run.ID, run.ThreadID, run.Status, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent run: %w", err)
	}
	return nil
}

func (s *pgRuns) Get(ctx context.Context, runID string) (*AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, thread_id, status, COALESCE(error, ''), started_at, completed_at
        FROM agent_runs WHERE run_id=$1`, runID)

	var run AgentRun
	var completedAt sql.NullTime
	err := row.Scan(&run.ID, &run.ThreadID, &run.Status, &run.Error, &run.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query agent run: %w", err)
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

func (s *pgRuns) SetStatus(ctx context.Context, runID, status, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agent_runs SET
        status=$2,
        error=NULLIF($3, ''),
        completed_at=CASE WHEN $2 IN ('completed','failed','stopped') THEN now() ELSE completed_at END
      WHERE run_id=$1`,
		runID, status, errMsg,
	)
	if err != nil {
		return fmt.Errorf("update agent run status: %w", err)
	}
	return nil
}

type pgEvents struct {
	db     *sql.DB
	maxLen int
	ttl    time.Duration
}

func (s *pgEvents) Append(ctx context.Context, runID string, payload json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	expiresAt := time.Now().Add(s.ttl)
	if _, err := tx.ExecContext(ctx, `INSERT INTO run_events (run_id, payload, expires_at)
        VALUES ($1, $2, $3)`, runID, []byte(payload), expiresAt); err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}

	// Every append refreshes expiry for the whole stream and trims it to
	// the newest maxLen entries.
	if _, err := tx.ExecContext(ctx, `UPDATE run_events SET expires_at=$2 WHERE run_id=$1`, runID, expiresAt); err != nil {
		return fmt.Errorf("refresh stream expiry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_events WHERE run_id=$1 AND seq NOT IN (
        SELECT seq FROM run_events WHERE run_id=$1 ORDER BY seq DESC LIMIT $2)`, runID, s.maxLen); err != nil {
		return fmt.Errorf("trim run events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *pgEvents) ListAfter(ctx context.Context, runID string, afterSeq int64) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, run_id, payload, created_at
        FROM run_events WHERE run_id=$1 AND seq > $2 ORDER BY seq ASC`, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		var ev RunEvent
		var payload []byte
		if err := rows.Scan(&ev.Seq, &ev.RunID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		ev.Payload = payload
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return events, nil
}

func (s *pgEvents) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM run_events WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired run events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type pgStopSignals struct {
	db *sql.DB
}

func (s *pgStopSignals) Set(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO stop_signals (run_id)
        VALUES ($1) ON CONFLICT (run_id) DO NOTHING`, runID)
	if err != nil {
		return fmt.Errorf("set stop signal: %w", err)
	}
	return nil
}

func (s *pgStopSignals) IsSet(ctx context.Context, runID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM stop_signals WHERE run_id=$1)`, runID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query stop signal: %w", err)
	}
	return exists, nil
}

func (s *pgStopSignals) Clear(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM stop_signals WHERE run_id=$1`, runID)
	if err != nil {
		return fmt.Errorf("clear stop signal: %w", err)
	}
	return nil
}

type pgSummaries struct {
	db *sql.DB
}

func (s *pgSummaries) Upsert(ctx context.Context, summary *ThreadSummary) error {
	if summary == nil {
		return errors.New("nil summary")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO thread_summaries (thread_id, content, compressed_message_count, updated_at)
        VALUES ($1, $2, $3, now())
        ON CONFLICT (thread_id) DO UPDATE
        SET content = EXCLUDED.content,
            compressed_message_count = EXCLUDED.compressed_message_count,
            updated_at = now()`,
		summary.ThreadID, summary.Content, summary.CompressedCount,
	)
	if err != nil {
		return fmt.Errorf("upsert thread summary: %w", err)
	}
	return nil
}

func (s *pgSummaries) Get(ctx context.Context, threadID string) (*ThreadSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT thread_id, content, compressed_message_count, updated_at
        FROM thread_summaries WHERE thread_id=$1`, threadID)

	var sum ThreadSummary
	err := row.Scan(&sum.ThreadID, &sum.Content, &sum.CompressedCount, &sum.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query thread summary: %w", err)
	}
	return &sum, nil
}
