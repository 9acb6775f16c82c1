// Package memstore provides an in-memory Store implementation used by tests
// and by local development without Postgres.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentd/internal/store"
)

// Store is an in-memory implementation of store.Store. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	messages map[string]*store.Message
	threads  map[string]*store.Thread
	runs     map[string]*store.AgentRun
	events   map[string][]*store.RunEvent
	stops    map[string]bool
	sums     map[string]*store.ThreadSummary
	seq      int64
	clock    int64
	base     time.Time
}

func New() *Store {
	return &Store{
		messages: make(map[string]*store.Message),
		threads:  make(map[string]*store.Thread),
		runs:     make(map[string]*store.AgentRun),
		events:   make(map[string][]*store.RunEvent),
		stops:    make(map[string]bool),
		sums:     make(map[string]*store.ThreadSummary),
		base:     time.Now(),
	}
}

func (s *Store) Messages() store.Messages       { return (*memMessages)(s) }
func (s *Store) Threads() store.Threads         { return (*memThreads)(s) }
func (s *Store) Runs() store.Runs               { return (*memRuns)(s) }
func (s *Store) Events() store.Events           { return (*memEvents)(s) }
func (s *Store) StopSignals() store.StopSignals { return (*memStops)(s) }
func (s *Store) Summaries() store.Summaries     { return (*memSummaries)(s) }

// nextTime returns a strictly increasing timestamp so insertion order is
// preserved even when the wall clock does not advance between calls.
func (s *Store) nextTime() time.Time {
	s.clock++
	return s.base.Add(time.Duration(s.clock) * time.Microsecond)
}

type memMessages Store

func (s *memMessages) Insert(_ context.Context, msg *store.Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, ok := s.messages[msg.ID]; ok {
		return errors.New("duplicate message id")
	}
	cp := *msg
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = (*Store)(s).nextTime()
	}
	cp.Marks = append([]string(nil), msg.Marks...)
	s.messages[msg.ID] = &cp
	return nil
}

func (s *memMessages) Get(_ context.Context, messageID string) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, nil
	}
	cp := *msg
	return &cp, nil
}

func (s *memMessages) List(_ context.Context, threadID string, opts store.ListOptions) ([]*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Message
	for _, msg := range s.messages {
		if msg.ThreadID != threadID {
			continue
		}
		if opts.OnlyLLM && !msg.IsLLMMessage {
			continue
		}
		if opts.ExcludeCompressed && msg.IsCompressed {
			continue
		}
		if opts.Mark != "" && !hasMark(msg, opts.Mark) {
			continue
		}
		if opts.ExcludeMark != "" && hasMark(msg, opts.ExcludeMark) {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memMessages) MarkCompressed(_ context.Context, messageIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range messageIDs {
		if msg, ok := s.messages[id]; ok {
			msg.IsCompressed = true
			if !hasMark(msg, store.MarkCompressed) {
				msg.Marks = append(msg.Marks, store.MarkCompressed)
			}
		}
	}
	return nil
}

func (s *memMessages) AddMark(_ context.Context, messageID, mark string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return errors.New("message not found")
	}
	if !hasMark(msg, mark) {
		msg.Marks = append(msg.Marks, mark)
	}
	return nil
}

func hasMark(msg *store.Message, mark string) bool {
	for _, m := range msg.Marks {
		if m == mark {
			return true
		}
	}
	return false
}

type memThreads Store

func (s *memThreads) Create(_ context.Context, thread *store.Thread) error {
	if thread == nil {
		return errors.New("nil thread")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[thread.ID]; ok {
		return nil
	}
	cp := *thread
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.threads[thread.ID] = &cp
	return nil
}

func (s *memThreads) Get(_ context.Context, threadID string) (*store.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	cp := *th
	return &cp, nil
}

func (s *memThreads) UpdateMetadata(_ context.Context, threadID string, metadata json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return errors.New("thread not found")
	}
	th.Metadata = append(json.RawMessage(nil), metadata...)
	th.UpdatedAt = time.Now()
	return nil
}

type memRuns Store

func (s *memRuns) Create(_ context.Context, run *store.AgentRun) error {
	if run == nil {
		return errors.New("nil run")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	if cp.StartedAt.IsZero() {
		cp.StartedAt = time.Now()
	}
	s.runs[run.ID] = &cp
	return nil
}

func (s *memRuns) Get(_ context.Context, runID string) (*store.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (s *memRuns) SetStatus(_ context.Context, runID, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return errors.New("run not found")
	}
	run.Status = status
	run.Error = errMsg
	switch status {
	case store.RunStatusCompleted, store.RunStatusFailed, store.RunStatusStopped:
		now := time.Now()
		run.CompletedAt = &now
	}
	return nil
}

type memEvents Store

func (s *memEvents) Append(_ context.Context, runID string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	ev := &store.RunEvent{
		Seq:       s.seq,
		RunID:     runID,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: time.Now(),
	}
	s.events[runID] = append(s.events[runID], ev)
	return nil
}

func (s *memEvents) ListAfter(_ context.Context, runID string, afterSeq int64) ([]*store.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.RunEvent
	for _, ev := range s.events[runID] {
		if ev.Seq > afterSeq {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memEvents) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

type memStops Store

func (s *memStops) Set(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops[runID] = true
	return nil
}

func (s *memStops) IsSet(_ context.Context, runID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stops[runID], nil
}

func (s *memStops) Clear(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stops, runID)
	return nil
}

type memSummaries Store

func (s *memSummaries) Upsert(_ context.Context, summary *store.ThreadSummary) error {
	if summary == nil {
		return errors.New("nil summary")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *summary
	cp.UpdatedAt = (*Store)(s).nextTime()
	s.sums[summary.ThreadID] = &cp
	return nil
}

func (s *memSummaries) Get(_ context.Context, threadID string) (*store.ThreadSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.sums[threadID]
	if !ok {
		return nil, nil
	}
	cp := *sum
	return &cp, nil
}
