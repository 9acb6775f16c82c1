package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentd/internal/store"
)

// Run stream status values.
const (
	StatusProcessing = "processing"
	StatusFinish     = "finish"
	StatusError      = "error"
)

// StreamEmitter adapts the run event store to the hook pipeline's emitter.
type StreamEmitter struct {
	events store.Events
}

func NewStreamEmitter(events store.Events) *StreamEmitter {
	return &StreamEmitter{events: events}
}

func (s *StreamEmitter) Emit(ctx context.Context, runID string, payload json.RawMessage) error {
	return s.events.Append(ctx, runID, payload)
}

// emitStatus appends a lifecycle marker to the run stream. Failures are
// logged; a stream hiccup never changes the run outcome.
func (s *StreamEmitter) emitStatus(ctx context.Context, runID, status, runStatus, errMsg string) {
	payload := map[string]any{
		"type":   "status",
		"status": status,
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if runStatus != "" {
		payload["run_status"] = runStatus
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.events.Append(ctx, runID, raw); err != nil {
		log.Warn().
			Str("run_id", runID).
			Str("status", status).
			Err(err).
			Msg("Failed to emit status event")
	}
}
