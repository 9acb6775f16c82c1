package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/agentd/internal/store"
)

// streamPollInterval is how often the SSE handler polls for new events.
const streamPollInterval = 500 * time.Millisecond

// streamRun drains the run's event stream over SSE: everything already
// buffered first, then new events as they land, until the run reaches a
// terminal status or the client goes away.
func (s *Server) streamRun(c echo.Context) error {
	run, err := s.authorizeRun(c)
	if err != nil {
		return err
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	lastSeq := int64(0)
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		events, err := s.svc.Events(ctx, run.ID, lastSeq)
		if err != nil {
			return nil
		}
		for _, ev := range events {
			if _, err := fmt.Fprintf(resp, "id: %d\ndata: %s\n\n", ev.Seq, ev.Payload); err != nil {
				return nil
			}
			lastSeq = ev.Seq
		}
		resp.Flush()

		current, err := s.svc.GetRun(ctx, run.ID)
		if err != nil || current == nil {
			return nil
		}
		if terminal(current.Status) {
			// One last poll so finish/error events written alongside the
			// status flip are not missed.
			events, _ := s.svc.Events(ctx, run.ID, lastSeq)
			for _, ev := range events {
				fmt.Fprintf(resp, "id: %d\ndata: %s\n\n", ev.Seq, ev.Payload)
				lastSeq = ev.Seq
			}
			resp.Flush()
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func terminal(status string) bool {
	switch status {
	case store.RunStatusCompleted, store.RunStatusFailed, store.RunStatusStopped:
		return true
	}
	return false
}
