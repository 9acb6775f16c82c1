package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/agentd/internal/store"
)

type sendMessageRequest struct {
	ThreadID string `json:"thread_id"`
	Text     string `json:"text"`
}

type sendMessageResponse struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
}

func (s *Server) sendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	if req.ThreadID != "" {
		if err := s.authorizeThread(c, req.ThreadID); err != nil {
			return err
		}
	}

	threadID, runID, err := s.svc.SendMessage(c.Request().Context(), req.ThreadID, AccountID(c), req.Text)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, sendMessageResponse{ThreadID: threadID, RunID: runID})
}

func (s *Server) getThread(c echo.Context) error {
	thread, err := s.loadThread(c, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, thread)
}

func (s *Server) getRun(c echo.Context) error {
	run, err := s.authorizeRun(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) runEvents(c echo.Context) error {
	run, err := s.authorizeRun(c)
	if err != nil {
		return err
	}

	afterSeq := int64(0)
	if raw := c.QueryParam("after"); raw != "" {
		afterSeq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "after must be an integer")
		}
	}

	events, err := s.svc.Events(c.Request().Context(), run.ID, afterSeq)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run_id": run.ID,
		"status": run.Status,
		"events": events,
	})
}

func (s *Server) stopRun(c echo.Context) error {
	run, err := s.authorizeRun(c)
	if err != nil {
		return err
	}
	if err := s.svc.StopRun(c.Request().Context(), run.ID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"run_id": run.ID, "status": "stopping"})
}

func (s *Server) getBalance(c echo.Context) error {
	balance, err := s.svc.Balance(c.Request().Context(), AccountID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"token_total": balance.TokenTotal,
		"token_used":  balance.TokenUsed,
		"remaining":   balance.Remaining(),
	})
}

// authorizeThread verifies the thread exists and belongs to the caller.
func (s *Server) authorizeThread(c echo.Context, threadID string) error {
	_, err := s.loadThread(c, threadID)
	return err
}

func (s *Server) loadThread(c echo.Context, threadID string) (*store.Thread, error) {
	thread, err := s.svc.Thread(c.Request().Context(), threadID)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if thread == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "thread not found")
	}
	if thread.AccountID != AccountID(c) {
		return nil, echo.NewHTTPError(http.StatusForbidden, "thread belongs to another account")
	}
	return thread, nil
}

// authorizeRun loads the run and verifies its thread belongs to the caller.
func (s *Server) authorizeRun(c echo.Context) (*store.AgentRun, error) {
	run, err := s.svc.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if run == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err := s.authorizeThread(c, run.ThreadID); err != nil {
		return nil, err
	}
	return run, nil
}
