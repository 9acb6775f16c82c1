package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentd/internal/billing"
	"github.com/agentd/internal/store"
)

const testSecret = "test-secret"

type fakeService struct {
	threads  map[string]*store.Thread
	runs     map[string]*store.AgentRun
	events   map[string][]*store.RunEvent
	stopped  []string
	balance  *billing.Balance
	lastSend struct {
		threadID, accountID, text string
	}
}

func newFakeService() *fakeService {
	return &fakeService{
		threads: map[string]*store.Thread{},
		runs:    map[string]*store.AgentRun{},
		events:  map[string][]*store.RunEvent{},
		balance: &billing.Balance{TokenTotal: 100, TokenUsed: 40},
	}
}

func (f *fakeService) SendMessage(ctx context.Context, threadID, accountID, text string) (string, string, error) {
	f.lastSend.threadID, f.lastSend.accountID, f.lastSend.text = threadID, accountID, text
	if threadID == "" {
		threadID = "thread-new"
	}
	f.threads[threadID] = &store.Thread{ID: threadID, AccountID: accountID}
	return threadID, "run-1", nil
}

func (f *fakeService) StopRun(ctx context.Context, runID string) error {
	f.stopped = append(f.stopped, runID)
	return nil
}

func (f *fakeService) GetRun(ctx context.Context, runID string) (*store.AgentRun, error) {
	return f.runs[runID], nil
}

func (f *fakeService) Events(ctx context.Context, runID string, afterSeq int64) ([]*store.RunEvent, error) {
	var out []*store.RunEvent
	for _, ev := range f.events[runID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeService) Balance(ctx context.Context, accountID string) (*billing.Balance, error) {
	return f.balance, nil
}

func (f *fakeService) Thread(ctx context.Context, threadID string) (*store.Thread, error) {
	return f.threads[threadID], nil
}

func signToken(t *testing.T, accountID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		AccountID: accountID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func doRequest(t *testing.T, srv *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAuthRejectsMissingAndBadTokens(t *testing.T) {
	srv := NewServer(newFakeService(), ":0", testSecret)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/balance", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/balance", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "acct"})
	wrongKey, err := other.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)
	rec = doRequest(t, srv, http.MethodGet, "/api/v1/balance", wrongKey, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := NewServer(newFakeService(), ":0", testSecret)
	rec := doRequest(t, srv, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSendMessage(t *testing.T) {
	svc := newFakeService()
	srv := NewServer(svc, ":0", testSecret)
	token := signToken(t, "user1_acme")

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/threads/messages", token,
		`{"text":"hello there"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp sendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "thread-new", resp.ThreadID)
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, "user1_acme", svc.lastSend.accountID)
	assert.Equal(t, "hello there", svc.lastSend.text)
}

func TestSendMessageRejectsEmptyText(t *testing.T) {
	srv := NewServer(newFakeService(), ":0", testSecret)
	token := signToken(t, "user1_acme")

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/threads/messages", token, `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThreadOwnership(t *testing.T) {
	svc := newFakeService()
	svc.threads["t1"] = &store.Thread{ID: "t1", AccountID: "owner_acme"}
	srv := NewServer(svc, ":0", testSecret)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/threads/t1", signToken(t, "owner_acme"), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/threads/t1", signToken(t, "intruder_acme"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/threads/missing", signToken(t, "owner_acme"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunEvents(t *testing.T) {
	svc := newFakeService()
	svc.threads["t1"] = &store.Thread{ID: "t1", AccountID: "owner_acme"}
	svc.runs["run-1"] = &store.AgentRun{ID: "run-1", ThreadID: "t1", Status: store.RunStatusCompleted}
	svc.events["run-1"] = []*store.RunEvent{
		{Seq: 1, RunID: "run-1", Payload: json.RawMessage(`{"type":"status"}`)},
		{Seq: 2, RunID: "run-1", Payload: json.RawMessage(`{"type":"assistant"}`)},
	}
	srv := NewServer(svc, ":0", testSecret)
	token := signToken(t, "owner_acme")

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/runs/run-1/events?after=1", token, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		RunID  string            `json:"run_id"`
		Status string            `json:"status"`
		Events []*store.RunEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, store.RunStatusCompleted, resp.Status)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, int64(2), resp.Events[0].Seq)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/runs/run-1/events?after=oops", token, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/runs/nope/events", token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopRun(t *testing.T) {
	svc := newFakeService()
	svc.threads["t1"] = &store.Thread{ID: "t1", AccountID: "owner_acme"}
	svc.runs["run-1"] = &store.AgentRun{ID: "run-1", ThreadID: "t1", Status: store.RunStatusRunning}
	srv := NewServer(svc, ":0", testSecret)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/runs/run-1/stop", signToken(t, "owner_acme"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"run-1"}, svc.stopped)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/runs/run-1/stop", signToken(t, "intruder_acme"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStreamRunDrainsCompletedRun(t *testing.T) {
	svc := newFakeService()
	svc.threads["t1"] = &store.Thread{ID: "t1", AccountID: "owner_acme"}
	svc.runs["run-1"] = &store.AgentRun{ID: "run-1", ThreadID: "t1", Status: store.RunStatusCompleted}
	svc.events["run-1"] = []*store.RunEvent{
		{Seq: 1, RunID: "run-1", Payload: json.RawMessage(`{"type":"status","status":"processing"}`)},
		{Seq: 2, RunID: "run-1", Payload: json.RawMessage(`{"type":"status","status":"finish"}`)},
	}
	srv := NewServer(svc, ":0", testSecret)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/runs/run-1/stream", signToken(t, "owner_acme"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "id: 1\ndata: {\"type\":\"status\",\"status\":\"processing\"}")
	assert.Contains(t, body, "id: 2\ndata: {\"type\":\"status\",\"status\":\"finish\"}")
}

func TestGetBalance(t *testing.T) {
	srv := NewServer(newFakeService(), ":0", testSecret)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/balance", signToken(t, "user1_acme"), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(100), resp["token_total"])
	assert.Equal(t, int64(60), resp["remaining"])
}
