package http

import (
	"bytes"
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaot623/codementor/internal/adapter/llm"
	"github.com/xiaot623/codementor/internal/auth"
	"github.com/xiaot623/codementor/internal/config"
	"github.com/xiaot623/codementor/internal/domain"
	"github.com/xiaot623/codementor/internal/hub"
	"github.com/xiaot623/codementor/internal/policy"
	"github.com/xiaot623/codementor/internal/protocol"
	"github.com/xiaot623/codementor/internal/queue"
	"github.com/xiaot623/codementor/internal/service"
	"github.com/xiaot623/codementor/internal/ws"
	"github.com/xiaot623/codementor/tests/helpers"
)

const testSecret = "server-test-secret"

type testServer struct {
	url   string
	queue *queue.Queue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.JWTSecret = testSecret
	cfg.RateLimit = 0
	logger := zap.NewNop()

	store := helpers.NewTestSQLiteStore(t)
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	h := hub.New(cfg.SendBuffer, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	jobs := queue.New(store, queue.Options{Workers: 1, MaxAttempts: 1}, logger)
	reviewer := llm.NewReviewer(llm.NewMockClient(), llm.DefaultModel, logger)
	svc := service.New(store, reviewer, h, jobs, cfg, engine, logger)
	jobs.Register(domain.JobKindAnalyzeCode, svc.HandleAnalyzeJob)

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	wsServer := ws.NewServer(cfg, h, verifier, store, logger)
	ts := httptest.NewServer(NewServer(cfg, svc, verifier, h, wsServer, logger))

	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &testServer{url: ts.URL, queue: jobs}
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.Sign(testSecret, auth.Principal{UserID: userID}, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, method, url, token string, body interface{}) *nethttp.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := nethttp.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := nethttp.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, nethttp.MethodGet, srv.url+"/health", "", nil)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])

	resp = do(t, nethttp.MethodGet, srv.url+"/metrics", "", nil)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
}

func TestAPIRequiresToken(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, nethttp.MethodGet, srv.url+"/v1/sessions", "", nil)
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)

	resp = do(t, nethttp.MethodGet, srv.url+"/v1/sessions", "not-a-jwt", nil)
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)
}

func TestSubmitAndWatchAnalysis(t *testing.T) {
	srv := newTestServer(t)
	tok := bearer(t, "user_1")

	resp := do(t, nethttp.MethodPost, srv.url+"/v1/sessions", tok, domain.CreateSessionRequest{
		Title:       "end to end",
		Language:    "go",
		Source:      domain.SessionSourceSnippet,
		CodeSnippet: "package main\n\nfunc main() {}\n",
	})
	require.Equal(t, nethttp.StatusCreated, resp.StatusCode)
	var session domain.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))

	wsURL := "ws" + strings.TrimPrefix(srv.url, "http") + "/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.SubscribeMessage{BaseMessage: protocol.BaseMessage{
		Type: protocol.TypeSubscribeSession, SessionID: session.SessionID,
	}}))
	var ack protocol.AckMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, protocol.TypeSubscribed, ack.Type)

	processed, err := srv.queue.ProcessNext(context.Background(), "test-worker")
	require.NoError(t, err)
	require.True(t, processed)

	var statuses []domain.SessionStatus
	feedback := 0
	for len(statuses) == 0 || statuses[len(statuses)-1] != domain.SessionStatusCompleted {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, session.SessionID, msg["session_id"])
		switch msg["type"] {
		case protocol.TypeAnalysisStatus:
			statuses = append(statuses, domain.SessionStatus(msg["status"].(string)))
		case protocol.TypeFeedbackUpdate:
			feedback++
		}
	}
	assert.Equal(t, []domain.SessionStatus{domain.SessionStatusAnalyzing, domain.SessionStatusCompleted}, statuses)
	assert.Positive(t, feedback)

	resp = do(t, nethttp.MethodGet, srv.url+"/v1/sessions/"+session.SessionID+"/feedback", tok, nil)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	var body struct {
		Feedback []domain.Feedback `json:"feedback"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Feedback, feedback)

	// Another user cannot read it.
	resp = do(t, nethttp.MethodGet, srv.url+"/v1/sessions/"+session.SessionID, bearer(t, "user_2"), nil)
	assert.Equal(t, nethttp.StatusNotFound, resp.StatusCode)
}
