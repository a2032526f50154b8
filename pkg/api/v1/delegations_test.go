package apiv1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/beam-cloud/handoff/pkg/progress"
	"github.com/beam-cloud/handoff/pkg/repository"
	"github.com/beam-cloud/handoff/pkg/token"
	"github.com/beam-cloud/handoff/pkg/types"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDelegator struct {
	result  types.DelegationResult
	lastReq *types.DelegationRequest
}

func (s *stubDelegator) Delegate(_ context.Context, req *types.DelegationRequest) types.DelegationResult {
	s.lastReq = req
	return s.result
}

type captureSink struct {
	events []types.ProgressEvent
}

func (s *captureSink) Forward(_ context.Context, event types.ProgressEvent) error {
	s.events = append(s.events, event)
	return nil
}

type apiTestEnv struct {
	echo      *echo.Echo
	delegator *stubDelegator
	store     *repository.MemorySessionStore
	sink      *captureSink
	reporter  *progress.Reporter
}

func newAPITestEnv() *apiTestEnv {
	e := echo.New()
	delegator := &stubDelegator{}
	store := repository.NewMemorySessionStore()
	sink := &captureSink{}
	reporter := progress.NewReporter(sink)

	NewDelegationsGroup(e.Group(HttpServerBaseRoute+"/delegations"), delegator, store, reporter)

	return &apiTestEnv{echo: e, delegator: delegator, store: store, sink: sink, reporter: reporter}
}

func (env *apiTestEnv) request(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	return rec
}

func TestCreateDelegation(t *testing.T) {
	env := newAPITestEnv()
	env.delegator.result = types.DelegationResult{
		Success:   true,
		SessionID: "sess-1",
		Response:  "done",
	}

	rec := env.request(http.MethodPost, "/api/v1/delegations",
		`{"task": "add tests", "tool_call_id": "call-1"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "add tests", env.delegator.lastReq.Task)
	assert.Equal(t, "call-1", env.delegator.lastReq.ToolCallID)
}

func TestCreateDelegationRequiresTask(t *testing.T) {
	env := newAPITestEnv()

	rec := env.request(http.MethodPost, "/api/v1/delegations", `{"tool_call_id": "call-1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, env.delegator.lastReq)
}

func TestGetDelegationNotFound(t *testing.T) {
	env := newAPITestEnv()

	rec := env.request(http.MethodGet, "/api/v1/delegations/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetDelegationHidesSecret(t *testing.T) {
	env := newAPITestEnv()
	secret := []byte("0123456789abcdef0123456789abcdef")
	sessionID, err := env.store.CreateSession(context.Background(), "call-1", "task", "", types.AgentModeCode, secret)
	require.NoError(t, err)

	rec := env.request(http.MethodGet, "/api/v1/delegations/"+sessionID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestReportProgress(t *testing.T) {
	env := newAPITestEnv()
	secret := []byte("0123456789abcdef0123456789abcdef")
	sessionID, err := env.store.CreateSession(context.Background(), "call-1", "task", "", types.AgentModeCode, secret)
	require.NoError(t, err)

	sessionToken, err := token.Mint(sessionID, secret)
	require.NoError(t, err)

	rec := env.request(http.MethodPost, "/api/v1/delegations/"+sessionID+"/progress",
		`{"stage": "executing", "message": "halfway there", "sandbox_session_id": "rs-1"}`,
		map[string]string{"Authorization": "Bearer " + sessionToken})

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, env.reporter.Flush(context.Background()))

	require.Len(t, env.sink.events, 1)
	event := env.sink.events[0]
	assert.Equal(t, sessionID, event.SessionID)
	assert.Equal(t, "call-1", event.ToolCallID)
	assert.Equal(t, types.StageExecuting, event.Stage)
	assert.Equal(t, "halfway there", event.Message)
	assert.Equal(t, "rs-1", event.SandboxSessionID)
}

func TestReportProgressRejectsForeignToken(t *testing.T) {
	env := newAPITestEnv()
	secret := []byte("0123456789abcdef0123456789abcdef")
	otherSecret := []byte("fedcba9876543210fedcba9876543210")

	sessionID, err := env.store.CreateSession(context.Background(), "call-1", "task", "", types.AgentModeCode, secret)
	require.NoError(t, err)
	otherID, err := env.store.CreateSession(context.Background(), "call-2", "task", "", types.AgentModeCode, otherSecret)
	require.NoError(t, err)

	// Token minted for the other session never reports here
	foreignToken, err := token.Mint(otherID, otherSecret)
	require.NoError(t, err)

	rec := env.request(http.MethodPost, "/api/v1/delegations/"+sessionID+"/progress",
		`{"stage": "executing"}`,
		map[string]string{"Authorization": "Bearer " + foreignToken})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, env.sink.events)
}

func TestReportProgressMissingToken(t *testing.T) {
	env := newAPITestEnv()
	secret := []byte("0123456789abcdef0123456789abcdef")
	sessionID, err := env.store.CreateSession(context.Background(), "call-1", "task", "", types.AgentModeCode, secret)
	require.NoError(t, err)

	rec := env.request(http.MethodPost, "/api/v1/delegations/"+sessionID+"/progress", `{"stage": "executing"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetDelegationByToolCall(t *testing.T) {
	env := newAPITestEnv()
	secret := []byte("0123456789abcdef0123456789abcdef")
	sessionID, err := env.store.CreateSession(context.Background(), "call-9", "task", "", types.AgentModeCode, secret)
	require.NoError(t, err)

	rec := env.request(http.MethodGet, "/api/v1/delegations/by-tool-call/call-9", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), sessionID)

	rec = env.request(http.MethodGet, "/api/v1/delegations/by-tool-call/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReportProgressRejectsTerminalSession(t *testing.T) {
	env := newAPITestEnv()
	secret := []byte("0123456789abcdef0123456789abcdef")
	sessionID, err := env.store.CreateSession(context.Background(), "call-1", "task", "", types.AgentModeCode, secret)
	require.NoError(t, err)

	require.NoError(t, env.store.UpdateProgress(context.Background(), types.ProgressEvent{
		SessionID: sessionID,
		Stage:     types.StageCompleted,
	}))

	sessionToken, err := token.Mint(sessionID, secret)
	require.NoError(t, err)

	rec := env.request(http.MethodPost, "/api/v1/delegations/"+sessionID+"/progress",
		`{"stage": "executing"}`,
		map[string]string{"Authorization": "Bearer " + sessionToken})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReportProgressUnknownStage(t *testing.T) {
	env := newAPITestEnv()
	secret := []byte("0123456789abcdef0123456789abcdef")
	sessionID, err := env.store.CreateSession(context.Background(), "call-1", "task", "", types.AgentModeCode, secret)
	require.NoError(t, err)

	sessionToken, err := token.Mint(sessionID, secret)
	require.NoError(t, err)

	rec := env.request(http.MethodPost, "/api/v1/delegations/"+sessionID+"/progress",
		`{"stage": "warp_drive"}`,
		map[string]string{"Authorization": "Bearer " + sessionToken})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
