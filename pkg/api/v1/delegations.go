package apiv1

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/beam-cloud/handoff/pkg/progress"
	"github.com/beam-cloud/handoff/pkg/repository"
	"github.com/beam-cloud/handoff/pkg/token"
	"github.com/beam-cloud/handoff/pkg/types"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// Delegator runs one delegation to completion
type Delegator interface {
	Delegate(ctx context.Context, req *types.DelegationRequest) types.DelegationResult
}

type DelegationsGroup struct {
	routerGroup *echo.Group
	delegator   Delegator
	store       repository.SessionStore
	reporter    *progress.Reporter
}

// ProgressCallbackRequest is what a sandbox posts back with its session token
type ProgressCallbackRequest struct {
	Stage            types.Stage `json:"stage"`
	Message          string      `json:"message"`
	SandboxSessionID string      `json:"sandbox_session_id,omitempty"`
}

func NewDelegationsGroup(
	routerGroup *echo.Group,
	delegator Delegator,
	store repository.SessionStore,
	reporter *progress.Reporter,
) *DelegationsGroup {
	g := &DelegationsGroup{
		routerGroup: routerGroup,
		delegator:   delegator,
		store:       store,
		reporter:    reporter,
	}
	g.registerRoutes()
	return g
}

func (g *DelegationsGroup) registerRoutes() {
	g.routerGroup.POST("", g.CreateDelegation)
	g.routerGroup.GET("/by-tool-call/:toolCallId", g.GetDelegationByToolCall)
	g.routerGroup.GET("/:sessionId", g.GetDelegation)
	g.routerGroup.POST("/:sessionId/progress", g.ReportProgress)
}

// CreateDelegation runs a delegation synchronously and returns its result.
// A failed delegation is still a successful API call; the result carries
// its own success flag.
func (g *DelegationsGroup) CreateDelegation(c echo.Context) error {
	var req types.DelegationRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "invalid request body")
	}

	if req.Task == "" {
		return ErrorResponse(c, http.StatusBadRequest, "task is required")
	}

	result := g.delegator.Delegate(c.Request().Context(), &req)
	return SuccessResponse(c, result)
}

// GetDelegation returns the stored session record
func (g *DelegationsGroup) GetDelegation(c echo.Context) error {
	sessionID := c.Param("sessionId")

	session, err := g.store.GetSession(c.Request().Context(), sessionID)
	if err != nil {
		var notFound *types.ErrSessionNotFound
		if errors.As(err, &notFound) {
			return ErrorResponse(c, http.StatusNotFound, "session not found")
		}
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to load session")
		return ErrorResponse(c, http.StatusInternalServerError, "failed to load session")
	}

	return SuccessResponse(c, session)
}

// GetDelegationByToolCall resolves the newest session spawned by a tool
// call, so agent loops can find their delegation without storing the id.
func (g *DelegationsGroup) GetDelegationByToolCall(c echo.Context) error {
	toolCallID := c.Param("toolCallId")

	sessionID, err := g.store.GetParentSessionForToolCall(c.Request().Context(), toolCallID)
	if err != nil {
		log.Error().Err(err).Str("tool_call_id", toolCallID).Msg("failed to resolve tool call")
		return ErrorResponse(c, http.StatusInternalServerError, "failed to resolve tool call")
	}
	if sessionID == "" {
		return ErrorResponse(c, http.StatusNotFound, "no session for tool call")
	}

	session, err := g.store.GetSession(c.Request().Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to load session")
		return ErrorResponse(c, http.StatusInternalServerError, "failed to load session")
	}

	return SuccessResponse(c, session)
}

// ReportProgress is the sandbox callback. The bearer token is verified
// against the session's own secret, so a token minted for one delegation
// can never report progress for another.
func (g *DelegationsGroup) ReportProgress(c echo.Context) error {
	sessionID := c.Param("sessionId")

	tokenStr := bearerToken(c.Request().Header.Get("Authorization"))
	if tokenStr == "" {
		return ErrorResponse(c, http.StatusUnauthorized, "missing bearer token")
	}

	session, err := g.store.GetSession(c.Request().Context(), sessionID)
	if err != nil {
		var notFound *types.ErrSessionNotFound
		if errors.As(err, &notFound) {
			return ErrorResponse(c, http.StatusNotFound, "session not found")
		}
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to load session")
		return ErrorResponse(c, http.StatusInternalServerError, "failed to load session")
	}

	claims, err := token.Verify(tokenStr, session.Secret)
	if err != nil || claims.SessionID != sessionID {
		return ErrorResponse(c, http.StatusUnauthorized, "invalid session token")
	}

	var req ProgressCallbackRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "invalid request body")
	}
	if !req.Stage.Valid() {
		return ErrorResponse(c, http.StatusBadRequest, "unknown stage")
	}
	if req.Stage != session.Stage && !session.Stage.CanAdvanceTo(req.Stage) {
		return ErrorResponse(c, http.StatusConflict, "stage transition not allowed")
	}

	g.reporter.Report(sessionID, session.ToolCallID, req.Stage, req.Message, &progress.Extra{
		SandboxSessionID: req.SandboxSessionID,
		InstanceID:       session.InstanceID,
	})

	return SuccessResponse(c, nil)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
