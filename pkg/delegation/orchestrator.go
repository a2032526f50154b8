// Package delegation runs the per-delegation state machine: session record
// first, then sandbox, then workspace, then the task itself. Every stage
// transition is reported; every failure funnels through one exit path.
package delegation

import (
	"context"
	"fmt"
	"time"

	"github.com/beam-cloud/handoff/pkg/common"
	"github.com/beam-cloud/handoff/pkg/dispatch"
	"github.com/beam-cloud/handoff/pkg/progress"
	"github.com/beam-cloud/handoff/pkg/provision"
	"github.com/beam-cloud/handoff/pkg/repository"
	"github.com/beam-cloud/handoff/pkg/sandbox"
	"github.com/beam-cloud/handoff/pkg/token"
	"github.com/beam-cloud/handoff/pkg/types"
	"github.com/rs/zerolog/log"
)

const (
	defaultWorkspaceDir = "/root/workspace"
	callbackEnvPath     = "/etc/profile.d/handoff_callback.sh"
	flushTimeout        = 5 * time.Second
)

// Orchestrator coordinates one delegation end to end
type Orchestrator struct {
	config      types.AppConfig
	store       repository.SessionStore
	sandboxes   *sandbox.Manager
	provisioner *provision.Provisioner
	dispatcher  *dispatch.Dispatcher
	reporter    *progress.Reporter

	// runtimeFor builds the client for an acquired sandbox's runtime URL
	runtimeFor func(baseURL string) dispatch.RuntimeClient
}

func NewOrchestrator(
	config types.AppConfig,
	store repository.SessionStore,
	sandboxes *sandbox.Manager,
	provisioner *provision.Provisioner,
	dispatcher *dispatch.Dispatcher,
	reporter *progress.Reporter,
) *Orchestrator {
	return &Orchestrator{
		config:      config,
		store:       store,
		sandboxes:   sandboxes,
		provisioner: provisioner,
		dispatcher:  dispatcher,
		reporter:    reporter,
		runtimeFor: func(baseURL string) dispatch.RuntimeClient {
			return dispatch.NewClient(baseURL)
		},
	}
}

// Delegate runs one delegation to completion. It never returns an error;
// every failure is absorbed into the failure variant of the result after
// the failed stage has been reported and the reporter flushed. Context
// cancellation takes the same path.
func (o *Orchestrator) Delegate(ctx context.Context, req *types.DelegationRequest) types.DelegationResult {
	if req.Task == "" {
		return types.FailedResult("", "", "", fmt.Errorf("task is required"))
	}

	secret, err := common.GenerateSecret()
	if err != nil {
		return types.FailedResult("", "", "", err)
	}

	// The session record exists before any expensive work so even the
	// earliest failures stay observable
	sessionID, err := o.store.CreateSession(ctx, req.ToolCallID, req.Task, req.Context, req.AgentMode, secret)
	if err != nil {
		return types.FailedResult("", "", "", fmt.Errorf("create session: %w", err))
	}

	log.Info().
		Str("session_id", sessionID).
		Str("tool_call_id", req.ToolCallID).
		Msg("delegation started")

	sessionToken, err := token.Mint(sessionID, secret)
	if err != nil {
		return o.fail(sessionID, req.ToolCallID, nil, "", err)
	}

	o.reporter.Report(sessionID, req.ToolCallID, types.StageCreatingSession, "delegation session created", nil)

	o.reporter.Report(sessionID, req.ToolCallID, types.StageStartingVM, "acquiring sandbox", nil)
	handle, err := o.sandboxes.Acquire(ctx, req.ExistingInstanceID)
	if err != nil {
		return o.fail(sessionID, req.ToolCallID, nil, "", err)
	}
	defer handle.Release(context.WithoutCancel(ctx))

	if err := o.store.UpdateInstance(ctx, sessionID, handle.InstanceID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to back-fill instance id")
	}

	extra := &progress.Extra{InstanceID: handle.InstanceID}
	o.reporter.Report(sessionID, req.ToolCallID, types.StageVMReady, "sandbox ready", extra)

	o.exportCallbackToken(ctx, handle, sessionID, sessionToken)

	workDir := req.WorkingDirectory
	if workDir == "" {
		workDir = o.config.Sandbox.WorkspaceDir
	}
	if workDir == "" {
		workDir = defaultWorkspaceDir
	}

	if req.Repo != nil {
		o.reporter.Report(sessionID, req.ToolCallID, types.StageProvisioningRepo,
			fmt.Sprintf("cloning %s", req.Repo.RemoteURL), extra)
		if err := o.provisioner.Provision(ctx, handle, req.Repo, workDir); err != nil {
			return o.fail(sessionID, req.ToolCallID, handle, "", err)
		}
	}

	if err := o.dispatcher.WriteRuntimeConfig(ctx, handle); err != nil {
		return o.fail(sessionID, req.ToolCallID, handle, "", err)
	}

	rt := o.runtimeFor(handle.RuntimeURL)

	if len(o.config.Tools.Servers) > 0 {
		o.reporter.Report(sessionID, req.ToolCallID, types.StageConfiguringTools, "registering tool servers", extra)
		if err := o.dispatcher.RegisterTools(ctx, rt); err != nil {
			return o.fail(sessionID, req.ToolCallID, handle, "", err)
		}
	}

	o.reporter.Report(sessionID, req.ToolCallID, types.StageDispatchingTask, "opening runtime session", extra)
	runtimeSessionID, err := o.dispatcher.OpenSession(ctx, rt, req.Task)
	if err != nil {
		return o.fail(sessionID, req.ToolCallID, handle, "", err)
	}

	extra.SandboxSessionID = runtimeSessionID
	o.reporter.Report(sessionID, req.ToolCallID, types.StageExecuting, "task running", extra)

	outcome, err := o.dispatcher.Execute(ctx, rt, runtimeSessionID, req)
	if err != nil {
		return o.fail(sessionID, req.ToolCallID, handle, runtimeSessionID, err)
	}

	o.reporter.Report(sessionID, req.ToolCallID, types.StageCompleted, "task completed", extra)
	o.flush(ctx)

	log.Info().
		Str("session_id", sessionID).
		Str("instance_id", handle.InstanceID).
		Int64("input_tokens", outcome.Tokens.Input).
		Int64("output_tokens", outcome.Tokens.Output).
		Msg("delegation completed")

	return types.DelegationResult{
		Success:          true,
		SessionID:        sessionID,
		SandboxSessionID: runtimeSessionID,
		InstanceID:       handle.InstanceID,
		WorkingDirectory: workDir,
		VisualDebugURL:   handle.DebugURL,
		Response:         outcome.Response,
		ToolsUsed:        outcome.ToolsUsed,
		Tokens:           outcome.Tokens,
		Cost:             outcome.Cost,
	}
}

// fail is the single failure exit: report the absorbing stage, flush so no
// stale stage outlives the call, and build the failure variant carrying
// whatever partial addressing was obtained.
func (o *Orchestrator) fail(sessionID, toolCallID string, handle *sandbox.Handle, runtimeSessionID string, err error) types.DelegationResult {
	log.Error().Err(err).Str("session_id", sessionID).Msg("delegation failed")

	var extra *progress.Extra
	var instanceID, debugURL string
	if handle != nil {
		instanceID = handle.InstanceID
		debugURL = handle.DebugURL
		extra = &progress.Extra{InstanceID: instanceID, SandboxSessionID: runtimeSessionID}
	}

	o.reporter.Report(sessionID, toolCallID, types.StageFailed, err.Error(), extra)
	o.flush(context.Background())

	result := types.FailedResult(sessionID, instanceID, debugURL, err)
	result.SandboxSessionID = runtimeSessionID
	return result
}

func (o *Orchestrator) flush(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := o.reporter.Flush(flushCtx); err != nil {
		log.Warn().Err(err).Msg("progress flush timed out")
	}
}

// exportCallbackToken drops the minted session token and the control-plane
// callback URL into the sandbox environment. Best effort; a sandbox that
// never calls back still completes through the synchronous path.
func (o *Orchestrator) exportCallbackToken(ctx context.Context, handle *sandbox.Handle, sessionID, sessionToken string) {
	if o.config.Gateway.ExternalURL == "" {
		return
	}

	callbackURL := fmt.Sprintf("%s/api/v1/delegations/%s/progress", o.config.Gateway.ExternalURL, sessionID)
	command := fmt.Sprintf(
		"cat > %s <<'HANDOFF_CB_EOF'\nexport HANDOFF_CALLBACK_URL='%s'\nexport HANDOFF_SESSION_TOKEN='%s'\nHANDOFF_CB_EOF",
		callbackEnvPath, callbackURL, sessionToken,
	)

	result, err := handle.Exec(ctx, command)
	if err != nil || result.ExitCode != 0 {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to export callback token")
	}
}
