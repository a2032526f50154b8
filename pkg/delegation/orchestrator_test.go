package delegation

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beam-cloud/handoff/pkg/dispatch"
	"github.com/beam-cloud/handoff/pkg/progress"
	"github.com/beam-cloud/handoff/pkg/provision"
	"github.com/beam-cloud/handoff/pkg/repository"
	"github.com/beam-cloud/handoff/pkg/sandbox"
	"github.com/beam-cloud/handoff/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	mu         sync.Mutex
	runtimeURL string
	debugURL   string

	startErr   error
	getErr     error
	readyPolls int

	started  []string
	fetched  []string
	stopped  []string
	execCmds []string
	polled   int
}

func (p *stubProvider) instance(id string) *sandbox.Instance {
	return &sandbox.Instance{
		ID:     id,
		Status: "running",
		Networking: sandbox.InstanceNetworking{
			HTTPServices: []sandbox.NamedService{
				{Name: "opencode", URL: p.runtimeURL},
				{Name: "vnc", URL: p.debugURL},
			},
		},
	}
}

func (p *stubProvider) Start(ctx context.Context, snapshotID string, _ int) (*sandbox.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.startErr != nil {
		return nil, p.startErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("inst-%d", len(p.started)+1)
	p.started = append(p.started, id)
	return p.instance(id), nil
}

func (p *stubProvider) Get(_ context.Context, instanceID string) (*sandbox.Instance, error) {
	if p.getErr != nil {
		return nil, p.getErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetched = append(p.fetched, instanceID)
	return p.instance(instanceID), nil
}

func (p *stubProvider) Stop(_ context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = append(p.stopped, instanceID)
	return nil
}

func (p *stubProvider) WaitUntilReady(_ context.Context, instanceID string, _ time.Duration) (*sandbox.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polled = p.readyPolls
	return p.instance(instanceID), nil
}

func (p *stubProvider) Exec(_ context.Context, _ string, command string) (*sandbox.ExecResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execCmds = append(p.execCmds, command)
	return &sandbox.ExecResult{ExitCode: 0}, nil
}

func (p *stubProvider) execCommandContaining(needle string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cmd := range p.execCmds {
		if strings.Contains(cmd, needle) {
			return cmd
		}
	}
	return ""
}

type stubRuntime struct {
	sessionID  string
	createErr  error
	promptErr  error
	response   *dispatch.PromptResponse
	registered []string
	failNames  map[string]bool
}

func (s *stubRuntime) CreateSession(_ context.Context, _ string) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}
	return s.sessionID, nil
}

func (s *stubRuntime) Prompt(_ context.Context, _, _ string, _ types.AgentMode) (*dispatch.PromptResponse, error) {
	if s.promptErr != nil {
		return nil, s.promptErr
	}
	return s.response, nil
}

func (s *stubRuntime) AddToolServer(_ context.Context, name string, _ types.ToolServerConfig) error {
	if s.failNames[name] {
		return fmt.Errorf("connection refused")
	}
	s.registered = append(s.registered, name)
	return nil
}

// recordingSink forwards to the session store and keeps the event stream
// for assertions.
type recordingSink struct {
	store repository.SessionStore

	mu     sync.Mutex
	events []types.ProgressEvent
}

func (s *recordingSink) Forward(ctx context.Context, event types.ProgressEvent) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return s.store.UpdateProgress(ctx, event)
}

func (s *recordingSink) stages() []types.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	stages := make([]types.Stage, 0, len(s.events))
	for _, e := range s.events {
		stages = append(stages, e.Stage)
	}
	return stages
}

type testEnv struct {
	orchestrator *Orchestrator
	provider     *stubProvider
	runtime      *stubRuntime
	sink         *recordingSink
	store        *repository.MemorySessionStore
	control      *httptest.Server
}

func newTestEnv(t *testing.T, tools types.ToolsConfig) *testEnv {
	t.Helper()

	control := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(control.Close)

	provider := &stubProvider{runtimeURL: control.URL, debugURL: "https://vnc.example.test"}
	runtime := &stubRuntime{
		sessionID: "rs-1",
		response: &dispatch.PromptResponse{
			Parts: []dispatch.Part{{Type: "text", Text: "Added /health"}},
			Info: dispatch.PromptInfo{
				Tokens: types.TokenUsage{Input: 120, Output: 40},
				Cost:   0.002,
			},
		},
	}

	store := repository.NewMemorySessionStore()
	sink := &recordingSink{store: store}

	config := types.AppConfig{
		Gateway: types.GatewayConfig{ExternalURL: "http://gateway.test"},
		Sandbox: types.SandboxConfig{
			SnapshotID:         "snap-golden",
			RuntimeServiceName: "opencode",
			DebugServiceName:   "vnc",
			ReadyTimeout:       time.Second,
			WorkspaceDir:       "/root/workspace",
			CleanupOnRelease:   true,
		},
		Runtime: types.RuntimeConfig{Provider: "anthropic", APIKey: "key-1", Model: "claude-sonnet-4-20250514"},
		Tools:   tools,
	}

	orchestrator := NewOrchestrator(
		config,
		store,
		sandbox.NewManager(provider, config.Sandbox),
		provision.NewProvisioner(repository.NewMemoryVault(), nil),
		dispatch.NewDispatcher(config.Runtime, config.Tools),
		progress.NewReporter(sink),
	)
	orchestrator.runtimeFor = func(_ string) dispatch.RuntimeClient { return runtime }

	return &testEnv{
		orchestrator: orchestrator,
		provider:     provider,
		runtime:      runtime,
		sink:         sink,
		store:        store,
		control:      control,
	}
}

func TestDelegateHappyPath(t *testing.T) {
	env := newTestEnv(t, types.ToolsConfig{})
	env.provider.readyPolls = 2

	result := env.orchestrator.Delegate(context.Background(), &types.DelegationRequest{
		Task:       "Add a /health endpoint",
		ToolCallID: "call-1",
	})

	require.True(t, result.Success, "delegation failed: %s", result.Error)
	assert.Equal(t, "Added /health", result.Response)
	assert.Equal(t, int64(120), result.Tokens.Input)
	assert.Equal(t, int64(40), result.Tokens.Output)
	assert.Equal(t, 0.002, result.Cost)
	assert.Equal(t, "inst-1", result.InstanceID)
	assert.Equal(t, "rs-1", result.SandboxSessionID)
	assert.Equal(t, "/root/workspace", result.WorkingDirectory)
	assert.Equal(t, "https://vnc.example.test", result.VisualDebugURL)

	assert.Equal(t, []types.Stage{
		types.StageCreatingSession,
		types.StageStartingVM,
		types.StageVMReady,
		types.StageDispatchingTask,
		types.StageExecuting,
		types.StageCompleted,
	}, env.sink.stages())

	session, err := env.store.GetSession(context.Background(), result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusCompleted, session.Status)
	assert.Equal(t, "inst-1", session.InstanceID)

	// Fresh instance torn down on release
	assert.Equal(t, []string{"inst-1"}, env.provider.stopped)

	// Callback credentials landed inside the sandbox
	callback := env.provider.execCommandContaining("HANDOFF_CALLBACK_URL")
	require.NotEmpty(t, callback)
	assert.Contains(t, callback, result.SessionID)
}

func TestDelegateWithRepoAndTools(t *testing.T) {
	env := newTestEnv(t, types.ToolsConfig{
		Servers: map[string]types.ToolServerConfig{
			"browser": {URL: "http://localhost:9000", Primary: true},
		},
	})

	result := env.orchestrator.Delegate(context.Background(), &types.DelegationRequest{
		Task:       "Fix the login flow",
		ToolCallID: "call-2",
		Repo: &types.RepoCloneSpec{
			RemoteURL: "https://github.com/acme/widgets.git",
			Branch:    "main",
		},
	})

	require.True(t, result.Success, "delegation failed: %s", result.Error)
	assert.Equal(t, []string{"browser"}, env.runtime.registered)

	assert.Equal(t, []types.Stage{
		types.StageCreatingSession,
		types.StageStartingVM,
		types.StageVMReady,
		types.StageProvisioningRepo,
		types.StageConfiguringTools,
		types.StageDispatchingTask,
		types.StageExecuting,
		types.StageCompleted,
	}, env.sink.stages())

	assert.NotEmpty(t, env.provider.execCommandContaining("git clone"))
}

func TestDelegateSandboxStartFailure(t *testing.T) {
	env := newTestEnv(t, types.ToolsConfig{})
	env.provider.startErr = fmt.Errorf("capacity exhausted")

	result := env.orchestrator.Delegate(context.Background(), &types.DelegationRequest{
		Task:       "anything",
		ToolCallID: "call-3",
	})

	require.False(t, result.Success)
	assert.Contains(t, result.Error, "capacity exhausted")
	assert.Empty(t, result.InstanceID)
	assert.NotEmpty(t, result.SessionID)

	stages := env.sink.stages()
	require.NotEmpty(t, stages)
	assert.Equal(t, types.StageFailed, stages[len(stages)-1])

	session, err := env.store.GetSession(context.Background(), result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusFailed, session.Status)
}

func TestDelegateRuntimeFailureCarriesPartialAddressing(t *testing.T) {
	env := newTestEnv(t, types.ToolsConfig{})
	env.runtime.promptErr = fmt.Errorf("connection reset")

	result := env.orchestrator.Delegate(context.Background(), &types.DelegationRequest{
		Task:       "anything",
		ToolCallID: "call-4",
	})

	require.False(t, result.Success)
	assert.Equal(t, "inst-1", result.InstanceID)
	assert.Equal(t, "rs-1", result.SandboxSessionID)
	assert.Equal(t, "https://vnc.example.test", result.VisualDebugURL)

	// The sandbox still gets torn down through the failure path
	assert.Equal(t, []string{"inst-1"}, env.provider.stopped)
}

func TestDelegateAttachExistingInstance(t *testing.T) {
	env := newTestEnv(t, types.ToolsConfig{})

	result := env.orchestrator.Delegate(context.Background(), &types.DelegationRequest{
		Task:               "continue in the same workspace",
		ToolCallID:         "call-5",
		ExistingInstanceID: "inst-keep",
	})

	require.True(t, result.Success, "delegation failed: %s", result.Error)
	assert.Equal(t, "inst-keep", result.InstanceID)
	assert.Contains(t, env.provider.fetched, "inst-keep")

	// Reused instances are never stopped
	assert.Empty(t, env.provider.stopped)
	assert.Empty(t, env.provider.started)
}

func TestDelegateCancellation(t *testing.T) {
	env := newTestEnv(t, types.ToolsConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := env.orchestrator.Delegate(ctx, &types.DelegationRequest{
		Task:       "anything",
		ToolCallID: "call-6",
	})

	require.False(t, result.Success)
	assert.Contains(t, result.Error, context.Canceled.Error())
}

func TestDelegateEmptyTask(t *testing.T) {
	env := newTestEnv(t, types.ToolsConfig{})

	result := env.orchestrator.Delegate(context.Background(), &types.DelegationRequest{ToolCallID: "call-7"})
	require.False(t, result.Success)
	assert.Empty(t, result.SessionID)
	assert.Empty(t, env.sink.stages())
}
