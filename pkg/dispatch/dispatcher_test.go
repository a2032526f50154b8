package dispatch

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/beam-cloud/handoff/pkg/sandbox"
	"github.com/beam-cloud/handoff/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRuntime struct {
	sessionID  string
	createErr  error
	promptErr  error
	response   *PromptResponse
	lastPrompt string
	lastMode   types.AgentMode

	registered []string
	failNames  map[string]bool
}

func (s *stubRuntime) CreateSession(_ context.Context, _ string) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}
	return s.sessionID, nil
}

func (s *stubRuntime) Prompt(_ context.Context, _, text string, mode types.AgentMode) (*PromptResponse, error) {
	s.lastPrompt = text
	s.lastMode = mode
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

type recordingExecutor struct {
	commands []string
	exitCode int
}

func (r *recordingExecutor) Exec(_ context.Context, command string) (*sandbox.ExecResult, error) {
	r.commands = append(r.commands, command)
	return &sandbox.ExecResult{ExitCode: r.exitCode}, nil
}

func TestWriteRuntimeConfig(t *testing.T) {
	exec := &recordingExecutor{}
	d := NewDispatcher(types.RuntimeConfig{
		Provider: "anthropic",
		APIKey:   "key-123",
		Model:    "claude-sonnet-4-20250514",
	}, types.ToolsConfig{})

	err := d.WriteRuntimeConfig(context.Background(), exec)
	require.NoError(t, err)
	require.Len(t, exec.commands, 1)
	assert.Contains(t, exec.commands[0], runtimeConfigPath)
	assert.Contains(t, exec.commands[0], `"apiKey":"key-123"`)
}

func TestWriteRuntimeConfigFailure(t *testing.T) {
	exec := &recordingExecutor{exitCode: 1}
	d := NewDispatcher(types.RuntimeConfig{}, types.ToolsConfig{})

	err := d.WriteRuntimeConfig(context.Background(), exec)
	require.Error(t, err)
}

func TestRegisterToolsPrimaryFailureFatal(t *testing.T) {
	rt := &stubRuntime{failNames: map[string]bool{"browser": true}}
	d := NewDispatcher(types.RuntimeConfig{}, types.ToolsConfig{
		Servers: map[string]types.ToolServerConfig{
			"browser": {URL: "http://localhost:9000", Primary: true},
		},
	})

	err := d.RegisterTools(context.Background(), rt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser")
}

func TestRegisterToolsSecondaryFailureSkipped(t *testing.T) {
	rt := &stubRuntime{failNames: map[string]bool{"linear": true}}
	d := NewDispatcher(types.RuntimeConfig{}, types.ToolsConfig{
		Servers: map[string]types.ToolServerConfig{
			"browser": {URL: "http://localhost:9000", Primary: true},
			"linear":  {Command: "linear-mcp"},
		},
	})

	err := d.RegisterTools(context.Background(), rt)
	require.NoError(t, err)
	assert.Equal(t, []string{"browser"}, rt.registered)
}

func TestRegisterToolsSecondaryEscalation(t *testing.T) {
	rt := &stubRuntime{failNames: map[string]bool{"linear": true}}
	d := NewDispatcher(types.RuntimeConfig{}, types.ToolsConfig{
		Servers: map[string]types.ToolServerConfig{
			"linear": {Command: "linear-mcp"},
		},
		FailOnSecondary: true,
	})

	err := d.RegisterTools(context.Background(), rt)
	require.Error(t, err)
}

func TestExecuteExtractsOutcome(t *testing.T) {
	rt := &stubRuntime{
		sessionID: "rs-1",
		response: &PromptResponse{
			Parts: []Part{
				{Type: "text", Text: "I looked at the repo."},
				{Type: "tool", Tool: "bash", State: PartState{Status: "completed"}},
				{Type: "tool", Tool: "edit", State: PartState{Status: "error"}},
				{Type: "text", Text: "Done, the endpoint is in place."},
				{Type: "tool", Tool: "browser"},
			},
			Info: PromptInfo{Tokens: types.TokenUsage{Input: 120, Output: 40}, Cost: 0.002},
		},
	}
	d := NewDispatcher(types.RuntimeConfig{SetupInstructions: "Work inside /root/workspace."}, types.ToolsConfig{})

	outcome, err := d.Execute(context.Background(), rt, "rs-1", &types.DelegationRequest{
		Task:      "Add a /health endpoint",
		Context:   "Use the existing router",
		AgentMode: types.AgentModeCode,
	})
	require.NoError(t, err)

	assert.Equal(t, "I looked at the repo.\nDone, the endpoint is in place.", outcome.Response)
	assert.Equal(t, []string{"bash (completed)", "edit (error)", "browser (pending)"}, outcome.ToolsUsed)
	assert.Equal(t, int64(120), outcome.Tokens.Input)
	assert.Equal(t, int64(40), outcome.Tokens.Output)
	assert.Equal(t, 0.002, outcome.Cost)

	// Prompt carries setup, task, and context in order
	assert.True(t, strings.HasPrefix(rt.lastPrompt, "Work inside /root/workspace."))
	assert.Contains(t, rt.lastPrompt, "Add a /health endpoint")
	assert.True(t, strings.HasSuffix(rt.lastPrompt, "Additional context:\nUse the existing router"))
	assert.Equal(t, types.AgentModeCode, rt.lastMode)
}

func TestExecuteRuntimeError(t *testing.T) {
	rt := &stubRuntime{
		sessionID: "rs-1",
		response:  &PromptResponse{Error: "model overloaded"},
	}
	d := NewDispatcher(types.RuntimeConfig{}, types.ToolsConfig{})

	_, err := d.Execute(context.Background(), rt, "rs-1", &types.DelegationRequest{Task: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestExecuteTransportError(t *testing.T) {
	rt := &stubRuntime{promptErr: fmt.Errorf("connection reset")}
	d := NewDispatcher(types.RuntimeConfig{}, types.ToolsConfig{})

	_, err := d.Execute(context.Background(), rt, "rs-1", &types.DelegationRequest{Task: "t"})
	require.Error(t, err)
}
