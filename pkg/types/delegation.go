package types

// AgentMode selects how the task runtime executes a delegated task
type AgentMode string

const (
	AgentModeCode    AgentMode = "code"
	AgentModeBrowser AgentMode = "browser"
	AgentModeReview  AgentMode = "review"
)

// Stage is a named point in a delegation's progress state machine
type Stage string

const (
	StageCreatingSession  Stage = "creating_session"
	StageStartingVM       Stage = "starting_vm"
	StageVMReady          Stage = "vm_ready"
	StageProvisioningRepo Stage = "provisioning_repo"
	StageConfiguringTools Stage = "configuring_tools"
	StageDispatchingTask  Stage = "dispatching_task"
	StageExecuting        Stage = "executing"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
)

// stageOrder is the canonical forward ordering; failed is absorbing and
// reachable from any non-terminal stage.
var stageOrder = map[Stage]int{
	StageCreatingSession:  0,
	StageStartingVM:       1,
	StageVMReady:          2,
	StageProvisioningRepo: 3,
	StageConfiguringTools: 4,
	StageDispatchingTask:  5,
	StageExecuting:        6,
	StageCompleted:        7,
}

// Valid reports whether s is a known stage
func (s Stage) Valid() bool {
	if s == StageFailed {
		return true
	}
	_, ok := stageOrder[s]
	return ok
}

// IsTerminal returns true for stages no further transition can leave
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// CanAdvanceTo reports whether a transition from s to next moves strictly
// forward through the canonical ordering.
func (s Stage) CanAdvanceTo(next Stage) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StageFailed {
		return true
	}
	cur, ok := stageOrder[s]
	if !ok {
		return false
	}
	nxt, ok := stageOrder[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// RepoCloneSpec describes the repository checked out into a sandbox
type RepoCloneSpec struct {
	// RemoteURL is the https clone URL
	RemoteURL string `json:"remote_url"`

	// Branch to check out; empty means the repository default
	Branch string `json:"branch"`

	// InstallationID of the source-hosting app installation; when set, an
	// authenticated access attempt must precede any anonymous fallback
	InstallationID int64 `json:"installation_id,omitempty"`

	// Vault lookup keys for secret env vars injected before the clone
	VaultOwnerID string `json:"vault_owner_id,omitempty"`
	VaultRepoID  string `json:"vault_repo_id,omitempty"`
}

// DelegationRequest is the immutable input to one delegation
type DelegationRequest struct {
	// Task is the work description handed to the agent runtime
	Task string `json:"task"`

	// Context is optional free-text background for the task
	Context string `json:"context,omitempty"`

	// ToolCallID links this delegation to the calling agent loop's tool call
	ToolCallID string `json:"tool_call_id"`

	// AgentMode selects the runtime mode (defaults to code)
	AgentMode AgentMode `json:"agent_mode,omitempty"`

	// Repo, when set, is cloned into the sandbox before dispatch
	Repo *RepoCloneSpec `json:"repo,omitempty"`

	// ExistingInstanceID attaches to a running sandbox instead of
	// spawning a fresh one
	ExistingInstanceID string `json:"existing_instance_id,omitempty"`

	// WorkingDirectory overrides the default in-sandbox workspace path
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// ProgressEvent is one stage transition flowing through the progress queue.
// Events are transient; they live only until forwarded.
type ProgressEvent struct {
	SessionID  string `json:"session_id"`
	ToolCallID string `json:"tool_call_id"`
	Stage      Stage  `json:"stage"`
	Message    string `json:"message"`

	// Optional addressing extras
	SandboxSessionID string `json:"sandbox_session_id,omitempty"`
	InstanceID       string `json:"instance_id,omitempty"`
}

// TokenUsage is the token accounting reported by the task runtime
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// ToolUseStatus tags one tool call in the runtime's response
type ToolUseStatus string

const (
	ToolUsePending   ToolUseStatus = "pending"
	ToolUseRunning   ToolUseStatus = "running"
	ToolUseCompleted ToolUseStatus = "completed"
	ToolUseError     ToolUseStatus = "error"
)

// ToolUse summarizes one tool invocation made by the agent runtime
type ToolUse struct {
	Name   string        `json:"name"`
	Status ToolUseStatus `json:"status"`
}

// DelegationResult is the single output of a delegation. Exactly one
// variant is ever populated: Success true carries the response fields,
// Success false carries Error plus whatever partial addressing was
// obtained before the failure.
type DelegationResult struct {
	Success bool `json:"success"`

	SessionID        string `json:"session_id,omitempty"`
	SandboxSessionID string `json:"sandbox_session_id,omitempty"`
	InstanceID       string `json:"instance_id,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	VisualDebugURL   string `json:"visual_debug_url,omitempty"`

	Response  string     `json:"response,omitempty"`
	ToolsUsed []string   `json:"tools_used,omitempty"`
	Tokens    TokenUsage `json:"tokens"`
	Cost      float64    `json:"cost"`

	Error string `json:"error,omitempty"`
}

// FailedResult builds the failure variant, carrying partial addressing
func FailedResult(sessionID, instanceID, debugURL string, err error) DelegationResult {
	return DelegationResult{
		Success:        false,
		SessionID:      sessionID,
		InstanceID:     instanceID,
		VisualDebugURL: debugURL,
		Error:          err.Error(),
	}
}
