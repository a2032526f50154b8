package types

import "time"

// SessionStatus mirrors the last reported stage of a delegation session
type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// DelegationSession is the externally visible record of one delegation.
// It is created before any expensive work so early failures remain
// observable through the session store.
type DelegationSession struct {
	// Id is the internal ID for joins
	Id uint `json:"id" db:"id"`

	// ExternalId is the UUID exposed via API
	ExternalId string `json:"external_id" db:"external_id"`

	// ToolCallID links the session to the calling agent loop's tool call
	ToolCallID string `json:"tool_call_id" db:"tool_call_id"`

	// Task and Context are snapshots of the request
	Task    string    `json:"task" db:"task"`
	Context string    `json:"context,omitempty" db:"context"`
	Mode    AgentMode `json:"mode" db:"mode"`

	// Secret is the per-session signing secret for the minted token.
	// Never exposed via API responses.
	Secret []byte `json:"-" db:"secret"`

	// InstanceID is back-filled once a sandbox is spawned or attached
	InstanceID string `json:"instance_id,omitempty" db:"instance_id"`

	Status SessionStatus `json:"status" db:"status"`

	// Stage and Message track the last reported progress event
	Stage   Stage  `json:"stage" db:"stage"`
	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ErrSessionNotFound is returned when a session cannot be found
type ErrSessionNotFound struct {
	ExternalId string
}

func (e *ErrSessionNotFound) Error() string {
	return "session not found: " + e.ExternalId
}

// VaultEnvVar is one secret environment variable scoped to an owner/repo
type VaultEnvVar struct {
	Key   string `json:"key" db:"key"`
	Value string `json:"value" db:"value"`
}
