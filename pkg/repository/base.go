package repository

import (
	"context"

	"github.com/beam-cloud/handoff/pkg/types"
)

// SessionStore persists delegation session records. The session is created
// before any expensive work so early failures stay observable, and its
// status advances only through progress events.
type SessionStore interface {
	// CreateSession records a new delegation and returns its external id
	CreateSession(ctx context.Context, toolCallID, task, taskContext string, mode types.AgentMode, secret []byte) (string, error)

	// GetSession fetches a session by external id
	GetSession(ctx context.Context, sessionID string) (*types.DelegationSession, error)

	// UpdateInstance back-fills the sandbox instance id after spawn
	UpdateInstance(ctx context.Context, sessionID, instanceID string) error

	// UpdateProgress advances the session's stage/message from one
	// progress event
	UpdateProgress(ctx context.Context, event types.ProgressEvent) error

	// GetParentSessionForToolCall resolves the session that issued a
	// tool call, or "" when none exists
	GetParentSessionForToolCall(ctx context.Context, toolCallID string) (string, error)
}

// VaultRepository resolves secret env vars scoped to an owner/repo pair
type VaultRepository interface {
	GetEnvVars(ctx context.Context, ownerID, repoID string) ([]types.VaultEnvVar, error)
}
