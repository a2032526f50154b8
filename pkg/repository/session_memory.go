package repository

import (
	"context"
	"sync"
	"time"

	"github.com/beam-cloud/handoff/pkg/types"
	"github.com/google/uuid"
)

// MemorySessionStore is an in-memory SessionStore for local mode and tests
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.DelegationSession
	nextID   uint
}

var _ SessionStore = (*MemorySessionStore)(nil)

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*types.DelegationSession)}
}

func (s *MemorySessionStore) CreateSession(_ context.Context, toolCallID, task, taskContext string, mode types.AgentMode, secret []byte) (string, error) {
	if mode == "" {
		mode = types.AgentModeCode
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := time.Now()
	session := &types.DelegationSession{
		Id:         s.nextID,
		ExternalId: uuid.NewString(),
		ToolCallID: toolCallID,
		Task:       task,
		Context:    taskContext,
		Mode:       mode,
		Secret:     secret,
		Status:     types.SessionStatusRunning,
		Stage:      types.StageCreatingSession,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.sessions[session.ExternalId] = session
	return session.ExternalId, nil
}

func (s *MemorySessionStore) GetSession(_ context.Context, sessionID string) (*types.DelegationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, &types.ErrSessionNotFound{ExternalId: sessionID}
	}
	copied := *session
	return &copied, nil
}

func (s *MemorySessionStore) UpdateInstance(_ context.Context, sessionID, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return &types.ErrSessionNotFound{ExternalId: sessionID}
	}
	session.InstanceID = instanceID
	session.UpdatedAt = time.Now()
	return nil
}

func (s *MemorySessionStore) UpdateProgress(_ context.Context, event types.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[event.SessionID]
	if !ok {
		return &types.ErrSessionNotFound{ExternalId: event.SessionID}
	}
	session.Stage = event.Stage
	session.Message = event.Message
	session.Status = statusForStage(event.Stage)
	if event.InstanceID != "" {
		session.InstanceID = event.InstanceID
	}
	session.UpdatedAt = time.Now()
	return nil
}

func (s *MemorySessionStore) GetParentSessionForToolCall(_ context.Context, toolCallID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *types.DelegationSession
	for _, session := range s.sessions {
		if session.ToolCallID != toolCallID {
			continue
		}
		if latest == nil || session.CreatedAt.After(latest.CreatedAt) {
			latest = session
		}
	}
	if latest == nil {
		return "", nil
	}
	return latest.ExternalId, nil
}

// MemoryVault is an in-memory VaultRepository for local mode and tests
type MemoryVault struct {
	mu   sync.RWMutex
	vars map[string][]types.VaultEnvVar
}

var _ VaultRepository = (*MemoryVault)(nil)

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{vars: make(map[string][]types.VaultEnvVar)}
}

func vaultKey(ownerID, repoID string) string {
	return ownerID + "/" + repoID
}

// SetEnvVar stores one secret env var for an owner/repo pair
func (v *MemoryVault) SetEnvVar(ownerID, repoID, key, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vars[vaultKey(ownerID, repoID)] = append(v.vars[vaultKey(ownerID, repoID)], types.VaultEnvVar{Key: key, Value: value})
}

func (v *MemoryVault) GetEnvVars(_ context.Context, ownerID, repoID string) ([]types.VaultEnvVar, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]types.VaultEnvVar(nil), v.vars[vaultKey(ownerID, repoID)]...), nil
}
