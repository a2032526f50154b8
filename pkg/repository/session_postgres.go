package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/beam-cloud/handoff/pkg/types"
)

// PostgresSessionStore implements SessionStore on the Postgres backend
type PostgresSessionStore struct {
	backend *PostgresBackend
}

var _ SessionStore = (*PostgresSessionStore)(nil)

func NewPostgresSessionStore(backend *PostgresBackend) *PostgresSessionStore {
	return &PostgresSessionStore{backend: backend}
}

func (s *PostgresSessionStore) CreateSession(ctx context.Context, toolCallID, task, taskContext string, mode types.AgentMode, secret []byte) (string, error) {
	if mode == "" {
		mode = types.AgentModeCode
	}

	var externalID string
	err := s.backend.db.QueryRowContext(ctx,
		`INSERT INTO delegation_session (tool_call_id, task, context, mode, secret)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING external_id`,
		toolCallID, task, taskContext, string(mode), secret,
	).Scan(&externalID)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	return externalID, nil
}

func (s *PostgresSessionStore) GetSession(ctx context.Context, sessionID string) (*types.DelegationSession, error) {
	var session types.DelegationSession
	var mode, stage, status string

	err := s.backend.db.QueryRowContext(ctx,
		`SELECT id, external_id, tool_call_id, task, context, mode, secret,
		        instance_id, status, stage, message, created_at, updated_at
		 FROM delegation_session WHERE external_id = $1`,
		sessionID,
	).Scan(
		&session.Id, &session.ExternalId, &session.ToolCallID, &session.Task,
		&session.Context, &mode, &session.Secret, &session.InstanceID,
		&status, &stage, &session.Message, &session.CreatedAt, &session.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &types.ErrSessionNotFound{ExternalId: sessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	session.Mode = types.AgentMode(mode)
	session.Status = types.SessionStatus(status)
	session.Stage = types.Stage(stage)
	return &session, nil
}

func (s *PostgresSessionStore) UpdateInstance(ctx context.Context, sessionID, instanceID string) error {
	result, err := s.backend.db.ExecContext(ctx,
		`UPDATE delegation_session
		 SET instance_id = $2, updated_at = CURRENT_TIMESTAMP
		 WHERE external_id = $1`,
		sessionID, instanceID,
	)
	if err != nil {
		return fmt.Errorf("update session instance: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return &types.ErrSessionNotFound{ExternalId: sessionID}
	}
	return nil
}

func (s *PostgresSessionStore) UpdateProgress(ctx context.Context, event types.ProgressEvent) error {
	status := statusForStage(event.Stage)

	result, err := s.backend.db.ExecContext(ctx,
		`UPDATE delegation_session
		 SET stage = $2, message = $3, status = $4, updated_at = CURRENT_TIMESTAMP
		 WHERE external_id = $1`,
		event.SessionID, string(event.Stage), event.Message, string(status),
	)
	if err != nil {
		return fmt.Errorf("update session progress: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return &types.ErrSessionNotFound{ExternalId: event.SessionID}
	}
	return nil
}

func (s *PostgresSessionStore) GetParentSessionForToolCall(ctx context.Context, toolCallID string) (string, error) {
	var externalID string
	err := s.backend.db.QueryRowContext(ctx,
		`SELECT external_id FROM delegation_session
		 WHERE tool_call_id = $1
		 ORDER BY created_at DESC LIMIT 1`,
		toolCallID,
	).Scan(&externalID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session for tool call: %w", err)
	}
	return externalID, nil
}

func statusForStage(stage types.Stage) types.SessionStatus {
	switch stage {
	case types.StageCompleted:
		return types.SessionStatusCompleted
	case types.StageFailed:
		return types.SessionStatusFailed
	default:
		return types.SessionStatusRunning
	}
}
