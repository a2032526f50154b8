package repository

import (
	"context"
	"fmt"

	"github.com/beam-cloud/handoff/pkg/types"
)

// PostgresVault implements VaultRepository on the Postgres backend
type PostgresVault struct {
	backend *PostgresBackend
}

var _ VaultRepository = (*PostgresVault)(nil)

func NewPostgresVault(backend *PostgresBackend) *PostgresVault {
	return &PostgresVault{backend: backend}
}

func (v *PostgresVault) GetEnvVars(ctx context.Context, ownerID, repoID string) ([]types.VaultEnvVar, error) {
	rows, err := v.backend.db.QueryContext(ctx,
		`SELECT key, value FROM vault_env_var
		 WHERE owner_id = $1 AND repo_id = $2
		 ORDER BY key`,
		ownerID, repoID,
	)
	if err != nil {
		return nil, fmt.Errorf("get vault env vars: %w", err)
	}
	defer rows.Close()

	var vars []types.VaultEnvVar
	for rows.Next() {
		var ev types.VaultEnvVar
		if err := rows.Scan(&ev.Key, &ev.Value); err != nil {
			return nil, fmt.Errorf("scan vault env var: %w", err)
		}
		vars = append(vars, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vault env vars: %w", err)
	}
	return vars, nil
}

// SetEnvVar upserts one secret env var for an owner/repo pair
func (v *PostgresVault) SetEnvVar(ctx context.Context, ownerID, repoID, key, value string) error {
	_, err := v.backend.db.ExecContext(ctx,
		`INSERT INTO vault_env_var (owner_id, repo_id, key, value)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (owner_id, repo_id, key)
		 DO UPDATE SET value = EXCLUDED.value`,
		ownerID, repoID, key, value,
	)
	if err != nil {
		return fmt.Errorf("set vault env var: %w", err)
	}
	return nil
}
