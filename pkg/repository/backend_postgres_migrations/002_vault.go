package backend_postgres_migrations

import (
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigration(upVault, downVault)
}

func upVault(tx *sql.Tx) error {
	createStatements := []string{
		// Secret env vars scoped to an owner/repo pair, injected into a
		// sandbox before the repository is cloned
		`CREATE TABLE IF NOT EXISTS vault_env_var (
			id SERIAL PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			repo_id VARCHAR(255) NOT NULL,
			key VARCHAR(255) NOT NULL,
			value TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (owner_id, repo_id, key)
		);`,

		`CREATE INDEX idx_vault_env_var_owner_repo ON vault_env_var(owner_id, repo_id);`,
	}

	for _, stmt := range createStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

func downVault(tx *sql.Tx) error {
	_, err := tx.Exec(`DROP TABLE IF EXISTS vault_env_var;`)
	return err
}
