package backend_postgres_migrations

import (
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigration(upInitial, downInitial)
}

func upInitial(tx *sql.Tx) error {
	// Ensure UUID extension is available
	if _, err := tx.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`); err != nil {
		return err
	}

	createStatements := []string{
		// Session status enum (lowercase to match Go constants)
		`CREATE TYPE session_status AS ENUM ('running', 'completed', 'failed');`,

		// Delegation sessions table
		`CREATE TABLE IF NOT EXISTS delegation_session (
			id SERIAL PRIMARY KEY,
			external_id UUID DEFAULT uuid_generate_v4() UNIQUE NOT NULL,
			tool_call_id VARCHAR(255) NOT NULL,
			task TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			mode VARCHAR(32) NOT NULL DEFAULT 'code',
			secret BYTEA NOT NULL,
			instance_id VARCHAR(255) NOT NULL DEFAULT '',
			status session_status NOT NULL DEFAULT 'running',
			stage VARCHAR(64) NOT NULL DEFAULT 'creating_session',
			message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);`,

		// Indexes
		`CREATE INDEX idx_delegation_session_tool_call_id ON delegation_session(tool_call_id);`,
		`CREATE INDEX idx_delegation_session_created_at ON delegation_session(created_at DESC);`,
	}

	for _, stmt := range createStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

func downInitial(tx *sql.Tx) error {
	dropStatements := []string{
		`DROP TABLE IF EXISTS delegation_session;`,
		`DROP TYPE IF EXISTS session_status;`,
	}

	for _, stmt := range dropStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
