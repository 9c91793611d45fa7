// Package store persists the gateway's configuration and audit state in
// SQLite: agents and their assigned tools, tool policies, and the
// HMAC-signed Interaction and DualLlmResult records produced per
// upstream call.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	bastionotel "github.com/bastion-ai/bastion/internal/otel"
)

var tracer = bastionotel.Tracer("github.com/bastion-ai/bastion/internal/store")

// Store wraps the SQLite database and the interaction signer.
type Store struct {
	db     *sql.DB
	signer *Signer
}

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS assigned_tools (
	agent_id TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	parameters_json TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (agent_id, name)
);

CREATE TABLE IF NOT EXISTS invocation_policies (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	action TEXT NOT NULL,
	conditions_json TEXT NOT NULL DEFAULT '[]',
	reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS trusted_data_policies (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	action TEXT NOT NULL,
	conditions_json TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS interactions (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	type TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	record_json TEXT NOT NULL,
	signature TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dual_llm_results (
	id TEXT PRIMARY KEY,
	interaction_id TEXT NOT NULL,
	tool_call_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	record_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invocation_policies_agent ON invocation_policies(agent_id);
CREATE INDEX IF NOT EXISTS idx_trusted_data_policies_agent ON trusted_data_policies(agent_id);
CREATE INDEX IF NOT EXISTS idx_interactions_agent ON interactions(agent_id);
CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at);
CREATE INDEX IF NOT EXISTS idx_dual_llm_interaction ON dual_llm_results(interaction_id);
CREATE INDEX IF NOT EXISTS idx_dual_llm_tool_call ON dual_llm_results(tool_call_id);
`

// New opens (or creates) the database at dbPath and prepares the
// interaction signer. Use ":memory:" for tests.
func New(dbPath, signingKey string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	return &Store{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
