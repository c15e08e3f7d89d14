package audit

import (
	"context"
	"database/sql"
)

// NOTE: this repository assumes an append-only audit_events table exists:
//
//	CREATE TABLE audit_events (
//	    id UUID PRIMARY KEY,
//	    type TEXT NOT NULL,
//	    call_id TEXT NOT NULL,
//	    message TEXT,
//	    metadata TEXT,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
//
// No UPDATE/DELETE statement is ever issued against it, matching the
// append-only invariant on Repository.

// PostgresRepo persists audit events durably, past the state store's
// bounded terminal-retention window, for later operator review.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, type, call_id, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
	_, err := r.db.ExecContext(ctx, q, e.ID, e.Type, e.CallID, e.Message, e.Metadata, e.CreatedAt)
	return err
}
