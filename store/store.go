// Package store provides the durable entities of the sandbox: binaries,
// analysis results, and their indicators of compromise.
//
// Storage is relational (Postgres). The cache is authoritative for binary
// bytes; the store is authoritative for existence and for results.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrDuplicateResult is returned by CreateResult when a result with the same
// (sha256, connector_name, analysis_name) already exists. The creator is
// responsible for idempotence.
var ErrDuplicateResult = errors.New("duplicate analysis result")

// pqUniqueViolation is the Postgres error code for unique_violation.
const pqUniqueViolation = "23505"

// Store wraps the sandbox database.
type Store struct {
	db *sqlx.DB
}

// Open connects to the database at the given URL.
func Open(databaseURL string) (*Store, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS binaries (
	id        SERIAL PRIMARY KEY,
	sha256    VARCHAR(64) UNIQUE NOT NULL,
	available BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS results (
	id             SERIAL PRIMARY KEY,
	sha256         VARCHAR(64) NOT NULL,
	connector_name VARCHAR(64) NOT NULL,
	analysis_name  VARCHAR(64) NOT NULL,
	score          INTEGER NOT NULL DEFAULT 0,
	error          BOOLEAN NOT NULL DEFAULT FALSE,
	scan_time      TIMESTAMPTZ NOT NULL DEFAULT now(),
	payload        JSONB NOT NULL DEFAULT '{}',
	job_id         VARCHAR(36) NOT NULL,
	dispatched     BOOLEAN NOT NULL DEFAULT FALSE,
	CONSTRAINT result_uc UNIQUE (sha256, connector_name, analysis_name)
);

CREATE TABLE IF NOT EXISTS iocs (
	id           SERIAL PRIMARY KEY,
	analysis_id  INTEGER NOT NULL REFERENCES results(id) ON DELETE CASCADE,
	match_type   VARCHAR(16) NOT NULL,
	match_values TEXT[] NOT NULL,
	field        TEXT,
	link         TEXT
);

CREATE INDEX IF NOT EXISTS iocs_analysis_idx ON iocs (analysis_id);
CREATE INDEX IF NOT EXISTS results_sha256_idx ON results (sha256);
`

// InitSchema creates the tables if they do not exist.
// IOC rows are owned by their result: the foreign key cascades deletes, so
// removing a result can never strand its IOCs.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}
