// Package store persists extraction artifacts, agent runs, source cards and
// reasoning audit events in Postgres.
package store

import (
	"github.com/sells-group/gazette-cli/internal/db"
)

// PostgresStore implements every persistence contract outside the stage
// coordinator on top of a db.Pool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore backed by pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

type scannable interface {
	Scan(dest ...any) error
}
