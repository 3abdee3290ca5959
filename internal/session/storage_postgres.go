package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStorage keeps session keys in a single table, one row per (namespace, key).
//
// Use with the pgx stdlib driver ("pgx").
type PostgresStorage struct {
	db        *sql.DB
	namespace string
	clock     func() time.Time
}

const sessionSchema = `
CREATE TABLE IF NOT EXISTS session_kv (
  namespace  TEXT        NOT NULL,
  key        TEXT        NOT NULL,
  value      TEXT        NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (namespace, key)
)
`

// EnsureSessionSchema creates the backing table if it does not exist.
func EnsureSessionSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, sessionSchema); err != nil {
		return fmt.Errorf("create session_kv: %w", err)
	}
	return nil
}

func NewPostgresStorage(db *sql.DB, namespace string) (*PostgresStorage, error) {
	if db == nil {
		return nil, errors.New("session: db is nil")
	}
	if namespace == "" {
		return nil, errors.New("session: postgres namespace is required")
	}
	return &PostgresStorage{db: db, namespace: namespace, clock: time.Now}, nil
}

func (p *PostgresStorage) Get(ctx context.Context, key string) (string, bool, error) {
	const q = `SELECT value FROM session_kv WHERE namespace = $1 AND key = $2`
	var v string
	if err := p.db.QueryRowContext(ctx, q, p.namespace, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("select session key %s: %w", key, err)
	}
	return v, true, nil
}

func (p *PostgresStorage) Set(ctx context.Context, key, value string) error {
	const q = `
INSERT INTO session_kv (namespace, key, value, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (namespace, key)
DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
`
	if _, err := p.db.ExecContext(ctx, q, p.namespace, key, value, p.clock().UTC()); err != nil {
		return fmt.Errorf("upsert session key %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStorage) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	const q = `DELETE FROM session_kv WHERE namespace = $1 AND key = ANY($2)`
	if _, err := p.db.ExecContext(ctx, q, p.namespace, keys); err != nil {
		return fmt.Errorf("delete session keys: %w", err)
	}
	return nil
}

// PurgeIdle removes every namespace whose newest key is older than maxAge.
func PurgeIdle(ctx context.Context, db *sql.DB, maxAge time.Duration, now time.Time) (int64, error) {
	const q = `
DELETE FROM session_kv
WHERE namespace IN (
  SELECT namespace FROM session_kv GROUP BY namespace HAVING MAX(updated_at) < $1
)
`
	res, err := db.ExecContext(ctx, q, now.Add(-maxAge).UTC())
	if err != nil {
		return 0, fmt.Errorf("purge idle sessions: %w", err)
	}
	return res.RowsAffected()
}
