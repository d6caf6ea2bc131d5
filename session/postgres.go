package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps sessions in PostgreSQL so the authorize and callback
// legs can be served by different processes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Connect creates a store by connecting to the given DSN.
func Connect(ctx context.Context, dsn string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return NewPostgresStore(pool), nil
}

// Migrate creates the sessions table. In production, use a proper migration
// tool.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, migrationSQL)
	if err != nil {
		return fmt.Errorf("running migration: %w", err)
	}
	return nil
}

var migrationSQL = `
CREATE TABLE IF NOT EXISTS oauth_sessions (
    state TEXT PRIMARY KEY,
    method TEXT NOT NULL,
    redirect_uri TEXT NOT NULL,
    document_hash TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_oauth_sessions_expires_at ON oauth_sessions(expires_at);
`

func (s *PostgresStore) Put(ctx context.Context, sess *Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_sessions (state, method, redirect_uri, document_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sess.State, sess.Method, sess.RedirectURI, sess.DocumentHash, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// Claim deletes and returns the session in one statement, so two callbacks
// racing on the same state can never both succeed.
func (s *PostgresStore) Claim(ctx context.Context, state string) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		DELETE FROM oauth_sessions
		WHERE state = $1 AND expires_at > NOW()
		RETURNING state, method, redirect_uri, document_hash, created_at, expires_at
	`, state).Scan(
		&sess.State, &sess.Method, &sess.RedirectURI, &sess.DocumentHash,
		&sess.CreatedAt, &sess.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("claiming session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM oauth_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purging sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
