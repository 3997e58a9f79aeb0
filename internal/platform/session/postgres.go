package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgRow represents a single row returned by QueryRow.
type pgRow interface {
	Scan(dest ...any) error
}

// pgConn is the slice of the pool the store uses; tests substitute a fake.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) error
	Ping(ctx context.Context) error
}

// PGStore keeps sessions as JSONB rows in nmcds_sessions (see migrations).
type PGStore struct {
	db  pgConn
	ttl time.Duration
	now func() time.Time
}

func newPGStore(db pgConn, ttl time.Duration) *PGStore {
	return &PGStore{db: db, ttl: ttl, now: time.Now}
}

// NewPGStore creates a store on top of a pgx pool.
func NewPGStore(pool *pgxpool.Pool, ttl time.Duration) *PGStore {
	return newPGStore(&pgxPoolWrapper{pool: pool}, ttl)
}

func (s *PGStore) Get(ctx context.Context, id string) (*Session, error) {
	const query = `SELECT data FROM nmcds_sessions WHERE id = $1 AND expires_at > $2`

	var data []byte
	if err := s.db.QueryRow(ctx, query, id, s.now()).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// Save upserts the session and slides its expiry.
func (s *PGStore) Save(ctx context.Context, sess *Session) error {
	now := s.now()
	sess.UpdatedAt = now
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	const query = `INSERT INTO nmcds_sessions (id, data, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET data       = EXCLUDED.data,
                               updated_at = EXCLUDED.updated_at,
                               expires_at = EXCLUDED.expires_at`

	if err := s.db.Exec(ctx, query, sess.ID, data, sess.CreatedAt, now, now.Add(s.ttl)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	if err := s.db.Exec(ctx, `DELETE FROM nmcds_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// Cleanup deletes all expired rows.
func (s *PGStore) Cleanup(ctx context.Context) error {
	if err := s.db.Exec(ctx, `DELETE FROM nmcds_sessions WHERE expires_at <= $1`, s.now()); err != nil {
		return fmt.Errorf("cleanup sessions: %w", err)
	}
	return nil
}

// pgxPoolWrapper adapts *pgxpool.Pool, whose Exec also returns a command tag.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}

func (w *pgxPoolWrapper) Ping(ctx context.Context) error { return w.pool.Ping(ctx) }
