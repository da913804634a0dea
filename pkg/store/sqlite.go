package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trustmesh/repcore/pkg/contracts"
)

// SQLiteStore is the embedded persistent Store. Leaf sequences survive
// restarts, which keeps historical proofs verifiable.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database handle and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) a database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Leaf appends serialize per user inside transactions; a single
	// connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS merkle_leaves (
		user_id   TEXT NOT NULL,
		idx       INTEGER NOT NULL,
		leaf_hash TEXT NOT NULL,
		PRIMARY KEY (user_id, idx)
	);
	CREATE TABLE IF NOT EXISTS cooldowns (
		user_id    TEXT NOT NULL,
		event_type TEXT NOT NULL,
		last_ns    INTEGER NOT NULL,
		PRIMARY KEY (user_id, event_type)
	);
	CREATE TABLE IF NOT EXISTS counters (
		user_id    TEXT NOT NULL,
		event_type TEXT NOT NULL,
		count      INTEGER NOT NULL,
		last_ns    INTEGER NOT NULL,
		PRIMARY KEY (user_id, event_type)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Close closes the underlying handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AppendLeaf(ctx context.Context, userID, leafHash string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append leaf: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx)+1, 0) FROM merkle_leaves WHERE user_id = ?`, userID).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("append leaf: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO merkle_leaves (user_id, idx, leaf_hash) VALUES (?, ?, ?)`,
		userID, next, leafHash)
	if err != nil {
		return nil, fmt.Errorf("append leaf: %w", err)
	}

	leaves, err := leavesTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("append leaf: %w", err)
	}
	return leaves, nil
}

type rowQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func leavesTx(ctx context.Context, q rowQuerier, userID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT leaf_hash FROM merkle_leaves WHERE user_id = ? ORDER BY idx`, userID)
	if err != nil {
		return nil, fmt.Errorf("load leaves: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var leaves []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("load leaves: %w", err)
		}
		leaves = append(leaves, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load leaves: %w", err)
	}
	return leaves, nil
}

func (s *SQLiteStore) Leaves(ctx context.Context, userID string) ([]string, error) {
	return leavesTx(ctx, s.db, userID)
}

func (s *SQLiteStore) CheckAndSet(ctx context.Context, userID string, t contracts.EventType, ts time.Time, cooldown time.Duration) (bool, time.Time, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("cooldown check: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastNS int64
	var last time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT last_ns FROM cooldowns WHERE user_id = ? AND event_type = ?`,
		userID, string(t)).Scan(&lastNS)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// first event for this key
	case err != nil:
		return false, time.Time{}, fmt.Errorf("cooldown check: %w", err)
	default:
		last = time.Unix(0, lastNS)
		if ts.Sub(last) < cooldown {
			return false, last, nil
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cooldowns (user_id, event_type, last_ns) VALUES (?, ?, ?)
		ON CONFLICT (user_id, event_type) DO UPDATE SET last_ns = excluded.last_ns`,
		userID, string(t), ts.UnixNano())
	if err != nil {
		return false, time.Time{}, fmt.Errorf("cooldown update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, time.Time{}, fmt.Errorf("cooldown update: %w", err)
	}
	return true, last, nil
}

func (s *SQLiteStore) Bump(ctx context.Context, userID string, t contracts.EventType, now time.Time, window time.Duration) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("counter bump: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	count := 0
	var lastNS int64
	err = tx.QueryRowContext(ctx,
		`SELECT count, last_ns FROM counters WHERE user_id = ? AND event_type = ?`,
		userID, string(t)).Scan(&count, &lastNS)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("counter bump: %w", err)
	}
	if lastNS > 0 && now.Sub(time.Unix(0, lastNS)) > window {
		count = 0
	}
	count++

	_, err = tx.ExecContext(ctx, `
		INSERT INTO counters (user_id, event_type, count, last_ns) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, event_type) DO UPDATE SET count = excluded.count, last_ns = excluded.last_ns`,
		userID, string(t), count, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("counter bump: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("counter bump: %w", err)
	}
	return count, nil
}
