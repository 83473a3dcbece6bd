package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the review_sessions table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS review_sessions (
    id              TEXT PRIMARY KEY,
    deck_id         TEXT NOT NULL DEFAULT '',
    mode            TEXT NOT NULL DEFAULT 'manual',
    started_at      TIMESTAMPTZ NOT NULL,
    ended_at        TIMESTAMPTZ NOT NULL,
    cards_reviewed  INTEGER NOT NULL DEFAULT 0,
    correct_count   INTEGER NOT NULL DEFAULT 0,
    incorrect_count INTEGER NOT NULL DEFAULT 0,
    accuracy        DOUBLE PRECISION NOT NULL DEFAULT 0,
    audio_seconds   DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_review_sessions_ended_at ON review_sessions(ended_at DESC);
CREATE INDEX IF NOT EXISTS idx_review_sessions_deck ON review_sessions(deck_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store using the given connection or pool. The
// caller is responsible for calling [PostgresStore.Migrate] to ensure the
// schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// Record inserts a session summary. Recording the same session ID twice is
// an error.
func (s *PostgresStore) Record(ctx context.Context, sum *Summary) error {
	const query = `
		INSERT INTO review_sessions (
			id, deck_id, mode, started_at, ended_at,
			cards_reviewed, correct_count, incorrect_count, accuracy, audio_seconds
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err := s.db.Exec(ctx, query,
		sum.ID, sum.DeckID, sum.Mode, sum.StartedAt, sum.EndedAt,
		sum.CardsReviewed, sum.CorrectCount, sum.IncorrectCount,
		sum.Accuracy, sum.AudioSeconds,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("history: session %q already recorded", sum.ID)
		}
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

// Recent returns up to limit summaries, newest first. A non-positive limit
// returns all rows.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Summary, error) {
	const query = `
		SELECT id, deck_id, mode, started_at, ended_at,
		       cards_reviewed, correct_count, incorrect_count, accuracy, audio_seconds
		FROM review_sessions
		ORDER BY ended_at DESC
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, nullableLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(
			&sum.ID, &sum.DeckID, &sum.Mode, &sum.StartedAt, &sum.EndedAt,
			&sum.CardsReviewed, &sum.CorrectCount, &sum.IncorrectCount,
			&sum.Accuracy, &sum.AudioSeconds,
		); err != nil {
			return nil, fmt.Errorf("history: recent scan: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	return out, nil
}

// nullableLimit maps non-positive limits to SQL NULL, which PostgreSQL
// treats as LIMIT ALL.
func nullableLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// isDuplicateKeyError checks whether a PostgreSQL error is a
// unique-violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
