package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"
)

// uniqueViolation is the Postgres SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

const summaryColumns = `
	id, user_a, user_b, status, started_at, ended_at, ended_by, end_reason,
	is_saved, saved_by, matching_strategy, similarity_score, matched_at,
	unmatched_by, unmatched_at`

const fullColumns = summaryColumns + `, messages`

// PostgresStore persists sessions in the sessions table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a session store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a new session. It returns ErrActiveExists when the pair
// already has an active session.
func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	messages, err := marshalMessages(sess.Messages)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO sessions (
			id, user_a, user_b, status, started_at, is_saved, saved_by, messages,
			matching_strategy, similarity_score, matched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = s.db.ExecContext(ctx, query,
		sess.ID,
		sess.Participants[0],
		sess.Participants[1],
		string(sess.Status),
		sess.StartedAt,
		sess.IsSaved,
		pq.Array(sess.SavedBy),
		messages,
		sess.Metadata.MatchingStrategy,
		sess.Metadata.SimilarityScore,
		sess.Metadata.MatchedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrActiveExists
		}
		return fmt.Errorf("session: insert: %w", err)
	}
	return nil
}

// Get returns a session with its messages. Returns nil if not found.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + fullColumns + ` FROM sessions WHERE id = $1`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id), true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	return sess, nil
}

// ActiveFor returns the user's active session. Returns nil if there is none.
func (s *PostgresStore) ActiveFor(ctx context.Context, userID string) (*Session, error) {
	query := `SELECT ` + fullColumns + `
		FROM sessions
		WHERE status = 'active' AND (user_a = $1 OR user_b = $1)
		ORDER BY started_at DESC
		LIMIT 1`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, userID), true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: active for %s: %w", userID, err)
	}
	return sess, nil
}

// ActiveBetween returns the active session between two users, in either
// order. Returns nil if there is none.
func (s *PostgresStore) ActiveBetween(ctx context.Context, a, b string) (*Session, error) {
	query := `SELECT ` + fullColumns + `
		FROM sessions
		WHERE status = 'active'
		  AND LEAST(user_a, user_b) = LEAST($1::uuid, $2::uuid)
		  AND GREATEST(user_a, user_b) = GREATEST($1::uuid, $2::uuid)`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, a, b), true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: active between: %w", err)
	}
	return sess, nil
}

// Mutate loads the session under a row lock, applies fn and writes the
// result back in the same transaction. If fn returns an error nothing is
// written and the error is returned unwrapped. Returns nil if the session
// does not exist.
func (s *PostgresStore) Mutate(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("session: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := `SELECT ` + fullColumns + ` FROM sessions WHERE id = $1 FOR UPDATE`
	sess, err := scanSession(tx.QueryRowContext(ctx, query, id), true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: lock %s: %w", id, err)
	}

	if err := fn(sess); err != nil {
		return nil, err
	}

	messages, err := marshalMessages(sess.Messages)
	if err != nil {
		return nil, err
	}

	const update = `
		UPDATE sessions SET
			status = $2, ended_at = $3, ended_by = $4, end_reason = $5,
			is_saved = $6, saved_by = $7, messages = $8,
			unmatched_by = $9, unmatched_at = $10
		WHERE id = $1`

	_, err = tx.ExecContext(ctx, update,
		sess.ID,
		string(sess.Status),
		sess.EndedAt,
		nullString(sess.EndedBy),
		nullString(string(sess.EndReason)),
		sess.IsSaved,
		pq.Array(sess.SavedBy),
		messages,
		nullString(sess.UnmatchedBy),
		sess.UnmatchedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("session: update %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("session: commit %s: %w", id, err)
	}
	return sess, nil
}

// SavedFor returns the mutually saved sessions of a user without messages,
// most recently ended first.
func (s *PostgresStore) SavedFor(ctx context.Context, userID string) ([]*Session, error) {
	query := `SELECT ` + summaryColumns + `
		FROM sessions
		WHERE is_saved AND (user_a = $1 OR user_b = $1)
		ORDER BY ended_at DESC NULLS LAST, started_at DESC`
	return s.list(ctx, "saved", query, userID)
}

// UnmatchedFor returns the user's unmatched sessions without messages, most
// recent first.
func (s *PostgresStore) UnmatchedFor(ctx context.Context, userID string) ([]*Session, error) {
	query := `SELECT ` + summaryColumns + `
		FROM sessions
		WHERE status = 'unmatched' AND (user_a = $1 OR user_b = $1)
		ORDER BY unmatched_at DESC`
	return s.list(ctx, "unmatched", query, userID)
}

// ExpireCandidates returns ids of active unsaved sessions started before the
// cutoff, oldest first.
func (s *PostgresStore) ExpireCandidates(ctx context.Context, before time.Time, limit int) ([]string, error) {
	const query = `
		SELECT id
		FROM sessions
		WHERE status = 'active' AND NOT is_saved AND started_at < $1
		ORDER BY started_at
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("session: expire candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("session: expire candidates: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) list(ctx context.Context, name, query string, args ...any) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("session: list %s: %w", name, err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows, false)
		if err != nil {
			return nil, fmt.Errorf("session: list %s: %w", name, err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: list %s: %w", name, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner, withMessages bool) (*Session, error) {
	var (
		sess        Session
		status      string
		endedAt     sql.NullTime
		endedBy     sql.NullString
		endReason   sql.NullString
		savedBy     []string
		unmatchedBy sql.NullString
		unmatchedAt sql.NullTime
		messages    []byte
	)

	dest := []any{
		&sess.ID, &sess.Participants[0], &sess.Participants[1], &status,
		&sess.StartedAt, &endedAt, &endedBy, &endReason,
		&sess.IsSaved, pq.Array(&savedBy),
		&sess.Metadata.MatchingStrategy, &sess.Metadata.SimilarityScore, &sess.Metadata.MatchedAt,
		&unmatchedBy, &unmatchedAt,
	}
	if withMessages {
		dest = append(dest, &messages)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	sess.Status = Status(status)
	sess.EndedBy = endedBy.String
	sess.EndReason = EndReason(endReason.String)
	sess.UnmatchedBy = unmatchedBy.String
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	if unmatchedAt.Valid {
		sess.UnmatchedAt = &unmatchedAt.Time
	}
	if savedBy == nil {
		savedBy = []string{}
	}
	sess.SavedBy = savedBy

	if withMessages {
		sess.Messages = []Message{}
		if len(messages) > 0 {
			if err := json.Unmarshal(messages, &sess.Messages); err != nil {
				return nil, fmt.Errorf("decode messages: %w", err)
			}
		}
	}
	return &sess, nil
}

// marshalMessages encodes messages as text; lib/pq would send []byte as bytea.
func marshalMessages(msgs []Message) (string, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return "", fmt.Errorf("session: marshal messages: %w", err)
	}
	return string(data), nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
