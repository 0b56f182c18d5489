// Package user is the Postgres-backed user directory: identity records,
// interest profiles and block lists.
package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/animatch/matchmaker/internal/matching"
)

// Record is a user's identity as stored locally.
type Record struct {
	ID       string
	Email    string
	Username string
}

// Store manages users, profiles and blocks in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a user store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ensure creates the user record or refreshes its email and username. An
// empty email or username leaves the stored value untouched.
func (s *Store) Ensure(ctx context.Context, r Record) error {
	const query = `
		INSERT INTO users (id, email, username)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET email = COALESCE(EXCLUDED.email, users.email),
		    username = COALESCE(NULLIF(EXCLUDED.username, ''), users.username)`

	if _, err := s.db.ExecContext(ctx, query, r.ID, nullString(r.Email), r.Username); err != nil {
		return fmt.Errorf("user: ensure %s: %w", r.ID, err)
	}
	return nil
}

// Exists reports whether a user record exists.
func (s *Store) Exists(ctx context.Context, userID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("user: exists %s: %w", userID, err)
	}
	return exists, nil
}

// Username returns the user's display name, or "" if the user is unknown.
func (s *Store) Username(ctx context.Context, userID string) (string, error) {
	const query = `SELECT username FROM users WHERE id = $1`

	var name string
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("user: username %s: %w", userID, err)
	}
	return name, nil
}

// Profile returns the user's interest profile. Returns nil if none is set.
func (s *Store) Profile(ctx context.Context, userID string) (*matching.InterestProfile, error) {
	const query = `SELECT course, dorm, organizations FROM profiles WHERE user_id = $1`

	var (
		course, dorm sql.NullString
		orgs         []string
	)
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&course, &dorm, pq.Array(&orgs))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user: profile %s: %w", userID, err)
	}
	if orgs == nil {
		orgs = []string{}
	}
	return &matching.InterestProfile{
		Course:        course.String,
		Dorm:          dorm.String,
		Organizations: orgs,
	}, nil
}

// SetProfile replaces the user's interest profile.
func (s *Store) SetProfile(ctx context.Context, userID string, p matching.InterestProfile) error {
	orgs := p.Organizations
	if orgs == nil {
		orgs = []string{}
	}

	const query = `
		INSERT INTO profiles (user_id, course, dorm, organizations, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET course = EXCLUDED.course,
		    dorm = EXCLUDED.dorm,
		    organizations = EXCLUDED.organizations,
		    updated_at = NOW()`

	_, err := s.db.ExecContext(ctx, query, userID, nullString(p.Course), nullString(p.Dorm), pq.Array(orgs))
	if err != nil {
		return fmt.Errorf("user: set profile %s: %w", userID, err)
	}
	return nil
}

// Block adds blockedID to blocker's block list. Blocking twice is a no-op.
func (s *Store) Block(ctx context.Context, blockerID, blockedID string) error {
	const query = `
		INSERT INTO user_blocks (blocker_id, blocked_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, blockerID, blockedID); err != nil {
		return fmt.Errorf("user: block: %w", err)
	}
	return nil
}

// Blocked returns every user blocked by userID or blocking userID.
func (s *Store) Blocked(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT blocked_id FROM user_blocks WHERE blocker_id = $1
		UNION
		SELECT blocker_id FROM user_blocks WHERE blocked_id = $1`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("user: blocked %s: %w", userID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("user: blocked %s: %w", userID, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
