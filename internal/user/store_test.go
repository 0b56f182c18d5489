package user

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animatch/matchmaker/internal/database"
	"github.com/animatch/matchmaker/internal/matching"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("ANIMATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ANIMATCH_TEST_DATABASE_URL not set, skipping postgres test")
	}

	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{DSN: dsn})
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	require.NoError(t, database.Migrate(dsn, database.Up))

	_, err = db.ExecContext(ctx, `TRUNCATE users CASCADE`)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.ExecContext(context.Background(), `TRUNCATE users CASCADE`)
		db.Close()
	})
	return NewStore(db)
}

func newUser(t *testing.T, s *Store, name string) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, s.Ensure(context.Background(), Record{ID: id, Email: name + "@uni.edu", Username: name}))
	return id
}

func TestEnsure_CreatesAndRefreshes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newUser(t, s, "alice")

	require.NoError(t, s.Ensure(ctx, Record{ID: id, Email: "alice@uni.edu", Username: "alice2"}))

	name, err := s.Username(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice2", name)

	ok, err := s.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnsure_EmptyFieldsKeepStoredValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newUser(t, s, "dana")

	require.NoError(t, s.Ensure(ctx, Record{ID: id}))

	name, err := s.Username(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "dana", name)

	var email string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT email FROM users WHERE id = $1`, id).Scan(&email))
	assert.Equal(t, "dana@uni.edu", email)
}

func TestProfile_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newUser(t, s, "bob")

	p, err := s.Profile(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, p)

	want := matching.InterestProfile{Course: "CS", Organizations: []string{"Anime Club", "Chess"}}
	require.NoError(t, s.SetProfile(ctx, id, want))

	p, err = s.Profile(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, want.Course, p.Course)
	assert.Equal(t, "", p.Dorm)
	assert.Equal(t, want.Organizations, p.Organizations)
}

func TestBlock_BidirectionalLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := newUser(t, s, "a")
	b := newUser(t, s, "b")

	require.NoError(t, s.Block(ctx, a, b))
	require.NoError(t, s.Block(ctx, a, b))

	fromA, err := s.Blocked(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, fromA)

	fromB, err := s.Blocked(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, []string{a}, fromB)
}
