package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := New("alice", "bob", "similarity-based", 3, t0)
	require.NoError(t, err)
	return s
}

func TestNew_RejectsSameOrEmptyUsers(t *testing.T) {
	_, err := New("alice", "alice", "random-fallback", 0, t0)
	assert.ErrorIs(t, err, ErrSameUser)

	_, err = New("", "bob", "random-fallback", 0, t0)
	assert.ErrorIs(t, err, ErrSameUser)
}

func TestNew_Defaults(t *testing.T) {
	s := newTestSession(t)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StatusActive, s.Status)
	assert.False(t, s.IsSaved)
	assert.Empty(t, s.SavedBy)
	assert.Equal(t, 3, s.Metadata.SimilarityScore)
	assert.Equal(t, t0, s.Metadata.MatchedAt)
}

func TestPartner(t *testing.T) {
	s := newTestSession(t)

	assert.Equal(t, "bob", s.Partner("alice"))
	assert.Equal(t, "alice", s.Partner("bob"))
	assert.Equal(t, "", s.Partner("carol"))
	assert.False(t, s.IsParticipant(""))
}

func TestSkip_ClearsMessages(t *testing.T) {
	s := newTestSession(t)
	_, err := s.AddMessage("alice", "hi", t0)
	require.NoError(t, err)

	require.NoError(t, s.Skip("alice", t0.Add(time.Minute)))

	assert.Equal(t, StatusSkipped, s.Status)
	assert.Equal(t, ReasonNextChat, s.EndReason)
	assert.Equal(t, "alice", s.EndedBy)
	assert.Empty(t, s.Messages)
	require.NotNil(t, s.EndedAt)

	assert.ErrorIs(t, s.Skip("bob", t0), ErrNotActive)
}

func TestUnmatch_KeepsMessages(t *testing.T) {
	s := newTestSession(t)
	_, err := s.AddMessage("bob", "hey", t0)
	require.NoError(t, err)

	require.NoError(t, s.Unmatch("bob", t0))

	assert.Equal(t, StatusUnmatched, s.Status)
	assert.Equal(t, "bob", s.UnmatchedBy)
	assert.Len(t, s.Messages, 1)
}

func TestEndByBlock_RevokesSaves(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.MarkSaved("alice"))
	require.NoError(t, s.MarkSaved("bob"))
	require.True(t, s.IsSaved)

	require.NoError(t, s.EndByBlock("alice", t0))

	assert.Equal(t, StatusEnded, s.Status)
	assert.Equal(t, ReasonBlock, s.EndReason)
	assert.False(t, s.IsSaved)
	assert.Empty(t, s.SavedBy)
}

func TestExpire_SkipsSaved(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.MarkSaved("alice"))
	require.NoError(t, s.MarkSaved("bob"))

	require.NoError(t, s.Expire(t0))
	assert.Equal(t, StatusActive, s.Status)

	u := newTestSession(t)
	require.NoError(t, u.Expire(t0))
	assert.Equal(t, StatusExpired, u.Status)
	assert.Equal(t, ReasonExpiry, u.EndReason)
}

func TestMarkSaved_MutualOnly(t *testing.T) {
	s := newTestSession(t)

	require.NoError(t, s.MarkSaved("alice"))
	require.NoError(t, s.MarkSaved("alice"))
	assert.False(t, s.IsSaved)
	assert.Equal(t, []string{"alice"}, s.SavedBy)

	require.NoError(t, s.MarkSaved("bob"))
	assert.True(t, s.IsSaved)

	assert.ErrorIs(t, s.MarkSaved("carol"), ErrNotParticipant)
}

func TestAddMessage_Guards(t *testing.T) {
	s := newTestSession(t)

	_, err := s.AddMessage("carol", "hi", t0)
	assert.ErrorIs(t, err, ErrNotParticipant)

	require.NoError(t, s.Skip("alice", t0))
	_, err = s.AddMessage("alice", "hi", t0)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestSummary_DropsMessages(t *testing.T) {
	s := newTestSession(t)
	_, err := s.AddMessage("alice", "hi", t0)
	require.NoError(t, err)

	sum := s.Summary()
	assert.Nil(t, sum.Messages)
	assert.Len(t, s.Messages, 1)
}

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"ok", "hello", false},
		{"empty", "", true},
		{"at limit", string(make([]rune, 10)), false},
		{"over limit", "abcdefghijk", true},
		{"invalid utf8", "\xff\xfe", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.text, 10)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
