package session

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It enforces the same one-active-session
// per pair rule as the sessions table and is used by tests of every package
// that depends on sessions.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Create(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess.Status == StatusActive {
		for _, s := range m.sessions {
			if s.Status == StatusActive && samePair(s, sess) {
				return ErrActiveExists
			}
		}
	}
	m.sessions[sess.ID] = clone(sess)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		return clone(s), nil
	}
	return nil, nil
}

func (m *MemoryStore) ActiveFor(_ context.Context, userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.Status == StatusActive && s.IsParticipant(userID) {
			return clone(s), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ActiveBetween(_ context.Context, a, b string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.Status == StatusActive && s.IsParticipant(a) && s.IsParticipant(b) {
			return clone(s), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) Mutate(_ context.Context, id string, fn func(*Session) error) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	work := clone(s)
	if err := fn(work); err != nil {
		return nil, err
	}
	m.sessions[id] = clone(work)
	return work, nil
}

func (m *MemoryStore) SavedFor(_ context.Context, userID string) ([]*Session, error) {
	out := m.filter(func(s *Session) bool { return s.IsSaved && s.IsParticipant(userID) })
	slices.SortFunc(out, func(a, b *Session) int { return compareTimes(b.EndedAt, a.EndedAt) })
	return out, nil
}

func (m *MemoryStore) UnmatchedFor(_ context.Context, userID string) ([]*Session, error) {
	out := m.filter(func(s *Session) bool { return s.Status == StatusUnmatched && s.IsParticipant(userID) })
	slices.SortFunc(out, func(a, b *Session) int { return compareTimes(b.UnmatchedAt, a.UnmatchedAt) })
	return out, nil
}

func (m *MemoryStore) ExpireCandidates(_ context.Context, before time.Time, limit int) ([]string, error) {
	out := m.filter(func(s *Session) bool {
		return s.Status == StatusActive && !s.IsSaved && s.StartedAt.Before(before)
	})
	slices.SortFunc(out, func(a, b *Session) int { return a.StartedAt.Compare(b.StartedAt) })

	ids := make([]string, 0, len(out))
	for _, s := range out {
		if len(ids) == limit {
			break
		}
		ids = append(ids, s.ID)
	}
	return ids, nil
}

func (m *MemoryStore) filter(keep func(*Session) bool) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Session
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, clone(s).Summary())
		}
	}
	return out
}

func samePair(a, b *Session) bool {
	return a.IsParticipant(b.Participants[0]) && a.IsParticipant(b.Participants[1])
}

func clone(s *Session) *Session {
	c := *s
	c.SavedBy = slices.Clone(s.SavedBy)
	c.Messages = slices.Clone(s.Messages)
	return &c
}

// compareTimes sorts nil before any set time.
func compareTimes(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}
