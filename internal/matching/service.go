// Package matching pairs waiting users into chat sessions. It holds the
// similarity scorer, the match selector, the Redis-backed queue and the
// orchestrator that ties them to session creation.
package matching

import (
	"context"
	"errors"
	"time"

	"github.com/animatch/matchmaker/internal/apperr"
	"github.com/animatch/matchmaker/internal/logging"
	"github.com/animatch/matchmaker/internal/metrics"
	"github.com/animatch/matchmaker/internal/notify"
	"github.com/animatch/matchmaker/internal/session"
)

// QueueStore is the queue the orchestrator works against. Queue implements it.
type QueueStore interface {
	Upsert(ctx context.Context, userID string, interests InterestProfile) (*QueueEntry, error)
	Remove(ctx context.Context, userIDs ...string) error
	Get(ctx context.Context, userID string) (*QueueEntry, error)
	ListWaitingExcept(ctx context.Context, userID string) ([]QueueEntry, error)
	ClaimPair(ctx context.Context, callerID, candidateID string) (ClaimResult, error)
	Release(ctx context.Context, userIDs ...string) error
	Position(ctx context.Context, userID string) (int64, error)
}

// SessionStore is the part of the session store the orchestrator needs.
type SessionStore interface {
	Create(ctx context.Context, sess *session.Session) error
	ActiveFor(ctx context.Context, userID string) (*session.Session, error)
}

// ProfileSource supplies live interest profiles. A nil profile means the
// user has not set one.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (*InterestProfile, error)
}

// BlockList reports every user that userID must not be paired with, in
// either direction.
type BlockList interface {
	Blocked(ctx context.Context, userID string) ([]string, error)
}

// JoinResult is returned by Join. Join never pairs users itself.
type JoinResult struct {
	Matched  bool
	Position int64
}

// Status is the result of a Check poll.
type Status struct {
	InQueue       bool
	Matched       bool
	Session       *session.Session
	WaitTime      time.Duration
	Position      int64
	Notifications []notify.Notification
}

// Service is the matchmaking orchestrator. Pairing happens when a waiting
// user polls Check; there is no background matching loop.
type Service struct {
	queue    QueueStore
	sessions SessionStore
	profiles ProfileSource
	blocks   BlockList
	selector *Selector
	now      func() time.Time
}

// NewService creates a matchmaking orchestrator.
func NewService(queue QueueStore, sessions SessionStore, profiles ProfileSource, blocks BlockList, selector *Selector) *Service {
	if selector == nil {
		selector = NewSelector(DefaultThreshold)
	}
	return &Service{
		queue:    queue,
		sessions: sessions,
		profiles: profiles,
		blocks:   blocks,
		selector: selector,
		now:      time.Now,
	}
}

// Join puts the user in the queue with a fresh snapshot of their profile.
// Rejoining keeps the original join time.
func (s *Service) Join(ctx context.Context, userID string) (*JoinResult, error) {
	if userID == "" {
		return nil, apperr.Unauthenticated("User not authenticated")
	}

	entry, err := s.enqueue(ctx, userID)
	if err != nil {
		return nil, s.internal(ctx, "join", err)
	}

	pos, err := s.queue.Position(ctx, userID)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("queue position")
	}

	logging.Ctx(ctx).Info().
		Time("joined_at", entry.JoinedAt).
		Int64("position", pos).
		Msg("joined queue")
	return &JoinResult{Matched: false, Position: pos}, nil
}

// Check reports the user's queue state and attempts a pairing if they are
// waiting. A user who already has an active session gets it back.
func (s *Service) Check(ctx context.Context, userID string) (*Status, error) {
	if userID == "" {
		return nil, apperr.Unauthenticated("User not authenticated")
	}

	active, err := s.sessions.ActiveFor(ctx, userID)
	if err != nil {
		return nil, s.internal(ctx, "check: load active", err)
	}
	if active != nil {
		return &Status{Matched: true, Session: active}, nil
	}

	entry, err := s.queue.Get(ctx, userID)
	if err != nil {
		return nil, s.internal(ctx, "check: load entry", err)
	}
	if entry == nil {
		return &Status{InQueue: false}, nil
	}

	sess, notes, err := s.findMatch(ctx, userID)
	if err != nil {
		return nil, s.internal(ctx, "check: find match", err)
	}
	if sess != nil {
		return &Status{Matched: true, Session: sess, Notifications: notes}, nil
	}

	pos, err := s.queue.Position(ctx, userID)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("queue position")
	}
	return &Status{
		InQueue:  true,
		WaitTime: s.now().Sub(entry.JoinedAt),
		Position: pos,
	}, nil
}

// Leave removes the user from the queue. It succeeds whether or not the user
// was queued and never touches an active session.
func (s *Service) Leave(ctx context.Context, userID string) error {
	if userID == "" {
		return apperr.Unauthenticated("User not authenticated")
	}
	if err := s.queue.Remove(ctx, userID); err != nil {
		return s.internal(ctx, "leave", err)
	}
	logging.Ctx(ctx).Info().Msg("left queue")
	return nil
}

// Requeue puts users back in the queue with their current profiles. It is
// used after a skipped chat.
func (s *Service) Requeue(ctx context.Context, userIDs ...string) error {
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, err := s.enqueue(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, userID string) (*QueueEntry, error) {
	profile, err := s.profiles.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		profile = &InterestProfile{Organizations: []string{}}
	}
	return s.queue.Upsert(ctx, userID, *profile)
}

// findMatch tries to pair userID with one waiting candidate. It returns a
// nil session when no pairing was made this round.
func (s *Service) findMatch(ctx context.Context, userID string) (*session.Session, []notify.Notification, error) {
	log := logging.Ctx(ctx)

	// Another poller may have paired us since Check looked.
	active, err := s.sessions.ActiveFor(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if active != nil {
		return active, nil, nil
	}

	entry, err := s.queue.Get(ctx, userID)
	if err != nil || entry == nil {
		return nil, nil, err
	}

	pool, err := s.queue.ListWaitingExcept(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	pool, err = s.excludeBlocked(ctx, userID, pool)
	if err != nil {
		return nil, nil, err
	}
	if len(pool) == 0 {
		return nil, nil, nil
	}

	candidates := make([]Candidate, len(pool))
	for i := range pool {
		candidates[i] = Candidate{
			UserID:    pool[i].UserID,
			Interests: &pool[i].Interests,
			JoinedAt:  pool[i].JoinedAt,
		}
	}
	sel := s.selector.SelectBest(&entry.Interests, candidates)
	partnerID := sel.Candidate.UserID

	claim, err := s.queue.ClaimPair(ctx, userID, partnerID)
	if err != nil {
		return nil, nil, err
	}
	switch claim {
	case ClaimCallerGone:
		return nil, nil, nil
	case ClaimCandidateGone:
		metrics.ClaimConflicts.Inc()
		log.Debug().Str("candidate_id", partnerID).Msg("candidate claimed concurrently")
		return nil, nil, nil
	}

	// A claimed candidate with an active session holds a stale entry.
	partnerActive, err := s.sessions.ActiveFor(ctx, partnerID)
	if err != nil {
		s.release(ctx, userID, partnerID)
		return nil, nil, err
	}
	if partnerActive != nil {
		log.Warn().Str("candidate_id", partnerID).Msg("discarding stale queue entry")
		if err := s.queue.Remove(ctx, partnerID); err != nil {
			log.Error().Err(err).Str("candidate_id", partnerID).Msg("remove stale entry")
		}
		s.release(ctx, userID)
		return nil, nil, nil
	}

	now := s.now()
	sess, err := session.New(userID, partnerID, sel.Strategy, sel.Score, now)
	if err != nil {
		s.release(ctx, userID, partnerID)
		return nil, nil, err
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		s.release(ctx, userID, partnerID)
		if errors.Is(err, session.ErrActiveExists) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	// Entries are already marked matched; a failed delete only leaves them
	// to expire.
	if err := s.queue.Remove(ctx, userID, partnerID); err != nil {
		log.Error().Err(err).Msg("remove matched entries")
	}

	metrics.MatchesTotal.WithLabelValues(sel.Strategy).Inc()
	metrics.MatchScore.Observe(float64(sel.Score))
	metrics.MatchWait.Observe(now.Sub(entry.JoinedAt).Seconds())

	log.Info().
		Str("session_id", sess.ID).
		Str("partner_id", partnerID).
		Str("strategy", sel.Strategy).
		Int("score", sel.Score).
		Msg("match created")

	return sess, matchFound(sess), nil
}

func (s *Service) excludeBlocked(ctx context.Context, userID string, pool []QueueEntry) ([]QueueEntry, error) {
	if s.blocks == nil || len(pool) == 0 {
		return pool, nil
	}
	blocked, err := s.blocks.Blocked(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(blocked) == 0 {
		return pool, nil
	}

	skip := make(map[string]struct{}, len(blocked))
	for _, id := range blocked {
		skip[id] = struct{}{}
	}
	kept := pool[:0]
	for _, e := range pool {
		if _, ok := skip[e.UserID]; !ok {
			kept = append(kept, e)
		}
	}
	return kept, nil
}

func (s *Service) release(ctx context.Context, userIDs ...string) {
	if err := s.queue.Release(ctx, userIDs...); err != nil {
		logging.Ctx(ctx).Error().Err(err).Strs("user_ids", userIDs).Msg("release claim")
	}
}

func (s *Service) internal(ctx context.Context, op string, err error) error {
	logging.Ctx(ctx).Error().Err(err).Str("op", op).Msg("matchmaking operation failed")
	return apperr.Internal(err)
}

func matchFound(sess *session.Session) []notify.Notification {
	notes := make([]notify.Notification, 0, 2)
	for _, p := range sess.Participants {
		notes = append(notes, notify.New(p, notify.TypeMatchFound, map[string]any{
			"sessionId":        sess.ID,
			"matchingStrategy": sess.Metadata.MatchingStrategy,
			"similarityScore":  sess.Metadata.SimilarityScore,
		}))
	}
	return notes
}
