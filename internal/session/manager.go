package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/animatch/matchmaker/internal/apperr"
	"github.com/animatch/matchmaker/internal/logging"
	"github.com/animatch/matchmaker/internal/metrics"
	"github.com/animatch/matchmaker/internal/notify"
)

// Store is the persistence the Manager needs. PostgresStore implements it.
type Store interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	ActiveFor(ctx context.Context, userID string) (*Session, error)
	ActiveBetween(ctx context.Context, a, b string) (*Session, error)
	Mutate(ctx context.Context, id string, fn func(*Session) error) (*Session, error)
	SavedFor(ctx context.Context, userID string) ([]*Session, error)
	UnmatchedFor(ctx context.Context, userID string) ([]*Session, error)
	ExpireCandidates(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// Requeuer puts users back into the matchmaking queue.
type Requeuer interface {
	Requeue(ctx context.Context, userIDs ...string) error
}

// Users is the slice of the user directory the Manager depends on.
type Users interface {
	Exists(ctx context.Context, userID string) (bool, error)
	Username(ctx context.Context, userID string) (string, error)
	Block(ctx context.Context, blockerID, blockedID string) error
}

// Config tunes the Manager.
type Config struct {
	ExpireAfter     time.Duration
	ExpireBatch     int
	MaxMessageChars int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ExpireAfter:     24 * time.Hour,
		ExpireBatch:     500,
		MaxMessageChars: DefaultMaxMessageChars,
	}
}

// Error messages surfaced to clients.
const (
	msgNoActiveSession = "No active chat session"
	msgNoActiveMatch   = "No active match"
	msgNotFound        = "Chat session not found"
	msgNotAuthorized   = "User not authorized for this chat"
	msgNotSaved        = "This chat has not been saved"
	msgInvalidID       = "Invalid session ID"

	anonymousName = "Anonymous"
)

// Manager runs the user-facing lifecycle operations on sessions.
type Manager struct {
	store Store
	queue Requeuer
	users Users
	cfg   Config
	now   func() time.Time
}

// NewManager creates a Manager. Zero config fields take their defaults.
func NewManager(store Store, queue Requeuer, users Users, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = def.ExpireAfter
	}
	if cfg.ExpireBatch <= 0 {
		cfg.ExpireBatch = def.ExpireBatch
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = def.MaxMessageChars
	}
	return &Manager{store: store, queue: queue, users: users, cfg: cfg, now: time.Now}
}

// NextChatResult is returned by NextChat.
type NextChatResult struct {
	SessionID       string
	ReturnedToQueue bool
	Notifications   []notify.Notification
}

// NextChat skips the requester's active session, clears its messages and
// puts both participants back in the queue.
func (m *Manager) NextChat(ctx context.Context, requesterID string) (*NextChatResult, error) {
	if requesterID == "" {
		return nil, apperr.Unauthenticated("Not authenticated")
	}

	active, err := m.store.ActiveFor(ctx, requesterID)
	if err != nil {
		return nil, m.internal(ctx, "next chat: load active", err)
	}
	if active == nil {
		return nil, apperr.NotFound(msgNoActiveSession)
	}

	now := m.now()
	updated, err := m.store.Mutate(ctx, active.ID, func(s *Session) error {
		return s.Skip(requesterID, now)
	})
	if errors.Is(err, ErrNotActive) || (err == nil && updated == nil) {
		return nil, apperr.NotFound(msgNoActiveSession)
	}
	if err != nil {
		return nil, m.internal(ctx, "next chat: skip", err)
	}
	metrics.SessionTransitions.WithLabelValues(string(StatusSkipped)).Inc()

	partner := updated.Partner(requesterID)
	notes := []notify.Notification{
		notify.New(partner, notify.TypeChatEnded, map[string]any{
			"reason":    string(ReasonNextChat),
			"message":   "Your chat partner has moved to the next chat",
			"sessionId": updated.ID,
		}),
	}

	// The skip is committed; a failed requeue is reported, not returned.
	if err := m.queue.Requeue(ctx, requesterID, partner); err != nil {
		logging.Ctx(ctx).Error().Err(err).
			Str("session_id", updated.ID).
			Str("partner_id", partner).
			Msg("chat skipped, requeue failed")
		return &NextChatResult{SessionID: updated.ID, Notifications: notes}, nil
	}

	logging.Ctx(ctx).Info().
		Str("session_id", updated.ID).
		Str("partner_id", partner).
		Msg("chat skipped, both users requeued")

	requeued := map[string]any{
		"message": "You've been added back to the queue",
		"matched": false,
	}
	notes = append(notes,
		notify.New(requesterID, notify.TypeReturnedToQueue, requeued),
		notify.New(partner, notify.TypeReturnedToQueue, requeued),
	)
	return &NextChatResult{
		SessionID:       updated.ID,
		ReturnedToQueue: true,
		Notifications:   notes,
	}, nil
}

// Active returns the user's active session.
func (m *Manager) Active(ctx context.Context, userID string) (*Session, error) {
	active, err := m.store.ActiveFor(ctx, userID)
	if err != nil {
		return nil, m.internal(ctx, "active", err)
	}
	if active == nil {
		return nil, apperr.NotFound(msgNoActiveSession)
	}
	return active, nil
}

// MatchSummary describes the user's current pairing from their side.
type MatchSummary struct {
	MatchID         string
	PartnerUsername string
	CreatedAt       time.Time
}

// ActiveMatch returns the user's active pairing with the partner's username.
func (m *Manager) ActiveMatch(ctx context.Context, userID string) (*MatchSummary, error) {
	active, err := m.store.ActiveFor(ctx, userID)
	if err != nil {
		return nil, m.internal(ctx, "active match", err)
	}
	if active == nil {
		return nil, apperr.NotFound(msgNoActiveMatch)
	}
	return &MatchSummary{
		MatchID:         active.ID,
		PartnerUsername: m.username(ctx, active.Partner(userID)),
		CreatedAt:       active.StartedAt,
	}, nil
}

// SendResult is returned by SendMessage.
type SendResult struct {
	SessionID     string
	Message       Message
	Notifications []notify.Notification
}

// SendMessage appends a message to the sender's active session.
func (m *Manager) SendMessage(ctx context.Context, senderID, text string) (*SendResult, error) {
	if err := ValidateMessage(text, m.cfg.MaxMessageChars); err != nil {
		return nil, apperr.Invalid(err.Error())
	}

	active, err := m.store.ActiveFor(ctx, senderID)
	if err != nil {
		return nil, m.internal(ctx, "send message: load active", err)
	}
	if active == nil {
		return nil, apperr.NotFound(msgNoActiveSession)
	}

	var msg Message
	updated, err := m.store.Mutate(ctx, active.ID, func(s *Session) error {
		var err error
		msg, err = s.AddMessage(senderID, text, m.now())
		return err
	})
	if errors.Is(err, ErrNotActive) || (err == nil && updated == nil) {
		return nil, apperr.NotFound(msgNoActiveSession)
	}
	if err != nil {
		return nil, m.internal(ctx, "send message", err)
	}

	return &SendResult{
		SessionID: updated.ID,
		Message:   msg,
		Notifications: []notify.Notification{
			notify.New(updated.Partner(senderID), notify.TypeChatMessage, map[string]any{
				"sessionId": updated.ID,
				"sender":    msg.Sender,
				"text":      msg.Text,
				"timestamp": msg.Timestamp,
			}),
		},
	}, nil
}

// Save records the user's save on a session and returns it without messages.
func (m *Manager) Save(ctx context.Context, userID, sessionID string) (*Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, apperr.Invalid(msgInvalidID)
	}

	updated, err := m.store.Mutate(ctx, sessionID, func(s *Session) error {
		return s.MarkSaved(userID)
	})
	if errors.Is(err, ErrNotParticipant) {
		return nil, apperr.Forbidden(msgNotAuthorized)
	}
	if err != nil {
		return nil, m.internal(ctx, "save", err)
	}
	if updated == nil {
		return nil, apperr.NotFound(msgNotFound)
	}

	logging.Ctx(ctx).Debug().
		Str("session_id", sessionID).
		Bool("is_saved", updated.IsSaved).
		Msg("chat saved")
	return updated.Summary(), nil
}

// History returns the user's mutually saved sessions without messages.
func (m *Manager) History(ctx context.Context, userID string) ([]*Session, error) {
	saved, err := m.store.SavedFor(ctx, userID)
	if err != nil {
		return nil, m.internal(ctx, "history", err)
	}
	if saved == nil {
		saved = []*Session{}
	}
	return saved, nil
}

// Get returns a saved session with its messages.
func (m *Manager) Get(ctx context.Context, userID, sessionID string) (*Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, apperr.Invalid(msgInvalidID)
	}

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, m.internal(ctx, "get", err)
	}
	if sess == nil {
		return nil, apperr.NotFound(msgNotFound)
	}
	if !sess.IsParticipant(userID) {
		return nil, apperr.Forbidden(msgNotAuthorized)
	}
	if !sess.IsSaved {
		return nil, apperr.Forbidden(msgNotSaved)
	}
	return sess, nil
}

// UnmatchResult is returned by Unmatch.
type UnmatchResult struct {
	MatchID          string
	PartnerUsername  string
	UnmatchedAt      time.Time
	NotificationSent bool
	Notifications    []notify.Notification
}

// Unmatch ends the user's active session as unmatched. Messages are kept and
// neither user is requeued.
func (m *Manager) Unmatch(ctx context.Context, userID string) (*UnmatchResult, error) {
	if userID == "" {
		return nil, apperr.NotFound(msgNoActiveMatch)
	}

	active, err := m.store.ActiveFor(ctx, userID)
	if err != nil {
		return nil, m.internal(ctx, "unmatch: load active", err)
	}
	if active == nil {
		return nil, apperr.NotFound(msgNoActiveMatch)
	}

	now := m.now()
	updated, err := m.store.Mutate(ctx, active.ID, func(s *Session) error {
		return s.Unmatch(userID, now)
	})
	if errors.Is(err, ErrNotActive) || (err == nil && updated == nil) {
		return nil, apperr.NotFound(msgNoActiveMatch)
	}
	if err != nil {
		return nil, m.internal(ctx, "unmatch", err)
	}
	metrics.SessionTransitions.WithLabelValues(string(StatusUnmatched)).Inc()

	partner := updated.Partner(userID)
	partnerName := m.username(ctx, partner)
	initiatorName := m.username(ctx, userID)

	logging.Ctx(ctx).Info().
		Str("session_id", updated.ID).
		Str("partner_id", partner).
		Msg("unmatched")

	return &UnmatchResult{
		MatchID:          updated.ID,
		PartnerUsername:  partnerName,
		UnmatchedAt:      now,
		NotificationSent: partner != "",
		Notifications: []notify.Notification{
			notify.New(partner, notify.TypeUnmatched, map[string]any{
				"matchId":         updated.ID,
				"partnerUsername": initiatorName,
				"unmatchedAt":     now,
			}),
			notify.New(userID, notify.TypeUnmatchConfirmed, map[string]any{
				"matchId":         updated.ID,
				"partnerUsername": partnerName,
				"unmatchedAt":     now,
			}),
		},
	}, nil
}

// UnmatchRecord is one entry of a user's unmatch history.
type UnmatchRecord struct {
	MatchID         string
	PartnerUsername string
	CreatedAt       time.Time
	UnmatchedAt     *time.Time
	WasInitiator    bool
}

// UnmatchHistory lists the user's unmatched sessions, most recent first.
func (m *Manager) UnmatchHistory(ctx context.Context, userID string) ([]UnmatchRecord, error) {
	unmatched, err := m.store.UnmatchedFor(ctx, userID)
	if err != nil {
		return nil, m.internal(ctx, "unmatch history", err)
	}

	history := make([]UnmatchRecord, 0, len(unmatched))
	for _, s := range unmatched {
		history = append(history, UnmatchRecord{
			MatchID:         s.ID,
			PartnerUsername: m.username(ctx, s.Partner(userID)),
			CreatedAt:       s.StartedAt,
			UnmatchedAt:     s.UnmatchedAt,
			WasInitiator:    s.UnmatchedBy == userID,
		})
	}
	return history, nil
}

// Block adds targetID to the blocker's block list and ends any active session
// between the two, revoking its saves.
func (m *Manager) Block(ctx context.Context, blockerID, targetID string) error {
	if _, err := uuid.Parse(targetID); err != nil {
		return apperr.Invalid("Invalid user ID")
	}
	if targetID == blockerID {
		return apperr.Invalid("You cannot block yourself")
	}

	exists, err := m.users.Exists(ctx, blockerID)
	if err != nil {
		return m.internal(ctx, "block: lookup blocker", err)
	}
	if !exists {
		return apperr.NotFound("User not found")
	}

	if err := m.users.Block(ctx, blockerID, targetID); err != nil {
		return m.internal(ctx, "block", err)
	}

	active, err := m.store.ActiveBetween(ctx, blockerID, targetID)
	if err != nil {
		return m.internal(ctx, "block: load active", err)
	}
	if active == nil {
		return nil
	}

	now := m.now()
	_, err = m.store.Mutate(ctx, active.ID, func(s *Session) error {
		return s.EndByBlock(blockerID, now)
	})
	if err != nil && !errors.Is(err, ErrNotActive) {
		return m.internal(ctx, "block: end session", err)
	}
	if err == nil {
		metrics.SessionTransitions.WithLabelValues(string(StatusEnded)).Inc()
	}
	return nil
}

// ExpireResult is returned by ExpireChats.
type ExpireResult struct {
	Expired       int
	Notifications []notify.Notification
}

var errSkipExpiry = errors.New("session: not eligible for expiry")

// ExpireChats closes active unsaved sessions older than the configured age.
// Saved sessions are never expired.
func (m *Manager) ExpireChats(ctx context.Context) (*ExpireResult, error) {
	now := m.now()
	cutoff := now.Add(-m.cfg.ExpireAfter)

	ids, err := m.store.ExpireCandidates(ctx, cutoff, m.cfg.ExpireBatch)
	if err != nil {
		return nil, m.internal(ctx, "expire: list", err)
	}

	res := &ExpireResult{}
	for _, id := range ids {
		updated, err := m.store.Mutate(ctx, id, func(s *Session) error {
			if s.Status != StatusActive || s.IsSaved || !s.StartedAt.Before(cutoff) {
				return errSkipExpiry
			}
			return s.Expire(now)
		})
		if errors.Is(err, errSkipExpiry) || (err == nil && updated == nil) {
			continue
		}
		if err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("session_id", id).Msg("expire session")
			continue
		}

		res.Expired++
		for _, p := range updated.Participants {
			res.Notifications = append(res.Notifications, notify.New(p, notify.TypeChatEnded, map[string]any{
				"reason":    string(ReasonExpiry),
				"message":   "This chat has expired",
				"sessionId": updated.ID,
			}))
		}
	}

	if res.Expired > 0 {
		metrics.SessionsExpired.Add(float64(res.Expired))
		metrics.SessionTransitions.WithLabelValues(string(StatusExpired)).Add(float64(res.Expired))
		logging.Ctx(ctx).Info().Int("expired", res.Expired).Msg("expired stale chats")
	}
	return res, nil
}

func (m *Manager) username(ctx context.Context, userID string) string {
	if userID == "" {
		return anonymousName
	}
	name, err := m.users.Username(ctx, userID)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("lookup username")
		return anonymousName
	}
	if name == "" {
		return anonymousName
	}
	return name
}

func (m *Manager) internal(ctx context.Context, op string, err error) error {
	logging.Ctx(ctx).Error().Err(err).Str("op", op).Msg("session operation failed")
	return apperr.Internal(err)
}
