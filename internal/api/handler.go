// Package api exposes the matchmaking and session operations over HTTP. All
// routes live under /api and require a verified identity; notifications
// produced by an operation are dispatched after the response is decided.
package api

import (
	"context"
	"time"

	"github.com/animatch/matchmaker/internal/matching"
	"github.com/animatch/matchmaker/internal/notify"
	"github.com/animatch/matchmaker/internal/session"
	"github.com/animatch/matchmaker/internal/user"
)

// Matchmaker is the queue surface. *matching.Service implements it.
type Matchmaker interface {
	Join(ctx context.Context, userID string) (*matching.JoinResult, error)
	Check(ctx context.Context, userID string) (*matching.Status, error)
	Leave(ctx context.Context, userID string) error
}

// Sessions is the session lifecycle surface. *session.Manager implements it.
type Sessions interface {
	NextChat(ctx context.Context, userID string) (*session.NextChatResult, error)
	Active(ctx context.Context, userID string) (*session.Session, error)
	ActiveMatch(ctx context.Context, userID string) (*session.MatchSummary, error)
	SendMessage(ctx context.Context, userID, text string) (*session.SendResult, error)
	Save(ctx context.Context, userID, sessionID string) (*session.Session, error)
	History(ctx context.Context, userID string) ([]*session.Session, error)
	Get(ctx context.Context, userID, sessionID string) (*session.Session, error)
	Unmatch(ctx context.Context, userID string) (*session.UnmatchResult, error)
	UnmatchHistory(ctx context.Context, userID string) ([]session.UnmatchRecord, error)
	Block(ctx context.Context, blockerID, targetID string) error
}

// Profiles is the user directory surface. *user.Store implements it.
type Profiles interface {
	Ensure(ctx context.Context, r user.Record) error
	Profile(ctx context.Context, userID string) (*matching.InterestProfile, error)
	SetProfile(ctx context.Context, userID string, p matching.InterestProfile) error
}

// Notifier delivers notifications. *notify.Dispatcher implements it.
type Notifier interface {
	Dispatch(ctx context.Context, notes []notify.Notification) int
}

// HealthCheck is one dependency probe reported by /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler holds the HTTP handlers.
type Handler struct {
	queue    Matchmaker
	sessions Sessions
	profiles Profiles
	notifier Notifier
	checks   []HealthCheck
	started  time.Time
}

// NewHandler wires the handlers to their collaborators.
func NewHandler(queue Matchmaker, sessions Sessions, profiles Profiles, notifier Notifier, checks ...HealthCheck) *Handler {
	return &Handler{
		queue:    queue,
		sessions: sessions,
		profiles: profiles,
		notifier: notifier,
		checks:   checks,
		started:  time.Now(),
	}
}

// dispatch hands notifications to the notifier. Delivery never affects the
// response.
func (h *Handler) dispatch(ctx context.Context, notes []notify.Notification) {
	if h.notifier == nil || len(notes) == 0 {
		return
	}
	h.notifier.Dispatch(context.WithoutCancel(ctx), notes)
}
