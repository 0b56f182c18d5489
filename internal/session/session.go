// Package session owns the two-party chat session: its state machine, its
// Postgres store and the lifecycle operations users perform on it (next chat,
// unmatch, block, save, history, expiry).
package session

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session. Every status except
// StatusActive is terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusSkipped   Status = "skipped"
	StatusUnmatched Status = "unmatched"
	StatusExpired   Status = "expired"
	StatusEnded     Status = "ended"
)

// EndReason records why a session left the active state.
type EndReason string

const (
	ReasonNextChat EndReason = "next_chat"
	ReasonUnmatch  EndReason = "unmatch"
	ReasonBlock    EndReason = "block"
	ReasonExpiry   EndReason = "expiry"
)

var (
	ErrNotActive      = errors.New("session: not active")
	ErrNotParticipant = errors.New("session: not a participant")
	ErrSameUser       = errors.New("session: participants must be distinct")
	ErrActiveExists   = errors.New("session: pair already has an active session")
)

// Message is one chat line.
type Message struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata describes how the pairing was made.
type Metadata struct {
	MatchingStrategy string    `json:"matchingStrategy"`
	SimilarityScore  int       `json:"similarityScore"`
	MatchedAt        time.Time `json:"matchedAt"`
}

// Session is an ephemeral chat between exactly two users.
type Session struct {
	ID           string     `json:"id"`
	Participants [2]string  `json:"participants"`
	Status       Status     `json:"status"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt"`
	EndedBy      string     `json:"endedBy,omitempty"`
	EndReason    EndReason  `json:"endReason,omitempty"`
	IsSaved      bool       `json:"isSaved"`
	SavedBy      []string   `json:"savedBy"`
	Messages     []Message  `json:"messages,omitempty"`
	Metadata     Metadata   `json:"metadata"`
	UnmatchedBy  string     `json:"unmatchedBy,omitempty"`
	UnmatchedAt  *time.Time `json:"unmatchedAt,omitempty"`
}

// New creates an active session between a and b.
func New(a, b, strategy string, score int, now time.Time) (*Session, error) {
	if a == "" || b == "" || a == b {
		return nil, ErrSameUser
	}
	return &Session{
		ID:           uuid.NewString(),
		Participants: [2]string{a, b},
		Status:       StatusActive,
		StartedAt:    now,
		SavedBy:      []string{},
		Messages:     []Message{},
		Metadata: Metadata{
			MatchingStrategy: strategy,
			SimilarityScore:  score,
			MatchedAt:        now,
		},
	}, nil
}

// IsParticipant reports whether userID is one of the two participants.
func (s *Session) IsParticipant(userID string) bool {
	return userID != "" && (s.Participants[0] == userID || s.Participants[1] == userID)
}

// Partner returns the other participant, or "" if userID is not a participant.
func (s *Session) Partner(userID string) string {
	switch userID {
	case s.Participants[0]:
		return s.Participants[1]
	case s.Participants[1]:
		return s.Participants[0]
	}
	return ""
}

// Skip ends the session for a next-chat request and drops its messages.
func (s *Session) Skip(by string, now time.Time) error {
	if err := s.end(by, StatusSkipped, ReasonNextChat, now); err != nil {
		return err
	}
	s.Messages = []Message{}
	return nil
}

// Unmatch ends the session and records who unmatched. Messages are kept.
func (s *Session) Unmatch(by string, now time.Time) error {
	if err := s.end(by, StatusUnmatched, ReasonUnmatch, now); err != nil {
		return err
	}
	s.UnmatchedBy = by
	s.UnmatchedAt = &now
	return nil
}

// EndByBlock ends the session because one participant blocked the other.
// Any saves are revoked.
func (s *Session) EndByBlock(by string, now time.Time) error {
	if err := s.end(by, StatusEnded, ReasonBlock, now); err != nil {
		return err
	}
	s.IsSaved = false
	s.SavedBy = []string{}
	return nil
}

// Expire ends an unsaved active session. Saved sessions never expire.
func (s *Session) Expire(now time.Time) error {
	if s.IsSaved {
		return nil
	}
	return s.end("", StatusExpired, ReasonExpiry, now)
}

func (s *Session) end(by string, status Status, reason EndReason, now time.Time) error {
	if s.Status != StatusActive {
		return ErrNotActive
	}
	if by != "" && !s.IsParticipant(by) {
		return ErrNotParticipant
	}
	s.Status = status
	s.EndedAt = &now
	s.EndedBy = by
	s.EndReason = reason
	return nil
}

// MarkSaved records userID's save. The session counts as saved once both
// participants have saved it.
func (s *Session) MarkSaved(userID string) error {
	if !s.IsParticipant(userID) {
		return ErrNotParticipant
	}
	if !slices.Contains(s.SavedBy, userID) {
		s.SavedBy = append(s.SavedBy, userID)
	}
	s.IsSaved = slices.Contains(s.SavedBy, s.Participants[0]) &&
		slices.Contains(s.SavedBy, s.Participants[1])
	return nil
}

// AddMessage appends a message from sender to an active session.
func (s *Session) AddMessage(sender, text string, now time.Time) (Message, error) {
	if s.Status != StatusActive {
		return Message{}, ErrNotActive
	}
	if !s.IsParticipant(sender) {
		return Message{}, ErrNotParticipant
	}
	msg := Message{Sender: sender, Text: text, Timestamp: now}
	s.Messages = append(s.Messages, msg)
	return msg, nil
}

// Summary returns a copy of the session without its messages.
func (s *Session) Summary() *Session {
	c := *s
	c.Messages = nil
	c.SavedBy = slices.Clone(s.SavedBy)
	return &c
}
