package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/animatch/matchmaker/internal/auth"
	"github.com/animatch/matchmaker/internal/matching"
)

type interestsRequest struct {
	Course        string   `json:"course" validate:"max=120"`
	Dorm          string   `json:"dorm" validate:"max=120"`
	Organizations []string `json:"organizations" validate:"max=20,dive,required,max=120"`
}

// Unmatch handles POST /api/unmatch.
func (h *Handler) Unmatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.sessions.Unmatch(ctx, auth.UserID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Successfully unmatched",
		"data": map[string]any{
			"matchId":          res.MatchID,
			"unmatchedAt":      res.UnmatchedAt,
			"partnerUsername":  res.PartnerUsername,
			"notificationSent": res.NotificationSent,
		},
	})
	h.dispatch(ctx, res.Notifications)
}

// UnmatchHistory handles GET /api/unmatch/history.
func (h *Handler) UnmatchHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	records, err := h.sessions.UnmatchHistory(ctx, auth.UserID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}

	history := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		history = append(history, map[string]any{
			"matchId":         rec.MatchID,
			"partnerUsername": rec.PartnerUsername,
			"createdAt":       rec.CreatedAt,
			"unmatchedAt":     rec.UnmatchedAt,
			"wasInitiator":    rec.WasInitiator,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(history),
		"history": history,
	})
}

// BlockUser handles POST /api/users/block/{userId}. The blocker must already
// have a user record.
func (h *Handler) BlockUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.sessions.Block(ctx, auth.UserID(ctx), chi.URLParam(r, "userId")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"msg": "User blocked"})
}

// GetProfile handles GET /api/profile.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.ensureUser(r); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.profiles.Profile(ctx, auth.UserID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if p == nil {
		p = &matching.InterestProfile{}
	}
	if p.Organizations == nil {
		p.Organizations = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": p})
}

// SetInterests handles PUT /api/profile/interests.
func (h *Handler) SetInterests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req interestsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.ensureUser(r); err != nil {
		writeError(w, r, err)
		return
	}

	p := matching.InterestProfile{
		Course:        req.Course,
		Dorm:          req.Dorm,
		Organizations: req.Organizations,
	}
	if p.Organizations == nil {
		p.Organizations = []string{}
	}
	if err := h.profiles.SetProfile(ctx, auth.UserID(ctx), p); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": p})
}
