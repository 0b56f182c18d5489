package api

import (
	"net/http"

	"github.com/animatch/matchmaker/internal/auth"
	"github.com/animatch/matchmaker/internal/user"
)

// JoinQueue handles POST /api/queue/join.
func (h *Handler) JoinQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.ensureUser(r); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.queue.Join(ctx, auth.UserID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"matched":  res.Matched,
		"position": res.Position,
	})
}

// CheckQueue handles GET /api/queue/check and GET /api/queue/status. A poll
// may create a pairing, in which case both users are notified.
func (h *Handler) CheckQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := h.queue.Check(ctx, auth.UserID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := map[string]any{
		"inQueue": st.InQueue,
		"matched": st.Matched,
	}
	if st.Session != nil {
		resp["chatSession"] = st.Session
	}
	if st.InQueue && !st.Matched {
		resp["waitTime"] = st.WaitTime.Milliseconds()
		resp["position"] = st.Position
	}
	writeJSON(w, http.StatusOK, resp)
	h.dispatch(ctx, st.Notifications)
}

// LeaveQueue handles POST /api/queue/leave. Leaving never touches an active
// chat.
func (h *Handler) LeaveQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.queue.Leave(ctx, auth.UserID(ctx)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Left queue"})
}

// ActiveMatch handles GET /api/match/active.
func (h *Handler) ActiveMatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	m, err := h.sessions.ActiveMatch(ctx, auth.UserID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"matchId":   m.MatchID,
		"partner":   map[string]any{"username": m.PartnerUsername},
		"createdAt": m.CreatedAt,
	})
}

// ensureUser records the verified identity in the user directory.
func (h *Handler) ensureUser(r *http.Request) error {
	id := auth.FromContext(r.Context())
	if id == nil || h.profiles == nil {
		return nil
	}
	return h.profiles.Ensure(r.Context(), user.Record{
		ID:       id.UserID,
		Email:    id.Email,
		Username: id.Username,
	})
}
