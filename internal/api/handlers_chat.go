package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/animatch/matchmaker/internal/auth"
	"github.com/animatch/matchmaker/internal/session"
)

type sendMessageRequest struct {
	Text string `json:"text" validate:"required"`
}

// NextChat handles POST /api/chat/next.
func (h *Handler) NextChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.sessions.NextChat(ctx, auth.UserID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	msg := "Chat ended successfully. You've been added back to the queue."
	if !res.ReturnedToQueue {
		msg = "Chat ended successfully. Please join the queue again."
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": msg,
		"data": map[string]any{
			"sessionId":       res.SessionID,
			"returnedToQueue": res.ReturnedToQueue,
		},
	})
	h.dispatch(ctx, res.Notifications)
}

// ActiveChat handles GET /api/chat/active.
func (h *Handler) ActiveChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.sessions.Active(ctx, auth.UserID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"sessionId":    s.ID,
			"participants": s.Participants,
			"startedAt":    s.StartedAt,
			"status":       s.Status,
		},
	})
}

// SendMessage handles POST /api/chat/messages.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req sendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.sessions.SendMessage(ctx, auth.UserID(ctx), req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"data": map[string]any{
			"sessionId": res.SessionID,
			"message":   res.Message,
		},
	})
	h.dispatch(ctx, res.Notifications)
}

// SaveChat handles POST /api/chat/{sessionId}/save.
func (h *Handler) SaveChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.sessions.Save(ctx, auth.UserID(ctx), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat": s})
}

// History handles GET /api/chat/history. Summaries never include messages.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := h.sessions.History(ctx, auth.UserID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetSession handles GET /api/chat/{sessionId}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.sessions.Get(ctx, auth.UserID(ctx), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
