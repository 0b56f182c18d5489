package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/animatch/matchmaker/internal/auth"
	"github.com/animatch/matchmaker/internal/metrics"
	"github.com/animatch/matchmaker/internal/ratelimit"
)

// RouterConfig holds the transport settings of the API.
type RouterConfig struct {
	CORSOrigins []string
	CookieName  string
	Rules       ratelimit.Rules
	IPLimit     int
	IPWindow    time.Duration
}

// NewRouter builds the HTTP handler. limiter may be nil, which disables the
// per-user limits.
func NewRouter(h *Handler, verifier *auth.Verifier, limiter ratelimit.Checker, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(instrument)

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	poll := limit(limiter, cfg.Rules.Poll)
	action := limit(limiter, cfg.Rules.Action)

	r.Route("/api", func(r chi.Router) {
		if cfg.IPLimit > 0 && cfg.IPWindow > 0 {
			r.Use(httprate.LimitByIP(cfg.IPLimit, cfg.IPWindow))
		}
		r.Use(auth.Middleware(verifier, cfg.CookieName))

		r.Route("/queue", func(r chi.Router) {
			r.With(action).Post("/join", h.JoinQueue)
			r.With(poll).Get("/check", h.CheckQueue)
			r.With(poll).Get("/status", h.CheckQueue)
			r.With(action).Post("/leave", h.LeaveQueue)
		})

		r.Get("/match/active", h.ActiveMatch)

		r.Route("/chat", func(r chi.Router) {
			r.With(action).Post("/next", h.NextChat)
			r.Get("/active", h.ActiveChat)
			r.With(action).Post("/messages", h.SendMessage)
			r.Get("/history", h.History)
			r.With(action).Post("/{sessionId}/save", h.SaveChat)
			r.Get("/{sessionId}", h.GetSession)
		})

		r.With(action).Post("/unmatch", h.Unmatch)
		r.Get("/unmatch/history", h.UnmatchHistory)

		r.With(action).Post("/users/block/{userId}", h.BlockUser)

		r.Get("/profile", h.GetProfile)
		r.With(action).Put("/profile/interests", h.SetInterests)
	})

	return r
}

func limit(limiter ratelimit.Checker, rule ratelimit.Rule) func(http.Handler) http.Handler {
	if limiter == nil || rule.Limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return ratelimit.Middleware(limiter, rule, func(r *http.Request) string {
		return auth.UserID(r.Context())
	})
}
