// Command server runs the matchmaking and session HTTP API together with its
// background loops: queue cleanup and chat expiry.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/animatch/matchmaker/internal/api"
	"github.com/animatch/matchmaker/internal/auth"
	"github.com/animatch/matchmaker/internal/config"
	"github.com/animatch/matchmaker/internal/database"
	"github.com/animatch/matchmaker/internal/logging"
	"github.com/animatch/matchmaker/internal/matching"
	"github.com/animatch/matchmaker/internal/messaging"
	"github.com/animatch/matchmaker/internal/notify"
	"github.com/animatch/matchmaker/internal/ratelimit"
	"github.com/animatch/matchmaker/internal/session"
	"github.com/animatch/matchmaker/internal/supervisor"
	"github.com/animatch/matchmaker/internal/user"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = cfg.Log.Format
	logging.Init(logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("server exited")
	}
	logging.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	if err := database.Migrate(cfg.Postgres.DSN, database.Up); err != nil {
		return err
	}
	db, err := database.Open(ctx, database.Config{
		DSN:          cfg.Postgres.DSN,
		MaxOpenConns: cfg.Postgres.MaxOpenConns,
		MaxIdleConns: cfg.Postgres.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	nc, err := messaging.NewNATSClient(messaging.NATSConfig{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name,
		ReconnectWait: cfg.NATS.ReconnectWait,
		MaxReconnects: cfg.NATS.MaxReconnects,
	})
	if err != nil {
		return err
	}
	defer nc.Close()

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, 0)
	if err != nil {
		return err
	}

	users := user.NewStore(db)
	sessions := session.NewPostgresStore(db)
	queue := matching.NewQueue(rdb, cfg.Matching.QueueTTL)
	matcher := matching.NewService(queue, sessions, users, users, matching.NewSelector(cfg.Matching.Threshold))
	manager := session.NewManager(sessions, matcher, users, session.Config{
		ExpireAfter:     cfg.Session.ExpireAfter,
		MaxMessageChars: cfg.Session.MaxMessageChars,
	})
	dispatcher := notify.NewDispatcher(nc, notify.DefaultBreakerConfig())

	handler := api.NewHandler(matcher, manager, users, dispatcher,
		api.HealthCheck{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		api.HealthCheck{Name: "postgres", Check: db.PingContext},
		api.HealthCheck{Name: "nats", Check: func(context.Context) error {
			if !nc.Connected() {
				return errors.New("not connected")
			}
			return nil
		}},
	)
	router := api.NewRouter(handler, verifier, ratelimit.NewLimiter(rdb), api.RouterConfig{
		CORSOrigins: cfg.Server.CORSOrigins,
		CookieName:  cfg.Auth.CookieName,
		Rules:       ratelimit.RulesFromConfig(cfg.RateLimit),
		IPLimit:     cfg.RateLimit.IPLimit,
		IPWindow:    cfg.RateLimit.IPWindow,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	tree := supervisor.NewTree("animatch-server", supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	tree.AddBackground(matching.NewCleanup(queue, cfg.Matching.CleanupInterval))
	tree.AddBackground(supervisor.NewJob("chat-expiry", cfg.Session.ExpireInterval, func(ctx context.Context) error {
		res, err := manager.ExpireChats(ctx)
		if err != nil {
			return err
		}
		dispatcher.Dispatch(ctx, res.Notifications)
		return nil
	}))
	tree.AddAPI(supervisor.NewHTTPService("api-server", httpServer, cfg.Server.ShutdownTimeout))

	logging.Info().
		Str("addr", cfg.Server.Addr).
		Int("match_threshold", cfg.Matching.Threshold).
		Dur("session_expire_after", cfg.Session.ExpireAfter).
		Msg("server starting")

	return tree.Serve(ctx)
}
