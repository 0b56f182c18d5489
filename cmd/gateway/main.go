// Command gateway runs the WebSocket push gateway. It subscribes to every
// user notification subject on NATS and writes each event to the recipient's
// open connections.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/animatch/matchmaker/internal/auth"
	"github.com/animatch/matchmaker/internal/config"
	"github.com/animatch/matchmaker/internal/logging"
	"github.com/animatch/matchmaker/internal/messaging"
	"github.com/animatch/matchmaker/internal/ratelimit"
	"github.com/animatch/matchmaker/internal/supervisor"
	"github.com/animatch/matchmaker/internal/ws"
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
		logging.Fatal().Err(err).Msg("gateway exited")
	}
	logging.Info().Msg("gateway stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, 0)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	nc, err := messaging.NewNATSClient(messaging.NATSConfig{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name + "-gateway",
		ReconnectWait: cfg.NATS.ReconnectWait,
		MaxReconnects: cfg.NATS.MaxReconnects,
	})
	if err != nil {
		return err
	}
	defer nc.Close()

	serverCfg := ws.DefaultServerConfig()
	serverCfg.ListenAddr = cfg.Gateway.ListenAddr
	serverCfg.WorkerPoolSize = cfg.Gateway.WorkerPoolSize
	serverCfg.MaxConnections = cfg.Gateway.MaxConnections
	serverCfg.ReadTimeout = cfg.Gateway.ReadTimeout
	serverCfg.WriteTimeout = cfg.Gateway.WriteTimeout

	server := ws.NewServer(serverCfg, verifier, ratelimit.NewLimiter(rdb), ratelimit.RulesFromConfig(cfg.RateLimit).Connect)

	if err := nc.SubscribeNotifyAll(server.HandleNotification); err != nil {
		return err
	}

	tree := supervisor.NewTree("animatch-gateway", supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	tree.AddAPI(server)

	logging.Info().
		Str("listen_addr", serverCfg.ListenAddr).
		Int("worker_pool", serverCfg.WorkerPoolSize).
		Int("max_connections", serverCfg.MaxConnections).
		Str("nats_url", cfg.NATS.URL).
		Msg("gateway starting")

	return tree.Serve(ctx)
}
