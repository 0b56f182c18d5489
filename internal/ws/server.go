// Package ws is the push gateway. It upgrades authenticated HTTP requests to
// WebSocket connections, keeps them registered with epoll and writes every
// notification published for a user to all of that user's connections.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/animatch/matchmaker/internal/auth"
	"github.com/animatch/matchmaker/internal/logging"
	"github.com/animatch/matchmaker/internal/metrics"
	"github.com/animatch/matchmaker/internal/protocol"
	"github.com/animatch/matchmaker/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the gateway.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8081"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8081",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the push gateway built on gobwas/ws and epoll.
type Server struct {
	config      ServerConfig
	epoll       *Epoll
	conns       *ConnectionManager
	verifier    *auth.Verifier
	limiter     ratelimit.Checker
	connectRule ratelimit.Rule
	dispatcher  *MessageDispatcher
	workerPool  chan struct{} // semaphore limiting concurrent read workers
	httpServer  *http.Server
	logger      zerolog.Logger
	done        chan struct{}
	stopOnce    sync.Once
	startedAt   time.Time
}

// NewServer creates a gateway. limiter may be nil to disable the per-IP
// connect limit.
func NewServer(config ServerConfig, verifier *auth.Verifier, limiter ratelimit.Checker, connectRule ratelimit.Rule) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	logger := logging.Component("gateway")

	return &Server{
		config:      config,
		conns:       NewConnectionManager(),
		verifier:    verifier,
		limiter:     limiter,
		connectRule: connectRule,
		dispatcher:  NewMessageDispatcher(logger),
		workerPool:  make(chan struct{}, config.WorkerPoolSize),
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Handler returns the gateway's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Serve runs the gateway until ctx is cancelled. It satisfies the supervisor's
// service interface.
func (s *Server) Serve(ctx context.Context) error {
	// A restarted service starts from a clean stop state.
	s.done = make(chan struct{})
	s.stopOnce = sync.Once{}

	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.startEventLoop()
	go s.runHeartbeat(s.config.Heartbeat)

	s.logger.Info().
		Str("addr", s.config.ListenAddr).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("gateway listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ws: http server error: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		s.Shutdown()
		return err
	}
}

// String names the service in supervisor logs.
func (s *Server) String() string { return "gateway" }

// handleUpgrade authenticates the request, enforces the connect limit and
// upgrades to WebSocket.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	id, err := s.verifier.Verify(auth.TokenFromRequest(r, ""))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.limiter != nil {
		if allowed, _ := s.limiter.Allow(r.Context(), clientIP(r), s.connectRule); !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.connectRule.Window.Seconds())))
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
	}

	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		UserID:    id.UserID,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
	}
	c.Touch()

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		s.logger.Error().Err(err).Str("conn_id", c.ID).Msg("epoll add failed")
		s.conns.Remove(c.ID)
		return
	}
	metrics.GatewayConnections.Inc()

	hello, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{UserID: id.UserID})
	if err == nil {
		_ = s.write(c, hello)
	}

	s.logger.Info().
		Str("conn_id", c.ID).
		Str("user_id", c.UserID).
		Int("fd", c.Fd).
		Int("total", s.conns.Count()).
		Msg("connection opened")
}

// handleHealth reports the connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Users       int    `json:"users"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Users:       s.conns.Users(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop dispatches ready connections to the bounded worker pool.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			// EINTR is expected during signal handling.
			if !isEINTR(err) {
				s.logger.Error().Err(err).Msg("epoll wait error")
			}
			continue
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single frame from a ready connection. Control frames are
// handled without blocking on a data frame that may never arrive.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.epoll.Resume(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(s.epoll.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// A timeout means the dispatch was stale; the heartbeat handles
		// dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	s.dispatcher.Dispatch(c, data)
}

// RemoveConnection unregisters and closes a connection. Concurrent calls for
// the same connection are safe; only the first has any effect.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.GatewayConnections.Dec()

	s.logger.Info().
		Str("conn_id", c.ID).
		Str("user_id", c.UserID).
		Int("total", s.conns.Count()).
		Msg("connection closed")
}

// Deliver writes an encoded event to every connection of userID and returns
// how many writes succeeded. Connections that fail the write are removed.
func (s *Server) Deliver(userID string, data []byte) int {
	delivered := 0
	for _, c := range s.conns.ForUser(userID) {
		if err := s.write(c, data); err != nil {
			s.logger.Debug().Err(err).Str("conn_id", c.ID).Msg("deliver failed")
			s.RemoveConnection(c)
			continue
		}
		delivered++
	}
	return delivered
}

// HandleNotification is the NATS handler for notify.<user_id>. Events that do
// not decode are dropped.
func (s *Server) HandleNotification(userID string, data []byte) {
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("dropping malformed event")
		return
	}
	if n := s.Deliver(userID, data); n > 0 {
		metrics.GatewayEvents.WithLabelValues(ev.Type).Add(float64(n))
	}
}

// write sends a text frame with the configured write deadline.
func (s *Server) write(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener, closes every connection and releases the
// poller. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("shutting down gateway")
		close(s.done)

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("http shutdown error")
			}
		}

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		s.logger.Info().Msg("gateway stopped")
	})
}

// clientIP returns the remote host without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
