package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// runHeartbeat pings every connection each Interval and evicts those with no
// inbound frame within Interval + Timeout. It returns when the server stops.
func (s *Server) runHeartbeat(config HeartbeatConfig) {
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.checkConnections(config, now)
		}
	}
}

// checkConnections evicts stale connections and sends a protocol-level ping
// to the rest. Browsers answer pings automatically, so any live client keeps
// its LastSeen fresh without application traffic.
func (s *Server) checkConnections(config HeartbeatConfig, now time.Time) int {
	deadline := config.Interval + config.Timeout
	evicted := 0

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.logger.Info().
				Str("conn_id", c.ID).
				Str("user_id", c.UserID).
				Dur("idle", idle.Round(time.Second)).
				Msg("heartbeat timeout")
			s.RemoveConnection(c)
			evicted++
			continue
		}

		if err := c.WritePing(); err != nil {
			s.logger.Debug().Err(err).Str("conn_id", c.ID).Msg("heartbeat ping failed")
			s.RemoveConnection(c)
			evicted++
		}
	}
	return evicted
}
