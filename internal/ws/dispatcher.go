package ws

import (
	"github.com/rs/zerolog"

	"github.com/animatch/matchmaker/internal/protocol"
)

// MessageDispatcher handles frames sent by clients. The gateway is push-only:
// pings are answered with pong, everything else gets an error frame.
type MessageDispatcher struct {
	logger zerolog.Logger
}

// NewMessageDispatcher creates a dispatcher that logs through logger.
func NewMessageDispatcher(logger zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{logger: logger}
}

// Dispatch is the onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, _, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug().Err(err).Str("conn_id", conn.ID).Str("type", msgType).Msg("rejected client frame")
		if msgType != "" {
			d.sendError(conn, "unsupported_type", "unsupported message type")
			return
		}
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	// ParseClientMessage only accepts ping.
	d.sendPong(conn)
}

func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		d.logger.Error().Err(err).Str("conn_id", conn.ID).Msg("build error frame")
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		d.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("send error frame")
	}
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		d.logger.Error().Err(err).Str("conn_id", conn.ID).Msg("build pong frame")
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		d.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("send pong frame")
	}
}
