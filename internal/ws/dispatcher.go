package ws

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/metrics"
	"github.com/whisper/rendezvous/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client frames to handlers by type. It answers
// ping itself and replies with an error frame to malformed or unsupported
// messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register sets the handler for a message type, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch fits Hooks.OnMessage.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Debug().Err(err).Str("component", "ws").Str("conn", conn.ID).Msg("dispatch parse error")
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		SendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch(time.Now())
		Send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Debug().Str("component", "ws").Str("conn", conn.ID).Str("type", msgType).Msg("unsupported message type")
		SendError(conn, "unsupported_type", "unsupported message type")
		return
	}
	handler(conn, msg)
}

// Send builds a server frame and writes it to conn. Failures are logged;
// a dead connection is cleaned up by the read loop or heartbeat.
func Send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("component", "ws").Str("type", msgType).Msg("failed to build server message")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Debug().Err(err).Str("component", "ws").Str("conn", conn.ID).Str("type", msgType).Msg("failed to send message")
	}
}

// SendError writes an error frame.
func SendError(conn *Connection, code, message string) {
	Send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
