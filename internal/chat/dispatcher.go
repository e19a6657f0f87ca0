package chat

import (
	"github.com/dmarkov/support-chat/internal/registry"
	"github.com/dmarkov/support-chat/internal/websocket"
	"github.com/dmarkov/support-chat/pkg/logger"
)

// Sender delivers a frame to a single live connection. Implemented by
// the websocket server.
type Sender interface {
	Send(connID string, message *websocket.Message) bool
}

// Dispatcher delivers payloads to every live connection associated
// with a session or a user. Delivery is best effort: connections that
// have gone away or whose buffers are full are skipped, never retried.
type Dispatcher struct {
	registry *registry.Registry
	sender   Sender
	logger   *logger.Logger
}

// NewDispatcher creates a new broadcast dispatcher
func NewDispatcher(reg *registry.Registry, sender Sender, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		sender:   sender,
		logger:   log.Named("dispatcher"),
	}
}

// ToSession sends the message to every connection joined to the
// session and returns the number of successful deliveries
func (d *Dispatcher) ToSession(sessionID int64, message *websocket.Message) int {
	return d.deliver(d.registry.MembersOfSession(sessionID), message)
}

// ToUser sends the message to every connection bound to the user and
// returns the number of successful deliveries
func (d *Dispatcher) ToUser(userID int64, message *websocket.Message) int {
	return d.deliver(d.registry.MembersOfUser(userID), message)
}

// BroadcastNewMessage pushes an accepted chat message to the
// connections joined to its session
func (d *Dispatcher) BroadcastNewMessage(msg *ChatMessage) {
	delivered := d.ToSession(msg.SessionID, &websocket.Message{
		Type: FrameNewMessage,
		Data: map[string]any{
			"session_id": msg.SessionID,
			"message":    msg,
		},
	})

	d.logger.Debug("Broadcast message to session",
		logger.Int64("session_id", msg.SessionID),
		logger.Int64("message_id", msg.ID),
		logger.Int("delivered", delivered))
}

// deliver sends to a membership snapshot; the registry lock is not
// held while sending
func (d *Dispatcher) deliver(connIDs []string, message *websocket.Message) int {
	delivered := 0
	for _, connID := range connIDs {
		if d.sender.Send(connID, message) {
			delivered++
		}
	}
	return delivered
}
