package chat

import (
	"math"

	"github.com/dmarkov/support-chat/internal/auth"
	"github.com/dmarkov/support-chat/internal/registry"
	"github.com/dmarkov/support-chat/internal/websocket"
	"github.com/dmarkov/support-chat/pkg/apperr"
	"github.com/dmarkov/support-chat/pkg/logger"
)

// Inbound frame types
const (
	FrameAuth         = "auth"
	FrameJoinSession  = "join_session"
	FrameLeaveSession = "leave_session"
	FrameSendMessage  = "send_message"
	FramePing         = "ping"
)

// Outbound frame types
const (
	FrameConnected     = "connected"
	FrameAuthSuccess   = "auth_success"
	FrameJoinedSession = "joined_session"
	FrameLeftSession   = "left_session"
	FrameNewMessage    = "new_message"
	FramePong          = "pong"
	FrameError         = "error"
)

// WebSocketHandler is the per-connection protocol handler. It
// interprets inbound frames, drives the chat service and the
// connection registry, and answers every protocol failure with an
// error frame to the offending connection only. Only transport
// failures terminate a connection.
type WebSocketHandler struct {
	service      *Service
	registry     *registry.Registry
	verifier     auth.Verifier
	requireToken bool
	logger       *logger.Logger
}

// NewWebSocketHandler creates a new protocol handler. verifier may be
// nil when requireToken is false.
func NewWebSocketHandler(service *Service, reg *registry.Registry, verifier auth.Verifier, requireToken bool, log *logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		service:      service,
		registry:     reg,
		verifier:     verifier,
		requireToken: requireToken,
		logger:       log.Named("chat-ws-handler"),
	}
}

// HandleConnect registers the connection and tells the client its
// connection id
func (h *WebSocketHandler) HandleConnect(client *websocket.Client) {
	h.registry.Register(client.ID())
	client.SendMessage(&websocket.Message{
		Type: FrameConnected,
		Data: map[string]any{"connection_id": client.ID()},
	})
}

// HandleDisconnect removes the connection from the registry. A
// transport close is an immediate, unconditional unregister.
func (h *WebSocketHandler) HandleDisconnect(client *websocket.Client) {
	h.registry.Unregister(client.ID())
}

// HandleMessage handles one inbound frame
func (h *WebSocketHandler) HandleMessage(client *websocket.Client, messageType string, data map[string]any) error {
	switch messageType {
	case FrameAuth:
		h.handleAuth(client, data)
	case FrameJoinSession:
		h.handleJoinSession(client, data)
	case FrameLeaveSession:
		h.handleLeaveSession(client)
	case FrameSendMessage:
		h.handleSendMessage(client, data)
	case FramePing:
		client.SendMessage(&websocket.Message{Type: FramePong})
	default:
		h.sendError(client, "unknown message type")
	}
	return nil
}

func (h *WebSocketHandler) handleAuth(client *websocket.Client, data map[string]any) {
	userID, ok := intField(data, "user_id")
	if !ok || userID <= 0 {
		h.sendError(client, "auth requires a positive integer user_id")
		return
	}

	if h.requireToken {
		token, ok := data["token"].(string)
		if !ok || token == "" {
			h.sendError(client, "auth requires a token")
			return
		}

		tokenUserID, err := h.verifier.Verify(token)
		if err != nil {
			h.logger.Warn("Token verification failed",
				logger.String("conn_id", client.ID()),
				logger.Error(err))
			h.sendError(client, apperr.MessageOf(err))
			return
		}
		if tokenUserID != userID {
			h.sendError(client, "token does not match user_id")
			return
		}
	}

	h.registry.BindUser(client.ID(), userID)

	h.logger.Info("Connection authenticated",
		logger.String("conn_id", client.ID()),
		logger.Int64("user_id", userID))

	client.SendMessage(&websocket.Message{
		Type: FrameAuthSuccess,
		Data: map[string]any{"user_id": userID},
	})
}

func (h *WebSocketHandler) handleJoinSession(client *websocket.Client, data map[string]any) {
	sessionID, ok := intField(data, "session_id")
	if !ok || sessionID <= 0 {
		h.sendError(client, "join_session requires a positive integer session_id")
		return
	}

	h.registry.JoinSession(client.ID(), sessionID)

	client.SendMessage(&websocket.Message{
		Type: FrameJoinedSession,
		Data: map[string]any{"session_id": sessionID},
	})
}

func (h *WebSocketHandler) handleLeaveSession(client *websocket.Client) {
	sessionID, ok := h.registry.LeaveSession(client.ID())
	if !ok {
		// Not in a session; silent no-op
		return
	}

	client.SendMessage(&websocket.Message{
		Type: FrameLeftSession,
		Data: map[string]any{"session_id": sessionID},
	})
}

func (h *WebSocketHandler) handleSendMessage(client *websocket.Client, data map[string]any) {
	userID := h.registry.UserOf(client.ID())
	if userID == 0 {
		h.sendError(client, "not authenticated")
		return
	}

	sessionID, ok := intField(data, "session_id")
	if !ok || sessionID <= 0 {
		h.sendError(client, "send_message requires a positive integer session_id")
		return
	}
	content, ok := data["content"].(string)
	if !ok {
		h.sendError(client, "send_message requires content")
		return
	}

	// The service persists the message and broadcasts it to the
	// session's connections; only failures are answered here.
	if _, err := h.service.SendMessage(sessionID, userID, content); err != nil {
		h.sendError(client, apperr.MessageOf(err))
		return
	}
}

func (h *WebSocketHandler) sendError(client *websocket.Client, text string) {
	client.SendMessage(&websocket.Message{
		Type: FrameError,
		Data: map[string]any{"error": text},
	})
}

// intField extracts an integer field from a decoded JSON object.
// encoding/json decodes numbers into float64; fractional values are
// rejected rather than truncated.
func intField(data map[string]any, key string) (int64, bool) {
	switch v := data[key].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}
