package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmarkov/support-chat/internal/chat"
	"github.com/dmarkov/support-chat/internal/websocket"
	"github.com/dmarkov/support-chat/pkg/apperr"
	"github.com/dmarkov/support-chat/pkg/logger"
)

// Handler contains the API handlers
type Handler struct {
	chatService *chat.Service
	dispatcher  *chat.Dispatcher
	wsServer    *websocket.Server
	logger      *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(chatService *chat.Service, dispatcher *chat.Dispatcher, wsServer *websocket.Server, log *logger.Logger) *Handler {
	return &Handler{
		chatService: chatService,
		dispatcher:  dispatcher,
		wsServer:    wsServer,
		logger:      log.Named("api-handler"),
	}
}

// Routes builds the HTTP router
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.wsServer.HandleConnection)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions/active", h.GetActiveSessions)
		r.Get("/sessions/{id}", h.GetSession)
		r.Get("/sessions/{id}/messages", h.GetSessionMessages)
		r.Post("/sessions/{id}/close", h.CloseSession)
		r.Post("/notify", h.Notify)
	})

	return r
}

// CreateSession opens a new support chat session for a user
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidArg("invalid request body"))
		return
	}

	session, err := h.chatService.CreateSession(req.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, session)
}

// GetActiveSessions lists all sessions with status Active
func (h *Handler) GetActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.chatService.ActiveSessions()
	if err != nil {
		h.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*chat.ChatSession{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession returns a single session by id
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	session, err := h.chatService.SessionByID(sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if session == nil {
		h.writeError(w, apperr.NotFound("session not found"))
		return
	}

	h.writeJSON(w, http.StatusOK, session)
}

// GetSessionMessages returns a session's messages in chronological order
func (h *Handler) GetSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	messages, err := h.chatService.SessionMessages(sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if messages == nil {
		messages = []*chat.ChatMessage{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   messages,
		"count":      len(messages),
	})
}

// CloseSession terminates a session
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.chatService.CloseSession(sessionID); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"closed": sessionID})
}

// Notify pushes an out-of-band payload to every live connection of a
// session or a user. Used by the surrounding admin layer.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID int64          `json:"session_id"`
		UserID    int64          `json:"user_id"`
		Type      string         `json:"type"`
		Data      map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidArg("invalid request body"))
		return
	}
	if req.Type == "" {
		h.writeError(w, apperr.InvalidArg("notify requires a type"))
		return
	}
	if (req.SessionID <= 0) == (req.UserID <= 0) {
		h.writeError(w, apperr.InvalidArg("notify requires exactly one of session_id or user_id"))
		return
	}

	message := &websocket.Message{Type: req.Type, Data: req.Data}

	var delivered int
	if req.SessionID > 0 {
		delivered = h.dispatcher.ToSession(req.SessionID, message)
	} else {
		delivered = h.dispatcher.ToUser(req.UserID, message)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, apperr.InvalidArg("invalid session id"))
		return 0, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", logger.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case apperr.CodeInvalidArgument:
		status = http.StatusBadRequest
	case apperr.CodeNotFound:
		status = http.StatusNotFound
	case apperr.CodeUnauthenticated:
		status = http.StatusUnauthorized
	case apperr.CodePermissionDenied:
		status = http.StatusForbidden
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", logger.Error(err))
	}

	h.writeJSON(w, status, map[string]any{
		"code":  code,
		"error": apperr.MessageOf(err),
	})
}
