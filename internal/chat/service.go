package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dmarkov/support-chat/internal/config"
	"github.com/dmarkov/support-chat/pkg/apperr"
	"github.com/dmarkov/support-chat/pkg/logger"
)

// sessionLockStripes bounds the number of per-session mutexes
const sessionLockStripes = 64

// Store is the persistence boundary for sessions and messages
type Store interface {
	CreateSession(userID int64, now time.Time) (*ChatSession, error)
	GetSessionByID(id int64) (*ChatSession, error)
	GetActiveSessions() ([]*ChatSession, error)
	CloseSession(id int64, now time.Time) error
	InsertMessage(sessionID, senderID int64, content string, now time.Time) (*ChatMessage, error)
	MarkIdleSessionsInactive(cutoff time.Time) (int64, error)
	GetSessionMessages(sessionID int64) ([]*ChatMessage, error)
}

// Broadcaster pushes an accepted message to every live connection
// joined to its session
type Broadcaster interface {
	BroadcastNewMessage(msg *ChatMessage)
}

// Service manages the chat session lifecycle: creation, message
// persistence, status transitions, and the inactivity sweep.
type Service struct {
	store       Store
	broadcaster Broadcaster
	config      *config.ChatConfig
	logger      *logger.Logger

	// Per-session critical sections. SendMessage and CloseSession for
	// the same session are serialized so the activity-timestamp update
	// and the broadcast happen in persistence order.
	sessionLocks [sessionLockStripes]sync.Mutex

	// Background sweep
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new chat service
func NewService(store Store, cfg *config.ChatConfig, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		config: cfg,
		logger: log.Named("chat-service"),
	}
}

// SetBroadcaster sets the broadcaster used to fan out accepted
// messages. Optional; without one, messages are only persisted.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// CreateSession creates a new Active session owned by the given user
func (s *Service) CreateSession(userID int64) (*ChatSession, error) {
	if userID <= 0 {
		return nil, apperr.InvalidArg("user id must be positive")
	}

	session, err := s.store.CreateSession(userID, time.Now().UTC())
	if err != nil {
		return nil, apperr.Internal("failed to create session", err)
	}

	s.logger.Info("Created chat session",
		logger.Int64("session_id", session.ID),
		logger.Int64("user_id", userID))

	return session, nil
}

// SendMessage persists a message on a non-Closed session, bumps the
// session's activity (flipping Inactive back to Active), and
// broadcasts the message to the session's live connections. The
// persist and the broadcast happen under the session's critical
// section so recipients observe messages in persistence order.
func (s *Service) SendMessage(sessionID, senderID int64, content string) (*ChatMessage, error) {
	if senderID <= 0 {
		return nil, apperr.InvalidArg("sender id must be positive")
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.InvalidArg("message content must not be empty")
	}
	if len(content) > s.config.MaxMessageLength {
		return nil, apperr.InvalidArg("message content too long")
	}

	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.store.GetSessionByID(sessionID)
	if err != nil {
		return nil, apperr.Internal("failed to load session", err)
	}
	if session == nil {
		return nil, apperr.NotFound("session not found")
	}
	if session.Status == StatusClosed {
		return nil, apperr.InvalidArg("session is closed")
	}

	message, err := s.store.InsertMessage(sessionID, senderID, content, time.Now().UTC())
	if err != nil {
		return nil, apperr.Internal("failed to persist message", err)
	}

	if s.broadcaster != nil {
		s.broadcaster.BroadcastNewMessage(message)
	}

	return message, nil
}

// CloseSession transitions the session to Closed and records the close
// time. Closing an already-Closed session is rejected.
func (s *Service) CloseSession(sessionID int64) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.store.GetSessionByID(sessionID)
	if err != nil {
		return apperr.Internal("failed to load session", err)
	}
	if session == nil {
		return apperr.NotFound("session not found")
	}
	if session.Status == StatusClosed {
		return apperr.InvalidArg("session already closed")
	}

	if err := s.store.CloseSession(sessionID, time.Now().UTC()); err != nil {
		return apperr.Internal("failed to close session", err)
	}

	s.logger.Info("Closed chat session", logger.Int64("session_id", sessionID))
	return nil
}

// CheckInactiveSessions transitions every Active session idle for
// strictly longer than the configured threshold to Inactive and
// returns the number transitioned. A session exactly at the threshold
// stays Active.
func (s *Service) CheckInactiveSessions() (int64, error) {
	cutoff := time.Now().UTC().Add(-s.config.IdleTimeout())

	count, err := s.store.MarkIdleSessionsInactive(cutoff)
	if err != nil {
		return 0, apperr.Internal("failed to sweep idle sessions", err)
	}

	if count > 0 {
		s.logger.Info("Marked idle sessions inactive", logger.Int64("count", count))
	}
	return count, nil
}

// ActiveSessions returns all sessions currently Active
func (s *Service) ActiveSessions() ([]*ChatSession, error) {
	sessions, err := s.store.GetActiveSessions()
	if err != nil {
		return nil, apperr.Internal("failed to list active sessions", err)
	}
	return sessions, nil
}

// SessionMessages returns all messages of the session in chronological
// order
func (s *Service) SessionMessages(sessionID int64) ([]*ChatMessage, error) {
	session, err := s.store.GetSessionByID(sessionID)
	if err != nil {
		return nil, apperr.Internal("failed to load session", err)
	}
	if session == nil {
		return nil, apperr.NotFound("session not found")
	}

	messages, err := s.store.GetSessionMessages(sessionID)
	if err != nil {
		return nil, apperr.Internal("failed to load messages", err)
	}
	return messages, nil
}

// SessionByID returns the session, or nil without error when no such
// session exists
func (s *Service) SessionByID(sessionID int64) (*ChatSession, error) {
	session, err := s.store.GetSessionByID(sessionID)
	if err != nil {
		return nil, apperr.Internal("failed to load session", err)
	}
	return session, nil
}

// Start launches the periodic inactivity sweep
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.sweepTask(ctx)

	s.logger.Info("Started inactivity sweep",
		logger.Duration("interval", s.config.SweepInterval()),
		logger.Duration("idle_timeout", s.config.IdleTimeout()))
}

// Stop stops the inactivity sweep and waits for it to exit
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// sweepTask runs the inactivity sweep on a fixed interval. Sweep
// failures are logged and retried on the next tick; they never
// propagate to clients.
func (s *Service) sweepTask(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CheckInactiveSessions(); err != nil {
				s.logger.Error("Inactivity sweep failed", logger.Error(err))
			}
		}
	}
}

func (s *Service) lockFor(sessionID int64) *sync.Mutex {
	return &s.sessionLocks[uint64(sessionID)%sessionLockStripes]
}
