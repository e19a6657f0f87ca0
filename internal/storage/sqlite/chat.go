package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmarkov/support-chat/internal/chat"
	"github.com/dmarkov/support-chat/pkg/logger"
	_ "modernc.org/sqlite"
)

// ChatStorage is a SQLite-based storage for chat sessions and messages
type ChatStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewChatStorage creates a new SQLite-based chat storage
func NewChatStorage(dbPath string, log *logger.Logger) (*ChatStorage, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage",
		logger.String("path", dbPath))

	// Open the database
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool limits
	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	// Set pragmas for better performance and concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	storage := &ChatStorage{
		db:     db,
		logger: storageLogger,
	}

	// Create tables if they don't exist
	if err := storage.initDB(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// Close closes the database connection
func (s *ChatStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetDB returns the database connection
func (s *ChatStorage) GetDB() *sql.DB {
	return s.db
}

// initDB initializes the database tables.
// Timestamps are stored as Unix nanoseconds so that ORDER BY and
// cutoff comparisons are exact integer comparisons.
func (s *ChatStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL,
			closed_at INTEGER
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create chat_sessions table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL REFERENCES chat_sessions(id),
			sender_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create chat_messages table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_status ON chat_sessions(status)`)
	if err != nil {
		return fmt.Errorf("failed to create status index: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id, created_at)`)
	if err != nil {
		return fmt.Errorf("failed to create message session index: %w", err)
	}

	return nil
}

// CreateSession persists a new session with status Active and returns it
func (s *ChatStorage) CreateSession(userID int64, now time.Time) (*chat.ChatSession, error) {
	result, err := s.db.Exec(
		`INSERT INTO chat_sessions (user_id, status, started_at, last_activity_at) VALUES (?, ?, ?, ?)`,
		userID,
		string(chat.StatusActive),
		now.UnixNano(),
		now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return &chat.ChatSession{
		ID:             id,
		UserID:         userID,
		Status:         chat.StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}, nil
}

// GetSessionByID returns the session with the given id, or (nil, nil)
// if no such session exists
func (s *ChatStorage) GetSessionByID(id int64) (*chat.ChatSession, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, status, started_at, last_activity_at, closed_at
		FROM chat_sessions
		WHERE id = ?`,
		id,
	)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	return session, nil
}

// GetActiveSessions returns all sessions with status Active
func (s *ChatStorage) GetActiveSessions() ([]*chat.ChatSession, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, status, started_at, last_activity_at, closed_at
		FROM chat_sessions
		WHERE status = ?
		ORDER BY id ASC`,
		string(chat.StatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*chat.ChatSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

// CloseSession marks the session as Closed and records the close time
func (s *ChatStorage) CloseSession(id int64, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE chat_sessions SET status = ?, closed_at = ? WHERE id = ?`,
		string(chat.StatusClosed),
		now.UnixNano(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// ErrSessionNotWritable is returned by InsertMessage when the target
// session is Closed or does not exist
var ErrSessionNotWritable = errors.New("session is closed or does not exist")

// InsertMessage persists a message and bumps the owning session's
// activity in a single transaction: the session's last_activity_at is
// set to the message's created_at and an Inactive session flips back
// to Active atomically with the insert. A Closed or nonexistent
// session fails with ErrSessionNotWritable; no message row is
// written.
func (s *ChatStorage) InsertMessage(sessionID, senderID int64, content string, now time.Time) (*chat.ChatMessage, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE chat_sessions SET last_activity_at = ?, status = ? WHERE id = ? AND status != ?`,
		now.UnixNano(),
		string(chat.StatusActive),
		sessionID,
		string(chat.StatusClosed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update session activity: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return nil, ErrSessionNotWritable
	}

	result, err = tx.Exec(
		`INSERT INTO chat_messages (session_id, sender_id, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID,
		senderID,
		content,
		now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}

	return &chat.ChatMessage{
		ID:        id,
		SessionID: sessionID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: now,
	}, nil
}

// MarkIdleSessionsInactive transitions every Active session whose last
// activity is strictly before the cutoff to Inactive and returns the
// number of sessions transitioned. A session exactly at the cutoff is
// left Active.
func (s *ChatStorage) MarkIdleSessionsInactive(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(
		`UPDATE chat_sessions SET status = ? WHERE status = ? AND last_activity_at < ?`,
		string(chat.StatusInactive),
		string(chat.StatusActive),
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark idle sessions inactive: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return count, nil
}

// GetSessionMessages returns all messages for a session in chronological
// order (created_at ascending, ties broken by id)
func (s *ChatStorage) GetSessionMessages(sessionID int64) ([]*chat.ChatMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, sender_id, content, created_at
		FROM chat_messages
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*chat.ChatMessage
	for rows.Next() {
		var msg chat.ChatMessage
		var createdAt int64

		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.SenderID, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*chat.ChatSession, error) {
	var session chat.ChatSession
	var status string
	var startedAt, lastActivityAt int64
	var closedAt sql.NullInt64

	if err := row.Scan(&session.ID, &session.UserID, &status, &startedAt, &lastActivityAt, &closedAt); err != nil {
		return nil, err
	}

	session.Status = chat.SessionStatus(status)
	session.StartedAt = time.Unix(0, startedAt).UTC()
	session.LastActivityAt = time.Unix(0, lastActivityAt).UTC()
	if closedAt.Valid {
		t := time.Unix(0, closedAt.Int64).UTC()
		session.ClosedAt = &t
	}

	return &session, nil
}
