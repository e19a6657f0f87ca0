package registry

import (
	"sync"

	"github.com/dmarkov/support-chat/pkg/logger"
)

// Registry is the process-wide, in-memory bookkeeping of live
// connections and their user/session group memberships. All four maps
// are guarded by a single mutex so readers never observe a
// half-updated forward/reverse pair. No operation does I/O while
// holding the lock.
type Registry struct {
	mu sync.RWMutex

	connUser     map[string]int64              // connection id -> user id
	connSession  map[string]int64              // connection id -> session id
	userConns    map[int64]map[string]struct{} // user id -> connection ids
	sessionConns map[int64]map[string]struct{} // session id -> connection ids

	logger *logger.Logger
}

// New creates an empty connection registry
func New(log *logger.Logger) *Registry {
	return &Registry{
		connUser:     make(map[string]int64),
		connSession:  make(map[string]int64),
		userConns:    make(map[int64]map[string]struct{}),
		sessionConns: make(map[int64]map[string]struct{}),
		logger:       log.Named("registry"),
	}
}

// Register adds an unassociated connection entry. The caller
// guarantees the connection id is unique for the connection's
// lifetime.
func (r *Registry) Register(connID string) {
	r.mu.Lock()
	r.connUser[connID] = 0
	r.connSession[connID] = 0
	count := len(r.connUser)
	r.mu.Unlock()

	r.logger.Debug("Connection registered",
		logger.String("conn_id", connID),
		logger.Int("connection_count", count))
}

// BindUser associates a user with a connection. No-op if the
// connection is unknown.
func (r *Registry) BindUser(connID string, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.connUser[connID]
	if !ok {
		return
	}
	if prev != 0 {
		r.removeFromBucket(r.userConns, prev, connID)
	}

	r.connUser[connID] = userID
	bucket, ok := r.userConns[userID]
	if !ok {
		bucket = make(map[string]struct{})
		r.userConns[userID] = bucket
	}
	bucket[connID] = struct{}{}
}

// JoinSession associates a session with a connection. A connection may
// rebind to a different session; any prior membership is cleared
// first. No-op if the connection is unknown.
func (r *Registry) JoinSession(connID string, sessionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.connSession[connID]
	if !ok {
		return
	}
	if prev != 0 {
		r.removeFromBucket(r.sessionConns, prev, connID)
	}

	r.connSession[connID] = sessionID
	bucket, ok := r.sessionConns[sessionID]
	if !ok {
		bucket = make(map[string]struct{})
		r.sessionConns[sessionID] = bucket
	}
	bucket[connID] = struct{}{}
}

// LeaveSession clears the connection's session association and returns
// the session id it was joined to. Returns false if the connection had
// no session.
func (r *Registry) LeaveSession(connID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.connSession[connID]
	if !ok || sessionID == 0 {
		return 0, false
	}

	r.connSession[connID] = 0
	r.removeFromBucket(r.sessionConns, sessionID, connID)
	return sessionID, true
}

// Unregister removes the connection entirely, clearing both group
// memberships and pruning now-empty buckets
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	if userID, ok := r.connUser[connID]; ok && userID != 0 {
		r.removeFromBucket(r.userConns, userID, connID)
	}
	if sessionID, ok := r.connSession[connID]; ok && sessionID != 0 {
		r.removeFromBucket(r.sessionConns, sessionID, connID)
	}
	delete(r.connUser, connID)
	delete(r.connSession, connID)
	count := len(r.connUser)
	r.mu.Unlock()

	r.logger.Debug("Connection unregistered",
		logger.String("conn_id", connID),
		logger.Int("connection_count", count))
}

// UserOf returns the user bound to the connection, or 0 if none
func (r *Registry) UserOf(connID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connUser[connID]
}

// SessionOf returns the session the connection is joined to, or 0 if none
func (r *Registry) SessionOf(connID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connSession[connID]
}

// MembersOfSession returns a snapshot of the connection ids joined to
// the session
func (r *Registry) MembersOfSession(sessionID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.sessionConns[sessionID])
}

// MembersOfUser returns a snapshot of the connection ids bound to the user
func (r *Registry) MembersOfUser(userID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.userConns[userID])
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connUser)
}

// removeFromBucket must be called with the write lock held
func (r *Registry) removeFromBucket(buckets map[int64]map[string]struct{}, key int64, connID string) {
	bucket, ok := buckets[key]
	if !ok {
		return
	}
	delete(bucket, connID)
	if len(bucket) == 0 {
		delete(buckets, key)
	}
}

func snapshot(bucket map[string]struct{}) []string {
	ids := make([]string, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	return ids
}
