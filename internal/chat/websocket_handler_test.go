package chat_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmarkov/support-chat/internal/auth"
	"github.com/dmarkov/support-chat/internal/chat"
	"github.com/dmarkov/support-chat/internal/config"
	"github.com/dmarkov/support-chat/internal/registry"
	"github.com/dmarkov/support-chat/internal/storage/sqlite"
	"github.com/dmarkov/support-chat/internal/websocket"
	"github.com/dmarkov/support-chat/pkg/logger"
)

type frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type testStack struct {
	service  *chat.Service
	registry *registry.Registry
	server   *httptest.Server
}

func newTestStack(t *testing.T, verifier auth.Verifier, requireToken bool) *testStack {
	t.Helper()
	log := logger.NewNop()

	storage, err := sqlite.NewChatStorage(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	cfg := &config.ChatConfig{
		IdleTimeoutMinutes:   30,
		SweepIntervalSeconds: 60,
		MaxMessageLength:     4000,
	}

	reg := registry.New(log)
	wsServer := websocket.NewServer(log)
	service := chat.NewService(storage, cfg, log)
	service.SetBroadcaster(chat.NewDispatcher(reg, wsServer, log))
	wsServer.SetHandler(chat.NewWebSocketHandler(service, reg, verifier, requireToken, log))
	go wsServer.Run()

	ts := httptest.NewServer(http.HandlerFunc(wsServer.HandleConnection))
	t.Cleanup(ts.Close)

	return &testStack{service: service, registry: reg, server: ts}
}

func (s *testStack) dial(t *testing.T) *gorilla.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http")
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *gorilla.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func writeFrame(t *testing.T, conn *gorilla.Conn, messageType string, data map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame{Type: messageType, Data: data}))
}

// connect dials and consumes the connected frame, returning the
// assigned connection id
func (s *testStack) connect(t *testing.T) (*gorilla.Conn, string) {
	t.Helper()
	conn := s.dial(t)
	f := readFrame(t, conn)
	require.Equal(t, "connected", f.Type)
	connID, ok := f.Data["connection_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, connID)
	return conn, connID
}

func authenticate(t *testing.T, conn *gorilla.Conn, userID int64) {
	t.Helper()
	writeFrame(t, conn, "auth", map[string]any{"user_id": userID})
	f := readFrame(t, conn)
	require.Equal(t, "auth_success", f.Type)
	require.Equal(t, float64(userID), f.Data["user_id"])
}

func TestConnectAssignsConnectionID(t *testing.T) {
	stack := newTestStack(t, nil, false)

	_, connID := stack.connect(t)

	assert.NotEmpty(t, connID)
	assert.Equal(t, 1, stack.registry.Count())
}

// An auth frame written immediately after the handshake, before the
// client has read the connected frame, must still land on a registered
// connection and bind the user.
func TestAuthImmediatelyAfterDial(t *testing.T) {
	stack := newTestStack(t, nil, false)

	conn := stack.dial(t)
	writeFrame(t, conn, "auth", map[string]any{"user_id": 7})

	f := readFrame(t, conn)
	require.Equal(t, "connected", f.Type)
	connID, ok := f.Data["connection_id"].(string)
	require.True(t, ok)

	f = readFrame(t, conn)
	require.Equal(t, "auth_success", f.Type)
	assert.Equal(t, int64(7), stack.registry.UserOf(connID))
}

func TestPingPong(t *testing.T) {
	stack := newTestStack(t, nil, false)
	conn, _ := stack.connect(t)

	writeFrame(t, conn, "ping", nil)
	f := readFrame(t, conn)
	assert.Equal(t, "pong", f.Type)
}

func TestUnknownMessageType(t *testing.T) {
	stack := newTestStack(t, nil, false)
	conn, _ := stack.connect(t)

	writeFrame(t, conn, "bogus", nil)
	f := readFrame(t, conn)
	require.Equal(t, "error", f.Type)
	assert.Equal(t, "unknown message type", f.Data["error"])
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	stack := newTestStack(t, nil, false)
	conn, _ := stack.connect(t)

	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, []byte("{not json")))
	f := readFrame(t, conn)
	require.Equal(t, "error", f.Type)

	// Still alive afterwards
	writeFrame(t, conn, "ping", nil)
	f = readFrame(t, conn)
	assert.Equal(t, "pong", f.Type)
}

func TestAuthMissingUserID(t *testing.T) {
	stack := newTestStack(t, nil, false)
	conn, _ := stack.connect(t)

	writeFrame(t, conn, "auth", nil)
	f := readFrame(t, conn)
	require.Equal(t, "error", f.Type)
	assert.Contains(t, f.Data["error"], "user_id")
}

func TestSendMessageRequiresAuth(t *testing.T) {
	stack := newTestStack(t, nil, false)
	conn, _ := stack.connect(t)

	writeFrame(t, conn, "send_message", map[string]any{"session_id": 1, "content": "hi"})
	f := readFrame(t, conn)
	require.Equal(t, "error", f.Type)
	assert.Equal(t, "not authenticated", f.Data["error"])
}

func TestJoinSessionMissingID(t *testing.T) {
	stack := newTestStack(t, nil, false)
	conn, _ := stack.connect(t)

	writeFrame(t, conn, "join_session", nil)
	f := readFrame(t, conn)
	require.Equal(t, "error", f.Type)
	assert.Contains(t, f.Data["error"], "session_id")
}

func TestFractionalIDFieldsRejected(t *testing.T) {
	stack := newTestStack(t, nil, false)
	conn, _ := stack.connect(t)

	writeFrame(t, conn, "join_session", map[string]any{"session_id": 1.5})
	f := readFrame(t, conn)
	require.Equal(t, "error", f.Type)
	assert.Contains(t, f.Data["error"], "session_id")

	writeFrame(t, conn, "auth", map[string]any{"user_id": 7.2})
	f = readFrame(t, conn)
	require.Equal(t, "error", f.Type)
	assert.Contains(t, f.Data["error"], "user_id")
}

func TestLeaveSessionWithoutJoinIsSilent(t *testing.T) {
	stack := newTestStack(t, nil, false)
	conn, _ := stack.connect(t)

	writeFrame(t, conn, "leave_session", nil)

	// No left_session frame is queued; the next reply is the pong
	writeFrame(t, conn, "ping", nil)
	f := readFrame(t, conn)
	assert.Equal(t, "pong", f.Type)
}

func TestJoinAndLeaveSession(t *testing.T) {
	stack := newTestStack(t, nil, false)
	conn, connID := stack.connect(t)
	authenticate(t, conn, 7)

	session, err := stack.service.CreateSession(7)
	require.NoError(t, err)

	writeFrame(t, conn, "join_session", map[string]any{"session_id": session.ID})
	f := readFrame(t, conn)
	require.Equal(t, "joined_session", f.Type)
	assert.Equal(t, float64(session.ID), f.Data["session_id"])
	assert.Contains(t, stack.registry.MembersOfSession(session.ID), connID)

	writeFrame(t, conn, "leave_session", nil)
	f = readFrame(t, conn)
	require.Equal(t, "left_session", f.Type)
	assert.Equal(t, float64(session.ID), f.Data["session_id"])
	assert.Empty(t, stack.registry.MembersOfSession(session.ID))
}

func TestMessageBroadcastToSessionMembers(t *testing.T) {
	stack := newTestStack(t, nil, false)

	session, err := stack.service.CreateSession(7)
	require.NoError(t, err)

	connA, _ := stack.connect(t)
	authenticate(t, connA, 7)
	writeFrame(t, connA, "join_session", map[string]any{"session_id": session.ID})
	require.Equal(t, "joined_session", readFrame(t, connA).Type)

	connB, _ := stack.connect(t)
	authenticate(t, connB, 8)
	writeFrame(t, connB, "join_session", map[string]any{"session_id": session.ID})
	require.Equal(t, "joined_session", readFrame(t, connB).Type)

	// A third connection joined to a different session must not
	// receive the broadcast
	other, err := stack.service.CreateSession(9)
	require.NoError(t, err)
	connC, _ := stack.connect(t)
	authenticate(t, connC, 9)
	writeFrame(t, connC, "join_session", map[string]any{"session_id": other.ID})
	require.Equal(t, "joined_session", readFrame(t, connC).Type)

	writeFrame(t, connA, "send_message", map[string]any{"session_id": session.ID, "content": "hello"})

	frameA := readFrame(t, connA)
	frameB := readFrame(t, connB)
	require.Equal(t, "new_message", frameA.Type)
	require.Equal(t, "new_message", frameB.Type)

	msgA, ok := frameA.Data["message"].(map[string]any)
	require.True(t, ok)
	msgB, ok := frameB.Data["message"].(map[string]any)
	require.True(t, ok)

	// Both recipients see the identical persisted message
	assert.Equal(t, msgA["id"], msgB["id"])
	assert.Equal(t, "hello", msgA["content"])
	assert.Equal(t, float64(7), msgA["sender_id"])
	assert.Equal(t, float64(session.ID), msgA["session_id"])
	assert.NotEmpty(t, msgA["created_at"])

	// The uninvolved connection got nothing; its next frame is a pong
	writeFrame(t, connC, "ping", nil)
	assert.Equal(t, "pong", readFrame(t, connC).Type)
}

func TestSendMessageFailuresGoOnlyToSender(t *testing.T) {
	stack := newTestStack(t, nil, false)

	session, err := stack.service.CreateSession(7)
	require.NoError(t, err)

	conn, _ := stack.connect(t)
	authenticate(t, conn, 7)
	writeFrame(t, conn, "join_session", map[string]any{"session_id": session.ID})
	require.Equal(t, "joined_session", readFrame(t, conn).Type)

	// Whitespace-only content
	writeFrame(t, conn, "send_message", map[string]any{"session_id": session.ID, "content": "   "})
	f := readFrame(t, conn)
	require.Equal(t, "error", f.Type)
	assert.Equal(t, "message content must not be empty", f.Data["error"])

	// Unknown session
	writeFrame(t, conn, "send_message", map[string]any{"session_id": 9999, "content": "hi"})
	f = readFrame(t, conn)
	require.Equal(t, "error", f.Type)
	assert.Equal(t, "session not found", f.Data["error"])
}

func TestDisconnectCleansUpRegistry(t *testing.T) {
	stack := newTestStack(t, nil, false)

	session, err := stack.service.CreateSession(7)
	require.NoError(t, err)

	conn, connID := stack.connect(t)
	authenticate(t, conn, 7)
	writeFrame(t, conn, "join_session", map[string]any{"session_id": session.ID})
	require.Equal(t, "joined_session", readFrame(t, conn).Type)

	conn.Close()

	require.Eventually(t, func() bool {
		return stack.registry.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, stack.registry.MembersOfSession(session.ID))
	assert.Empty(t, stack.registry.MembersOfUser(7))
	assert.Equal(t, int64(0), stack.registry.UserOf(connID))
}

func TestAuthWithRequiredToken(t *testing.T) {
	verifier := auth.NewJWTVerifier("test-secret")
	stack := newTestStack(t, verifier, true)

	conn, _ := stack.connect(t)

	// Missing token
	writeFrame(t, conn, "auth", map[string]any{"user_id": 42})
	f := readFrame(t, conn)
	require.Equal(t, "error", f.Type)
	assert.Contains(t, f.Data["error"], "token")

	// Valid token for a different user
	token := signTestToken(t, "test-secret", "43")
	writeFrame(t, conn, "auth", map[string]any{"user_id": 42, "token": token})
	f = readFrame(t, conn)
	require.Equal(t, "error", f.Type)
	assert.Equal(t, "token does not match user_id", f.Data["error"])

	// Matching token
	token = signTestToken(t, "test-secret", "42")
	writeFrame(t, conn, "auth", map[string]any{"user_id": 42, "token": token})
	f = readFrame(t, conn)
	require.Equal(t, "auth_success", f.Type)
	assert.Equal(t, float64(42), f.Data["user_id"])
}

func signTestToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}
