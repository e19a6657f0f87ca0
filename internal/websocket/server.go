package websocket

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/dmarkov/support-chat/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Message represents a WebSocket frame. Every frame carries a type and
// a free-form data object.
type Message struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Handler receives connection lifecycle events and inbound frames.
// HandleConnect and HandleDisconnect are invoked exactly once per
// connection; HandleMessage is invoked once per parsed inbound frame.
type Handler interface {
	HandleConnect(client *Client)
	HandleMessage(client *Client, messageType string, data map[string]any) error
	HandleDisconnect(client *Client)
}

// Client represents one live WebSocket connection
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan *Message
	server    *Server
	mu        sync.Mutex
	closed    bool
	closeChan chan struct{}
}

// ID returns the process-local connection id, unique for the
// connection's lifetime
func (c *Client) ID() string {
	return c.id
}

// Server owns all live WebSocket connections
type Server struct {
	clients    map[string]*Client
	unregister chan *Client
	upgrader   websocket.Upgrader
	handler    Handler
	logger     *logger.Logger
	mu         sync.RWMutex
}

// NewServer creates a new WebSocket server
func NewServer(log *logger.Logger) *Server {
	return &Server{
		clients:    make(map[string]*Client),
		unregister: make(chan *Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		logger: log.Named("web-socket"),
	}
}

// SetHandler sets the handler for connection events and inbound frames
func (s *Server) SetHandler(handler Handler) {
	s.handler = handler
}

// Run starts the WebSocket server loop, processing disconnects.
// Registration happens synchronously in HandleConnection. Handler
// callbacks run on this goroutine and must not block on network I/O.
func (s *Server) Run() {
	s.logger.Info("Starting WebSocket server")

	for client := range s.unregister {
		s.mu.Lock()
		_, known := s.clients[client.id]
		if known {
			delete(s.clients, client.id)
			// Mark client as closed first to prevent new messages
			client.mu.Lock()
			client.closed = true
			client.mu.Unlock()
			close(client.send)
		}
		clientCount := len(s.clients)
		s.mu.Unlock()

		if known && s.handler != nil {
			s.handler.HandleDisconnect(client)
		}
		s.logger.Debug("Client unregistered",
			logger.String("conn_id", client.id),
			logger.Int("client_count", clientCount))
	}
}

// HandleConnection upgrades an HTTP request to a WebSocket connection
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("Handling new WebSocket connection request",
		logger.String("remote_addr", r.RemoteAddr),
		logger.String("user_agent", r.UserAgent()))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			logger.Error(err),
			logger.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan *Message, 256),
		server:    s,
		closeChan: make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[client.id] = client
	clientCount := len(s.clients)
	s.mu.Unlock()
	s.logger.Debug("Client registered",
		logger.String("conn_id", client.id),
		logger.Int("client_count", clientCount))

	// The connect callback must complete before the pumps start:
	// once readPump runs, the first inbound frame may arrive
	// immediately, and it must observe a registered connection.
	if s.handler != nil {
		s.handler.HandleConnect(client)
	}

	go client.readPump()
	go client.writePump()
}

// Send delivers a message to the connection with the given id. Returns
// false if the connection is gone or its send buffer is full.
func (s *Server) Send(connID string, message *Message) bool {
	s.mu.RLock()
	client, ok := s.clients[connID]
	s.mu.RUnlock()

	if !ok {
		return false
	}
	return client.SendMessage(message)
}

// readPump pumps frames from the WebSocket connection to the handler
func (c *Client) readPump() {
	defer func() {
		c.mu.Lock()
		if !c.closed {
			c.closed = true
		}
		c.mu.Unlock()

		c.server.unregister <- c
		c.conn.Close()
	}()

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.server.logger.Error("WebSocket read error", logger.Error(err))
			}
			break
		}

		var message Message
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			// Malformed frames answer with an error frame; the
			// connection stays open.
			c.SendMessage(&Message{
				Type: "error",
				Data: map[string]any{"error": "malformed message: expected a JSON object with a type field"},
			})
			continue
		}

		c.server.logger.Debug("Received WebSocket message",
			logger.String("type", message.Type),
			logger.String("conn_id", c.id))

		if c.server.handler != nil {
			if err := c.server.handler.HandleMessage(c, message.Type, message.Data); err != nil {
				c.server.logger.Error("Failed to handle WebSocket message",
					logger.Error(err),
					logger.String("type", message.Type))
			}
		}
	}
}

// writePump pumps messages from the send channel to the WebSocket
// connection
func (c *Client) writePump() {
	defer func() {
		c.mu.Lock()
		if !c.closed {
			c.closed = true
		}
		c.mu.Unlock()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(message)
			if err != nil {
				c.server.logger.Error("Failed to marshal message", logger.Error(err))
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

// Close closes the client connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.closeChan)
	c.conn.Close()
}

// SendMessage sends a message to this specific client. Never blocks:
// if the send buffer is full the message is dropped and false is
// returned.
func (c *Client) SendMessage(message *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}
