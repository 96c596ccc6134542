// Package push delivers real-time session events to the agent UI over a
// WebSocket connection.
//
// Each session has at most one live connection; a reconnect replaces the
// previous socket. Connections authenticate with a short-lived JWT minted at
// session start and are kept alive with a ping/pong heartbeat.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// Message types sent to the client.
const (
	MsgState          = "STATE"
	MsgShowDispo      = "SHOW_DISPO"
	MsgNextDialReq    = "NEXT_DIAL_REQUEST"
	MsgQueueExhausted = "QUEUE_EXHAUSTED"
	MsgDialInProgress = "DIAL_IN_PROGRESS"
	MsgSessionState   = "SESSION_STATE"
	MsgPong           = "pong"
)

// Inbound message types from the client.
const (
	msgPing     = "ping"
	msgGetState = "get_state"
)

const tokenTTL = time.Hour

// Message is the envelope for everything sent over the socket.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Notifier is the hub surface the orchestrator pushes through.
type Notifier interface {
	Send(sessionID string, msg Message)
	TokenForSession(sessionID, agentEmail string) (string, error)
	Disconnect(sessionID string)
}

// StateFunc returns the current session state payload for SESSION_STATE
// replies. It is nil-safe; without one get_state requests are ignored.
type StateFunc func(ctx context.Context, sessionID string) (any, error)

// Opts holds configuration options for the hub.
type Opts struct {
	Secret    string
	Heartbeat time.Duration
	State     StateFunc
}

// Option defines a configuration option for the hub.
type Option func(*Opts)

// WithSecret sets the JWT signing secret for connection tokens.
func WithSecret(secret string) Option {
	return func(o *Opts) { o.Secret = secret }
}

// WithHeartbeat sets the ping interval. A connection missing one pong in a
// full interval is terminated.
func WithHeartbeat(d time.Duration) Option {
	return func(o *Opts) { o.Heartbeat = d }
}

// WithStateFunc sets the provider used to answer get_state requests.
func WithStateFunc(fn StateFunc) Option {
	return func(o *Opts) { o.State = fn }
}

type client struct {
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Hub owns all live WebSocket connections, keyed by session id.
type Hub struct {
	secret    string
	heartbeat time.Duration
	state     StateFunc
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
}

var _ Notifier = (*Hub)(nil)

// NewHub creates a connection hub.
func NewHub(opts ...Option) (*Hub, error) {
	cfg := Opts{Heartbeat: 20 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("JWT secret must be provided")
	}
	return &Hub{
		secret:    cfg.Secret,
		heartbeat: cfg.Heartbeat,
		state:     cfg.State,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The UI is served from a different origin than the API.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}, nil
}

// TokenForSession mints the connection token handed out at session start.
func (h *Hub) TokenForSession(sessionID, agentEmail string) (string, error) {
	claims := jwt.MapClaims{
		"sessionId":  sessionID,
		"agentEmail": agentEmail,
		"iat":        time.Now().Unix(),
		"exp":        time.Now().Add(tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(h.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign connection token: %w", err)
	}
	return signed, nil
}

// verifyToken validates a connection token and returns the session id and
// agent email claims.
func (h *Hub) verifyToken(tokenStr string) (sessionID, agentEmail string, err error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(h.secret), nil
	})
	if err != nil {
		return "", "", fmt.Errorf("invalid connection token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", fmt.Errorf("invalid connection token claims")
	}
	sessionID, _ = claims["sessionId"].(string)
	agentEmail, _ = claims["agentEmail"].(string)
	if sessionID == "" {
		return "", "", fmt.Errorf("connection token missing session id")
	}
	return sessionID, agentEmail, nil
}

// HandleWS upgrades /ws requests. The token is checked before the upgrade so
// bad credentials never register a connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	sessionID, agentEmail, err := h.verifyToken(tokenStr)
	if err != nil {
		slog.Warn("Hub.HandleWS: rejected connection", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Hub.HandleWS: upgrade failed", "sessionId", sessionID, "error", err)
		return
	}

	c := &client{
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, 32),
		done:      make(chan struct{}),
	}
	h.register(c)
	slog.Info("Hub.HandleWS: connection established", "sessionId", sessionID, "agentEmail", agentEmail)

	go h.writePump(c)
	go h.readPump(c)
}

// register stores the connection, replacing and closing any previous socket
// for the same session.
func (h *Hub) register(c *client) {
	h.mu.Lock()
	prev := h.clients[c.sessionID]
	h.clients[c.sessionID] = c
	h.mu.Unlock()
	if prev != nil {
		slog.Debug("Hub.register: replacing existing connection", "sessionId", c.sessionID)
		prev.close()
	}
}

// unregister drops the connection if it is still the current one for its
// session. A replaced socket must not evict its successor.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if h.clients[c.sessionID] == c {
		delete(h.clients, c.sessionID)
	}
	h.mu.Unlock()
	c.close()
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Send queues a message for the session's connection. Messages for sessions
// with no live connection are dropped; the UI resyncs via get_state on
// reconnect.
func (h *Hub) Send(sessionID string, msg Message) {
	h.mu.Lock()
	c := h.clients[sessionID]
	h.mu.Unlock()
	if c == nil {
		slog.Debug("Hub.Send: no connection for session", "sessionId", sessionID, "type", msg.Type)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Hub.Send: marshal failed", "sessionId", sessionID, "type", msg.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		// Slow consumer. Drop the socket rather than block the hub.
		slog.Warn("Hub.Send: send buffer full, dropping connection", "sessionId", sessionID)
		h.unregister(c)
	}
}

// Sessions returns the session IDs with a live connection, sorted.
func (h *Hub) Sessions() []string {
	h.mu.Lock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Disconnect closes the session's connection, if any.
func (h *Hub) Disconnect(sessionID string) {
	h.mu.Lock()
	c := h.clients[sessionID]
	h.mu.Unlock()
	if c != nil {
		h.unregister(c)
	}
}

// writePump serializes all writes to the socket and runs the heartbeat. A
// pong must arrive between consecutive pings or the connection is dropped.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.heartbeat)
	defer func() {
		ticker.Stop()
		h.unregister(c)
	}()

	c.conn.SetReadDeadline(time.Now().Add(h.heartbeat + h.heartbeat/2))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.heartbeat + h.heartbeat/2))
	})

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("Hub.writePump: write failed", "sessionId", c.sessionID, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("Hub.writePump: heartbeat failed, terminating", "sessionId", c.sessionID, "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump handles inbound client messages until the socket closes.
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Hub.readPump: connection closed", "sessionId", c.sessionID, "error", err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("Hub.readPump: ignoring malformed message", "sessionId", c.sessionID)
			continue
		}
		switch msg.Type {
		case msgPing:
			h.Send(c.sessionID, Message{Type: MsgPong})
		case msgGetState:
			h.replyState(c)
		default:
			slog.Debug("Hub.readPump: ignoring unknown message type", "sessionId", c.sessionID, "type", msg.Type)
		}
	}
}

func (h *Hub) replyState(c *client) {
	h.mu.Lock()
	fn := h.state
	h.mu.Unlock()
	if fn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := fn(ctx, c.sessionID)
	if err != nil {
		slog.Warn("Hub.replyState: state lookup failed", "sessionId", c.sessionID, "error", err)
		return
	}
	h.Send(c.sessionID, Message{Type: MsgSessionState, Payload: state})
}

// SetStateFunc installs the SESSION_STATE provider after construction. The
// hub and the orchestrator reference each other, so one side is wired late.
func (h *Hub) SetStateFunc(fn StateFunc) {
	h.mu.Lock()
	h.state = fn
	h.mu.Unlock()
}

// Shutdown closes every connection with a going-away frame.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.close()
	}
	slog.Info("Hub.Shutdown: closed all connections", "count", len(clients))
}
