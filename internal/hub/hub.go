// Package hub fans session events out to live channel connections.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xiaot623/codementor/internal/auth"
	"github.com/xiaot623/codementor/internal/domain"
	"github.com/xiaot623/codementor/internal/metrics"
	"github.com/xiaot623/codementor/internal/protocol"
)

// ErrBufferFull is returned when a connection's send buffer is full.
var ErrBufferFull = errors.New("send buffer full")

// ErrClosed is returned after the hub has shut down.
var ErrClosed = errors.New("hub closed")

// Connection represents a single live channel connection.
type Connection struct {
	ID        string
	Principal *auth.Principal
	Conn      *websocket.Conn
	Send      chan []byte

	// subscriptions is guarded by the hub's mutex.
	subscriptions map[string]bool
	writeMu       sync.Mutex
}

// Hub owns the connection registry and the per-session subscriber sets.
// Create one with New, drive it with Run and stop it with Shutdown.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Sessions maps session_id to set of connection IDs
	sessions map[string]map[string]bool

	broadcast chan *SessionMessage

	done     chan struct{}
	stopOnce sync.Once

	sendBuffer int
	logger     *zap.Logger
	mu         sync.RWMutex
}

// SessionMessage is used to broadcast a message to a session.
type SessionMessage struct {
	SessionID string
	Type      string
	Data      []byte
}

// New creates a hub. sendBuffer bounds each connection's outgoing queue.
func New(sendBuffer int, logger *zap.Logger) *Hub {
	if sendBuffer < 1 {
		sendBuffer = 256
	}
	return &Hub{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]map[string]bool),
		broadcast:   make(chan *SessionMessage, 256),
		done:        make(chan struct{}),
		sendBuffer:  sendBuffer,
		logger:      logger,
	}
}

// Run is the hub's main loop. It returns when ctx is cancelled or Shutdown is called,
// closing every registered connection's send channel on the way out.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-h.done:
			return
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// Shutdown stops Run. It is safe to call more than once.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) fanOut(msg *SessionMessage) {
	var slow []*Connection

	h.mu.RLock()
	for connID := range h.sessions[msg.SessionID] {
		conn, ok := h.connections[connID]
		if !ok {
			continue
		}
		select {
		case conn.Send <- msg.Data:
			metrics.WSEvents.WithLabelValues(msg.Type).Inc()
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range slow {
		h.logger.Warn("connection buffer full, closing", zap.String("conn_id", conn.ID))
		metrics.WSDropped.Inc()
		h.remove(conn)
	}
}

func (h *Hub) remove(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[conn.ID]; !ok {
		return
	}
	delete(h.connections, conn.ID)
	for sessionID := range conn.subscriptions {
		h.leave(conn, sessionID)
	}
	close(conn.Send)
	metrics.WSConnections.Dec()
	h.logger.Debug("connection unregistered", zap.String("conn_id", conn.ID))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.connections {
		delete(h.connections, id)
		close(conn.Send)
		metrics.WSConnections.Dec()
	}
	h.sessions = make(map[string]map[string]bool)
}

// NewConnection creates a connection for a verified principal. Register it to receive events.
func (h *Hub) NewConnection(ws *websocket.Conn, principal *auth.Principal) *Connection {
	return &Connection{
		ID:            "conn_" + uuid.New().String()[:8],
		Principal:     principal,
		Conn:          ws,
		Send:          make(chan []byte, h.sendBuffer),
		subscriptions: make(map[string]bool),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		return ErrClosed
	default:
	}
	h.connections[conn.ID] = conn
	metrics.WSConnections.Inc()
	h.logger.Debug("connection registered", zap.String("conn_id", conn.ID), zap.String("user_id", conn.userID()))
	return nil
}

// Unregister removes a connection and all of its subscriptions, closing its send channel.
func (h *Hub) Unregister(conn *Connection) {
	h.remove(conn)
}

// Subscribe adds conn to sessionID's subscriber set.
func (h *Hub) Subscribe(conn *Connection, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[conn.ID]; !ok {
		return
	}
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]bool)
	}
	h.sessions[sessionID][conn.ID] = true
	conn.subscriptions[sessionID] = true
}

// Unsubscribe removes conn from sessionID's subscriber set.
func (h *Hub) Unsubscribe(conn *Connection, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(conn, sessionID)
}

// leave must be called with h.mu held.
func (h *Hub) leave(conn *Connection, sessionID string) {
	delete(conn.subscriptions, sessionID)
	if set := h.sessions[sessionID]; set != nil {
		delete(set, conn.ID)
		if len(set) == 0 {
			delete(h.sessions, sessionID)
		}
	}
}

// EmitFeedback broadcasts a feedback-update event to the session's subscribers.
func (h *Hub) EmitFeedback(ctx context.Context, sessionID string, fb domain.Feedback) {
	h.emit(ctx, sessionID, protocol.TypeFeedbackUpdate, protocol.FeedbackUpdateMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeFeedbackUpdate, SessionID: sessionID},
		Feedback:    fb,
	})
}

// EmitStatus broadcasts an analysis-status event to the session's subscribers.
func (h *Hub) EmitStatus(ctx context.Context, sessionID string, status domain.SessionStatus, message string) {
	h.emit(ctx, sessionID, protocol.TypeAnalysisStatus, protocol.AnalysisStatusMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeAnalysisStatus, SessionID: sessionID},
		Status:      status,
		Message:     message,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// emit hands the event to the Run loop. Delivery is best effort: events are
// never buffered for later subscribers, and nothing is sent after shutdown.
func (h *Hub) emit(ctx context.Context, sessionID, msgType string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("type", msgType), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- &SessionMessage{SessionID: sessionID, Type: msgType, Data: data}:
	case <-h.done:
	case <-ctx.Done():
	}
}

// SendToConnection queues data for a single connection without blocking.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.connections[conn.ID]; !ok {
		return ErrClosed
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection sends a JSON message to a specific connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// SubscriberCount returns the number of connections subscribed to sessionID.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func (c *Connection) userID() string {
	if c.Principal == nil {
		return ""
	}
	return c.Principal.UserID
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
