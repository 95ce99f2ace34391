// Package ws provides the WebSocket endpoint for live session events.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/codementor/internal/auth"
	"github.com/xiaot623/codementor/internal/config"
	"github.com/xiaot623/codementor/internal/domain"
	"github.com/xiaot623/codementor/internal/hub"
	"github.com/xiaot623/codementor/internal/protocol"
)

// SessionAccess looks up sessions so subscriptions can be limited to their owner.
type SessionAccess interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
}

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	verifier auth.Verifier
	access   SessionAccess
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer creates a new WebSocket server. access may be nil, in which case any
// authenticated connection may subscribe to any session.
func NewServer(cfg *config.Config, h *hub.Hub, verifier auth.Verifier, access SessionAccess, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		hub:      h,
		verifier: verifier,
		access:   access,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket authenticates the caller, upgrades the connection and starts its pumps.
func (s *Server) HandleWebSocket(c echo.Context) error {
	principal, err := s.verifier.Verify(c.Request().Context(), auth.TokenFromRequest(c.Request()))
	if err != nil {
		s.logger.Debug("rejected websocket connection", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return nil
	}

	conn := s.hub.NewConnection(ws, principal)
	if err := s.hub.Register(conn); err != nil {
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		ws.Close()
		return nil
	}

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", zap.String("conn_id", conn.ID), zap.Error(err))
			}
			break
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("failed to write message", zap.String("conn_id", conn.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var msg protocol.SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch msg.Type {
	case protocol.TypeSubscribeSession:
		s.handleSubscribe(conn, msg.SessionID)
	case protocol.TypeUnsubscribeSession:
		s.handleUnsubscribe(conn, msg.SessionID)
	default:
		s.sendError(conn, msg.SessionID, protocol.ErrorCodeInvalidMessage, "unknown message type: "+msg.Type)
	}
}

func (s *Server) handleSubscribe(conn *hub.Connection, sessionID string) {
	if sessionID == "" {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "session_id is required")
		return
	}

	if s.access != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		session, err := s.access.GetSession(ctx, sessionID)
		if err != nil {
			s.logger.Error("session lookup failed", zap.String("session_id", sessionID), zap.Error(err))
			s.sendError(conn, sessionID, protocol.ErrorCodeInternal, "session lookup failed")
			return
		}
		// Other users' sessions are reported as missing.
		if session == nil || session.UserID != conn.Principal.UserID {
			s.sendError(conn, sessionID, protocol.ErrorCodeNotFound, "session not found")
			return
		}
	}

	s.hub.Subscribe(conn, sessionID)
	s.ack(conn, protocol.TypeSubscribed, sessionID)
	s.logger.Debug("subscribed", zap.String("conn_id", conn.ID), zap.String("session_id", sessionID))
}

func (s *Server) handleUnsubscribe(conn *hub.Connection, sessionID string) {
	if sessionID == "" {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "session_id is required")
		return
	}
	s.hub.Unsubscribe(conn, sessionID)
	s.ack(conn, protocol.TypeUnsubscribed, sessionID)
}

func (s *Server) ack(conn *hub.Connection, msgType, sessionID string) {
	ack := protocol.AckMessage{
		BaseMessage: protocol.BaseMessage{Type: msgType, SessionID: sessionID},
	}
	if err := s.hub.SendJSONToConnection(conn, ack); err != nil {
		s.logger.Debug("failed to send ack", zap.String("conn_id", conn.ID), zap.Error(err))
	}
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, sessionID, code, message string) {
	errMsg := protocol.ErrorMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeError,
			SessionID: sessionID,
		},
		Code:    code,
		Message: message,
	}
	if err := s.hub.SendJSONToConnection(conn, errMsg); err != nil {
		s.logger.Debug("failed to send error", zap.String("conn_id", conn.ID), zap.Error(err))
	}
}
