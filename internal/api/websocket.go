package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/inventahq/eventrelay/internal/session"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Origin checks belong to the embedding platform's auth layer, which
// fronts this service.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// subscribeWS handles GET /v1/tenants/{tenant_id}/events/ws. It
// upgrades to a websocket, attaches a session to the tenant's channel,
// and streams one envelope per text message until the client
// disconnects or the server shuts down. Incoming client messages are
// read and discarded.
func (s *Server) subscribeWS(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant_id")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	// Attach before completing the handshake so an envelope published
	// right after the client sees 101 is already queued for it.
	sess, err := s.subscriber.Subscribe(tenant)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "subscribe failed")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			zap.String("tenant", tenant),
			zap.Error(err),
		)
		sess.Close()
		sess.MarkClosed()
		return
	}

	go s.discardIncoming(conn, sess)
	s.writeOutbound(conn, sess)
}

// discardIncoming drains client frames so pongs are processed and a
// disconnect is noticed promptly; payloads are ignored.
func (s *Server) discardIncoming(conn *websocket.Conn, sess *session.Session) {
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			sess.Close()
			return
		}
	}
}

// writeOutbound drains the session queue to the wire, pinging to keep
// intermediaries from cutting the connection.
func (s *Server) writeOutbound(conn *websocket.Conn, sess *session.Session) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		sess.MarkClosed()
		_ = conn.Close()
	}()
	for {
		select {
		case msg := <-sess.Recv():
			if err := s.writeMessage(conn, msg); err != nil {
				sess.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.Close()
				return
			}
		case <-sess.Done():
			s.flush(conn, sess)
			return
		}
	}
}

// flush drains whatever is already queued, then says goodbye.
func (s *Server) flush(conn *websocket.Conn, sess *session.Session) {
	for {
		select {
		case msg := <-sess.Recv():
			if err := s.writeMessage(conn, msg); err != nil {
				return
			}
		default:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		}
	}
}

func (s *Server) writeMessage(conn *websocket.Conn, msg []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, msg)
}
