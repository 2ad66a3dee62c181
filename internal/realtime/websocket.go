package realtime

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/drblury/protogate/internal/runtime/jsoncodec"
	"github.com/drblury/protogate/internal/runtime/logging"
)

const (
	writeWait      = 10 * time.Second
	maxInboundSize = 64 << 10
)

// Inbound command and outbound control frame types.
const (
	FramePing    = "ping"
	FramePong    = "pong"
	FrameSession = "session"
)

type command struct {
	Type string `json:"type"`
}

type sessionFrame struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId"`
	Authenticated bool   `json:"authenticated"`
}

// SocketHandler upgrades the request to a socket session. Credentials that do
// not resolve leave the session open but unauthenticated.
func (r *Router) SocketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			r.log.Error("Socket upgrade failed", err, logging.LogFields{"remote_addr": c.ClientIP()})
			return
		}
		defer conn.Close()

		sess := r.sessions.Connect(Credential(c))
		log := r.log.With(logging.LogFields{
			"session_id": sess.ID(),
			"user_id":    sess.UserID(),
			"transport":  TransportSocket,
		})
		log.Info("Socket session opened", logging.LogFields{"authenticated": sess.Authenticated()})

		hello, _ := jsoncodec.Marshal(sessionFrame{Type: FrameSession, SessionID: sess.ID(), Authenticated: sess.Authenticated()})
		sess.enqueue(hello)

		written := make(chan struct{})
		go func() {
			defer close(written)
			r.writeLoop(conn, sess, log)
		}()

		r.readLoop(conn, sess, log)
		r.sessions.Disconnect(sess)
		<-written
		log.Info("Socket session closed", nil)
	}
}

func (r *Router) readLoop(conn *websocket.Conn, sess *Session, log logging.ServiceLogger) {
	pongWait := 2 * r.heartbeat
	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pong, _ := jsoncodec.Marshal(command{Type: FramePong})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("Socket read failed", logging.LogFields{"error": err.Error()})
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd command
		if err := jsoncodec.Unmarshal(data, &cmd); err != nil {
			log.Debug("Ignoring malformed socket frame", nil)
			continue
		}
		switch cmd.Type {
		case FramePing:
			sess.enqueue(pong)
		default:
			log.Trace("Ignoring socket command", logging.LogFields{"type": cmd.Type})
		}
	}
}

// writeLoop is the only writer on conn.
func (r *Router) writeLoop(conn *websocket.Conn, sess *Session, log logging.ServiceLogger) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case frame := <-sess.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug("Socket write failed", logging.LogFields{"error": err.Error()})
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		case <-sess.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
