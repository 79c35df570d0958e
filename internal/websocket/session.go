package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tethr-io/tethr/internal/protocol"
)

const (
	// maxMessageSize is the largest inbound frame accepted from a client.
	// Oversized frames fail the read and close the connection.
	maxMessageSize = 1 << 20

	// sendQueueSize is the capacity of the per-session outbound queue. A
	// session that lets it fill is evicted so one slow reader never stalls
	// a broadcast to the rest.
	sendQueueSize = 256
)

// upgrader performs the HTTP to WebSocket protocol upgrade. CheckOrigin
// always returns true here: the HTTP handler enforces the configured origin
// list before the upgrade is attempted.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Session is one connected client. Each session runs two goroutines:
// readPump parses inbound envelopes and hands them to the dispatcher, and
// writePump is the sole writer on the connection, draining the send queue
// and emitting heartbeat pings.
type Session struct {
	// ID names the session in logs. Not exposed to clients.
	ID string

	hub  *Hub
	conn *websocket.Conn

	// ip is the source address the connection was admitted under; Cleanup
	// releases the per-address slot it occupies.
	ip string

	// send carries marshaled frames from the hub to writePump. It is
	// never closed; writePump exits via done instead, which removes the
	// close/enqueue race between broadcasters and cleanup.
	send chan []byte
	done chan struct{}

	// joined is the project this session subscribes to, "" when none.
	// Guarded by hub.mu: the hub owns both sides of the subscription.
	joined string

	cleanup sync.Once

	logger *zap.Logger
}

// Accept upgrades the request and runs the session until the connection
// closes. The caller must have reserved a connection slot with hub.Reserve;
// on upgrade failure the reservation is released here.
func Accept(w http.ResponseWriter, r *http.Request, hub *Hub, ip string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.ReleaseReservation(ip)
		return err
	}

	id := uuid.NewString()
	s := &Session{
		ID:   id,
		hub:  hub,
		conn: conn,
		ip:   ip,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
		logger: hub.logger.With(
			zap.String("session_id", id),
			zap.String("remote_addr", r.RemoteAddr)),
	}
	hub.Add(s)

	go s.writePump()
	s.readPump()
	return nil
}

// readPump reads one JSON envelope at a time and dispatches each on its own
// goroutine, so a slow handler never blocks the next read. It owns the read
// deadline: the initial window is ping_interval+pong_timeout (the first ping
// has not been sent yet), and every pong re-arms the same window. A separate
// idle timer closes connections that go quiet at the application level.
func (s *Session) readPump() {
	defer s.hub.Cleanup(s)

	s.conn.SetReadLimit(maxMessageSize)
	wait := s.hub.cfg.PingInterval + s.hub.cfg.PongTimeout
	if err := s.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		s.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wait))
	})

	idle := time.AfterFunc(s.hub.cfg.IdleTimeout, s.closeIdle)
	defer idle.Stop()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
		idle.Reset(s.hub.cfg.IdleTimeout)

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.hub.SendTo(s, protocol.ErrorFrame("",
				protocol.E(protocol.CodeValidationFailed, "frame is not a valid envelope")))
			continue
		}
		go s.hub.dispatcher.Dispatch(s, env)
	}
}

// writePump forwards frames from the send queue to the wire and sends a
// ping every ping_interval. It is the only goroutine writing data frames to
// conn.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout)); err != nil {
				s.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ws: ping error", zap.Error(err))
				return
			}

		case <-s.done:
			return
		}
	}
}

// closeIdle ends a connection that sent nothing for the idle window. The
// close is a normal closure: silence is not an error. WriteControl is safe
// to call concurrently with writePump.
func (s *Session) closeIdle() {
	s.logger.Info("ws: closing idle connection")
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "idle timeout")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = s.conn.Close()
}

// enqueue offers a frame to the session without blocking. A false return
// means the queue is full and the caller should treat the session as dead.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}
