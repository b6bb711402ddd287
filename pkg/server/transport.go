package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/huddle/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var (
	ErrBackpressure = errors.New("server: send buffer full")
	ErrConnClosed   = errors.New("server: connection closed")
)

// wsConn is the WebSocket transport endpoint of one connection. It implements
// Sender; a full send buffer closes the connection, which ends the read pump
// and runs the normal disconnect path.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	pongWait   time.Duration // read deadline, pushed out by every pong
	pingPeriod time.Duration // must be below pongWait
}

func newWSConn(conn *websocket.Conn, buffer int) *wsConn {
	if buffer <= 0 {
		buffer = 256
	}
	return &wsConn{
		conn:       conn,
		send:       make(chan []byte, buffer),
		done:       make(chan struct{}),
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
}

func (c *wsConn) TrySend(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.Close()
		return ErrBackpressure
	}
}

// Close is idempotent.
func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// serve runs both pumps for an upgraded connection and blocks until the
// client goes away or the server shuts down.
func (s *Server) serve(conn *websocket.Conn) {
	c := newWSConn(conn, s.cfg.SendBuffer)
	connID := s.Connect(c)

	go c.writePump()
	go func() {
		select {
		case <-s.ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	c.readPump(func(frame []byte) {
		s.dispatch(s.ctx, connID, frame)
	})
	c.Close()
	s.Disconnect(connID)
}

func (c *wsConn) readPump(handle func([]byte)) {
	c.conn.SetReadLimit(protocol.MaxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Debug("websocket read error", "err", err)
			}
			return
		}
		handle(frame)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
