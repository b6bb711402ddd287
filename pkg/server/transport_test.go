package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/huddle/pkg/model"
	"github.com/NicolasHaas/huddle/pkg/protocol"
	"github.com/NicolasHaas/huddle/pkg/protocol/pb"
)

const wsTestTimeout = 5 * time.Second

func dialWS(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpURL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s): %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func wsSend(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatalf("Encode(%s): %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("WriteMessage(%s): %v", event, err)
	}
}

// wsRead reads frames until one carries event and decodes its payload into v.
func wsRead(t *testing.T, conn *websocket.Conn, event string, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(wsTestTimeout))
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if env.Event != event {
			continue
		}
		if err := env.DecodeData(v); err != nil {
			t.Fatalf("decode %s: %v", event, err)
		}
		return
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(wsTestTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// upgradedPair returns both ends of a fresh WebSocket connection.
func upgradedPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	var upgrader websocket.Upgrader
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- c
	}))
	t.Cleanup(ts.Close)

	client := dialWS(t, ts.URL)
	select {
	case server := <-conns:
		t.Cleanup(func() { _ = server.Close() })
		return server, client
	case <-time.After(wsTestTimeout):
		t.Fatalf("upgrade did not complete")
		return nil, nil
	}
}

func TestWebSocketSession(t *testing.T) {
	srv, mem := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	owner := login(t, srv, "owner")
	ws, _ := createServer(t, owner, mem, "Test")
	voice := createVoiceChannel(t, owner, ws.ID)

	conn := dialWS(t, ts.URL+"/ws")
	wsSend(t, conn, protocol.CmdLogin, "alice")
	var alice model.User
	wsRead(t, conn, protocol.EvtLoginSuccess, &alice)
	if alice.Username != "alice" {
		t.Fatalf("login_success: unexpected user %+v", alice)
	}

	wsSend(t, conn, protocol.CmdJoinServer, pb.JoinServerRequest{InviteCode: pb.Text(strconv.FormatInt(ws.ID, 10))})
	var joined model.Workspace
	wsRead(t, conn, protocol.EvtServerJoined, &joined)
	if joined.ID != ws.ID {
		t.Fatalf("server_joined: expected %d, got %d", ws.ID, joined.ID)
	}

	wsSend(t, conn, protocol.CmdJoinVoice, pb.JoinVoiceRequest{ChannelID: pb.ID(voice.ID)})
	var status pb.VoiceStatusEvent
	wsRead(t, conn, protocol.EvtVoiceStatusUpdate, &status)
	if status.ChannelID != voice.ID || len(status.Users) != 1 || status.Users[0].UserID != alice.ID {
		t.Fatalf("voice_status_update: unexpected %+v", status)
	}

	// Dropping the socket runs the disconnect path.
	owner.rec.reset()
	_ = conn.Close()
	eventually(t, "voice roster to empty", func() bool { return len(srv.voice.Roster(voice.ID)) == 0 })
	eventually(t, "session to be destroyed", func() bool { return srv.sessions.Count() == 1 })

	owner.rec.last(t, protocol.EvtVoiceStatusUpdate, &status)
	if status.ChannelID != voice.ID || len(status.Users) != 0 {
		t.Fatalf("after socket close: expected empty roster, got %+v", status)
	}
	if got := srv.metrics.ActiveConnections.Load(); got != 1 {
		t.Fatalf("ActiveConnections: expected 1, got %d", got)
	}
}

func TestWebSocketOversizedFrame(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn := dialWS(t, ts.URL+"/ws")
	eventually(t, "session to register", func() bool { return srv.sessions.Count() == 1 })

	// The server may hang up before the whole frame is written.
	big := strings.Repeat("a", protocol.MaxFrameSize+1)
	_ = conn.WriteMessage(websocket.TextMessage, []byte(big))
	_ = conn.SetReadDeadline(time.Now().Add(wsTestTimeout))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the server to close the connection")
	}
	eventually(t, "session to be destroyed", func() bool { return srv.sessions.Count() == 0 })
}

func TestWSConnBackpressure(t *testing.T) {
	server, client := upgradedPair(t)
	c := newWSConn(server, 2)

	for i := 0; i < 2; i++ {
		if err := c.TrySend([]byte("x")); err != nil {
			t.Fatalf("TrySend %d: %v", i, err)
		}
	}
	if err := c.TrySend([]byte("x")); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("full buffer: expected ErrBackpressure, got %v", err)
	}
	select {
	case <-c.done:
	default:
		t.Fatalf("full buffer must close the connection")
	}
	if err := c.TrySend([]byte("x")); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("after close: expected ErrConnClosed, got %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(wsTestTimeout))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatalf("client: expected the closed connection to fail reads")
	}
}

func TestWSConnPongDeadline(t *testing.T) {
	run := func(t *testing.T) (*wsConn, *websocket.Conn, <-chan struct{}) {
		server, client := upgradedPair(t)
		c := newWSConn(server, 4)
		c.pongWait = 200 * time.Millisecond
		c.pingPeriod = 50 * time.Millisecond
		go c.writePump()
		returned := make(chan struct{})
		go func() {
			defer close(returned)
			c.readPump(func([]byte) {})
		}()
		t.Cleanup(c.Close)
		return c, client, returned
	}

	t.Run("silent_client_dropped", func(t *testing.T) {
		// The client never reads, so pings go unanswered.
		_, _, returned := run(t)
		select {
		case <-returned:
		case <-time.After(wsTestTimeout):
			t.Fatalf("read pump outlived the pong deadline")
		}
	})

	t.Run("answering_client_kept", func(t *testing.T) {
		c, client, returned := run(t)
		// Reading lets the client's default ping handler answer.
		go func() {
			for {
				if _, _, err := client.ReadMessage(); err != nil {
					return
				}
			}
		}()
		select {
		case <-returned:
			t.Fatalf("read pump ended while pongs were flowing")
		case <-time.After(4 * c.pongWait):
		}
	})
}
