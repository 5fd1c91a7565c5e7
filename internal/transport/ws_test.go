package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"driverlink/internal/logger"
	"driverlink/internal/session"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// wsTestServer upgrades one connection at a time and exposes what it saw.
type wsTestServer struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	headers  chan http.Header
	received chan frame
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	s := &wsTestServer{
		conns:    make(chan *websocket.Conn, 4),
		headers:  make(chan http.Header, 4),
		received: make(chan frame, 16),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.headers <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(raw, &f) == nil {
				s.received <- f
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsTestServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func dialTestChannel(t *testing.T, url string) *WSChannel {
	t.Helper()
	sess, err := session.New("driver-042", "Nurlan S.", "test-token")
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	ch, err := DialWS(context.Background(), sess, WSOptions{
		URL:        url,
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 50 * time.Millisecond,
	}, logger.New("transport-test"))
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func waitState(t *testing.T, ch *WSChannel, want ConnState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case sc := <-ch.States():
			if sc.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestDialWSRejectsBadURL(t *testing.T) {
	sess, _ := session.New("driver-042", "Nurlan S.", "t")
	if _, err := DialWS(context.Background(), sess, WSOptions{URL: "http://not-a-ws"}, logger.New("transport-test")); err == nil {
		t.Fatal("expected error for non-ws scheme")
	}
}

func TestWSConnectsWithAuthHeaders(t *testing.T) {
	srv := newWSTestServer(t)
	ch := dialTestChannel(t, srv.wsURL())

	waitState(t, ch, StateConnected)

	header := <-srv.headers
	if got := header.Get("Authorization"); got != "Bearer test-token" {
		t.Fatalf("Authorization: %s", got)
	}
	if got := header.Get("X-Driver-ID"); got != "driver-042" {
		t.Fatalf("X-Driver-ID: %s", got)
	}
}

func TestWSDeliversInboundEvents(t *testing.T) {
	srv := newWSTestServer(t)
	ch := dialTestChannel(t, srv.wsURL())
	waitState(t, ch, StateConnected)

	conn := <-srv.conns
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ride:request","data":{"ride_id":"r1"}}`)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	// malformed frames are dropped without killing the connection
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"nope":1}`)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ride:status","data":{"ride_id":"r1","status":"IN_PROGRESS","version":1}}`)); err != nil {
		t.Fatalf("server write: %v", err)
	}

	ev := <-ch.Events()
	if ev.Name != "ride:request" {
		t.Fatalf("first event: %+v", ev)
	}
	select {
	case ev = <-ch.Events():
		if ev.Name != "ride:status" {
			t.Fatalf("second event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second event")
	}
}

func TestWSSendWritesFrame(t *testing.T) {
	srv := newWSTestServer(t)
	ch := dialTestChannel(t, srv.wsURL())
	waitState(t, ch, StateConnected)
	<-srv.conns

	if err := ch.Send(context.Background(), "ride:accept", map[string]string{"ride_id": "r1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case f := <-srv.received:
		if f.Type != "ride:accept" {
			t.Fatalf("frame type: %s", f.Type)
		}
		var body map[string]string
		if err := json.Unmarshal(f.Data, &body); err != nil || body["ride_id"] != "r1" {
			t.Fatalf("frame data: %s", f.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sent frame")
	}
}

func TestWSSendFailsWhenDisconnected(t *testing.T) {
	sess, _ := session.New("driver-042", "Nurlan S.", "t")
	ch, err := DialWS(context.Background(), sess, WSOptions{
		URL:        "ws://127.0.0.1:1/nowhere",
		BackoffMin: 10 * time.Millisecond,
	}, logger.New("transport-test"))
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer ch.Close()

	if err := ch.Send(context.Background(), "ride:accept", nil); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestWSReconnectsAfterDrop(t *testing.T) {
	srv := newWSTestServer(t)
	ch := dialTestChannel(t, srv.wsURL())
	waitState(t, ch, StateConnected)

	conn := <-srv.conns
	_ = conn.Close()

	waitState(t, ch, StateDisconnected)
	waitState(t, ch, StateConnected)
}
