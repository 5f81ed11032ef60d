package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/vxi11-gateway/internal/config"
)

func dialHub(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()
	mw := NewMiddleware(config.APIConfig{}, zerolog.Nop())
	srv := httptest.NewServer(mw.handleLogStream(hub))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dialing websocket: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading websocket message: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	return ev
}

func TestHub_BroadcastFansOutToMultipleClients(t *testing.T) {
	hub := NewHub()
	conn1, close1 := dialHub(t, hub)
	defer close1()
	conn2, close2 := dialHub(t, hub)
	defer close2()

	// give the server-side read loops a moment to register both clients.
	time.Sleep(20 * time.Millisecond)

	hub.Broadcast(Event{Type: "reload", Data: map[string]string{"status": "ok"}})

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		ev := readEvent(t, conn)
		if ev.Type != "reload" {
			t.Errorf("expected a reload event, got %q", ev.Type)
		}
	}
}

func TestHub_WriteBroadcastsLogEvents(t *testing.T) {
	hub := NewHub()
	conn, closeConn := dialHub(t, hub)
	defer closeConn()
	time.Sleep(20 * time.Millisecond)

	n, err := hub.Write([]byte("startup complete"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len("startup complete") {
		t.Errorf("expected Write to report the full length written, got %d", n)
	}

	ev := readEvent(t, conn)
	if ev.Type != "log" {
		t.Errorf("expected a log event, got %q", ev.Type)
	}
	if ev.Data != "startup complete" {
		t.Errorf("expected the log line as event data, got %v", ev.Data)
	}
}

func TestHub_BroadcastWithNoClientsDoesNotPanic(t *testing.T) {
	hub := NewHub()
	hub.Broadcast(Event{Type: "reload"})
}

func TestHub_DisconnectStopsDeliveryWithoutPanicking(t *testing.T) {
	hub := NewHub()
	conn, closeConn := dialHub(t, hub)
	time.Sleep(20 * time.Millisecond)
	conn.Close()
	closeConn()
	time.Sleep(20 * time.Millisecond)

	// the read loop behind handleLogStream removes the client once its
	// conn breaks; broadcasting afterward must not panic even if the
	// removal hasn't been observed yet.
	hub.Broadcast(Event{Type: "reload"})
}
