package bridge_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/docsassist/web-ui/internal/bridge"
	"github.com/gorilla/websocket"
)

func TestRelayConnectMarksLoaded(t *testing.T) {
	win, srv := newTestRelay(t, nil)

	if got := win.State(); got != bridge.WindowLoading {
		t.Fatalf("State() = %v, want %v before any connection", got, bridge.WindowLoading)
	}

	dialRelay(t, srv, "https://widget.example.com")
	waitForWindowState(t, win, bridge.WindowLoaded)
}

func TestRelayRejectsDisallowedOrigin(t *testing.T) {
	win, srv := newTestRelay(t, nil)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("Dial() error = %v, want %v", err, websocket.ErrBadHandshake)
	}
	if resp != nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("handshake status = %v, want %v", resp.StatusCode, http.StatusForbidden)
		}
	}

	if got := win.State(); got != bridge.WindowLoading {
		t.Errorf("State() = %v, want %v after a rejected connection", got, bridge.WindowLoading)
	}
}

func TestRelayInboundMessages(t *testing.T) {
	got := make(chan bridge.Message, 1)
	win, srv := newTestRelay(t, func(msg bridge.Message) { got <- msg })

	conn := dialRelay(t, srv, "https://widget.example.com")
	waitForWindowState(t, win, bridge.WindowLoaded)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	select {
	case msg := <-got:
		if msg.Origin != "https://widget.example.com" {
			t.Errorf("Origin = %v, want the connection origin", msg.Origin)
		}
		if !strings.Contains(string(msg.Data), "ping") {
			t.Errorf("Data = %s, want the ping payload", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the inbound message")
	}
}

func TestRelayOutboundMessages(t *testing.T) {
	win, srv := newTestRelay(t, nil)

	conn := dialRelay(t, srv, "https://widget.example.com")
	waitForWindowState(t, win, bridge.WindowLoaded)

	// The mismatched target is skipped; the wildcard and the targeted envelope
	// arrive in order.
	if err := win.SendTo("https://other.example.com", map[string]string{"action": "skip"}); err != nil {
		t.Fatalf("SendTo() error = %v", err)
	}
	if err := win.SendTo("*", map[string]string{"action": "first"}); err != nil {
		t.Fatalf("SendTo() error = %v", err)
	}
	if err := win.Send(map[string]string{"action": "second"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	var env struct {
		TargetOrigin string          `json:"targetOrigin"`
		Data         json.RawMessage `json:"data"`
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if env.TargetOrigin != "*" || !strings.Contains(string(env.Data), "first") {
		t.Errorf("first envelope = %+v, want the wildcard message", env)
	}

	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if env.TargetOrigin != "https://widget.example.com" || !strings.Contains(string(env.Data), "second") {
		t.Errorf("second envelope = %+v, want the targeted message", env)
	}
}

func TestRelayWindowClose(t *testing.T) {
	win, srv := newTestRelay(t, nil)

	conn := dialRelay(t, srv, "https://widget.example.com")
	waitForWindowState(t, win, bridge.WindowLoaded)

	win.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("ReadMessage() error = nil, want the connection to be torn down")
	}
}

func newTestRelay(t *testing.T, handler bridge.Handler) (*bridge.Window, *httptest.Server) {
	t.Helper()
	win := newTestWindow(t, bridge.WindowConfig{
		Name:       "widget",
		Source:     "https://widget.example.com/app",
		PageOrigin: "https://docs.example.com",
		Handler:    handler,
	})
	relay := bridge.NewRelay(win, discardLogger())
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	return win, srv
}

func dialRelay(t *testing.T, srv *httptest.Server, origin string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	header.Set("Origin", origin)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
