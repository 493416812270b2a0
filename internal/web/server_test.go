package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"qabridge/internal/bus"
	"qabridge/internal/domain"
	"qabridge/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestServer(t *testing.T) (*Server, *session.Manager) {
	t.Helper()
	events := bus.NewEventBus(testLogger())
	mgr := session.NewManager(events, testLogger())
	srv := NewServer(ServerConfig{
		Session: mgr,
		Logger:  testLogger(),
		Version: "test",
	})
	return srv, mgr
}

func TestHandleStatus(t *testing.T) {
	srv, mgr := newTestServer(t)
	mgr.SetStatus(domain.StatusReady)

	rec := httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest("GET", "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if body["status"] != "ready" {
		t.Errorf("expected ready, got %v", body["status"])
	}
	if body["has_qr"] != false {
		t.Errorf("expected has_qr=false, got %v", body["has_qr"])
	}
}

func TestHandleIndex(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleIndex(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "QA Bridge") {
		t.Error("expected status page markup")
	}
}

func TestHandleIndex_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleIndex(rec, httptest.NewRequest("GET", "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(srv.handleUpgrade))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebSocket_InitialStatus(t *testing.T) {
	srv, mgr := newTestServer(t)
	mgr.SetStatus(domain.StatusReady)

	conn := dialWS(t, srv)

	msg := readWS(t, conn)
	if msg.Type != "status" || msg.Status != "ready" {
		t.Errorf("expected initial status ready, got %+v", msg)
	}
}

func TestWebSocket_InitialQRBeforeStatus(t *testing.T) {
	srv, mgr := newTestServer(t)
	if err := mgr.SetQR("pairing-payload"); err != nil {
		t.Fatalf("set QR: %v", err)
	}

	conn := dialWS(t, srv)

	// A pending QR is pushed before the status so the page can render it
	// immediately.
	first := readWS(t, conn)
	if first.Type != "qr" || !strings.HasPrefix(first.QR, "data:image/png;base64,") {
		t.Errorf("expected qr first, got %+v", first)
	}
	second := readWS(t, conn)
	if second.Type != "status" || second.Status != "qr-received" {
		t.Errorf("expected status second, got %+v", second)
	}
}

func TestWebSocket_RequestQR(t *testing.T) {
	srv, mgr := newTestServer(t)
	if err := mgr.SetQR("pairing-payload"); err != nil {
		t.Fatalf("set QR: %v", err)
	}

	conn := dialWS(t, srv)
	readWS(t, conn) // initial qr
	readWS(t, conn) // initial status

	if err := conn.WriteJSON(WSMessage{Type: "requestQR"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readWS(t, conn)
	if msg.Type != "qr" || msg.QR == "" {
		t.Errorf("expected qr re-sent, got %+v", msg)
	}
}

func TestBroadcast(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv)
	readWS(t, conn) // initial status

	srv.broadcast(session.Update{Type: "status", Status: domain.StatusAuthenticated})

	msg := readWS(t, conn)
	if msg.Type != "status" || msg.Status != "authenticated" {
		t.Errorf("expected authenticated broadcast, got %+v", msg)
	}
}
