package session

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"qabridge/internal/bus"
	"qabridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newManager(t *testing.T) (*Manager, *bus.EventBus) {
	t.Helper()
	events := bus.NewEventBus(testLogger())
	return NewManager(events, testLogger()), events
}

func TestManager_InitialState(t *testing.T) {
	m, _ := newManager(t)

	if m.Status() != domain.StatusOffline {
		t.Errorf("expected offline, got %q", m.Status())
	}
	if m.QR() != "" {
		t.Error("expected no QR initially")
	}
}

func TestManager_StatusEvent(t *testing.T) {
	m, events := newManager(t)

	events.Emit(bus.Event{
		Type:    bus.EventSessionStatus,
		Payload: map[string]any{"status": "ready"},
	})

	if m.Status() != domain.StatusReady {
		t.Errorf("expected ready, got %q", m.Status())
	}
}

func TestManager_QREvent(t *testing.T) {
	m, events := newManager(t)

	events.Emit(bus.Event{
		Type:    bus.EventSessionQR,
		Payload: map[string]any{"qr": "pairing-payload-12345"},
	})

	qr := m.QR()
	if !strings.HasPrefix(qr, "data:image/png;base64,") {
		t.Errorf("expected PNG data URL, got %q", qr[:min(len(qr), 40)])
	}
	if m.Status() != domain.StatusQRReceived {
		t.Errorf("expected qr-received, got %q", m.Status())
	}
}

func TestManager_ReadyClearsQR(t *testing.T) {
	m, _ := newManager(t)

	if err := m.SetQR("pairing-payload"); err != nil {
		t.Fatalf("set QR: %v", err)
	}
	m.SetStatus(domain.StatusReady)

	if m.QR() != "" {
		t.Error("reaching ready must clear the QR")
	}
}

func TestManager_StatusDedupe(t *testing.T) {
	m, _ := newManager(t)

	updates, cancel := m.Subscribe()
	defer cancel()

	m.SetStatus(domain.StatusReady)
	m.SetStatus(domain.StatusReady)

	count := 0
	for {
		select {
		case <-updates:
			count++
		case <-time.After(50 * time.Millisecond):
			if count != 1 {
				t.Errorf("expected 1 update for repeated status, got %d", count)
			}
			return
		}
	}
}

func TestManager_SubscribeReceivesUpdates(t *testing.T) {
	m, _ := newManager(t)

	updates, cancel := m.Subscribe()
	defer cancel()

	m.SetStatus(domain.StatusAuthenticated)

	select {
	case u := <-updates:
		if u.Type != "status" || u.Status != domain.StatusAuthenticated {
			t.Errorf("unexpected update: %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}
}

func TestManager_CancelClosesChannel(t *testing.T) {
	m, _ := newManager(t)

	updates, cancel := m.Subscribe()
	cancel()

	m.SetStatus(domain.StatusReady)

	// A closed channel lets ranging consumers terminate instead of
	// blocking forever on an unregistered subscription.
	select {
	case u, ok := <-updates:
		if ok {
			t.Errorf("unexpected update after cancel: %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Second cancel is a no-op, not a double close.
	cancel()
}

func TestManager_QRBroadcast(t *testing.T) {
	m, _ := newManager(t)

	updates, cancel := m.Subscribe()
	defer cancel()

	if err := m.SetQR("pairing-payload"); err != nil {
		t.Fatalf("set QR: %v", err)
	}

	select {
	case u := <-updates:
		if u.Type != "qr" {
			t.Errorf("expected qr update first, got %+v", u)
		}
		if !strings.HasPrefix(u.QR, "data:image/png;base64,") {
			t.Error("expected PNG data URL in update")
		}
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}
}
