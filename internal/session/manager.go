// Package session owns the messaging-session lifecycle state: the current
// connection status and the last pairing QR, with a subscribe mechanism for
// the operator push channel. Routing code only ever reads the status.
package session

import (
	"encoding/base64"
	"log/slog"
	"sync"

	qrcode "github.com/skip2/go-qrcode"

	"qabridge/internal/bus"
	"qabridge/internal/domain"
)

const qrImageSize = 256

// Update is one observed session change, pushed to subscribers.
type Update struct {
	Type   string // "status" | "qr"
	Status domain.SessionStatus
	QR     string // PNG data URL, set for "qr" updates
}

// Manager is the single owner of session state. Transports report changes
// through the event bus; everyone else uses the accessors or Subscribe.
type Manager struct {
	logger *slog.Logger

	mu          sync.RWMutex
	status      domain.SessionStatus
	qr          string
	subscribers map[int]chan Update
	nextSub     int
}

// NewManager creates a manager listening for session events on events.
func NewManager(events *bus.EventBus, logger *slog.Logger) *Manager {
	m := &Manager{
		logger:      logger,
		status:      domain.StatusOffline,
		subscribers: make(map[int]chan Update),
	}

	events.On(bus.EventSessionStatus, func(e bus.Event) {
		if s, ok := e.Payload["status"].(string); ok {
			m.SetStatus(domain.SessionStatus(s))
		}
	})
	events.On(bus.EventSessionQR, func(e bus.Event) {
		if raw, ok := e.Payload["qr"].(string); ok {
			if err := m.SetQR(raw); err != nil {
				logger.Error("cannot render QR", "err", err)
			}
		}
	})

	return m
}

// Status returns the current session status.
func (m *Manager) Status() domain.SessionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// QR returns the last rendered QR as a PNG data URL, or "" when none is
// pending.
func (m *Manager) QR() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.qr
}

// SetStatus records a status change and notifies subscribers. Reaching
// ready clears any pending QR.
func (m *Manager) SetStatus(status domain.SessionStatus) {
	m.mu.Lock()
	if m.status == status {
		m.mu.Unlock()
		return
	}
	m.status = status
	if status == domain.StatusReady {
		m.qr = ""
	}
	m.mu.Unlock()

	m.logger.Info("session status changed", "status", string(status))
	m.broadcast(Update{Type: "status", Status: status})
}

// SetQR renders the raw pairing payload into a PNG data URL, stores it, and
// notifies subscribers. The status moves to qr-received.
func (m *Manager) SetQR(raw string) error {
	png, err := qrcode.Encode(raw, qrcode.Medium, qrImageSize)
	if err != nil {
		return err
	}
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)

	m.mu.Lock()
	m.qr = dataURL
	m.status = domain.StatusQRReceived
	m.mu.Unlock()

	m.logger.Info("new pairing QR received")
	m.broadcast(Update{Type: "qr", Status: domain.StatusQRReceived, QR: dataURL})
	m.broadcast(Update{Type: "status", Status: domain.StatusQRReceived})
	return nil
}

// Subscribe registers a push subscriber. The returned cancel func must be
// called when the subscriber goes away. Slow subscribers drop updates rather
// than blocking the manager.
func (m *Manager) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 8)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if _, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(ch)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) broadcast(u Update) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- u:
		default:
		}
	}
}
