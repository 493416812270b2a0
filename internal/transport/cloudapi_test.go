package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"qabridge/internal/bus"
	"qabridge/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestTransport(cfg config.TransportConfig) *CloudAPI {
	return NewCloudAPI(CloudAPIConfig{
		Config: cfg,
		Events: bus.NewEventBus(testLogger()),
		Logger: testLogger(),
	})
}

const incomingPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "100",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "messages": [{
          "from": "1555000111",
          "id": "wamid.XYZ",
          "type": "text",
          "text": {"body": "cuanto cuesta el plan?"}
        }]
      }
    }]
  }]
}`

func TestHandleVerification(t *testing.T) {
	tr := newTestTransport(config.TransportConfig{VerifyToken: "secret-token"})

	req := httptest.NewRequest("GET",
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=secret-token&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	tr.handleVerification(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "12345" {
		t.Errorf("expected challenge echoed, got %q", rec.Body.String())
	}
}

func TestHandleVerification_WrongToken(t *testing.T) {
	tr := newTestTransport(config.TransportConfig{VerifyToken: "secret-token"})

	req := httptest.NewRequest("GET",
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	tr.handleVerification(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandleIncoming_PublishesMessage(t *testing.T) {
	tr := newTestTransport(config.TransportConfig{})
	mbus := bus.New(10, testLogger())
	defer mbus.Close()
	tr.bus = mbus

	req := httptest.NewRequest("POST", "/webhook/whatsapp", bytes.NewBufferString(incomingPayload))
	rec := httptest.NewRecorder()
	tr.handleIncoming(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	select {
	case msg := <-mbus.Subscribe():
		if msg.ChatID != "1555000111" || msg.SenderID != "1555000111" {
			t.Errorf("unexpected identifiers: chat=%q sender=%q", msg.ChatID, msg.SenderID)
		}
		if msg.Content != "cuanto cuesta el plan?" {
			t.Errorf("unexpected content: %q", msg.Content)
		}
		if msg.MessageID != "wamid.XYZ" {
			t.Errorf("unexpected message ID: %q", msg.MessageID)
		}
		if msg.IsGroup {
			t.Error("direct message flagged as group")
		}
		if msg.Channel != "whatsapp" {
			t.Errorf("unexpected channel: %q", msg.Channel)
		}
	case <-time.After(time.Second):
		t.Fatal("message not published")
	}
}

func TestHandleIncoming_IgnoresNonText(t *testing.T) {
	tr := newTestTransport(config.TransportConfig{})
	mbus := bus.New(10, testLogger())
	defer mbus.Close()
	tr.bus = mbus

	payload := `{"entry":[{"changes":[{"value":{"messages":[{"from":"1","id":"w1","type":"image"}]}}]}]}`
	req := httptest.NewRequest("POST", "/webhook/whatsapp", bytes.NewBufferString(payload))
	rec := httptest.NewRecorder()
	tr.handleIncoming(rec, req)

	select {
	case msg := <-mbus.Subscribe():
		t.Errorf("unexpected message published: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleIncoming_BadSignature(t *testing.T) {
	tr := newTestTransport(config.TransportConfig{AppSecret: "app-secret"})
	mbus := bus.New(10, testLogger())
	defer mbus.Close()
	tr.bus = mbus

	req := httptest.NewRequest("POST", "/webhook/whatsapp", bytes.NewBufferString(incomingPayload))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	tr.handleIncoming(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandleIncoming_ValidSignature(t *testing.T) {
	tr := newTestTransport(config.TransportConfig{AppSecret: "app-secret"})
	mbus := bus.New(10, testLogger())
	defer mbus.Close()
	tr.bus = mbus

	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write([]byte(incomingPayload))
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest("POST", "/webhook/whatsapp", bytes.NewBufferString(incomingPayload))
	req.Header.Set("X-Hub-Signature-256", sig)
	rec := httptest.NewRecorder()
	tr.handleIncoming(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	select {
	case <-mbus.Subscribe():
	case <-time.After(time.Second):
		t.Fatal("message not published")
	}
}

func TestConversation_OnlyKnownChats(t *testing.T) {
	tr := newTestTransport(config.TransportConfig{})
	mbus := bus.New(10, testLogger())
	defer mbus.Close()
	tr.bus = mbus

	if _, err := tr.Conversation(context.Background(), "1555000111"); err == nil {
		t.Fatal("expected resolution failure for unknown chat")
	}

	req := httptest.NewRequest("POST", "/webhook/whatsapp", bytes.NewBufferString(incomingPayload))
	tr.handleIncoming(httptest.NewRecorder(), req)
	<-mbus.Subscribe()

	conv, err := tr.Conversation(context.Background(), "1555000111")
	if err != nil {
		t.Fatalf("expected resolution after inbound message: %v", err)
	}
	if conv.ID() != "1555000111" {
		t.Errorf("unexpected conversation ID: %q", conv.ID())
	}
}

func TestConversation_SuffixedAddressResolves(t *testing.T) {
	tr := newTestTransport(config.TransportConfig{})
	mbus := bus.New(10, testLogger())
	defer mbus.Close()
	tr.bus = mbus

	req := httptest.NewRequest("POST", "/webhook/whatsapp", bytes.NewBufferString(incomingPayload))
	tr.handleIncoming(httptest.NewRecorder(), req)
	<-mbus.Subscribe()

	// The relay addresses targets in suffixed form; resolution must match
	// the bare number the webhook registered.
	conv, err := tr.Conversation(context.Background(), "1555000111@c.us")
	if err != nil {
		t.Fatalf("suffixed address did not resolve: %v", err)
	}
	if conv.ID() != "1555000111@c.us" {
		t.Errorf("unexpected conversation ID: %q", conv.ID())
	}
}

func TestStripAddressSuffix(t *testing.T) {
	if got := stripAddressSuffix("1555000111@c.us"); got != "1555000111" {
		t.Errorf("expected suffix stripped, got %q", got)
	}
	if got := stripAddressSuffix("1555000111"); got != "1555000111" {
		t.Errorf("bare number should pass through, got %q", got)
	}
}
