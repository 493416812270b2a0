// Package transport contains the messaging-collaborator glue. The bridge
// core only sees the domain.Transport boundary; this file binds it to the
// WhatsApp Business Cloud API.
package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"qabridge/internal/bus"
	"qabridge/internal/config"
	"qabridge/internal/domain"
)

const graphAPIBase = "https://graph.facebook.com/v21.0"

// CloudAPI implements domain.Transport for the WhatsApp Business Cloud API:
// inbound messages arrive on a webhook, outbound texts go through the Graph
// API. The Cloud API needs no QR pairing, so the session moves straight to
// ready once the access token checks out; the qr-received state is reserved
// for web-session transports behind the same boundary.
type CloudAPI struct {
	cfg    config.TransportConfig
	bus    domain.MessageBus
	events *bus.EventBus
	logger *slog.Logger
	client *http.Client
	mux    *http.ServeMux

	// Chats that have initiated a conversation. Resolution only succeeds
	// for these; everything else takes the direct-send fallback.
	mu      sync.RWMutex
	known   map[string]bool
	lastMsg map[string]string
}

type CloudAPIConfig struct {
	Config config.TransportConfig
	Events *bus.EventBus
	Logger *slog.Logger
}

func NewCloudAPI(cfg CloudAPIConfig) *CloudAPI {
	return &CloudAPI{
		cfg:     cfg.Config,
		events:  cfg.Events,
		logger:  cfg.Logger,
		client:  &http.Client{Timeout: 30 * time.Second},
		known:   make(map[string]bool),
		lastMsg: make(map[string]string),
	}
}

func (t *CloudAPI) Name() string { return "whatsapp" }

func (t *CloudAPI) Start(ctx context.Context, mbus domain.MessageBus) error {
	t.bus = mbus

	t.mux = http.NewServeMux()
	webhookPath := t.cfg.WebhookPath
	if webhookPath == "" {
		webhookPath = "/webhook/whatsapp"
	}
	t.mux.HandleFunc("GET "+webhookPath, t.handleVerification)
	t.mux.HandleFunc("POST "+webhookPath, t.handleIncoming)

	if t.cfg.AccessToken == "" || t.cfg.PhoneNumberID == "" {
		t.setStatus(domain.StatusAuthFailure)
		return fmt.Errorf("whatsapp transport: accessToken and phoneNumberId are required")
	}

	t.setStatus(domain.StatusAuthenticated)
	if err := t.checkCredentials(ctx); err != nil {
		t.setStatus(domain.StatusAuthFailure)
		return fmt.Errorf("whatsapp transport: %w", err)
	}

	t.setStatus(domain.StatusReady)
	t.logger.Info("whatsapp transport ready", "webhook", webhookPath)
	return nil
}

func (t *CloudAPI) Stop() error {
	t.setStatus(domain.StatusOffline)
	return nil
}

// Handler returns the webhook handler to be mounted on the main HTTP server.
func (t *CloudAPI) Handler() http.Handler {
	if t.mux == nil {
		return http.NotFoundHandler()
	}
	return t.mux
}

// --- domain.Transport delivery primitives ---

type conversation struct {
	id string
	t  *CloudAPI
}

func (c *conversation) ID() string { return c.id }

func (c *conversation) Send(ctx context.Context, text string) error {
	return c.t.sendMessage(ctx, c.id, text, "")
}

// Conversation resolves an identifier into an addressable conversation.
// Only chats that have initiated a conversation resolve; the Cloud API
// cannot open a thread with an unknown contact.
func (t *CloudAPI) Conversation(ctx context.Context, id string) (domain.Conversation, error) {
	key := stripAddressSuffix(id)
	t.mu.RLock()
	ok := t.known[key]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no conversation with %s", id)
	}
	return &conversation{id: id, t: t}, nil
}

func (t *CloudAPI) SendText(ctx context.Context, id string, text string) error {
	return t.sendMessage(ctx, id, text, "")
}

func (t *CloudAPI) Reply(ctx context.Context, msg domain.InboundMessage, text string) error {
	return t.sendMessage(ctx, msg.ChatID, text, msg.MessageID)
}

// SetComposing marks the last message read with a typing indicator.
func (t *CloudAPI) SetComposing(ctx context.Context, chatID string) error {
	t.mu.RLock()
	lastID := t.lastMessageID(stripAddressSuffix(chatID))
	t.mu.RUnlock()
	if lastID == "" {
		return nil
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        lastID,
		"typing_indicator":  map[string]string{"type": "text"},
	}
	return t.postMessages(ctx, payload)
}

// --- Webhook handlers ---

// handleVerification answers the webhook verification challenge.
func (t *CloudAPI) handleVerification(rw http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == t.cfg.VerifyToken {
		t.logger.Info("webhook verified")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(challenge))
		return
	}

	t.logger.Warn("webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

// handleIncoming publishes incoming text messages onto the pipeline.
func (t *CloudAPI) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	if t.cfg.AppSecret != "" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(rw, "Bad request", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		sig := r.Header.Get("X-Hub-Signature-256")
		if !t.verifySignature(body, sig) {
			t.logger.Warn("invalid webhook signature")
			http.Error(rw, "Forbidden", http.StatusForbidden)
			return
		}
	}

	var payload waPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		t.logger.Warn("bad webhook payload", "err", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Value.Messages == nil {
				continue
			}
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" || msg.Text == nil {
					continue
				}

				t.rememberChat(msg.From, msg.ID)

				t.logger.Info("message received",
					"from", msg.From, "text_len", len(msg.Text.Body))

				t.bus.Publish(domain.InboundMessage{
					Channel:   "whatsapp",
					ChatID:    msg.From,
					SenderID:  msg.From,
					Content:   msg.Text.Body,
					MessageID: msg.ID,
					IsGroup:   msg.GroupID != "",
					Timestamp: time.Now(),
				})
			}
		}
	}

	rw.WriteHeader(http.StatusOK)
}

// verifySignature checks the X-Hub-Signature-256 header.
func (t *CloudAPI) verifySignature(body []byte, signature string) bool {
	if len(signature) < 7 || signature[:7] != "sha256=" {
		return false
	}
	expected := signature[7:]

	mac := hmac.New(sha256.New, []byte(t.cfg.AppSecret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(computed))
}

// --- Graph API calls ---

// checkCredentials validates the access token against the phone number node.
func (t *CloudAPI) checkCredentials(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s", graphAPIBase, t.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.AccessToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("graph API not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("invalid access token")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graph API returned %d", resp.StatusCode)
	}
	return nil
}

// sendMessage sends a text, optionally as a contextual reply to replyToID.
func (t *CloudAPI) sendMessage(ctx context.Context, to, text, replyToID string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                stripAddressSuffix(to),
		"type":              "text",
		"text":              map[string]string{"body": text},
	}
	if replyToID != "" {
		payload["context"] = map[string]string{"message_id": replyToID}
	}
	return t.postMessages(ctx, payload)
}

func (t *CloudAPI) postMessages(ctx context.Context, payload map[string]any) error {
	url := fmt.Sprintf("%s/%s/messages", graphAPIBase, t.cfg.PhoneNumberID)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.cfg.AccessToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("graph API %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// --- chat bookkeeping ---

func (t *CloudAPI) rememberChat(chatID, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.known[chatID] = true
	t.lastMsg[chatID] = messageID
}

func (t *CloudAPI) lastMessageID(chatID string) string {
	return t.lastMsg[chatID]
}

func (t *CloudAPI) setStatus(status domain.SessionStatus) {
	t.events.Emit(bus.Event{
		Type:    bus.EventSessionStatus,
		Source:  "whatsapp",
		Payload: map[string]any{"status": string(status)},
	})
}

// stripAddressSuffix removes the "@c.us"-style suffix the relay appends; the
// Cloud API addresses recipients by bare number.
func stripAddressSuffix(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == '@' {
			return id[:i]
		}
	}
	return id
}

// --- Webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Messages         []waMessage `json:"messages"`
}

type waMessage struct {
	From    string  `json:"from"`
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	GroupID string  `json:"group_id,omitempty"`
	Text    *waText `json:"text,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}
