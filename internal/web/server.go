// Package web serves the operator status page: session state, the pairing
// QR when one is pending, and a live push channel over websocket.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"qabridge/internal/metrics"
	"qabridge/internal/session"
)

//go:embed templates/*.html
var templateFS embed.FS

// WSMessage is the JSON protocol pushed to status page clients.
type WSMessage struct {
	Type   string `json:"type"`             // "status" | "qr"
	Status string `json:"status,omitempty"` // session status value
	QR     string `json:"qr,omitempty"`     // PNG data URL
}

// Server hosts the status page, the transport webhook, and auxiliary
// endpoints (/status, /metrics when enabled).
type Server struct {
	host     string
	port     int
	session  *session.Manager
	webhook  http.Handler
	path     string // webhook mount path
	metrics  string // metrics endpoint, empty when disabled
	logger   *slog.Logger
	server   *http.Server
	tmpl     *htmltemplate.Template
	version  string

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the page is served on localhost by default
	},
}

type ServerConfig struct {
	Host            string
	Port            int
	Session         *session.Manager
	Webhook         http.Handler // transport webhook, mounted as-is
	WebhookPath     string
	MetricsEndpoint string // empty disables the metrics endpoint
	Logger          *slog.Logger
	Version         string
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	tmpl := htmltemplate.Must(htmltemplate.ParseFS(templateFS, "templates/*.html"))
	return &Server{
		host:    cfg.Host,
		port:    cfg.Port,
		session: cfg.Session,
		webhook: cfg.Webhook,
		path:    cfg.WebhookPath,
		metrics: cfg.MetricsEndpoint,
		logger:  cfg.Logger,
		tmpl:    tmpl,
		version: cfg.Version,
		clients: make(map[*wsClient]bool),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleIndex)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /ws", s.handleUpgrade)
	if s.webhook != nil && s.path != "" {
		mux.Handle(s.path, s.webhook)
	}
	if s.metrics != "" {
		mux.HandleFunc("GET "+s.metrics, metrics.Collector.Handler())
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Relay session changes to connected clients.
	updates, cancel := s.session.Subscribe()
	defer cancel()
	go func() {
		for u := range updates {
			s.broadcast(u)
		}
	}()

	s.logger.Info("web server starting", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.closeAllClients()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleIndex(rw http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(rw, r)
		return
	}
	err := s.tmpl.ExecuteTemplate(rw, "status.html", map[string]any{
		"Version": s.version,
	})
	if err != nil {
		s.logger.Error("template render failed", "err", err)
	}
}

// handleStatus reports the session state as JSON.
func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]any{
		"status":  string(s.session.Status()),
		"has_qr":  s.session.QR() != "",
		"version": s.version,
		"uptime":  metrics.Collector.Uptime().Round(time.Second).String(),
	})
}

func (s *Server) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	client := &wsClient{conn: conn}
	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()
	metrics.WSConnections.Inc()

	s.logger.Info("status client connected", "remote", r.RemoteAddr)

	// Current state first so a late subscriber never misses the QR.
	if qr := s.session.QR(); qr != "" {
		client.send(WSMessage{Type: "qr", QR: qr})
	}
	client.send(WSMessage{Type: "status", Status: string(s.session.Status())})

	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		metrics.WSConnections.Dec()
		conn.Close()
		s.logger.Info("status client disconnected", "remote", r.RemoteAddr)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Warn("invalid websocket message", "err", err)
			continue
		}

		// The only client-initiated request is re-sending the QR.
		if msg.Type == "requestQR" {
			if qr := s.session.QR(); qr != "" {
				client.send(WSMessage{Type: "qr", QR: qr})
			} else {
				client.send(WSMessage{Type: "status", Status: string(s.session.Status())})
			}
		}
	}
}

func (s *Server) broadcast(u session.Update) {
	var msg WSMessage
	switch u.Type {
	case "qr":
		msg = WSMessage{Type: "qr", QR: u.QR}
	default:
		msg = WSMessage{Type: "status", Status: string(u.Status)}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for client := range s.clients {
		if err := client.send(msg); err != nil {
			s.logger.Debug("websocket write failed", "err", err)
		}
	}
}

func (s *Server) closeAllClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		client.conn.Close()
		delete(s.clients, client)
	}
}
