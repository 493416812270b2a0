// Package router is the message-routing core: it classifies each inbound
// direct message, drives the exchange with the QA backend, and triggers the
// sales escalation relay.
package router

import (
	"context"
	"log/slog"
	"time"

	"qabridge/internal/bus"
	"qabridge/internal/config"
	"qabridge/internal/domain"
	"qabridge/internal/escalation"
	"qabridge/internal/metrics"
)

const (
	defaultSettlingDelay = time.Second
	defaultConcurrency   = 5
)

// BackendClient is the QA backend boundary the router depends on.
type BackendClient interface {
	Answer(ctx context.Context, question, senderID string) (*domain.QuestionResult, error)
	SubmitPriceResponse(ctx context.Context, queryID, priceInfo string) (*domain.PriceResponseResult, error)
}

// Deliverer is the outbound delivery boundary (the relay gateway).
type Deliverer interface {
	Deliver(ctx context.Context, target, text string) bool
	Reply(ctx context.Context, msg domain.InboundMessage, text string) bool
	Composing(ctx context.Context, chatID string)
}

// Recorder archives routed traffic. All calls are best-effort.
type Recorder interface {
	RecordMessage(ctx context.Context, direction, channel, chatID, sender, body string) error
	RecordEscalation(ctx context.Context, queryID, customer, status string) error
}

// Router consumes the inbound pipeline and runs one routing sequence per
// message. Sequences from different senders interleave at network calls;
// there is no shared state across them beyond the escalation tracker.
type Router struct {
	backend       BackendClient
	relay         Deliverer
	tracker       *escalation.Tracker
	recorder      Recorder
	bus           domain.MessageBus
	events        *bus.EventBus
	logger        *slog.Logger
	salesContact  string
	prefix        string
	msgs          config.Messages
	settlingDelay time.Duration
	concurrency   int
}

// Config holds all dependencies and tuning parameters for the router.
type Config struct {
	Backend       BackendClient
	Relay         Deliverer
	Tracker       *escalation.Tracker
	Recorder      Recorder // optional
	Bus           domain.MessageBus
	Events        *bus.EventBus // optional
	Logger        *slog.Logger
	SalesContact  string
	Prefix        string
	Messages      config.Messages
	SettlingDelay time.Duration
	Concurrency   int
}

func New(cfg Config) *Router {
	if cfg.SettlingDelay <= 0 {
		cfg.SettlingDelay = defaultSettlingDelay
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Tracker == nil {
		cfg.Tracker = escalation.NewTracker()
	}
	return &Router{
		backend:       cfg.Backend,
		relay:         cfg.Relay,
		tracker:       cfg.Tracker,
		recorder:      cfg.Recorder,
		bus:           cfg.Bus,
		events:        cfg.Events,
		logger:        cfg.Logger,
		salesContact:  cfg.SalesContact,
		prefix:        cfg.Prefix,
		msgs:          cfg.Messages,
		settlingDelay: cfg.SettlingDelay,
		concurrency:   cfg.Concurrency,
	}
}

// Run consumes inbound messages and routes them with bounded concurrency.
func (r *Router) Run(ctx context.Context) {
	r.logger.Info("router started",
		"sales_contact", r.salesContact,
		"prefix", r.prefix,
		"concurrency", r.concurrency,
	)

	sem := make(chan struct{}, r.concurrency)
	inbound := r.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("router stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				r.logger.Info("inbound channel closed, router stopping")
				return
			}
			sem <- struct{}{}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				r.Route(ctx, m)
			}(msg)
		}
	}
}

// Route runs one routing sequence. Group-flagged messages are dropped with
// no side effects. Failures are terminal for this sequence only.
func (r *Router) Route(ctx context.Context, msg domain.InboundMessage) {
	if msg.IsGroup {
		metrics.GroupDropsTotal.Inc()
		return
	}

	metrics.MessagesTotal.Inc()
	r.logger.Info("message received",
		"sender", msg.SenderID,
		"content_len", len(msg.Content),
	)
	r.emit(bus.EventMessageReceived, map[string]any{"sender": msg.SenderID})
	r.record(ctx, "in", msg.Channel, msg.ChatID, msg.SenderID, msg.Content)

	if msg.SenderID == r.salesContact && escalation.IsCommand(msg.Content, r.prefix) {
		r.handleEscalation(ctx, msg)
		return
	}
	r.handleQuestion(ctx, msg)
}

// handleQuestion drives the ordinary-question path: ask the backend, forward
// to sales first when flagged, then answer the customer after the settling
// delay. The forward attempt happens-before the reply; a failed forward never
// blocks the reply.
func (r *Router) handleQuestion(ctx context.Context, msg domain.InboundMessage) {
	r.relay.Composing(ctx, msg.ChatID)

	start := time.Now()
	result, err := r.backend.Answer(ctx, msg.Content, msg.SenderID)
	metrics.BackendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BackendErrors.Inc()
		r.logger.Error("backend answer failed", "sender", msg.SenderID, "err", err)
		r.emit(bus.EventBackendError, map[string]any{"op": "answer"})
		r.reply(ctx, msg, r.msgs.Unavailable)
		return
	}

	if result.Status == domain.AnswerStatusPriceQuery {
		r.forwardToSales(ctx, msg, result)
	}

	// Settling delay: avoid replying faster than natural typing. One-shot,
	// does not block other routing sequences.
	time.Sleep(r.settlingDelay)

	if result.Answer == "" {
		metrics.ContractViolations.Inc()
		r.logger.Warn("backend response missing answer", "status", result.Status, "sender", msg.SenderID)
		r.reply(ctx, msg, r.msgs.ProcessingError)
		return
	}
	r.reply(ctx, msg, result.Answer)
	r.logger.Info("answer delivered", "sender", msg.SenderID)
}

// forwardToSales relays a backend-flagged price query to the sales contact.
func (r *Router) forwardToSales(ctx context.Context, msg domain.InboundMessage, result *domain.QuestionResult) {
	if result.ForwardTo == "" || result.ForwardMessage == "" {
		metrics.ContractViolations.Inc()
		r.logger.Warn("price_query missing forward fields, skipping forward",
			"sender", msg.SenderID,
			"has_target", result.ForwardTo != "",
			"has_message", result.ForwardMessage != "",
		)
		return
	}

	metrics.ForwardsTotal.Inc()
	r.tracker.Forwarded(msg.SenderID)
	r.emit(bus.EventEscalationForward, map[string]any{"customer": msg.SenderID})

	if !r.relay.Deliver(ctx, result.ForwardTo, result.ForwardMessage) {
		r.logger.Error("could not forward price query to sales contact", "target", result.ForwardTo)
		return
	}
	r.logger.Info("price query forwarded", "target", result.ForwardTo)
}

// handleEscalation drives the sales-agent reply path.
func (r *Router) handleEscalation(ctx context.Context, msg domain.InboundMessage) {
	cmd, err := escalation.Parse(msg.Content, r.prefix)
	if err != nil {
		metrics.EscalationsBad.Inc()
		r.logger.Warn("malformed escalation command", "content_len", len(msg.Content))
		r.reply(ctx, msg, r.msgs.EscalationUsage)
		return
	}

	metrics.EscalationsParsed.Inc()
	r.logger.Info("processing price response", "query_id", cmd.QueryID)

	result, err := r.backend.SubmitPriceResponse(ctx, cmd.QueryID, cmd.PriceInfo)
	if err != nil {
		metrics.BackendErrors.Inc()
		r.logger.Error("backend price response failed", "query_id", cmd.QueryID, "err", err)
		r.emit(bus.EventBackendError, map[string]any{"op": "price_response"})
		r.reply(ctx, msg, r.msgs.EscalationFailure)
		return
	}

	if result.Status != domain.PriceStatusSuccess {
		r.reply(ctx, msg, r.msgs.EscalationErrorPrefix+result.Message)
		return
	}

	// Confirm to the agent first; the optional customer delivery below is
	// best-effort and never undoes this confirmation.
	r.reply(ctx, msg, r.msgs.EscalationConfirmed)
	r.emit(bus.EventEscalationResolved, map[string]any{"query_id": cmd.QueryID})
	if r.recorder != nil {
		if err := r.recorder.RecordEscalation(ctx, cmd.QueryID, result.CustomerPhone, "resolved"); err != nil {
			r.logger.Warn("cannot archive escalation", "query_id", cmd.QueryID, "err", err)
		}
	}
	if wait, ok := r.tracker.Resolved(cmd.QueryID, result.CustomerPhone); ok {
		r.logger.Info("escalation resolved", "query_id", cmd.QueryID, "wait", wait)
	}

	if result.CustomerPhone == "" || result.Answer == "" {
		return
	}
	if !r.relay.Deliver(ctx, result.CustomerPhone, result.Answer) {
		r.logger.Error("could not deliver resolved answer to customer", "customer", result.CustomerPhone)
		return
	}
	r.logger.Info("resolved answer delivered to customer", "customer", result.CustomerPhone)
}

// reply sends text back into the originating chat and archives it.
func (r *Router) reply(ctx context.Context, msg domain.InboundMessage, text string) {
	if !r.relay.Reply(ctx, msg, text) {
		r.logger.Error("reply delivery failed", "chat", msg.ChatID)
		return
	}
	r.record(ctx, "out", msg.Channel, msg.ChatID, "bridge", text)
	r.emit(bus.EventMessageSent, map[string]any{"chat": msg.ChatID})
}

func (r *Router) record(ctx context.Context, direction, channel, chatID, sender, body string) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordMessage(ctx, direction, channel, chatID, sender, body); err != nil {
		r.logger.Warn("cannot archive message", "direction", direction, "err", err)
	}
}

func (r *Router) emit(eventType string, payload map[string]any) {
	if r.events == nil {
		return
	}
	r.events.Emit(bus.Event{Type: eventType, Source: "router", Payload: payload})
}
