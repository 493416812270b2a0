// Package relay performs outbound delivery through the messaging transport.
// Delivery failures never propagate as errors: each primitive reports a
// boolean outcome and logs the details, so a dead contact cannot take down
// a routing sequence.
package relay

import (
	"context"
	"log/slog"
	"strings"

	"qabridge/internal/domain"
	"qabridge/internal/metrics"
)

// Gateway sends texts to conversations with a two-step delivery strategy:
// resolve the target into the transport's addressable-conversation form and
// send, then fall back to one direct send by raw identifier. The fallback
// exists because resolution is unreliable for contacts that have never
// initiated a conversation.
type Gateway struct {
	transport domain.Transport
	suffix    string
	logger    *slog.Logger
}

type GatewayConfig struct {
	Transport     domain.Transport
	AddressSuffix string // e.g. "@c.us", appended to bare numeric targets
	Logger        *slog.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	return &Gateway{
		transport: cfg.Transport,
		suffix:    cfg.AddressSuffix,
		logger:    cfg.Logger,
	}
}

// Address normalizes a target identifier into addressable form.
func (g *Gateway) Address(target string) string {
	if g.suffix == "" || strings.Contains(target, "@") {
		return target
	}
	return target + g.suffix
}

// Deliver sends text to target, trying conversation resolution first and one
// direct send second. Returns whether any path succeeded.
func (g *Gateway) Deliver(ctx context.Context, target, text string) bool {
	addr := g.Address(target)
	metrics.DeliveriesTotal.Inc()

	conv, err := g.transport.Conversation(ctx, addr)
	if err == nil {
		err = conv.Send(ctx, text)
		if err == nil {
			return true
		}
	}

	g.logger.Warn("resolved delivery failed, trying direct send",
		"target", addr, "err", err)
	metrics.DeliveryFallbacks.Inc()

	if err := g.transport.SendText(ctx, addr, text); err != nil {
		metrics.DeliveryFailures.Inc()
		g.logger.Error("delivery failed on both paths", "target", addr, "err", err)
		return false
	}
	return true
}

// Reply answers an inbound message in its originating chat, falling back to
// a plain delivery to the sender if the reply primitive fails.
func (g *Gateway) Reply(ctx context.Context, msg domain.InboundMessage, text string) bool {
	err := g.transport.Reply(ctx, msg, text)
	if err == nil {
		return true
	}
	g.logger.Warn("reply failed, delivering to sender directly",
		"chat", msg.ChatID, "err", err)
	return g.Deliver(ctx, msg.ChatID, text)
}

// Composing shows a typing indicator in the chat. Failures are ignored.
func (g *Gateway) Composing(ctx context.Context, chatID string) {
	if err := g.transport.SetComposing(ctx, chatID); err != nil {
		g.logger.Debug("composing indicator failed", "chat", chatID, "err", err)
	}
}
