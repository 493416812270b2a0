package domain

import "context"

// SessionStatus is the lifecycle state of the messaging session.
// It is owned by the session manager and only read by routing code.
type SessionStatus string

const (
	StatusOffline       SessionStatus = "offline"
	StatusQRReceived    SessionStatus = "qr-received"
	StatusAuthenticated SessionStatus = "authenticated"
	StatusReady         SessionStatus = "ready"
	StatusAuthFailure   SessionStatus = "auth_failure"
)

// Conversation is an addressable chat resolved by the transport.
type Conversation interface {
	ID() string
	Send(ctx context.Context, text string) error
}

// Transport is the messaging collaborator boundary (send/receive primitives).
// Implementations publish inbound messages on the MessageBus and emit session
// lifecycle events on the event bus.
type Transport interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error

	// Conversation resolves an identifier into an addressable conversation.
	// Resolution can fail for contacts that have never initiated a chat;
	// callers fall back to SendText.
	Conversation(ctx context.Context, id string) (Conversation, error)

	// SendText delivers directly by raw identifier, bypassing resolution.
	SendText(ctx context.Context, id string, text string) error

	// Reply answers an inbound message in its originating chat.
	Reply(ctx context.Context, msg InboundMessage, text string) error

	// SetComposing shows a typing indicator in the given chat. Best-effort.
	SetComposing(ctx context.Context, chatID string) error
}
