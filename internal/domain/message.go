package domain

import "time"

type InboundMessage struct {
	Channel   string
	ChatID    string
	SenderID  string
	Content   string
	MessageID string
	IsGroup   bool
	Timestamp time.Time
}
