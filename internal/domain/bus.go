package domain

// MessageBus is the inbound pipeline between the transport glue and the
// router. Outbound delivery goes through the relay gateway instead, because
// delivery outcomes matter to the routing sequence.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	Close()
}
