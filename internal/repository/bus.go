package repository

// MessageBus publishes settlement and payment events to whatever broker the
// deployment runs (NATS in production, a recording fake in tests).
type MessageBus interface {
	Publish(topic string, data []byte) error
}
