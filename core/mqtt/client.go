package mqtt

import "context"

// MessageHandler receives the raw topic and payload of an inbound message.
type MessageHandler func(topic string, payload []byte)

// Subscriber manages topic subscriptions on the broker session.
type Subscriber interface {
	IsConnected() bool
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
}

// Publisher sends a payload and returns once the broker accepted it at the
// requested QoS, or the context ends.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// Client is the broker session used by the service.
type Client interface {
	Subscriber
	Publisher
	Start(ctx context.Context) error
	Stop() error
}
