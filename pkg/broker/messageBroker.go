package broker

import "context"

// Message is one publish request. Topic names the Pub/Sub topic or the
// RabbitMQ routing key; Key orders messages within a topic.
type Message struct {
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
}

// MessageBroker defines the operations to publish messages to a broker.
type MessageBroker interface {
	// Publish sends the message to its topic with optional headers.
	Publish(ctx context.Context, msg *Message) error
	// Close cleans up any resources (connections).
	Close() error
}

const tracerName = "jobqueue"
