package domain

import (
	"context"
	"time"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (single node) or NATS (multi node).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// QueueSubscriber is implemented by buses that can share a topic across a
// named group so each message reaches only one member of the group.
type QueueSubscriber interface {
	QueueSubscribe(ctx context.Context, topic, queue string, handler MessageHandler) (Subscription, error)
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `koanf:"type"`

	// Channel settings
	ChannelBufferSize int `koanf:"channel_buffer_size"`

	// NATS settings
	NATSUrl           string `koanf:"nats_url"`
	NATSToken         string `koanf:"nats_token"`
	NATSMaxReconnects int    `koanf:"nats_max_reconnects"`
	NATSReconnectWait int    `koanf:"nats_reconnect_wait"` // seconds
}

// Standard topic names for the model lifecycle.
const (
	TopicModelPublished    = "kestrel.model.published"
	TopicTrainingRequested = "kestrel.training.requested"
	TopicTrainingCompleted = "kestrel.training.completed"
)

// TrainingQueueGroup is the queue group shared by training workers on all replicas.
const TrainingQueueGroup = "kestrel-training"

// ModelPublishedEvent is emitted after an artifact becomes visible in the catalog.
type ModelPublishedEvent struct {
	ID          string    `json:"id"`
	Type        ModelType `json:"type"`
	Version     string    `json:"version"`
	PublishedAt time.Time `json:"publishedAt"`
}

// TrainingRequest asks the training worker to refit a model type.
type TrainingRequest struct {
	RequestID string        `json:"requestId"`
	Type      ModelType     `json:"type"`
	Batch     TrainingBatch `json:"batch"`
}

// TrainingCompletedEvent reports the outcome of a TrainingRequest.
type TrainingCompletedEvent struct {
	RequestID string    `json:"requestId"`
	Type      ModelType `json:"type"`
	ModelID   string    `json:"modelId,omitempty"`
	Error     string    `json:"error,omitempty"`
}
