// Package queue defines the broker-agnostic pub/sub interfaces used by the
// bridge. Implementations live in subpackages (NATS JetStream today).
package queue

import (
	"context"
	"fmt"
)

// Message is a single delivered pub/sub message.
//
// Handlers must call exactly one of Ack or Nak. A nacked message returns to
// the broker for redelivery.
type Message interface {
	// ID returns the broker-assigned message ID.
	ID() string

	// Data returns the message payload.
	Data() []byte

	// Ack acknowledges successful processing.
	Ack() error

	// Nak negatively acknowledges the message so it is redelivered later.
	Nak() error
}

// Handler processes one delivered message. The broker may invoke it from
// multiple goroutines concurrently; callers that need ordering must wrap the
// handler in a sequencer.
type Handler func(msg Message)

// Publisher publishes messages to a single topic.
type Publisher interface {
	// Publish sends data to the topic and waits for broker confirmation.
	Publish(ctx context.Context, data []byte) error

	Close() error
}

// Subscription is an active consumer on a topic subscription.
type Subscription interface {
	// Wait blocks until Cancel is called or the delivery stream fails.
	Wait() error

	// Cancel stops delivery. An in-flight handler invocation completes;
	// cancellation takes effect at the next delivery boundary. Wait returns
	// after Cancel.
	Cancel()
}

// Client connects to the broker and creates publishers and subscriptions.
type Client interface {
	// Publisher returns a publisher for the logical topic, creating the
	// topic if it does not exist.
	Publisher(ctx context.Context, topic string) (Publisher, error)

	// Subscribe creates (if needed) the subscription for the logical topic
	// and starts delivering messages to handler.
	Subscribe(ctx context.Context, topic, subscription string, handler Handler) (Subscription, error)

	Close() error
}

// TopicPath derives the physical topic name from the project ID and a
// logical topic name.
func TopicPath(projectID, topic string) string {
	return fmt.Sprintf("projects/%s/topics/%s-%s", projectID, projectID, topic)
}

// SubscriptionPath derives the physical subscription name. The subscription
// argument is the logical name without the "-subscription" suffix.
func SubscriptionPath(projectID, subscription string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s-%s-subscription", projectID, projectID, subscription)
}
