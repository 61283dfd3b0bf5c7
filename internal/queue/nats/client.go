// Package nats provides the NATS JetStream implementation of the queue
// interfaces. Each logical topic is backed by a JetStream stream; each
// subscription is a durable consumer with explicit acks.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"go.nookbridge.tech/internal/common/metrics"
	"go.nookbridge.tech/internal/queue"
)

// Config holds NATS client configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// ProjectID is used to derive physical topic and subscription names.
	ProjectID string

	// Workers is the number of delivery goroutines per subscription.
	Workers int

	// PublishTimeout bounds the wait for a publish confirmation.
	PublishTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		URL:            nats.DefaultURL,
		Workers:        4,
		PublishTimeout: 30 * time.Second,
	}
}

// Client connects to NATS and creates publishers and subscriptions.
type Client struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config *Config
}

// NewClient connects to the NATS server.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 30 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	log.Info().Str("url", cfg.URL).Str("projectId", cfg.ProjectID).Msg("Connected to NATS")

	return &Client{nc: nc, js: js, config: cfg}, nil
}

// Connection returns the underlying NATS connection for health checks.
func (c *Client) Connection() *nats.Conn {
	return c.nc
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	c.nc.Close()
	return nil
}

// streamName maps a logical topic to a JetStream stream name.
func streamName(topic string) string {
	return strings.ToUpper(strings.ReplaceAll(topic, "-", "_"))
}

// subjectFor maps the physical topic path to a NATS subject. Subjects use
// dot-separated tokens, so path separators are rewritten.
func subjectFor(projectID, topic string) string {
	return strings.ReplaceAll(queue.TopicPath(projectID, topic), "/", ".")
}

// durableFor maps the physical subscription path to a durable consumer name.
// Durable names may not contain dots or path separators.
func durableFor(projectID, subscription string) string {
	return strings.ReplaceAll(queue.SubscriptionPath(projectID, subscription), "/", "-")
}

// ensureStream creates the stream for the topic if it does not exist.
func (c *Client) ensureStream(ctx context.Context, topic string) (jetstream.Stream, error) {
	name := streamName(topic)
	subject := subjectFor(c.config.ProjectID, topic)

	stream, err := c.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err == nil {
		log.Debug().Str("stream", name).Str("subject", subject).Msg("Stream created")
		return stream, nil
	}
	if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return c.js.Stream(ctx, name)
	}
	return nil, fmt.Errorf("failed to create stream %s: %w", name, err)
}

// Publisher returns a publisher for the logical topic, creating the backing
// stream if necessary.
func (c *Client) Publisher(ctx context.Context, topic string) (queue.Publisher, error) {
	if _, err := c.ensureStream(ctx, topic); err != nil {
		return nil, err
	}
	return &publisher{
		js:      c.js,
		subject: subjectFor(c.config.ProjectID, topic),
		timeout: c.config.PublishTimeout,
	}, nil
}

type publisher struct {
	js      jetstream.JetStream
	subject string
	timeout time.Duration
}

// Publish sends data and waits for the JetStream ack.
func (p *publisher) Publish(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if _, err := p.js.Publish(ctx, p.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.subject, err)
	}
	metrics.QueueMessagesPublished.WithLabelValues(p.subject).Inc()
	return nil
}

func (p *publisher) Close() error {
	return nil
}

// Subscribe creates the durable consumer for the subscription (if needed) and
// starts delivering messages to handler on the configured worker pool.
//
// Workers pull messages from a shared channel in broker order, but may
// interleave before reaching handler code; callers needing strict ordering
// wrap handler in a sequencer.
func (c *Client) Subscribe(ctx context.Context, topic, subscription string, handler queue.Handler) (queue.Subscription, error) {
	stream, err := c.ensureStream(ctx, topic)
	if err != nil {
		return nil, err
	}

	durable := durableFor(c.config.ProjectID, subscription)
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:   durable,
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   60 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", durable, err)
	}

	it, err := cons.Messages(jetstream.PullMaxMessages(c.config.Workers))
	if err != nil {
		return nil, fmt.Errorf("failed to start message iterator: %w", err)
	}

	sub := &natsSubscription{
		it:   it,
		done: make(chan struct{}),
	}

	deliveries := make(chan jetstream.Msg)

	for i := 0; i < c.config.Workers; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for msg := range deliveries {
				metrics.QueueMessagesConsumed.WithLabelValues(durable).Inc()
				handler(&natsMessage{msg: msg})
			}
		}()
	}

	go func() {
		for {
			msg, err := it.Next()
			if err != nil {
				if !errors.Is(err, jetstream.ErrMsgIteratorClosed) {
					sub.setErr(err)
					log.Error().Err(err).Str("subscription", durable).Msg("Subscription stream error")
				}
				close(deliveries)
				sub.wg.Wait()
				close(sub.done)
				return
			}
			deliveries <- msg
		}
	}()

	log.Info().Str("topic", topic).Str("durable", durable).Msg("Subscribed")
	return sub, nil
}

type natsSubscription struct {
	it   jetstream.MessagesContext
	wg   sync.WaitGroup
	done chan struct{}

	errMu sync.Mutex
	err   error
}

func (s *natsSubscription) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Wait blocks until Cancel is called or the delivery stream fails.
func (s *natsSubscription) Wait() error {
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Cancel stops delivery at the next boundary; in-flight handlers complete.
func (s *natsSubscription) Cancel() {
	s.it.Stop()
}

// natsMessage adapts jetstream.Msg to queue.Message.
type natsMessage struct {
	msg jetstream.Msg
}

func (m *natsMessage) ID() string {
	meta, err := m.msg.Metadata()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
}

func (m *natsMessage) Data() []byte {
	return m.msg.Data()
}

func (m *natsMessage) Ack() error {
	return m.msg.Ack()
}

func (m *natsMessage) Nak() error {
	return m.msg.Nak()
}
