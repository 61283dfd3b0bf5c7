// Package inbound polls the SMS gateway for new messages, de-identifies the
// sender addresses, and publishes them to the bus.
package inbound

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"go.nookbridge.tech/internal/common/metrics"
	"go.nookbridge.tech/internal/event"
	"go.nookbridge.tech/internal/identity"
	"go.nookbridge.tech/internal/queue"
	"go.nookbridge.tech/internal/rapidpro"
	"go.nookbridge.tech/internal/watermark"
)

// Gateway is the fetch side of the SMS gateway.
type Gateway interface {
	GetMessages(ctx context.Context, createdAfterInclusive *time.Time) ([]rapidpro.Message, error)
}

// Config controls poll pacing and retry behavior.
type Config struct {
	// RetrySchedule is the wait before each transient fetch retry. Once the
	// schedule is exhausted the poller fails.
	RetrySchedule []time.Duration

	// IdleSlices and IdleSliceDuration shape the pause between poll cycles.
	// The pause is sliced so stop requests and dispatcher failures are
	// noticed promptly.
	IdleSlices        int
	IdleSliceDuration time.Duration
}

// DefaultConfig returns the production schedule: roughly a minute of retries
// and a five-second idle between cycles.
func DefaultConfig() *Config {
	return &Config{
		RetrySchedule: []time.Duration{
			100 * time.Millisecond,
			500 * time.Millisecond,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
			32 * time.Second,
		},
		IdleSlices:        50,
		IdleSliceDuration: 100 * time.Millisecond,
	}
}

// Poller transfers gateway messages to the bus, advancing a persistent
// watermark after each cycle.
type Poller struct {
	gateway   Gateway
	table     *identity.Table
	publisher queue.Publisher
	store     *watermark.Store
	config    *Config

	// healthCheck is consulted while idling; a non-nil result terminates the
	// poller so a failed dispatcher takes the whole bridge down.
	healthCheck func() error
}

// NewPoller creates a poller. healthCheck may be nil.
func NewPoller(gateway Gateway, table *identity.Table, publisher queue.Publisher,
	store *watermark.Store, config *Config, healthCheck func() error) *Poller {
	if config == nil {
		config = DefaultConfig()
	}
	return &Poller{
		gateway:     gateway,
		table:       table,
		publisher:   publisher,
		store:       store,
		config:      config,
		healthCheck: healthCheck,
	}
}

// Run polls until ctx is cancelled (returns nil) or a cycle fails
// terminally. The watermark must already exist; a missing token is a
// startup error, not something to paper over.
func (p *Poller) Run(ctx context.Context) error {
	lastUpdateTime, err := p.store.Read()
	if err != nil {
		return fmt.Errorf("failed to read sync token: %w", err)
	}

	log.Info().Time("lastUpdateTime", lastUpdateTime).Msg("Starting inbound polling")

	for {
		beforeExec := time.Now().UTC()

		if _, err := p.transfer(ctx, lastUpdateTime); err != nil {
			return err
		}

		// The watermark is taken before the fetch, so a message created
		// during the fetch is picked up again next cycle. The inclusive
		// boundary can re-deliver; downstream ingest tolerates duplicates.
		lastUpdateTime = beforeExec
		if err := p.store.Write(beforeExec); err != nil {
			return err
		}

		if err := p.idle(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// transfer fetches messages created at or after since and publishes each as a
// de-identified event. Transient fetch errors are retried on the schedule.
func (p *Poller) transfer(ctx context.Context, since time.Time) (int, error) {
	log.Info().Msg("Get messages")

	var messages []rapidpro.Message
	retryCount := 0
	for {
		var err error
		messages, err = p.gateway.GetMessages(ctx, &since)
		if err == nil {
			break
		}
		if !rapidpro.Transient(err) || ctx.Err() != nil {
			return 0, err
		}
		if retryCount >= len(p.config.RetrySchedule) {
			return 0, err
		}

		wait := p.config.RetrySchedule[retryCount]
		log.Warn().Err(err).Dur("wait", wait).Msg("Get messages failed, will retry")
		metrics.InboundFetchRetries.Inc()
		retryCount++

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	metrics.InboundMessagesPolled.Add(float64(len(messages)))

	processed := 0
	for _, msg := range messages {
		if err := p.publish(ctx, msg); err != nil {
			return processed, err
		}
		processed++
	}
	log.Info().Int("count", processed).Msg("Processed messages")
	return processed, nil
}

func (p *Poller) publish(ctx context.Context, msg rapidpro.Message) error {
	log.Info().
		Time("createdOn", msg.CreatedOn).
		Str("direction", msg.Direction).
		Msg("Processing message")

	token, err := p.table.Resolve(ctx, msg.URN)
	if err != nil {
		return err
	}

	data, err := event.Encode(&event.SMSFromRapidPro{
		Action: event.ActionSMSFromRapidPro,
		SMSRaw: event.SMSRaw{
			DeidentifiedPhoneNumber: token,
			CreatedOn:               msg.CreatedOn.Format(time.RFC3339Nano),
			Text:                    msg.Text,
			Direction:               msg.Direction,
		},
	})
	if err != nil {
		return err
	}

	if err := p.publisher.Publish(ctx, data); err != nil {
		return err
	}
	metrics.InboundEventsPublished.Inc()
	return nil
}

// idle sleeps between cycles in short slices, checking for cancellation and
// dispatcher failure on each slice.
func (p *Poller) idle(ctx context.Context) error {
	for i := 0; i < p.config.IdleSlices; i++ {
		if p.healthCheck != nil {
			if err := p.healthCheck(); err != nil {
				return fmt.Errorf("dispatcher failed: %w", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.config.IdleSliceDuration):
		}
	}
	return nil
}
