// Package outbound consumes send_messages commands, resolves de-identified
// tokens back to gateway addresses, and delivers the texts through the SMS
// gateway with gated retries.
package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"go.nookbridge.tech/internal/common/metrics"
	"go.nookbridge.tech/internal/event"
	"go.nookbridge.tech/internal/identity"
	"go.nookbridge.tech/internal/queue"
	"go.nookbridge.tech/internal/rapidpro"
)

// Gateway is the send side of the SMS gateway.
type Gateway interface {
	SendBroadcast(ctx context.Context, text string, urns []string, interrupt bool) error
}

// Config controls grouping and the retry gate.
type Config struct {
	// GroupSize is the maximum recipients per gateway send.
	GroupSize int

	// RetrySchedule is the wait before each retry of a failed group send.
	// Deliberately slow so an operator can intervene before recipients get
	// spammed when the gateway lies about delivery.
	RetrySchedule []time.Duration

	// MaxRetryGroupSize disables retries for groups larger than this; a
	// large batch that failed may have partially sent.
	MaxRetryGroupSize int

	// FailureWindowSpan and FailureLimit bound the global failure density:
	// at FailureLimit failures inside the span, retrying stops and the
	// dispatcher fails instead.
	FailureWindowSpan time.Duration
	FailureLimit      int
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		GroupSize: 100,
		RetrySchedule: []time.Duration{
			4 * time.Second,
			16 * time.Second,
			32 * time.Second,
		},
		MaxRetryGroupSize: 15,
		FailureWindowSpan: 5 * time.Minute,
		FailureLimit:      10,
	}
}

// Dispatcher handles send_messages commands. Handle is intended to run under
// a sequencer, so a returned error halts the stream.
type Dispatcher struct {
	gateway Gateway
	table   *identity.Table
	config  *Config
	window  *FailureWindow
	now     func() time.Time
	sleep   func(time.Duration)
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(gateway Gateway, table *identity.Table, config *Config) *Dispatcher {
	if config == nil {
		config = DefaultConfig()
	}
	return &Dispatcher{
		gateway: gateway,
		table:   table,
		config:  config,
		window:  NewFailureWindow(config.FailureWindowSpan),
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// Handle processes one bus message. The message is acked only after every
// (group, text) pair has been sent; any error propagates unacked.
func (d *Dispatcher) Handle(ctx context.Context, msg queue.Message) error {
	action, payload, err := event.DecodeAction(msg.Data())
	if err != nil {
		return err
	}
	if action != event.ActionSendMessages {
		return fmt.Errorf("unknown action: %s", action)
	}

	var cmd event.SendMessages
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("failed to decode %s: %w", action, err)
	}
	if err := cmd.Validate(); err != nil {
		return err
	}

	log.Info().Int("ids", len(cmd.IDs)).Int("messages", len(cmd.Messages)).
		Bool("audit", true).Msg("send_messages")

	mappings, err := d.table.LookupBatch(ctx, cmd.IDs)
	if err != nil {
		return err
	}

	urns := filterURNs(orderedValues(cmd.IDs, mappings))
	groups := splitGroups(urns, d.config.GroupSize)

	for groupNum, group := range groups {
		for _, text := range cmd.Messages {
			if err := d.sendWithRetry(ctx, text, group, groupNum+1); err != nil {
				return err
			}
		}
	}

	log.Debug().Msg("Acking message")
	if err := msg.Ack(); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	log.Info().Msg("Done send_messages")
	return nil
}

// sendWithRetry sends one text to one group, retrying transient failures
// while the retry gate holds.
func (d *Dispatcher) sendWithRetry(ctx context.Context, text string, urns []string, groupNum int) error {
	retryCount := 0
	for {
		log.Debug().Int("group", groupNum).Int("recipients", len(urns)).Msg("Sending group")

		err := d.gateway.SendBroadcast(ctx, text, urns, true)
		if err == nil {
			metrics.OutboundSends.WithLabelValues("success").Inc()
			log.Debug().Int("recipients", len(urns)).Msg("Sent group")
			return nil
		}

		// A rejected request means the payload itself is bad; retrying
		// cannot help and the payload must surface for diagnosis.
		if !rapidpro.Transient(err) {
			metrics.OutboundSends.WithLabelValues("failed").Inc()
			return fmt.Errorf("failed to send sms: %w", err)
		}

		now := d.now()
		d.window.Add(now)

		if len(urns) <= d.config.MaxRetryGroupSize &&
			retryCount < len(d.config.RetrySchedule) &&
			d.window.Size(now) < d.config.FailureLimit {
			wait := d.config.RetrySchedule[retryCount]
			log.Warn().Err(err).Msg("Send failed")
			log.Warn().Dur("wait", wait).Msg("Will retry send")
			metrics.OutboundSends.WithLabelValues("retried").Inc()
			d.sleep(wait)
			retryCount++
			continue
		}

		metrics.OutboundSends.WithLabelValues("failed").Inc()
		log.Warn().Int("retryCount", retryCount).Int("failureWindow", d.window.Size(now)).
			Msg("Failing send")
		return err
	}
}

// orderedValues returns mappings' values in the order of ids, skipping
// duplicates.
func orderedValues(ids []string, mappings map[string]string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if urn, ok := mappings[id]; ok {
			out = append(out, urn)
		}
	}
	return out
}

// filterURNs drops addresses the gateway is known to crash on.
func filterURNs(urns []string) []string {
	out := make([]string, 0, len(urns))
	for _, urn := range urns {
		if !strings.Contains(urn, "tel:+") {
			log.Warn().Str("urn", urn).Msg("Skipping send to bad urn")
			metrics.OutboundRecipientsSkipped.Inc()
			continue
		}
		out = append(out, urn)
	}
	return out
}

// splitGroups partitions urns into consecutive groups of at most size,
// preserving order. An empty input yields no groups.
func splitGroups(urns []string, size int) [][]string {
	var groups [][]string
	for start := 0; start < len(urns); start += size {
		end := start + size
		if end > len(urns) {
			end = len(urns)
		}
		groups = append(groups, urns[start:end])
	}
	return groups
}
