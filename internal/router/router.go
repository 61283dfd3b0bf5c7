// Package router processes commands from the bus: send actions are rewritten
// onto the outgoing topic, opinion actions are applied to the conversation
// store. The action set is closed; anything else is fatal.
package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"go.nookbridge.tech/internal/common/metrics"
	"go.nookbridge.tech/internal/event"
	"go.nookbridge.tech/internal/opinion"
	"go.nookbridge.tech/internal/queue"
)

// knownOpinionNamespaces is the set add_opinion may target. Narrower than the
// reactor set: raw SMS ingest and suggested replies are not writable from the
// command surface.
var knownOpinionNamespaces = map[string]struct{}{
	"nook_conversations/add_tags":    {},
	"nook_conversations/remove_tags": {},
	"nook_conversations/set_notes":   {},
	"nook_conversations/set_unread":  {},
	"nook_messages/add_tags":         {},
	"nook_messages/remove_tags":      {},
	"nook_messages/set_translation":  {},
}

// OpinionStore applies namespaced opinion writes.
type OpinionStore interface {
	Apply(ctx context.Context, namespace string, op opinion.Opinion) error
}

// Config controls router behavior.
type Config struct {
	// StoreEnabled selects between the full router and a relay-only
	// deployment. With the store disabled, opinion and ingest actions are
	// fatal rather than silently dropped.
	StoreEnabled bool
}

// Router handles command messages. Handle is intended to run under a
// sequencer, so a returned error halts the stream.
type Router struct {
	outgoing queue.Publisher
	store    OpinionStore
	config   Config
}

// New creates a router. store may be nil when cfg.StoreEnabled is false.
func New(outgoing queue.Publisher, store OpinionStore, cfg Config) *Router {
	return &Router{outgoing: outgoing, store: store, config: cfg}
}

// Handle processes one command message, acking it on success.
func (r *Router) Handle(ctx context.Context, msg queue.Message) error {
	action, payload, err := event.DecodeAction(msg.Data())
	if err != nil {
		return err
	}
	log.Info().Str("action", action).RawJSON("payload", payload).Msg("Processing command")

	switch action {
	case event.ActionSendToMultiIDs:
		err = r.handleSendToMultiIDs(ctx, payload)
	case event.ActionSendMessagesToIDs:
		err = r.handleSendMessagesToIDs(ctx, payload)
	case event.ActionAddOpinion:
		err = r.handleAddOpinion(ctx, payload)
	case event.ActionSMSFromRapidPro:
		err = r.handleSMSFromRapidPro(ctx, payload)
	default:
		err = fmt.Errorf("unknown action: %s", action)
	}
	if err != nil {
		metrics.RouterCommandsProcessed.WithLabelValues(action, "failed").Inc()
		return err
	}

	log.Debug().Str("messageId", msg.ID()).Msg("Acking message")
	if err := msg.Ack(); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	metrics.RouterCommandsProcessed.WithLabelValues(action, "success").Inc()
	log.Info().Str("action", action).Msg("Done")
	return nil
}

func (r *Router) handleSendToMultiIDs(ctx context.Context, payload json.RawMessage) error {
	var cmd event.SendToMultiIDs
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("failed to decode %s: %w", event.ActionSendToMultiIDs, err)
	}
	if err := cmd.Validate(); err != nil {
		return err
	}

	log.Info().Int("ids", len(cmd.IDs)).Bool("audit", true).Msg("send_sms")
	return r.publishSend(ctx, cmd.IDs, []string{cmd.Message})
}

func (r *Router) handleSendMessagesToIDs(ctx context.Context, payload json.RawMessage) error {
	var cmd event.SendMessagesToIDs
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("failed to decode %s: %w", event.ActionSendMessagesToIDs, err)
	}
	if err := cmd.Validate(); err != nil {
		return err
	}

	log.Info().Int("ids", len(cmd.IDs)).Int("messages", len(cmd.Messages)).
		Bool("audit", true).Msg("send_sms")
	return r.publishSend(ctx, cmd.IDs, cmd.Messages)
}

func (r *Router) publishSend(ctx context.Context, ids, messages []string) error {
	data, err := event.Encode(&event.SendMessages{
		Action:   event.ActionSendMessages,
		IDs:      ids,
		Messages: messages,
	})
	if err != nil {
		return err
	}
	return r.outgoing.Publish(ctx, data)
}

func (r *Router) handleAddOpinion(ctx context.Context, payload json.RawMessage) error {
	if !r.config.StoreEnabled {
		return fmt.Errorf("%s received but the store is disabled", event.ActionAddOpinion)
	}

	var cmd event.AddOpinion
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("failed to decode %s: %w", event.ActionAddOpinion, err)
	}
	if err := cmd.Validate(); err != nil {
		return err
	}
	if _, ok := knownOpinionNamespaces[cmd.Namespace]; !ok {
		return fmt.Errorf("opinion write for unknown namespace: %s", cmd.Namespace)
	}

	log.Info().Str("namespace", cmd.Namespace).Bool("audit", true).Msg("add_opinion")

	// The writer identity travels inside the opinion itself so the store
	// keeps an attribution trail.
	op := make(opinion.Opinion, len(cmd.Opinion)+2)
	for k, v := range cmd.Opinion {
		op[k] = v
	}
	op["_authenticatedUserEmail"] = cmd.AuthenticatedUserEmail
	op["_authenticatedUserDisplayName"] = cmd.AuthenticatedUserDisplayName

	return r.store.Apply(ctx, cmd.Namespace, op)
}

func (r *Router) handleSMSFromRapidPro(ctx context.Context, payload json.RawMessage) error {
	if !r.config.StoreEnabled {
		return fmt.Errorf("%s received but the store is disabled", event.ActionSMSFromRapidPro)
	}

	var cmd struct {
		SMSRaw map[string]any `json:"sms_raw"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("failed to decode %s: %w", event.ActionSMSFromRapidPro, err)
	}
	if cmd.SMSRaw == nil {
		return fmt.Errorf("%s: missing sms_raw", event.ActionSMSFromRapidPro)
	}

	return r.store.Apply(ctx, "sms_raw_msg", opinion.Opinion(cmd.SMSRaw))
}
