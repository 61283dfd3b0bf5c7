package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Inbound poller metrics

	// InboundMessagesPolled tracks messages fetched from the SMS gateway
	InboundMessagesPolled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nookbridge",
			Subsystem: "inbound",
			Name:      "messages_polled_total",
			Help:      "Total messages fetched from the SMS gateway",
		},
	)

	// InboundEventsPublished tracks de-identified events published to the bus
	InboundEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nookbridge",
			Subsystem: "inbound",
			Name:      "events_published_total",
			Help:      "Total de-identified SMS events published",
		},
	)

	// InboundFetchRetries tracks transient fetch retries by attempt number
	InboundFetchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nookbridge",
			Subsystem: "inbound",
			Name:      "fetch_retries_total",
			Help:      "Total retried gateway fetches",
		},
	)

	// Outbound dispatcher metrics

	// OutboundSends tracks gateway send attempts by result
	OutboundSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nookbridge",
			Subsystem: "outbound",
			Name:      "sends_total",
			Help:      "Total gateway send attempts",
		},
		[]string{"result"}, // result: success, retried, failed
	)

	// OutboundRecipientsSkipped tracks recipients dropped by the address filter
	OutboundRecipientsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nookbridge",
			Subsystem: "outbound",
			Name:      "recipients_skipped_total",
			Help:      "Total recipients skipped by the tel address filter",
		},
	)

	// OutboundFailureWindow tracks unexpired failure tokens
	OutboundFailureWindow = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nookbridge",
			Subsystem: "outbound",
			Name:      "failure_window_size",
			Help:      "Number of unexpired failure tokens in the window",
		},
	)

	// Sequencer metrics

	// SequencerProcessed tracks messages handled by the sequencer
	SequencerProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nookbridge",
			Subsystem: "sequencer",
			Name:      "messages_processed_total",
			Help:      "Total messages handed to the sequenced handler",
		},
	)

	// SequencerNacks tracks messages nacked after a handler failure
	SequencerNacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nookbridge",
			Subsystem: "sequencer",
			Name:      "messages_nacked_total",
			Help:      "Total messages nacked after the sequencer halted",
		},
	)

	// Identity table metrics

	// IdentityCacheSize tracks cached identity mappings
	IdentityCacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nookbridge",
			Subsystem: "identity",
			Name:      "cache_size",
			Help:      "Number of cached identity mappings",
		},
		[]string{"table"},
	)

	// IdentityTokensCreated tracks newly minted tokens
	IdentityTokensCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nookbridge",
			Subsystem: "identity",
			Name:      "tokens_created_total",
			Help:      "Total new de-identification tokens created",
		},
		[]string{"table"},
	)

	// Router metrics

	// RouterCommandsProcessed tracks routed commands by action and result
	RouterCommandsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nookbridge",
			Subsystem: "router",
			Name:      "commands_processed_total",
			Help:      "Total commands processed by the router",
		},
		[]string{"action", "result"}, // result: success, failed
	)

	// Opinion store metrics

	// OpinionWrites tracks opinion applications by namespace
	OpinionWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nookbridge",
			Subsystem: "opinion",
			Name:      "writes_total",
			Help:      "Total opinion writes applied",
		},
		[]string{"namespace"},
	)

	// OpinionDirtyFlushes tracks dirty conversation flushes
	OpinionDirtyFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nookbridge",
			Subsystem: "opinion",
			Name:      "dirty_flushes_total",
			Help:      "Total dirty conversations flushed to the store",
		},
	)

	// Queue metrics

	// QueueMessagesPublished tracks messages published to the bus
	QueueMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nookbridge",
			Subsystem: "queue",
			Name:      "messages_published_total",
			Help:      "Total messages published to the bus",
		},
		[]string{"topic"},
	)

	// QueueMessagesConsumed tracks messages consumed from the bus
	QueueMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nookbridge",
			Subsystem: "queue",
			Name:      "messages_consumed_total",
			Help:      "Total messages consumed from the bus",
		},
		[]string{"subscription"},
	)
)
