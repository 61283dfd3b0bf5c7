// Package sequencer serializes concurrent broker deliveries into ordered,
// single-file, fail-stop processing.
//
// The broker hands messages to Submit from multiple goroutines. The sequencer
// guarantees that the wrapped handler sees them one at a time, in the order
// Submit was first called, and that after the first handler error every
// subsequent message is nacked instead of processed.
package sequencer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.nookbridge.tech/internal/common/metrics"
	"go.nookbridge.tech/internal/queue"
)

// ErrHalted is returned by Submit on goroutines other than the one whose
// handler invocation failed. The originating goroutine gets the handler error
// itself.
var ErrHalted = errors.New("sequencer halted")

// Handler processes one message in sequence. It must ack the message on
// success; on error the sequencer nacks it.
type Handler func(msg queue.Message) error

// Config controls the post-failure grace periods. The originator sleeps
// briefly so peer goroutines can nack their in-flight messages before the
// error propagates; peers sleep longer so the originator terminates the
// subscription first.
type Config struct {
	OriginatorGrace time.Duration
	PeerGrace       time.Duration
}

// DefaultConfig returns the production grace periods.
func DefaultConfig() Config {
	return Config{
		OriginatorGrace: 1 * time.Second,
		PeerGrace:       2 * time.Second,
	}
}

// Sequencer orders and serializes message processing.
type Sequencer struct {
	handler Handler
	config  Config

	// pending is appended to before acquiring processMu and popped after, so
	// handler order matches Submit order even when goroutines contend on the
	// lock out of order.
	pendingMu sync.Mutex
	pending   []queue.Message

	processMu sync.Mutex

	errMu   sync.Mutex
	lastErr error
}

// New creates a sequencer around handler.
func New(handler Handler, config Config) *Sequencer {
	if handler == nil {
		panic("sequencer: nil handler")
	}
	return &Sequencer{handler: handler, config: config}
}

// LastError returns the first handler error, or nil while healthy.
func (s *Sequencer) LastError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

func (s *Sequencer) setError(err error) {
	s.errMu.Lock()
	if s.lastErr == nil {
		s.lastErr = err
	}
	s.errMu.Unlock()
}

// Submit processes msg in arrival order. It blocks while earlier messages are
// being handled. After a handler failure it nacks msg and returns an error:
// the handler error on the goroutine that caused it, ErrHalted elsewhere.
func (s *Sequencer) Submit(msg queue.Message) error {
	s.pendingMu.Lock()
	s.pending = append(s.pending, msg)
	s.pendingMu.Unlock()

	var failedHere error

	s.processMu.Lock()
	s.pendingMu.Lock()
	msg = s.pending[0]
	s.pending = s.pending[1:]
	s.pendingMu.Unlock()

	if s.LastError() == nil {
		metrics.SequencerProcessed.Inc()
		if err := s.handler(msg); err != nil {
			s.setError(err)
			failedHere = err
			log.Warn().Err(err).Str("messageId", msg.ID()).Msg("Handler failed, halting sequencer")
		}
	}
	s.processMu.Unlock()

	if lastErr := s.LastError(); lastErr != nil {
		// Nack so the broker redelivers once a healthy instance is back.
		if err := msg.Nak(); err != nil {
			log.Warn().Err(err).Str("messageId", msg.ID()).Msg("Failed to nack message")
		} else {
			log.Debug().Str("messageId", msg.ID()).Msg("Nacked message")
		}
		metrics.SequencerNacks.Inc()

		if failedHere != nil {
			time.Sleep(s.config.OriginatorGrace)
			return failedHere
		}
		time.Sleep(s.config.PeerGrace)
		return fmt.Errorf("%w: %v", ErrHalted, lastErr)
	}
	return nil
}
