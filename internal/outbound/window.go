package outbound

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.nookbridge.tech/internal/common/metrics"
)

// FailureWindow tracks gateway failure timestamps inside a sliding window.
// It throttles retries globally: once the window fills up the dispatcher
// stops retrying and crashes instead, so an operator gets paged before the
// gateway is hammered further.
type FailureWindow struct {
	span time.Duration

	mu     sync.Mutex
	tokens []time.Time
}

// NewFailureWindow creates a window spanning span.
func NewFailureWindow(span time.Duration) *FailureWindow {
	return &FailureWindow{span: span}
}

// Add records a failure at now and prunes expired tokens.
func (w *FailureWindow) Add(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tokens = append(w.tokens, now)
	w.pruneLocked(now)
	metrics.OutboundFailureWindow.Set(float64(len(w.tokens)))
}

// Size returns the number of unexpired tokens as of now.
func (w *FailureWindow) Size(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	metrics.OutboundFailureWindow.Set(float64(len(w.tokens)))
	return len(w.tokens)
}

func (w *FailureWindow) pruneLocked(now time.Time) {
	kept := w.tokens[:0]
	for _, token := range w.tokens {
		if now.Sub(token) > w.span {
			log.Warn().Time("token", token).Msg("Removing failure token")
			continue
		}
		kept = append(kept, token)
	}
	w.tokens = kept
}
