// Package identity maintains the persistent bijection between raw addresses
// and de-identification tokens.
//
// Tokens are prefix + UUIDv4. Forward resolution mints a token on first
// sight; reverse lookup never creates and fails with ErrNotFound for unknown
// tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.nookbridge.tech/internal/common/metrics"
)

// ErrNotFound indicates a reverse lookup for a token with no stored mapping.
var ErrNotFound = errors.New("identity mapping not found")

// TokenPrefix is the prefix for phone number tokens.
const TokenPrefix = "nook-phone-uuid-"

// Store is the persistence seam for one mapping table.
type Store interface {
	// GetOrCreate atomically returns the stored token for data, inserting
	// candidate if no mapping exists. created reports whether candidate won.
	GetOrCreate(ctx context.Context, data, candidate string) (token string, created bool, err error)

	// FindByToken returns the data mapped to token, or ErrNotFound.
	FindByToken(ctx context.Context, token string) (string, error)

	// StreamAll invokes fn for every stored mapping.
	StreamAll(ctx context.Context, fn func(data, token string) error) error
}

// Table maps raw data to tokens over a Store, with a best-effort in-memory
// dual-map cache loaded on first use.
type Table struct {
	store  Store
	name   string
	prefix string

	mu          sync.Mutex
	dataToToken map[string]string
	tokenToData map[string]string
}

// NewTable creates a table over store. name identifies the backing
// collection; prefix is prepended to every minted token.
func NewTable(store Store, name, prefix string) *Table {
	return &Table{store: store, name: name, prefix: prefix}
}

// NewToken mints a fresh token with the given prefix.
func NewToken(prefix string) string {
	return prefix + uuid.NewString()
}

// ensureCache loads the full mapping table once per Table instance. A failed
// load degrades to uncached operation; the store stays authoritative either
// way because GetOrCreate never overwrites existing mappings.
func (t *Table) ensureCache(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dataToToken != nil {
		return
	}

	dataToToken := make(map[string]string)
	tokenToData := make(map[string]string)

	log.Info().Str("table", t.name).Msg("Loading identity mappings")
	err := t.store.StreamAll(ctx, func(data, token string) error {
		dataToToken[data] = token
		tokenToData[token] = data
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("table", t.name).Msg("Failed to cache identity mappings")
		return
	}

	t.dataToToken = dataToToken
	t.tokenToData = tokenToData
	metrics.IdentityCacheSize.WithLabelValues(t.name).Set(float64(len(dataToToken)))
	log.Info().Str("table", t.name).Int("count", len(dataToToken)).Msg("Loaded identity mappings")
}

func (t *Table) cachedToken(data string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	token, ok := t.dataToToken[data]
	return token, ok
}

func (t *Table) cachedData(token string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.tokenToData[token]
	return data, ok
}

func (t *Table) cachePut(data, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dataToToken == nil {
		return
	}
	t.dataToToken[data] = token
	t.tokenToData[token] = data
	metrics.IdentityCacheSize.WithLabelValues(t.name).Set(float64(len(t.dataToToken)))
}

// Resolve returns the token for data, minting and storing one if necessary.
func (t *Table) Resolve(ctx context.Context, data string) (string, error) {
	t.ensureCache(ctx)

	if token, ok := t.cachedToken(data); ok {
		return token, nil
	}

	token, created, err := t.store.GetOrCreate(ctx, data, NewToken(t.prefix))
	if err != nil {
		return "", fmt.Errorf("failed to resolve identity: %w", err)
	}
	if created {
		metrics.IdentityTokensCreated.WithLabelValues(t.name).Inc()
		log.Info().Str("table", t.name).Str("token", token).Bool("audit", true).Msg("Created identity token")
	}
	t.cachePut(data, token)
	return token, nil
}

// ResolveBatch resolves each distinct data item, minting tokens as needed.
func (t *Table) ResolveBatch(ctx context.Context, items []string) (map[string]string, error) {
	t.ensureCache(ctx)

	distinct := make(map[string]struct{}, len(items))
	for _, item := range items {
		distinct[item] = struct{}{}
	}

	log.Info().Str("table", t.name).Int("count", len(distinct)).Msg("Resolving identity batch")
	result := make(map[string]string, len(distinct))
	for item := range distinct {
		token, err := t.Resolve(ctx, item)
		if err != nil {
			return nil, err
		}
		result[item] = token
	}
	return result, nil
}

// Lookup returns the data for token. Cache misses fall back to a direct
// store read; a token absent from the store fails with ErrNotFound.
func (t *Table) Lookup(ctx context.Context, token string) (string, error) {
	t.ensureCache(ctx)

	if data, ok := t.cachedData(token); ok {
		return data, nil
	}

	data, err := t.store.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, token)
		}
		return "", fmt.Errorf("failed to look up token: %w", err)
	}
	t.cachePut(data, token)
	return data, nil
}

// LookupBatch resolves every token or fails with ErrNotFound if any token has
// no mapping.
func (t *Table) LookupBatch(ctx context.Context, tokens []string) (map[string]string, error) {
	t.ensureCache(ctx)

	result := make(map[string]string, len(tokens))
	for _, token := range tokens {
		data, err := t.Lookup(ctx, token)
		if err != nil {
			return nil, err
		}
		result[token] = data
	}
	return result, nil
}
