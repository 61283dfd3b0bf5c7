package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStore is an in-memory Store for tests.
type memoryStore struct {
	mu       sync.Mutex
	mappings map[string]string // data -> token

	streamErr    error
	getOrCreates int
	reverseReads int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{mappings: make(map[string]string)}
}

func (s *memoryStore) GetOrCreate(_ context.Context, data, candidate string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreates++
	if token, ok := s.mappings[data]; ok {
		return token, false, nil
	}
	s.mappings[data] = candidate
	return candidate, true, nil
}

func (s *memoryStore) FindByToken(_ context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reverseReads++
	for data, t := range s.mappings {
		if t == token {
			return data, nil
		}
	}
	return "", ErrNotFound
}

func (s *memoryStore) StreamAll(_ context.Context, fn func(data, token string) error) error {
	if s.streamErr != nil {
		return s.streamErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for data, token := range s.mappings {
		if err := fn(data, token); err != nil {
			return err
		}
	}
	return nil
}

func TestNewToken(t *testing.T) {
	token := NewToken(TokenPrefix)
	assert.True(t, strings.HasPrefix(token, "nook-phone-uuid-"))
	assert.NotEqual(t, token, NewToken(TokenPrefix))
}

func TestResolveIsStable(t *testing.T) {
	store := newMemoryStore()
	table := NewTable(store, "phone-numbers", TokenPrefix)
	ctx := context.Background()

	token, err := table.Resolve(ctx, "tel:+25470000001")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, TokenPrefix))

	again, err := table.Resolve(ctx, "tel:+25470000001")
	require.NoError(t, err)
	assert.Equal(t, token, again)

	// Second resolve is served from cache.
	assert.Equal(t, 1, store.getOrCreates)
}

func TestResolveSurvivesCacheLoadFailure(t *testing.T) {
	store := newMemoryStore()
	store.mappings["tel:+25470000001"] = "nook-phone-uuid-existing"
	store.streamErr = errors.New("stream broken")

	table := NewTable(store, "phone-numbers", TokenPrefix)
	ctx := context.Background()

	// Uncached resolves go to the store and never overwrite.
	token, err := table.Resolve(ctx, "tel:+25470000001")
	require.NoError(t, err)
	assert.Equal(t, "nook-phone-uuid-existing", token)

	again, err := table.Resolve(ctx, "tel:+25470000001")
	require.NoError(t, err)
	assert.Equal(t, token, again)
}

func TestLookupRoundTrip(t *testing.T) {
	store := newMemoryStore()
	table := NewTable(store, "phone-numbers", TokenPrefix)
	ctx := context.Background()

	token, err := table.Resolve(ctx, "tel:+25470000002")
	require.NoError(t, err)

	data, err := table.Lookup(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "tel:+25470000002", data)
}

func TestLookupUnknownTokenIsNotFound(t *testing.T) {
	table := NewTable(newMemoryStore(), "phone-numbers", TokenPrefix)

	_, err := table.Lookup(context.Background(), "nook-phone-uuid-missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLookupFallsBackToStoreOnCacheMiss(t *testing.T) {
	store := newMemoryStore()
	table := NewTable(store, "phone-numbers", TokenPrefix)
	ctx := context.Background()

	// Prime the cache as empty, then add a mapping behind the table's back.
	_, err := table.Lookup(ctx, "nook-phone-uuid-unknown")
	require.ErrorIs(t, err, ErrNotFound)

	store.mu.Lock()
	store.mappings["tel:+25470000003"] = "nook-phone-uuid-late"
	store.mu.Unlock()

	data, err := table.Lookup(ctx, "nook-phone-uuid-late")
	require.NoError(t, err)
	assert.Equal(t, "tel:+25470000003", data)

	// Back-filled, so the next lookup skips the store.
	reads := store.reverseReads
	_, err = table.Lookup(ctx, "nook-phone-uuid-late")
	require.NoError(t, err)
	assert.Equal(t, reads, store.reverseReads)
}

func TestResolveBatchDeduplicates(t *testing.T) {
	store := newMemoryStore()
	table := NewTable(store, "phone-numbers", TokenPrefix)
	ctx := context.Background()

	result, err := table.ResolveBatch(ctx, []string{
		"tel:+25470000004",
		"tel:+25470000005",
		"tel:+25470000004",
	})
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, 2, store.getOrCreates)
	assert.NotEqual(t, result["tel:+25470000004"], result["tel:+25470000005"])
}

func TestLookupBatchFailsOnAnyMiss(t *testing.T) {
	store := newMemoryStore()
	table := NewTable(store, "phone-numbers", TokenPrefix)
	ctx := context.Background()

	token, err := table.Resolve(ctx, "tel:+25470000006")
	require.NoError(t, err)

	result, err := table.LookupBatch(ctx, []string{token})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{token: "tel:+25470000006"}, result)

	_, err = table.LookupBatch(ctx, []string{token, "nook-phone-uuid-missing"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentResolveSingleToken(t *testing.T) {
	store := newMemoryStore()
	table := NewTable(store, "phone-numbers", TokenPrefix)
	ctx := context.Background()

	const workers = 16
	tokens := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := table.Resolve(ctx, "tel:+25470000007")
			require.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	for _, token := range tokens {
		assert.Equal(t, tokens[0], token)
	}
}
