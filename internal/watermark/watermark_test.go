package watermark

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "sync-token.json"))
	_, err := store.Read()
	require.ErrorIs(t, err, ErrMissing)
}

func TestReadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync-token.json")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, err := NewStore(path).Read()
	require.ErrorIs(t, err, ErrMissing)
}

func TestReadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync-token.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewStore(path).Read()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMissing)
}

func TestWriteReadRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "sync-token.json"))

	want := time.Date(2024, 3, 1, 10, 30, 0, 123456000, time.UTC)
	require.NoError(t, store.Write(want))

	got, err := store.Read()
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestReadAcceptsOffsetTimestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync-token.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"last_update_time": "2024-03-01T13:30:00+03:00"}`), 0o644))

	got, err := NewStore(path).Read()
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)))
}

func TestWriteReplacesExisting(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "sync-token.json"))

	require.NoError(t, store.Write(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	later := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Write(later))

	got, err := store.Read()
	require.NoError(t, err)
	assert.True(t, later.Equal(got))
}
