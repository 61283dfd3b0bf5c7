// Package watermark persists the inbound poller's sync token: the timestamp
// up to which gateway messages have already been transferred.
package watermark

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrMissing indicates the token file does not exist or is empty. The bridge
// refuses to start in that state rather than silently re-ingesting history.
var ErrMissing = errors.New("missing or empty sync token")

type tokenFile struct {
	LastUpdateTime string `json:"last_update_time"`
}

// Store reads and writes the watermark file at a fixed path.
type Store struct {
	path string
}

// NewStore creates a store for the token file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Read returns the persisted watermark. A missing or empty file fails with
// ErrMissing; a present but unparseable file is an error.
func (s *Store) Read() (time.Time, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", s.path).Msg("No sync token file found")
			return time.Time{}, ErrMissing
		}
		return time.Time{}, fmt.Errorf("failed to read sync token: %w", err)
	}
	if len(data) == 0 {
		log.Warn().Str("path", s.path).Msg("Empty sync token file found")
		return time.Time{}, ErrMissing
	}

	var token tokenFile
	if err := json.Unmarshal(data, &token); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse sync token: %w", err)
	}

	t, err := time.Parse(time.RFC3339, token.LastUpdateTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse sync token timestamp: %w", err)
	}

	log.Info().Str("path", s.path).Time("lastUpdateTime", t).Msg("Read sync token")
	return t, nil
}

// Write persists t, replacing the file atomically so a crash mid-write never
// leaves a corrupt token.
func (s *Store) Write(t time.Time) error {
	data, err := json.Marshal(tokenFile{LastUpdateTime: t.UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return fmt.Errorf("failed to marshal sync token: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".sync-token-*")
	if err != nil {
		return fmt.Errorf("failed to create sync token temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write sync token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close sync token temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace sync token: %w", err)
	}

	log.Debug().Str("path", s.path).Time("lastUpdateTime", t).Msg("Wrote sync token")
	return nil
}
