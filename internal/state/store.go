// Package state persists per-symbol grid snapshots as versioned JSON
// files, written atomically so a crash mid-write never corrupts the
// last good snapshot.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/LuizEdCard/gridbot/internal/grid"
)

// Store implements grid.Persister over a state directory, one file
// per symbol.
type Store struct {
	dir string
	log zerolog.Logger
	mu  sync.Mutex
}

// NewStore creates the state directory if needed.
func NewStore(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &Store{dir: dir, log: log.With().Str("component", "state").Logger()}, nil
}

func (s *Store) path(symbol string) string {
	// symbols are venue tickers, but never trust them as path segments
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, symbol)
	return filepath.Join(s.dir, name+".json")
}

// Save writes the snapshot via a temp file and rename.
func (s *Store) Save(snap grid.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", snap.Symbol, err)
	}

	target := s.path(snap.Symbol)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", snap.Symbol, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("commit snapshot %s: %w", snap.Symbol, err)
	}
	return nil
}

// Load returns the stored snapshot for a symbol; ok is false when none
// exists. A snapshot from an unknown schema version is ignored rather
// than guessed at.
func (s *Store) Load(symbol string) (*grid.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(symbol))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read snapshot %s: %w", symbol, err)
	}

	var snap grid.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("decode snapshot %s: %w", symbol, err)
	}
	if snap.Version != grid.SnapshotVersion {
		s.log.Warn().Int("version", snap.Version).Str("symbol", symbol).Msg("snapshot schema version mismatch, ignoring")
		return nil, false, nil
	}
	return &snap, true, nil
}

// Remove deletes a symbol's snapshot, if any.
func (s *Store) Remove(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(symbol))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
