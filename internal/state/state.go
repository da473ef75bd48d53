package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrStateCorrupt is returned when a state file exists but cannot be
	// decoded. Callers must not treat this as an empty state: a corrupt file
	// with destructive operations pending would otherwise wipe the target.
	ErrStateCorrupt = errors.New("sync state corrupt")

	ErrStoreInit = errors.New("state store initialization failed")
)

// Entry records what the engine believes exists in the target for one sync key.
type Entry struct {
	Hash     string    `json:"hash"`
	TargetID string    `json:"target_id"`
	UID      string    `json:"uid"`
	Summary  string    `json:"summary"`
	LastSeen time.Time `json:"last_seen"`
}

// MappingState is the persisted belief-state for one mapping. It is mutated
// only by the reconciliation engine after operations are confirmed applied.
type MappingState struct {
	MappingID    string           `json:"mapping_id"`
	LastSyncTime time.Time        `json:"last_sync_time"`
	LastDuration time.Duration    `json:"last_duration"`
	Entries      map[string]Entry `json:"entries"`
}

// NewMappingState returns an empty state for a mapping.
func NewMappingState(mappingID string) *MappingState {
	return &MappingState{
		MappingID: mappingID,
		Entries:   make(map[string]Entry),
	}
}

// Store persists one JSON state document per mapping under a directory.
type Store struct {
	dir string
}

// NewStore creates the state directory if needed and returns a store.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: directory is required", ErrStoreInit)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreInit, err)
	}
	return &Store{dir: dir}, nil
}

// Load reads the state for a mapping. A missing file yields a fresh empty
// state; an unreadable or undecodable file yields ErrStateCorrupt.
func (s *Store) Load(mappingID string) (*MappingState, error) {
	path := s.path(mappingID)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewMappingState(mappingID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrStateCorrupt, mappingID, err)
	}

	st := &MappingState{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrStateCorrupt, mappingID, err)
	}
	if st.Entries == nil {
		st.Entries = make(map[string]Entry)
	}
	st.MappingID = mappingID
	return st, nil
}

// Save writes the state atomically: the document is written to a temporary
// file in the same directory and renamed over the old one, so a crash
// mid-write never leaves a truncated state file.
func (s *Store) Save(st *MappingState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", st.MappingID, err)
	}

	path := s.path(st.MappingID)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state for %s: %w", st.MappingID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state for %s: %w", st.MappingID, err)
	}
	return nil
}

// Delete removes the persisted state for a mapping. Used by force resync.
func (s *Store) Delete(mappingID string) error {
	err := os.Remove(s.path(mappingID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete state for %s: %w", mappingID, err)
	}
	return nil
}

func (s *Store) path(mappingID string) string {
	return filepath.Join(s.dir, "sync_state_"+sanitize(mappingID)+".json")
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
