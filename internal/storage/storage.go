// Package storage persists the latest EPG snapshot of each configured
// TVHeadend entry so it survives restarts.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tvheadendepg/internal/epg"
)

const (
	// KeyPrefix namespaces snapshot keys in a shared backend.
	KeyPrefix = "tvheadend_epg"

	// storeVersion is written into every envelope.
	storeVersion = 1
)

// ErrNotFound is returned by a Backend when a key has never been written.
var ErrNotFound = errors.New("storage: key not found")

// Backend is a durable key/value store.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}

// envelope is the on-disk format of a stored snapshot.
type envelope struct {
	Version int          `json:"version"`
	Key     string       `json:"key"`
	Data    epg.Snapshot `json:"data"`
}

// Store saves and loads the snapshot of a single entry.
type Store struct {
	backend Backend
	key     string
}

// NewStore returns the store for entryID on backend.
func NewStore(backend Backend, entryID string) *Store {
	return &Store{
		backend: backend,
		key:     Key(entryID),
	}
}

// Key returns the backend key used for entryID.
func Key(entryID string) string {
	return KeyPrefix + "." + entryID
}

// Key returns the backend key of this store.
func (s *Store) Key() string {
	return s.key
}

// Save replaces the stored snapshot.
func (s *Store) Save(ctx context.Context, snap epg.Snapshot) error {
	data, err := json.Marshal(envelope{
		Version: storeVersion,
		Key:     s.key,
		Data:    snap,
	})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := s.backend.Put(ctx, s.key, data); err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", s.key, err)
	}
	return nil
}

// Load returns the stored snapshot. ok is false, with an empty snapshot, if
// nothing has been saved yet.
func (s *Store) Load(ctx context.Context) (snap epg.Snapshot, ok bool, err error) {
	data, err := s.backend.Get(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return epg.Snapshot{Entries: []epg.Entry{}}, false, nil
	}
	if err != nil {
		return epg.Snapshot{}, false, fmt.Errorf("failed to load snapshot %s: %w", s.key, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return epg.Snapshot{}, false, fmt.Errorf("failed to decode snapshot %s: %w", s.key, err)
	}
	if env.Version != storeVersion {
		return epg.Snapshot{}, false, fmt.Errorf("snapshot %s has unsupported version %d", s.key, env.Version)
	}
	if env.Data.Entries == nil {
		env.Data.Entries = []epg.Entry{}
	}

	return env.Data, true, nil
}
