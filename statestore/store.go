// Package statestore implements the temporal key-value store: append-only
// versioned entries, point-in-time reads, copy-on-write forks, and a
// broadcast bus for change notification.
package statestore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orpheon-systems/node/nodeerr"
)

// Entry is one versioned value in a key's append-only history.
type Entry struct {
	Key       string            `json:"key"`
	Value     json.RawMessage   `json:"value"`
	Version   uint64            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Deleted   bool              `json:"deleted"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Snapshot is a point-in-time copy of every live key's latest entry.
type Snapshot struct {
	ID        uuid.UUID        `json:"id"`
	Version   uint64           `json:"version"`
	Timestamp time.Time        `json:"timestamp"`
	Entries   map[string]Entry `json:"entries"`
}

// Store is the capability set every state store backend implements,
// matching §4.4 exactly so the in-memory and Redis-backed implementations
// are interchangeable behind this interface.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	GetPrefix(ctx context.Context, prefix string) ([]Entry, error)
	Set(ctx context.Context, key string, value json.RawMessage) (*Entry, error)
	Delete(ctx context.Context, key string) error
	GetAt(ctx context.Context, key string, at time.Time) (*Entry, error)
	Snapshot(ctx context.Context) (*Snapshot, error)
	Fork(ctx context.Context, name string) (uuid.UUID, error)
	MergeFork(ctx context.Context, forkID uuid.UUID) error
	Keys(ctx context.Context) ([]string, error)
	Version(ctx context.Context) uint64
	Subscribe(filter SubscriptionFilter) *Subscription
	Unsubscribe(id uuid.UUID)
}

// InMemoryStore is the default Store backend: a process-local map of
// per-key version vectors protected by a single RWMutex, matching the
// shared-state discipline of §5.
type InMemoryStore struct {
	mu      sync.RWMutex
	state   map[string][]Entry
	forks   map[uuid.UUID]map[string][]Entry
	version uint64

	subs *SubscriptionManager
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		state: make(map[string][]Entry),
		forks: make(map[uuid.UUID]map[string][]Entry),
		subs:  NewSubscriptionManager(),
	}
}

func (s *InMemoryStore) nextVersion() uint64 {
	s.version++
	return s.version
}

// Get returns the latest entry for key, or nil if absent or tombstoned.
func (s *InMemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.state[key]
	if len(versions) == 0 {
		return nil, nil
	}
	latest := versions[len(versions)-1]
	if latest.Deleted {
		return nil, nil
	}
	return &latest, nil
}

// GetPrefix returns the latest non-tombstone entry for every key starting
// with prefix; order is unspecified per §4.4.
func (s *InMemoryStore) GetPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for key, versions := range s.state {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		for i := len(versions) - 1; i >= 0; i-- {
			if !versions[i].Deleted {
				out = append(out, versions[i])
				break
			}
		}
	}
	return out, nil
}

// Set appends a new entry for key, bumping the global version counter, and
// publishes a Created/Updated StateChangeEvent.
func (s *InMemoryStore) Set(ctx context.Context, key string, value json.RawMessage) (*Entry, error) {
	s.mu.Lock()

	var old *Entry
	if versions := s.state[key]; len(versions) > 0 {
		last := versions[len(versions)-1]
		if !last.Deleted {
			o := last
			old = &o
		}
	}

	entry := Entry{
		Key:       key,
		Value:     value,
		Version:   s.nextVersion(),
		Timestamp: time.Now().UTC(),
		Deleted:   false,
	}
	s.state[key] = append(s.state[key], entry)
	s.mu.Unlock()

	changeType := ChangeCreated
	if old != nil {
		changeType = ChangeUpdated
	}
	s.subs.Publish(StateChangeEvent{
		Key:        key,
		NewValue:   &entry,
		OldValue:   old,
		ChangeType: changeType,
		Timestamp:  entry.Timestamp,
	})

	return &entry, nil
}

// Delete appends a tombstone for key.
func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()

	var old *Entry
	if versions := s.state[key]; len(versions) > 0 {
		last := versions[len(versions)-1]
		if !last.Deleted {
			o := last
			old = &o
		}
	}

	tombstone := Entry{
		Key:       key,
		Value:     nil,
		Version:   s.nextVersion(),
		Timestamp: time.Now().UTC(),
		Deleted:   true,
	}
	s.state[key] = append(s.state[key], tombstone)
	s.mu.Unlock()

	s.subs.Publish(StateChangeEvent{
		Key:        key,
		NewValue:   nil,
		OldValue:   old,
		ChangeType: ChangeDeleted,
		Timestamp:  tombstone.Timestamp,
	})

	return nil
}

// GetAt returns the latest non-tombstone entry whose timestamp is at or
// before at, per invariant I6.
func (s *InMemoryStore) GetAt(ctx context.Context, key string, at time.Time) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.state[key]
	for i := len(versions) - 1; i >= 0; i-- {
		e := versions[i]
		if (e.Timestamp.Before(at) || e.Timestamp.Equal(at)) && !e.Deleted {
			return &e, nil
		}
	}
	return nil, nil
}

// Snapshot returns the latest non-tombstone entry for every key, alongside
// the store's current version and wall-clock time.
func (s *InMemoryStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make(map[string]Entry)
	for key, versions := range s.state {
		for i := len(versions) - 1; i >= 0; i-- {
			if !versions[i].Deleted {
				entries[key] = versions[i]
				break
			}
		}
	}

	return &Snapshot{
		ID:        uuid.New(),
		Version:   s.version,
		Timestamp: time.Now().UTC(),
		Entries:   entries,
	}, nil
}

// Fork deep-copies the current per-key version vectors into a new named
// fork table entry, isolated from subsequent main-state writes.
func (s *InMemoryStore) Fork(ctx context.Context, name string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	forkID := uuid.New()
	copied := make(map[string][]Entry, len(s.state))
	for key, versions := range s.state {
		cp := make([]Entry, len(versions))
		copy(cp, versions)
		copied[key] = cp
	}
	s.forks[forkID] = copied
	return forkID, nil
}

// MergeFork appends, per key, those fork entries whose version exceeds the
// main vector's current tail version.
func (s *InMemoryStore) MergeFork(ctx context.Context, forkID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	forked, ok := s.forks[forkID]
	if !ok {
		return nodeerr.NewStateError("fork " + forkID.String() + " not found")
	}
	delete(s.forks, forkID)

	for key, versions := range forked {
		main := s.state[key]
		var latestMainVersion uint64
		if len(main) > 0 {
			latestMainVersion = main[len(main)-1].Version
		}
		for _, entry := range versions {
			if entry.Version > latestMainVersion {
				main = append(main, entry)
			}
		}
		s.state[key] = main
	}

	return nil
}

// Keys returns every key ever written, in sorted order for deterministic
// output (the reference leaves order unspecified; sorting costs nothing
// here and makes tests reproducible).
func (s *InMemoryStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.state))
	for k := range s.state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Version returns the current global version counter.
func (s *InMemoryStore) Version(ctx context.Context) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *InMemoryStore) Subscribe(filter SubscriptionFilter) *Subscription {
	return s.subs.Subscribe(filter)
}

func (s *InMemoryStore) Unsubscribe(id uuid.UUID) {
	s.subs.Unsubscribe(id)
}
