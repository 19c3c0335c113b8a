package statestore

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChangeType classifies a StateChangeEvent.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// StateChangeEvent is published to every subscriber whose filter matches.
type StateChangeEvent struct {
	Key        string
	NewValue   *Entry
	OldValue   *Entry
	ChangeType ChangeType
	Timestamp  time.Time
}

// SubscriptionFilter narrows which StateChangeEvents a subscriber receives.
// A zero-value filter matches everything.
type SubscriptionFilter struct {
	KeyPrefix   string
	Keys        []string
	ChangeTypes []ChangeType
}

// Matches reports whether event satisfies every non-empty clause of f.
func (f SubscriptionFilter) Matches(event StateChangeEvent) bool {
	if f.KeyPrefix != "" && !strings.HasPrefix(event.Key, f.KeyPrefix) {
		return false
	}
	if len(f.Keys) > 0 {
		found := false
		for _, k := range f.Keys {
			if k == event.Key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.ChangeTypes) > 0 {
		found := false
		for _, ct := range f.ChangeTypes {
			if ct == event.ChangeType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Subscription is a single subscriber's filtered view of the change stream.
type Subscription struct {
	ID     uuid.UUID
	Filter SubscriptionFilter
	Events chan StateChangeEvent
}

// subscriptionBufferSize caps each subscriber's channel so one slow reader
// can never block a Set/Delete call; events are dropped, not queued
// unboundedly, once a subscriber falls behind.
const subscriptionBufferSize = 1000

// SubscriptionManager fans every published StateChangeEvent out to each
// registered Subscription whose filter matches, mirroring the broadcast
// bus's capacity-1000, best-effort-delivery semantics.
type SubscriptionManager struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscription
}

// NewSubscriptionManager returns an empty manager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{subs: make(map[uuid.UUID]*Subscription)}
}

// Subscribe registers a new filtered subscription and returns it; the
// caller reads from Subscription.Events until it calls Unsubscribe.
func (m *SubscriptionManager) Subscribe(filter SubscriptionFilter) *Subscription {
	sub := &Subscription{
		ID:     uuid.New(),
		Filter: filter,
		Events: make(chan StateChangeEvent, subscriptionBufferSize),
	}

	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.mu.Unlock()

	return sub
}

// Unsubscribe removes and closes a subscription.
func (m *SubscriptionManager) Unsubscribe(id uuid.UUID) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()

	if ok {
		close(sub.Events)
	}
}

// Publish delivers event to every matching subscriber on a best-effort
// basis: a subscriber whose buffer is full is skipped rather than blocking
// the writer.
func (m *SubscriptionManager) Publish(event StateChangeEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subs {
		if !sub.Filter.Matches(event) {
			continue
		}
		select {
		case sub.Events <- event:
		default:
		}
	}
}

// Count returns the number of active subscriptions.
func (m *SubscriptionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}
