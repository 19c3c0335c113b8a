package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/orpheon-systems/node/nodeerr"
)

// RedisStore is a Redis-backed Store: each key's version history lives in a
// Redis hash (field = version, value = encoded Entry), the global version
// counter is a single INCR-guarded integer, and forks live under a
// "fork:{id}:" key namespace so they never collide with main-state keys.
// Change notification is published on a Redis channel and re-broadcast
// in-process through the same SubscriptionManager the in-memory store uses,
// so callers never need to know which backend they're subscribed to.
type RedisStore struct {
	client    *redis.Client
	namespace string
	subs      *SubscriptionManager

	closeCh chan struct{}
}

const redisChangeChannel = "state-changes"

// RedisStoreOptions configures a RedisStore.
type RedisStoreOptions struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// NewRedisStore connects to Redis and starts the pub/sub listener that fans
// published changes into the in-process SubscriptionManager.
func NewRedisStore(ctx context.Context, opts RedisStoreOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, nodeerr.NewConnectionError(fmt.Sprintf("connecting to redis at %s: %v", opts.Addr, err))
	}

	s := &RedisStore{
		client:    client,
		namespace: opts.Namespace,
		subs:      NewSubscriptionManager(),
		closeCh:   make(chan struct{}),
	}

	go s.listen()

	return s, nil
}

// Close stops the pub/sub listener and closes the Redis connection.
func (s *RedisStore) Close() error {
	close(s.closeCh)
	return s.client.Close()
}

func (s *RedisStore) key(k string) string {
	if s.namespace == "" {
		return k
	}
	return s.namespace + ":" + k
}

func (s *RedisStore) forkKey(forkID uuid.UUID, k string) string {
	return s.key(fmt.Sprintf("fork:%s:%s", forkID, k))
}

func (s *RedisStore) versionCounterKey() string {
	return s.key("__version__")
}

func (s *RedisStore) nextVersion(ctx context.Context) (uint64, error) {
	n, err := s.client.Incr(ctx, s.versionCounterKey()).Result()
	if err != nil {
		return 0, nodeerr.NewConnectionError(fmt.Sprintf("incrementing version counter: %v", err))
	}
	return uint64(n), nil
}

// versionHash returns the Redis hash key holding every version of keyName.
func (s *RedisStore) versionHash(keyName string) string {
	return s.key("entries:" + keyName)
}

func (s *RedisStore) writeEntry(ctx context.Context, hashKey string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return nodeerr.NewSerializationError(fmt.Sprintf("marshaling state entry: %v", err))
	}
	if err := s.client.HSet(ctx, hashKey, strconv.FormatUint(e.Version, 10), data).Err(); err != nil {
		return nodeerr.NewConnectionError(fmt.Sprintf("writing state entry: %v", err))
	}
	return nil
}

func (s *RedisStore) readVersions(ctx context.Context, hashKey string) ([]Entry, error) {
	raw, err := s.client.HGetAll(ctx, hashKey).Result()
	if err != nil {
		return nil, nodeerr.NewConnectionError(fmt.Sprintf("reading state entries: %v", err))
	}
	entries := make([]Entry, 0, len(raw))
	for _, v := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, nodeerr.NewSerializationError(fmt.Sprintf("unmarshaling state entry: %v", err))
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })
	return entries, nil
}

func (s *RedisStore) latest(ctx context.Context, hashKey string) (*Entry, error) {
	versions, err := s.readVersions(ctx, hashKey)
	if err != nil || len(versions) == 0 {
		return nil, err
	}
	e := versions[len(versions)-1]
	return &e, nil
}

// Get returns the latest entry for key, or nil if absent or tombstoned.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	e, err := s.latest(ctx, s.versionHash(key))
	if err != nil || e == nil || e.Deleted {
		return nil, err
	}
	return e, nil
}

// GetPrefix scans every key under this namespace's "entries:" prefix and
// returns the latest non-tombstone entry for those matching prefix.
func (s *RedisStore) GetPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	pattern := s.versionHash(prefix) + "*"
	var out []Entry
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		e, err := s.latest(ctx, iter.Val())
		if err != nil {
			return nil, err
		}
		if e != nil && !e.Deleted {
			out = append(out, *e)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, nodeerr.NewConnectionError(fmt.Sprintf("scanning state keys: %v", err))
	}
	return out, nil
}

// Set appends a new entry for key and publishes the change.
func (s *RedisStore) Set(ctx context.Context, key string, value json.RawMessage) (*Entry, error) {
	old, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	version, err := s.nextVersion(ctx)
	if err != nil {
		return nil, err
	}

	entry := Entry{
		Key:       key,
		Value:     value,
		Version:   version,
		Timestamp: time.Now().UTC(),
		Deleted:   false,
	}
	if err := s.writeEntry(ctx, s.versionHash(key), entry); err != nil {
		return nil, err
	}

	changeType := ChangeCreated
	if old != nil {
		changeType = ChangeUpdated
	}
	s.publish(ctx, StateChangeEvent{Key: key, NewValue: &entry, OldValue: old, ChangeType: changeType, Timestamp: entry.Timestamp})

	return &entry, nil
}

// Delete appends a tombstone entry for key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	old, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	version, err := s.nextVersion(ctx)
	if err != nil {
		return err
	}

	tombstone := Entry{
		Key:       key,
		Value:     nil,
		Version:   version,
		Timestamp: time.Now().UTC(),
		Deleted:   true,
	}
	if err := s.writeEntry(ctx, s.versionHash(key), tombstone); err != nil {
		return err
	}

	s.publish(ctx, StateChangeEvent{Key: key, NewValue: nil, OldValue: old, ChangeType: ChangeDeleted, Timestamp: tombstone.Timestamp})
	return nil
}

// GetAt returns the latest non-tombstone entry whose timestamp is at or
// before at.
func (s *RedisStore) GetAt(ctx context.Context, key string, at time.Time) (*Entry, error) {
	versions, err := s.readVersions(ctx, s.versionHash(key))
	if err != nil {
		return nil, err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		e := versions[i]
		if (e.Timestamp.Before(at) || e.Timestamp.Equal(at)) && !e.Deleted {
			return &e, nil
		}
	}
	return nil, nil
}

// Snapshot returns the latest non-tombstone entry for every key under this
// namespace.
func (s *RedisStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]Entry, len(keys))
	for _, k := range keys {
		e, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if e != nil {
			entries[k] = *e
		}
	}

	version := s.Version(ctx)
	return &Snapshot{ID: uuid.New(), Version: version, Timestamp: time.Now().UTC(), Entries: entries}, nil
}

// Fork copies every key's current version history under a fork-namespaced
// key set, identified by a fresh UUID.
func (s *RedisStore) Fork(ctx context.Context, name string) (uuid.UUID, error) {
	forkID := uuid.New()

	keys, err := s.Keys(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	for _, k := range keys {
		versions, err := s.readVersions(ctx, s.versionHash(k))
		if err != nil {
			return uuid.Nil, err
		}
		for _, e := range versions {
			data, err := json.Marshal(e)
			if err != nil {
				return uuid.Nil, nodeerr.NewSerializationError(fmt.Sprintf("marshaling forked entry: %v", err))
			}
			if err := s.client.HSet(ctx, s.forkKey(forkID, k), strconv.FormatUint(e.Version, 10), data).Err(); err != nil {
				return uuid.Nil, nodeerr.NewConnectionError(fmt.Sprintf("writing forked entry: %v", err))
			}
		}
	}

	return forkID, nil
}

// MergeFork appends, per key, the fork's entries whose version exceeds the
// main history's current tail version, then discards the fork.
func (s *RedisStore) MergeFork(ctx context.Context, forkID uuid.UUID) error {
	pattern := s.key(fmt.Sprintf("fork:%s:*", forkID))
	var forkedHashKeys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		forkedHashKeys = append(forkedHashKeys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nodeerr.NewConnectionError(fmt.Sprintf("scanning fork keys: %v", err))
	}
	if len(forkedHashKeys) == 0 {
		return nodeerr.NewStateError("fork " + forkID.String() + " not found")
	}

	prefix := s.key(fmt.Sprintf("fork:%s:", forkID))
	for _, hashKey := range forkedHashKeys {
		keyName := strings.TrimPrefix(hashKey, prefix)
		forkedVersions, err := s.readVersions(ctx, hashKey)
		if err != nil {
			return err
		}

		mainHashKey := s.versionHash(keyName)
		mainVersions, err := s.readVersions(ctx, mainHashKey)
		if err != nil {
			return err
		}
		var latestMainVersion uint64
		if len(mainVersions) > 0 {
			latestMainVersion = mainVersions[len(mainVersions)-1].Version
		}

		for _, e := range forkedVersions {
			if e.Version > latestMainVersion {
				if err := s.writeEntry(ctx, mainHashKey, e); err != nil {
					return err
				}
			}
		}

		s.client.Del(ctx, hashKey)
	}

	return nil
}

// Keys returns every key ever written under this namespace, sorted.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	pattern := s.versionHash("") + "*"
	prefix := s.versionHash("")

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, nodeerr.NewConnectionError(fmt.Sprintf("scanning state keys: %v", err))
	}
	sort.Strings(keys)
	return keys, nil
}

// Version returns the current global version counter, or 0 if unset.
func (s *RedisStore) Version(ctx context.Context) uint64 {
	v, err := s.client.Get(ctx, s.versionCounterKey()).Result()
	if err != nil {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (s *RedisStore) Subscribe(filter SubscriptionFilter) *Subscription {
	return s.subs.Subscribe(filter)
}

func (s *RedisStore) Unsubscribe(id uuid.UUID) {
	s.subs.Unsubscribe(id)
}

// publish broadcasts event on the shared Redis channel, so every node
// sharing this Redis instance observes changes written by any other node.
func (s *RedisStore) publish(ctx context.Context, event StateChangeEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.client.Publish(ctx, s.key(redisChangeChannel), data)
}

// listen subscribes to the Redis change channel and re-publishes every
// message into the in-process SubscriptionManager, so local callers can
// Subscribe() without knowing a Redis backend is in play.
func (s *RedisStore) listen() {
	pubsub := s.client.Subscribe(context.Background(), s.key(redisChangeChannel))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-s.closeCh:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event StateChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			s.subs.Publish(event)
		}
	}
}
