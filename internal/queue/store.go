// Package queue is the Redis-backed store of waiting users. Each waiting user
// owns exactly one entry keyed by uid; a sorted set indexes the entries by
// enqueue time so the whole pool can be enumerated in one round trip.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key patterns for queue data structures.
	keyQueue       = "match:queue"  // Sorted set, score = enqueue timestamp (ms)
	keyEntryPrefix = "match:entry:" // + <uid> -> JSON-encoded Entry

	// PreferenceAny is the wildcard partner preference.
	PreferenceAny = "any"
)

var (
	// ErrAlreadyQueued is returned by Enqueue when the user already has an entry.
	ErrAlreadyQueued = errors.New("queue: user already queued")

	// ErrNotQueued marks an Enqueue failure after which the entry is known
	// not to be waiting: it was never written, or this call withdrew it again.
	// Failures without it may have left the entry queued or already paired.
	ErrNotQueued = errors.New("queue: entry not queued")
)

// Entry is a waiting user's matchmaking request.
type Entry struct {
	UID           string   `json:"uid"`
	Timestamp     int64    `json:"timestamp"` // unix ms
	Preference    string   `json:"preference"`
	Gender        string   `json:"gender"`
	UsedCoin      bool     `json:"usedCoin"`
	Interests     []string `json:"interests"`
	BlockedUsers  []string `json:"blockedUsers"`
	SearchTimeout int      `json:"searchTimeout"` // seconds
}

// Notifier is told about every entry that Enqueue actually created.
type Notifier interface {
	NotifyCreated(ctx context.Context, entry Entry) error
}

// Store manages queue entries in Redis.
type Store struct {
	rdb          *redis.Client
	notifier     Notifier
	createScript *redis.Script
	removeScript *redis.Script
}

// NewStore creates a queue store. notifier may be nil, in which case no
// insertion events are emitted.
func NewStore(rdb *redis.Client, notifier Notifier) *Store {
	return &Store{
		rdb:          rdb,
		notifier:     notifier,
		createScript: redis.NewScript(createEntryLua),
		removeScript: redis.NewScript(removeEntryLua),
	}
}

// Enqueue stores a new entry and emits the insertion notification. It returns
// ErrAlreadyQueued without touching anything if the uid is already waiting.
// If the notification cannot be delivered the entry is withdrawn again so the
// user is never left queued without an engine activation. The entry was
// visible in between, so it may already have been paired by then; only a
// withdrawal that actually removed it is reported as ErrNotQueued.
func (s *Store) Enqueue(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: marshal entry: %w", err)
	}

	created, err := s.createScript.Run(ctx, s.rdb,
		[]string{keyEntryPrefix + entry.UID, keyQueue},
		string(data), entry.Timestamp, entry.UID,
	).Int()
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w: %w", entry.UID, ErrNotQueued, err)
	}
	if created == 0 {
		return ErrAlreadyQueued
	}

	if s.notifier == nil {
		return nil
	}
	if err := s.notifier.NotifyCreated(ctx, entry); err != nil {
		removed, rmErr := s.Remove(ctx, entry.UID)
		switch {
		case rmErr != nil:
			return fmt.Errorf("queue: notify %s: %w (withdraw failed: %v)", entry.UID, err, rmErr)
		case !removed:
			return fmt.Errorf("queue: notify %s: %w (entry already taken)", entry.UID, err)
		}
		return fmt.Errorf("queue: notify %s: %w: %w", entry.UID, ErrNotQueued, err)
	}
	return nil
}

// Get retrieves a user's entry. Returns nil if not found.
func (s *Store) Get(ctx context.Context, uid string) (*Entry, error) {
	data, err := s.rdb.Get(ctx, keyEntryPrefix+uid).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", uid, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("queue: decode %s: %w", uid, err)
	}
	return &entry, nil
}

// Remove deletes a user's entry. It reports whether this call removed it;
// an entry that is already gone is not an error.
func (s *Store) Remove(ctx context.Context, uid string) (bool, error) {
	removed, err := s.removeScript.Run(ctx, s.rdb,
		[]string{keyEntryPrefix + uid, keyQueue}, uid,
	).Int()
	if err != nil {
		return false, fmt.Errorf("queue: remove %s: %w", uid, err)
	}
	return removed == 1, nil
}

// All returns every queued entry ordered by enqueue time (oldest first).
// Index members whose entry has vanished between the two reads are skipped.
func (s *Store) All(ctx context.Context) ([]Entry, error) {
	uids, err := s.rdb.ZRange(ctx, keyQueue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(uids))
	for i, uid := range uids {
		keys[i] = keyEntryPrefix + uid
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: load entries: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("queue: decode %s: %w", uids[i], err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Size returns the number of users currently waiting.
func (s *Store) Size(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, keyQueue).Result()
}

// createEntryLua writes the entry and its index member only if the entry key
// does not exist yet. Returns 1 when created, 0 when already present.
const createEntryLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`

// removeEntryLua deletes the entry and its index member. Returns 1 if the
// entry existed, 0 otherwise.
const removeEntryLua = `
local removed = redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return removed
`
