// Package multimap implements a multimap with per-value expiration
// backed by an ordered-score store, typically Redis sorted sets.
//
// Values live in per-key buckets as (score, value) pairs, where the
// score is the insertion timestamp in seconds. Reads filter out values
// older than the configured TTL, and every insertion opportunistically
// garbage collects expired values from its bucket, so no background
// sweep job is needed. The bucket itself expires through the store's
// own TTL mechanism together with its newest value.
package multimap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/expiremap/expiremap/store"
)

// Configuration errors reported by New.
var (
	ErrInvalidTTL       = errors.New("multimap: ttl must be greater than zero")
	ErrInvalidNamespace = errors.New("multimap: namespace must not be empty")
)

// Entry is one key together with the values to insert under it.
type Entry struct {
	Key    string
	Values []string
}

// MultiMap maps keys to sets of values that expire TTL after their
// insertion. The handle holds no mutable state of its own; everything
// lives in the backing store, so a MultiMap is safe for concurrent use
// by any number of callers.
type MultiMap struct {
	store     store.Store
	namespace string
	ttl       time.Duration
	now       func() time.Time
}

// New returns a MultiMap keeping its buckets under namespace with the
// given time-to-live. The ttl must be positive: a zero or negative ttl
// would make every insertion immediately evictable, so it is rejected
// here instead of silently persisting nothing. After ttl has elapsed
// without new insertions for a key, the store deletes the key's bucket
// on its own.
func New(s store.Store, namespace string, ttl time.Duration) (*MultiMap, error) {
	if namespace == "" {
		return nil, ErrInvalidNamespace
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	return &MultiMap{
		store:     s,
		namespace: namespace,
		ttl:       ttl,
		now:       time.Now,
	}, nil
}

// bucket returns key namespaced with the prefix, so all buckets of
// this map start equal.
func (m *MultiMap) bucket(key string) string {
	return m.namespace + ":" + key
}

// cutoff is the score below which an entry counts as expired. Both
// the write-path eviction and the read-path filter use it; the two
// definitions must never drift apart.
func (m *MultiMap) cutoff(now time.Time) int64 {
	return now.Add(-m.ttl).Unix()
}

// Add inserts values under key, timestamped now. Expired entries in
// the key's bucket are evicted in the same round trip, and the
// bucket's own expiration is pushed out past the new values' window.
// Adding zero values performs no store call at all.
func (m *MultiMap) Add(ctx context.Context, key string, values ...string) error {
	return m.AddMany(ctx, Entry{Key: key, Values: values})
}

// AddMany performs Add for every entry in a single batched round
// trip, with per-key semantics identical to repeated Add calls.
// Entries without values are skipped.
func (m *MultiMap) AddMany(ctx context.Context, entries ...Entry) error {
	now := m.now()
	score := now.Unix()
	cut := m.cutoff(now)
	// The extra second covers the inclusive read window: an entry is
	// still readable when its age equals the ttl exactly.
	deadline := now.Add(m.ttl + time.Second)

	batch := m.store.TxBatch()
	queued := false
	for _, e := range entries {
		if len(e.Values) == 0 {
			continue
		}
		scored := make([]store.ScoredValue, len(e.Values))
		for i, v := range e.Values {
			scored[i] = store.ScoredValue{Score: score, Value: v}
		}
		name := m.bucket(e.Key)
		// Write first, evict second, extend the bucket deadline
		// last. A failure partway through leaves at worst a bucket
		// that expires early, never one serving stale values.
		batch.AddScored(name, scored...)
		batch.RemoveScoredBelow(name, cut)
		batch.ExpireAt(name, deadline)
		queued = true
	}
	if !queued {
		return nil
	}
	if err := batch.Exec(ctx); err != nil {
		return fmt.Errorf("multimap: add failed: %w", err)
	}
	return nil
}

// Get returns the non-expired values stored under key. A key without
// a bucket, or whose values have all expired, yields an empty slice
// and no error. Get never mutates the bucket; eviction is strictly an
// insertion-path side effect.
func (m *MultiMap) Get(ctx context.Context, key string) ([]string, error) {
	results, err := m.GetMany(ctx, key)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// GetMany returns the non-expired values for every key, in the same
// order as the input keys, querying all buckets in one pipelined
// round trip.
func (m *MultiMap) GetMany(ctx context.Context, keys ...string) ([][]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cut := m.cutoff(m.now())

	batch := m.store.Batch()
	cmds := make([]*store.RangeCmd, len(keys))
	for i, key := range keys {
		cmds[i] = batch.RangeFrom(m.bucket(key), cut)
	}
	if err := batch.Exec(ctx); err != nil {
		return nil, fmt.Errorf("multimap: get failed: %w", err)
	}

	results := make([][]string, len(keys))
	for i, cmd := range cmds {
		values, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("multimap: get %q failed: %w", keys[i], err)
		}
		results[i] = values
	}
	return results, nil
}

// Delete removes keys and all their values. Deleting an absent key is
// not an error.
func (m *MultiMap) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	buckets := make([]string, len(keys))
	for i, key := range keys {
		buckets[i] = m.bucket(key)
	}
	batch := m.store.TxBatch()
	batch.Delete(buckets...)
	if err := batch.Exec(ctx); err != nil {
		return fmt.Errorf("multimap: delete failed: %w", err)
	}
	return nil
}
