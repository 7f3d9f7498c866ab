package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryBucket struct {
	scores   map[string]int64 // value -> score
	deadline time.Time        // zero until ExpireAt has been applied
}

// MemoryStore is an in-process Store emulating the ordered-score
// contract. It backs tests and single-process embedding where running
// Redis would be overkill.
type MemoryStore struct {
	buckets map[string]*memoryBucket
	mu      sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func NewMemoryStore() *MemoryStore {
	ms := &MemoryStore{
		buckets: make(map[string]*memoryBucket),
		done:    make(chan struct{}),
	}

	// Background cleanup of expired buckets
	go ms.cleanupExpired()

	return ms
}

// Batch and TxBatch behave identically here: the store mutex is held
// for the whole Exec, so every batch is atomic.
func (ms *MemoryStore) Batch() Batch   { return &memoryBatch{store: ms} }
func (ms *MemoryStore) TxBatch() Batch { return &memoryBatch{store: ms} }

// Close stops the background cleanup goroutine.
func (ms *MemoryStore) Close() error {
	ms.once.Do(func() { close(ms.done) })
	return nil
}

// Background cleanup of expired buckets (runs every minute)
func (ms *MemoryStore) cleanupExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ms.done:
			return
		case <-ticker.C:
			ms.mu.Lock()
			now := time.Now()
			for name, b := range ms.buckets {
				if !b.deadline.IsZero() && now.After(b.deadline) {
					delete(ms.buckets, name)
				}
			}
			ms.mu.Unlock()
		}
	}
}

// live returns the bucket for name, dropping it first if its deadline
// has passed. Caller must hold mu.
func (ms *MemoryStore) live(name string, now time.Time) *memoryBucket {
	b, ok := ms.buckets[name]
	if !ok {
		return nil
	}
	if !b.deadline.IsZero() && now.After(b.deadline) {
		delete(ms.buckets, name)
		return nil
	}
	return b
}

type memoryOp func(ms *MemoryStore, now time.Time)

type memoryBatch struct {
	store *MemoryStore
	ops   []memoryOp
}

func (b *memoryBatch) AddScored(bucket string, values ...ScoredValue) {
	vals := append([]ScoredValue(nil), values...)
	b.ops = append(b.ops, func(ms *MemoryStore, now time.Time) {
		if len(vals) == 0 {
			return
		}
		mb := ms.live(bucket, now)
		if mb == nil {
			mb = &memoryBucket{scores: make(map[string]int64)}
			ms.buckets[bucket] = mb
		}
		for _, v := range vals {
			mb.scores[v.Value] = v.Score
		}
	})
}

func (b *memoryBatch) RemoveScoredBelow(bucket string, cutoff int64) {
	b.ops = append(b.ops, func(ms *MemoryStore, now time.Time) {
		mb := ms.live(bucket, now)
		if mb == nil {
			return
		}
		for value, score := range mb.scores {
			if score < cutoff {
				delete(mb.scores, value)
			}
		}
	})
}

func (b *memoryBatch) RangeFrom(bucket string, min int64) *RangeCmd {
	out := &RangeCmd{}
	b.ops = append(b.ops, func(ms *MemoryStore, now time.Time) {
		mb := ms.live(bucket, now)
		if mb == nil {
			return
		}
		matched := make([]ScoredValue, 0, len(mb.scores))
		for value, score := range mb.scores {
			if score >= min {
				matched = append(matched, ScoredValue{Score: score, Value: value})
			}
		}
		// Score order with lexical tie-break, same as a sorted set.
		sort.Slice(matched, func(i, j int) bool {
			if matched[i].Score != matched[j].Score {
				return matched[i].Score < matched[j].Score
			}
			return matched[i].Value < matched[j].Value
		})
		out.values = make([]string, len(matched))
		for i, m := range matched {
			out.values[i] = m.Value
		}
	})
	return out
}

func (b *memoryBatch) ExpireAt(bucket string, at time.Time) {
	b.ops = append(b.ops, func(ms *MemoryStore, now time.Time) {
		if mb := ms.live(bucket, now); mb != nil {
			mb.deadline = at
		}
	})
}

func (b *memoryBatch) Delete(buckets ...string) {
	names := append([]string(nil), buckets...)
	b.ops = append(b.ops, func(ms *MemoryStore, now time.Time) {
		for _, name := range names {
			delete(ms.buckets, name)
		}
	})
}

func (b *memoryBatch) Exec(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	now := time.Now()
	for _, op := range b.ops {
		op(b.store, now)
	}
	b.ops = nil
	return nil
}
