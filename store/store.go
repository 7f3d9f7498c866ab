package store

import (
	"context"
	"time"
)

// ScoredValue is one bucket member together with its score.
type ScoredValue struct {
	Score int64
	Value string
}

// RangeCmd is the handle for a queued range query. Its result becomes
// available once the owning Batch has been executed.
type RangeCmd struct {
	values []string
	err    error
}

// Result returns the values matched by the range query, ascending by
// score. Calling it before Batch.Exec yields an empty result.
func (c *RangeCmd) Result() ([]string, error) {
	return c.values, c.err
}

// Batch queues bucket operations and sends them to the store in a
// single round trip. A Batch is single-use: queue operations, call
// Exec once, then read any RangeCmd results. Not safe for concurrent
// use; each caller builds its own.
type Batch interface {
	// AddScored inserts values into a bucket, creating the bucket if
	// absent. Re-adding an existing value updates its score instead
	// of duplicating the entry.
	AddScored(bucket string, values ...ScoredValue)

	// RemoveScoredBelow deletes every entry with score < cutoff.
	// Entries at exactly the cutoff are kept.
	RemoveScoredBelow(bucket string, cutoff int64)

	// RangeFrom queries all entries with score >= min.
	RangeFrom(bucket string, min int64) *RangeCmd

	// ExpireAt sets the bucket's own absolute expiration. A missing
	// bucket is left untouched.
	ExpireAt(bucket string, at time.Time)

	// Delete removes whole buckets. Missing buckets are ignored.
	Delete(buckets ...string)

	// Exec runs the queued operations. On error the whole batch is
	// considered failed; partial effects depend on the backend's
	// pipelining guarantees.
	Exec(ctx context.Context) error
}

// Store is an ordered-score collection keyed by bucket name: each
// bucket holds (score, value) pairs ordered by score, and carries its
// own absolute expiration independent of entry scores.
// Implementations must be safe for concurrent use.
type Store interface {
	// Batch returns a pipelined batch with no atomicity guarantee,
	// suitable for read-only operation groups.
	Batch() Batch

	// TxBatch returns a batch that applies atomically: no other
	// client observes a state where some of its operations have run
	// and others have not.
	TxBatch() Batch

	// Close releases the underlying connection.
	Close() error
}
