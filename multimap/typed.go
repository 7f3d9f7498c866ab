package multimap

import (
	"context"
	"fmt"
	"strconv"
)

// Codec converts between domain values and their stored string form.
type Codec[T any] struct {
	Encode func(T) string
	Decode func(string) (T, error)
}

// IntCodec stores integers in decimal form.
func IntCodec() Codec[int] {
	return Codec[int]{
		Encode: strconv.Itoa,
		Decode: strconv.Atoi,
	}
}

// Typed wraps a MultiMap so callers work with domain values instead
// of raw strings. It adds no state and shares the underlying map's
// concurrency guarantees.
type Typed[T any] struct {
	m     *MultiMap
	codec Codec[T]
}

// TypedEntry is one key together with the typed values to insert
// under it.
type TypedEntry[T any] struct {
	Key    string
	Values []T
}

func NewTyped[T any](m *MultiMap, codec Codec[T]) *Typed[T] {
	return &Typed[T]{m: m, codec: codec}
}

func (t *Typed[T]) Add(ctx context.Context, key string, values ...T) error {
	return t.m.Add(ctx, key, t.encode(values)...)
}

func (t *Typed[T]) AddMany(ctx context.Context, entries ...TypedEntry[T]) error {
	encoded := make([]Entry, len(entries))
	for i, e := range entries {
		encoded[i] = Entry{Key: e.Key, Values: t.encode(e.Values)}
	}
	return t.m.AddMany(ctx, encoded...)
}

func (t *Typed[T]) Get(ctx context.Context, key string) ([]T, error) {
	raw, err := t.m.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return t.decode(raw)
}

func (t *Typed[T]) GetMany(ctx context.Context, keys ...string) ([][]T, error) {
	raw, err := t.m.GetMany(ctx, keys...)
	if err != nil {
		return nil, err
	}
	results := make([][]T, len(raw))
	for i, values := range raw {
		if results[i], err = t.decode(values); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (t *Typed[T]) Delete(ctx context.Context, keys ...string) error {
	return t.m.Delete(ctx, keys...)
}

func (t *Typed[T]) encode(values []T) []string {
	encoded := make([]string, len(values))
	for i, v := range values {
		encoded[i] = t.codec.Encode(v)
	}
	return encoded
}

func (t *Typed[T]) decode(raw []string) ([]T, error) {
	values := make([]T, len(raw))
	for i, r := range raw {
		v, err := t.codec.Decode(r)
		if err != nil {
			return nil, fmt.Errorf("multimap: decode %q failed: %w", r, err)
		}
		values[i] = v
	}
	return values, nil
}
