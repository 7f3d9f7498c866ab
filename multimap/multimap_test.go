package multimap

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expiremap/expiremap/store"
)

// fakeClock anchors at the real time so bucket deadlines computed from
// it stay in the real future, and advances only when told to.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Tick(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestMap(t *testing.T, ttl time.Duration) (*MultiMap, *fakeClock) {
	t.Helper()

	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	m, err := New(s, "multimap", ttl)
	require.NoError(t, err)

	clock := newFakeClock()
	m.now = clock.Now
	return m, clock
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name      string
		namespace string
		ttl       time.Duration
		wantErr   error
	}{
		{
			name:      "valid",
			namespace: "multimap",
			ttl:       time.Minute,
			wantErr:   nil,
		},
		{
			name:      "empty namespace",
			namespace: "",
			ttl:       time.Minute,
			wantErr:   ErrInvalidNamespace,
		},
		{
			name:      "zero ttl",
			namespace: "multimap",
			ttl:       0,
			wantErr:   ErrInvalidTTL,
		},
		{
			name:      "negative ttl",
			namespace: "multimap",
			ttl:       -time.Second,
			wantErr:   ErrInvalidTTL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMemoryStore()
			defer s.Close()

			m, err := New(s, tt.namespace, tt.ttl)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, m)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, m)
		})
	}
}

func TestAddThenGet(t *testing.T) {
	m, _ := newTestMap(t, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "a", "1"))

	values, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, values)
}

func TestGetWithoutPreviousWrite(t *testing.T) {
	m, _ := newTestMap(t, 10*time.Second)

	values, err := m.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestGetManyWithoutPreviousWrite(t *testing.T) {
	m, _ := newTestMap(t, 10*time.Second)

	results, err := m.GetMany(context.Background(), "a", "b")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Empty(t, results[0])
	assert.Empty(t, results[1])
}

func TestAddDoesNotDuplicate(t *testing.T) {
	m, _ := newTestMap(t, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "a", "1"))
	require.NoError(t, m.Add(ctx, "a", "1"))
	require.NoError(t, m.Add(ctx, "a", "1", "1", "1"))

	values, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, values)
}

func TestAddMultipleValues(t *testing.T) {
	m, _ := newTestMap(t, 10*time.Second)
	ctx := context.Background()

	values := []string{"2", "3", "5", "7", "9", "11", "15", "13"}
	require.NoError(t, m.Add(ctx, "x", values...))

	got, err := m.Get(ctx, "x")
	require.NoError(t, err)
	assert.ElementsMatch(t, values, got)
}

func TestAddWithoutValues(t *testing.T) {
	m, _ := newTestMap(t, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "x"))

	got, err := m.Get(ctx, "x")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAddManyGetMany(t *testing.T) {
	m, _ := newTestMap(t, 10*time.Second)
	ctx := context.Background()

	entries := []Entry{
		{Key: "a", Values: []string{"1", "2", "3"}},
		{Key: "b", Values: []string{"4", "5", "6"}},
		{Key: "c", Values: []string{"2", "4", "8"}},
	}
	require.NoError(t, m.AddMany(ctx, entries...))

	results, err := m.GetMany(ctx, "a", "b", "c")
	require.NoError(t, err)
	require.Len(t, results, len(entries))
	for i, e := range entries {
		assert.ElementsMatch(t, e.Values, results[i], "key %q", e.Key)
	}
}

func TestGetManyPreservesKeyOrder(t *testing.T) {
	m, _ := newTestMap(t, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "a", "1"))
	require.NoError(t, m.Add(ctx, "c", "3"))

	// "b" has no bucket and must come back empty, in position.
	results, err := m.GetMany(ctx, "a", "b", "c")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"1"}, results[0])
	assert.Empty(t, results[1])
	assert.Equal(t, []string{"3"}, results[2])
}

func TestExpiredValuesFilteredOnRead(t *testing.T) {
	m, clock := newTestMap(t, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "a", "1"))

	clock.Tick(9 * time.Second)
	values, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, values)

	require.NoError(t, m.Add(ctx, "a", "2"))
	values, err = m.Get(ctx, "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, values)

	// Past the window of "1"; it is filtered even though no write
	// has evicted it yet.
	clock.Tick(2 * time.Second)
	values, err = m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, values)
}

func TestOpportunisticEvictionOnWrite(t *testing.T) {
	m, clock := newTestMap(t, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "a", "1", "2"))

	clock.Tick(9 * time.Second)
	values, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, values)

	require.NoError(t, m.Add(ctx, "a", "3"))
	values, err = m.Get(ctx, "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2", "3"}, values)

	// "1" and "2" are now outside the window; the next write evicts
	// them for good.
	clock.Tick(2 * time.Second)
	require.NoError(t, m.Add(ctx, "a", "4"))
	values, err = m.Get(ctx, "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"3", "4"}, values)
}

// TestExpirationTimeline walks the canonical timeline: ttl of 5s,
// values added at t=0, t=3 and t=6.
func TestExpirationTimeline(t *testing.T) {
	m, clock := newTestMap(t, 5*time.Second)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "a", "1")) // t=0

	clock.Tick(3 * time.Second) // t=3
	require.NoError(t, m.Add(ctx, "a", "2"))
	values, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, values)

	clock.Tick(3 * time.Second) // t=6, "1" is 6s old
	values, err = m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, values)

	require.NoError(t, m.Add(ctx, "a", "3"))
	values, err = m.Get(ctx, "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"2", "3"}, values)
}

func TestReAddRefreshesRecency(t *testing.T) {
	m, clock := newTestMap(t, 5*time.Second)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "a", "1"))

	clock.Tick(3 * time.Second)
	require.NoError(t, m.Add(ctx, "a", "1"))

	// 6s after the first insertion, 3s after the refresh: the value
	// must survive, and only once.
	clock.Tick(3 * time.Second)
	values, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, values)
}

func TestAllValuesExpireWithoutWrites(t *testing.T) {
	m, clock := newTestMap(t, 5*time.Second)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "a", "1", "2", "3"))

	clock.Tick(6 * time.Second)
	values, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestDelete(t *testing.T) {
	m, _ := newTestMap(t, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "a", "10"))
	require.NoError(t, m.Delete(ctx, "a"))

	values, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestDeleteMultiple(t *testing.T) {
	m, _ := newTestMap(t, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "a", "10"))
	require.NoError(t, m.Add(ctx, "b", "20"))
	require.NoError(t, m.Delete(ctx, "a", "b"))

	results, err := m.GetMany(ctx, "a", "b")
	require.NoError(t, err)
	assert.Empty(t, results[0])
	assert.Empty(t, results[1])
}

func TestDeleteAbsentKey(t *testing.T) {
	m, _ := newTestMap(t, 10*time.Second)

	require.NoError(t, m.Delete(context.Background(), "nonexistent"))
}

func TestKeysAreIndependent(t *testing.T) {
	m, clock := newTestMap(t, 5*time.Second)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "a", "1"))

	clock.Tick(4 * time.Second)
	require.NoError(t, m.Add(ctx, "b", "2"))

	clock.Tick(2 * time.Second)
	results, err := m.GetMany(ctx, "a", "b")
	require.NoError(t, err)
	assert.Empty(t, results[0])
	assert.Equal(t, []string{"2"}, results[1])
}

func TestConcurrentAdd(t *testing.T) {
	m, _ := newTestMap(t, time.Minute)
	ctx := context.Background()

	// Launch 10 goroutines, each adding 10 distinct values
	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(id int) {
			var err error
			for j := 0; j < 10; j++ {
				value := fmt.Sprintf("%d-%d", id, j)
				if e := m.Add(ctx, "concurrent", value); e != nil {
					err = e
				}
			}
			done <- err
		}(i)
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, <-done)
	}

	values, err := m.Get(ctx, "concurrent")
	require.NoError(t, err)
	assert.Len(t, values, 100)
}

func TestCancelledContext(t *testing.T) {
	m, _ := newTestMap(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Add(ctx, "a", "1")
	require.Error(t, err)
}
