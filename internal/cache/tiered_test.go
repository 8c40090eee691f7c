package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newL1Only(t *testing.T) *TieredCache {
	t.Helper()
	l1 := NewL1Cache(100, 0)
	t.Cleanup(l1.Close)
	return NewTieredCache(l1, nil, nil)
}

type payload struct {
	Value string `json:"value"`
}

func TestGetOrFetchMissThenHit(t *testing.T) {
	tc := newL1Only(t)
	ctx := context.Background()
	fetches := 0

	fetch := func(ctx context.Context) (interface{}, error) {
		fetches++
		return payload{Value: "fresh"}, nil
	}

	var out payload
	hit, err := tc.GetOrFetch(ctx, "k", time.Minute, &out, fetch)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "fresh", out.Value)
	assert.Equal(t, 1, fetches)

	out = payload{}
	hit, err = tc.GetOrFetch(ctx, "k", time.Minute, &out, fetch)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "fresh", out.Value)
	assert.Equal(t, 1, fetches, "second read served from cache")
}

func TestGetOrFetchPropagatesFetchError(t *testing.T) {
	tc := newL1Only(t)
	wantErr := errors.New("backend down")

	var out payload
	hit, err := tc.GetOrFetch(context.Background(), "k", time.Minute, &out, func(ctx context.Context) (interface{}, error) {
		return nil, wantErr
	})
	assert.False(t, hit)
	assert.ErrorIs(t, err, wantErr)
}

func TestGetOrFetchCoalescesConcurrentMisses(t *testing.T) {
	tc := newL1Only(t)
	var fetches atomic.Int64
	release := make(chan struct{})

	fetch := func(ctx context.Context) (interface{}, error) {
		fetches.Add(1)
		<-release
		return payload{Value: "once"}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]payload, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = tc.GetOrFetch(context.Background(), "hot", time.Minute, &results[i], fetch)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "once", results[i].Value)
	}
	assert.Equal(t, int64(1), fetches.Load(), "one fetch per key under concurrency")
}

func TestSetManyGetManyRoundTrip(t *testing.T) {
	tc := newL1Only(t)
	ctx := context.Background()

	err := tc.SetMany(ctx, map[string]interface{}{
		"a": payload{Value: "one"},
		"b": payload{Value: "two"},
	}, time.Minute)
	require.NoError(t, err)

	got := tc.GetMany(ctx, []string{"a", "b", "missing"})
	require.Len(t, got, 2)
	assert.Contains(t, got, "a")
	assert.Contains(t, got, "b")
	assert.NotContains(t, got, "missing")

	var out payload
	hit, err := tc.GetOrFetch(ctx, "a", time.Minute, &out, func(ctx context.Context) (interface{}, error) {
		t.Fatal("fetcher should not run")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "one", out.Value)
}

func TestInvalidatePatternForcesRefetch(t *testing.T) {
	tc := newL1Only(t)
	ctx := context.Background()
	value := "v1"

	fetch := func(ctx context.Context) (interface{}, error) {
		return payload{Value: value}, nil
	}

	key := LatestKey("NIFTY", "5min", "all", []string{"2025-11-06"})
	var out payload
	_, err := tc.GetOrFetch(ctx, key, time.Minute, &out, fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", out.Value)

	value = "v2"
	for _, pattern := range InvalidationPatterns("NIFTY", "5min") {
		tc.InvalidatePattern(ctx, pattern)
	}

	hit, err := tc.GetOrFetch(ctx, key, time.Minute, &out, fetch)
	require.NoError(t, err)
	assert.False(t, hit, "invalidation evicted the entry")
	assert.Equal(t, "v2", out.Value)
}
