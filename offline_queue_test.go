package netcore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrakipen/netcore/kvstore"
)

func newTestQueue(t *testing.T, store kvstore.Store, opts ...QueueOption) (*OfflineQueue, *fakeClock) {
	t.Helper()
	if store == nil {
		store = kvstore.NewMemory()
	}
	q := NewOfflineQueue(store, opts...)
	clock := newFakeClock()
	q.now = clock.Now
	return q, clock
}

func enqueueNamed(t *testing.T, q *OfflineQueue, clock *fakeClock, names ...string) map[string]string {
	t.Helper()
	ids := make(map[string]string, len(names))
	for _, name := range names {
		clock.Advance(time.Millisecond)
		id, err := q.Enqueue(context.Background(), QueueItem{
			Method: "POST",
			URL:    "/posts/" + name,
			Body:   []byte(`{"n":"` + name + `"}`),
		})
		require.NoError(t, err)
		ids[id] = name
	}
	return ids
}

func TestOfflineQueueEnqueueDefaults(t *testing.T) {
	q, clock := newTestQueue(t, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, QueueItem{Method: "POST", URL: "/posts", RetryCount: 7})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	items, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)

	item := items[0]
	assert.Equal(t, id, item.ID)
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, DefaultMaxQueueRetries, item.MaxRetries)
	assert.NotEmpty(t, item.IdempotencyKey)
	assert.NotEqual(t, item.ID, item.IdempotencyKey)
	assert.True(t, item.EnqueuedAt.Equal(clock.Now()))

	req := item.Request()
	assert.Equal(t, item.IdempotencyKey, req.Header.Get(IdempotencyKeyHeader))
}

func TestOfflineQueueEnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	_, err := q.Enqueue(context.Background(), QueueItem{URL: "/posts"})
	assert.Equal(t, KindValidation, Classify(err))
}

func TestOfflineQueueKeepsCallerIdempotencyKey(t *testing.T) {
	q, _ := newTestQueue(t, nil, WithQueueMaxRetries(5))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, QueueItem{Method: "PUT", URL: "/a", IdempotencyKey: "fixed"})
	require.NoError(t, err)

	items, err := q.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fixed", items[0].IdempotencyKey)
	assert.Equal(t, 5, items[0].MaxRetries)
}

func TestOfflineQueueListPendingOrdersByEnqueuedAt(t *testing.T) {
	store := kvstore.NewMemory()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	raw, err := json.Marshal([]QueueItem{
		{ID: "c", Method: "POST", URL: "/c", EnqueuedAt: base.Add(3 * time.Second), MaxRetries: 3},
		{ID: "a", Method: "POST", URL: "/a", EnqueuedAt: base.Add(1 * time.Second), MaxRetries: 3},
		{ID: "b", Method: "POST", URL: "/b", EnqueuedAt: base.Add(2 * time.Second), MaxRetries: 3},
	})
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), DefaultQueueKey, raw))

	q, _ := newTestQueue(t, store)
	items, err := q.ListPending(context.Background())
	require.NoError(t, err)

	var order []string
	for _, it := range items {
		order = append(order, it.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestOfflineQueueDequeue(t *testing.T) {
	q, clock := newTestQueue(t, nil)
	ctx := context.Background()
	ids := enqueueNamed(t, q, clock, "1", "2")

	for id, name := range ids {
		if name == "1" {
			require.NoError(t, q.Dequeue(ctx, id))
		}
	}
	require.NoError(t, q.Dequeue(ctx, "missing"))

	items, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "/posts/2", items[0].URL)
}

func TestOfflineQueuePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "netcore.db")

	store, err := kvstore.OpenSQLite(ctx, path)
	require.NoError(t, err)
	q, clock := newTestQueue(t, store)
	enqueueNamed(t, q, clock, "1", "2", "3")
	require.NoError(t, store.Close())

	reopened, err := kvstore.OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	q2 := NewOfflineQueue(reopened)
	count, err := q2.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	var order []string
	res, err := q2.Sync(ctx, func(_ context.Context, item QueueItem) error {
		order = append(order, item.URL)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/posts/1", "/posts/2", "/posts/3"}, order)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 0, res.Remaining)
}

func TestOfflineQueueSyncRetriesFailedItemNextPass(t *testing.T) {
	q, clock := newTestQueue(t, nil)
	ctx := context.Background()
	enqueueNamed(t, q, clock, "1", "2", "3")

	var (
		order    []string
		failedAt = map[string]bool{}
	)
	exec := func(_ context.Context, item QueueItem) error {
		order = append(order, item.URL)
		if item.URL == "/posts/2" && !failedAt[item.URL] {
			failedAt[item.URL] = true
			return newRequestError(KindConnectivity, "offline", nil, nil)
		}
		return nil
	}

	first, err := q.Sync(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Processed: 3, Succeeded: 2, Remaining: 1}, first)
	assert.Equal(t, []string{"/posts/1", "/posts/2", "/posts/3"}, order)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, "Connectivity: offline", pending[0].LastError)

	second, err := q.Sync(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Processed: 1, Succeeded: 1, Remaining: 0}, second)
	assert.Equal(t, []string{"/posts/1", "/posts/2", "/posts/3", "/posts/2"}, order)

	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestOfflineQueueSyncDropsExhaustedItems(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, QueueItem{Method: "POST", URL: "/always-fails", MaxRetries: 2})
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		calls []int
	)
	q.OnSyncComplete(func(success bool, failed int) {
		mu.Lock()
		defer mu.Unlock()
		if success {
			calls = append(calls, 0)
		} else {
			calls = append(calls, failed)
		}
	})

	boom := errors.New("boom")
	attempts := 0
	exec := func(context.Context, QueueItem) error {
		attempts++
		return boom
	}

	first, err := q.Sync(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Failed)
	assert.Equal(t, 1, first.Remaining)

	second, err := q.Sync(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Failed)
	assert.Equal(t, 0, second.Remaining)
	require.Len(t, second.Dropped, 1)
	assert.ErrorIs(t, second.Dropped[0].Err, ErrQueueExhausted)
	assert.ErrorIs(t, second.Dropped[0].Err, boom)
	assert.Equal(t, 2, second.Dropped[0].Item.RetryCount)

	third, err := q.Sync(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, third)
	assert.Equal(t, 2, attempts)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1}, calls)
}

func TestOfflineQueueConcurrentSyncIsSkipped(t *testing.T) {
	q, clock := newTestQueue(t, nil)
	ctx := context.Background()
	enqueueNamed(t, q, clock, "1")

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan SyncResult, 1)
	go func() {
		res, _ := q.Sync(ctx, func(context.Context, QueueItem) error {
			close(entered)
			<-release
			return nil
		})
		done <- res
	}()

	<-entered
	res, err := q.Sync(ctx, func(context.Context, QueueItem) error {
		t.Error("second sync must not run the executor")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(release)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Succeeded)
}

func TestOfflineQueueSyncSkippedWhileOffline(t *testing.T) {
	monitor := NewConnectivityMonitor(false, nil)
	q, clock := newTestQueue(t, nil, WithQueueConnectivity(monitor))
	enqueueNamed(t, q, clock, "1")

	res, err := q.Sync(context.Background(), func(context.Context, QueueItem) error {
		t.Error("executor called while offline")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestOfflineQueueWatchSyncsOnReconnect(t *testing.T) {
	monitor := NewConnectivityMonitor(false, nil)
	q, clock := newTestQueue(t, nil)
	enqueueNamed(t, q, clock, "1", "2", "3")

	completed := make(chan bool, 1)
	q.OnSyncComplete(func(success bool, _ int) { completed <- success })

	var (
		mu    sync.Mutex
		order []string
	)
	stop := q.Watch(monitor, func(_ context.Context, item QueueItem) error {
		mu.Lock()
		order = append(order, item.URL)
		mu.Unlock()
		return nil
	})
	defer stop()

	monitor.SetOnline(true)

	select {
	case success := <-completed:
		assert.True(t, success)
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not run after reconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/posts/1", "/posts/2", "/posts/3"}, order)
}

func TestOfflineQueueOnSyncCompleteUnsubscribe(t *testing.T) {
	q, clock := newTestQueue(t, nil)
	ctx := context.Background()

	calls := 0
	unsubscribe := q.OnSyncComplete(func(bool, int) { calls++ })

	enqueueNamed(t, q, clock, "1")
	_, err := q.Sync(ctx, func(context.Context, QueueItem) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	unsubscribe()
	enqueueNamed(t, q, clock, "2")
	_, err = q.Sync(ctx, func(context.Context, QueueItem) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestOfflineQueueClear(t *testing.T) {
	q, clock := newTestQueue(t, nil)
	ctx := context.Background()
	enqueueNamed(t, q, clock, "1", "2")

	require.NoError(t, q.Clear(ctx))
	require.NoError(t, q.Clear(ctx))

	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestOfflineQueueCorruptPayload(t *testing.T) {
	store := kvstore.NewMemory()
	require.NoError(t, store.Set(context.Background(), DefaultQueueKey, []byte("{not json")))

	q, _ := newTestQueue(t, store)
	_, err := q.ListPending(context.Background())
	assert.Error(t, err)

	require.NoError(t, q.Clear(context.Background()))
	count, err := q.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}
