package netcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/ultrakipen/netcore/internal/singleflight"
	"github.com/ultrakipen/netcore/kvstore"
)

const (
	// DefaultQueueKey is the store key holding the serialized pending list.
	DefaultQueueKey = "netcore:offline_queue"
	// DefaultMaxQueueRetries bounds replays of a queued write.
	DefaultMaxQueueRetries = 3
	// IdempotencyKeyHeader carries QueueItem.IdempotencyKey on replay.
	IdempotencyKeyHeader = "Idempotency-Key"
)

// QueueItem is a write captured while the remote was unreachable.
type QueueItem struct {
	ID             string      `json:"id"`
	Method         string      `json:"method"`
	URL            string      `json:"url"`
	Body           []byte      `json:"body,omitempty"`
	Header         http.Header `json:"headers,omitempty"`
	EnqueuedAt     time.Time   `json:"enqueued_at"`
	RetryCount     int         `json:"retry_count"`
	MaxRetries     int         `json:"max_retries"`
	IdempotencyKey string      `json:"idempotency_key"`
	Invalidates    []string    `json:"invalidates,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
}

// Request rebuilds the request for replay, with the idempotency key attached.
func (i QueueItem) Request() *Request {
	h := i.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	if i.IdempotencyKey != "" {
		h.Set(IdempotencyKeyHeader, i.IdempotencyKey)
	}
	return &Request{
		Method:      i.Method,
		URL:         i.URL,
		Header:      h,
		Body:        append([]byte(nil), i.Body...),
		Invalidates: append([]string(nil), i.Invalidates...),
	}
}

// QueueExecutor replays one item. A nil error dequeues it.
type QueueExecutor func(ctx context.Context, item QueueItem) error

// DroppedItem is an item removed after exhausting its retries.
type DroppedItem struct {
	Item QueueItem
	Err  error
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	// Skipped is set when another pass was running or the observer reported offline.
	Skipped   bool
	Processed int
	Succeeded int
	Failed    int
	Remaining int
	Dropped   []DroppedItem
}

// QueueOption configures an OfflineQueue.
type QueueOption func(*OfflineQueue)

// WithQueueKey sets the store key.
func WithQueueKey(key string) QueueOption {
	return func(q *OfflineQueue) {
		if key != "" {
			q.key = key
		}
	}
}

// WithQueueMaxRetries sets the default MaxRetries for new items.
func WithQueueMaxRetries(n int) QueueOption {
	return func(q *OfflineQueue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithQueueConnectivity makes Sync a no-op while observer reports offline.
func WithQueueConnectivity(observer ConnectivityObserver) QueueOption {
	return func(q *OfflineQueue) {
		q.observer = observer
	}
}

// WithQueueLogger attaches a logger.
func WithQueueLogger(l Logger) QueueOption {
	return func(q *OfflineQueue) {
		q.logger = loggerOrNop(l)
	}
}

// WithQueueMetrics attaches a metrics collector.
func WithQueueMetrics(mc *MetricsCollector) QueueOption {
	return func(q *OfflineQueue) {
		q.metrics = mc
	}
}

// OfflineQueue persists writes made while offline and replays them oldest
// first when connectivity returns. The whole list lives under one store key;
// every mutation is a read-modify-write serialized by the queue.
type OfflineQueue struct {
	store      kvstore.Store
	key        string
	maxRetries int
	observer   ConnectivityObserver

	mu    sync.Mutex
	guard *singleflight.Group

	listenersMu sync.Mutex
	listeners   map[int]func(success bool, failed int)
	nextID      int

	metrics *MetricsCollector
	logger  Logger
	now     func() time.Time
}

// NewOfflineQueue creates a queue over store.
func NewOfflineQueue(store kvstore.Store, opts ...QueueOption) *OfflineQueue {
	q := &OfflineQueue{
		store:      store,
		key:        DefaultQueueKey,
		maxRetries: DefaultMaxQueueRetries,
		guard:      singleflight.New(0),
		listeners:  make(map[int]func(bool, int)),
		logger:     NopLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends item with a fresh id and idempotency key and RetryCount 0.
// A caller-supplied IdempotencyKey is kept.
func (q *OfflineQueue) Enqueue(ctx context.Context, item QueueItem) (string, error) {
	if item.Method == "" || item.URL == "" {
		return "", newRequestError(KindValidation, "queued item needs a method and URL", nil, nil)
	}
	item.ID = uuid.NewString()
	if item.IdempotencyKey == "" {
		item.IdempotencyKey = uuid.NewString()
	}
	item.EnqueuedAt = q.now()
	item.RetryCount = 0
	item.LastError = ""
	if item.MaxRetries <= 0 {
		item.MaxRetries = q.maxRetries
	}
	item.Header = item.Header.Clone()
	item.Body = append([]byte(nil), item.Body...)

	err := q.mutate(ctx, func(items []QueueItem) []QueueItem {
		return append(items, item)
	})
	if err != nil {
		return "", err
	}
	q.logger.Info("write queued for replay", "id", item.ID, "method", item.Method, "url", item.URL)
	return item.ID, nil
}

// Dequeue removes the item with id. Unknown ids are ignored.
func (q *OfflineQueue) Dequeue(ctx context.Context, id string) error {
	return q.mutate(ctx, func(items []QueueItem) []QueueItem {
		out := items[:0]
		for _, it := range items {
			if it.ID != id {
				out = append(out, it)
			}
		}
		return out
	})
}

// ListPending returns the pending items, oldest first.
func (q *OfflineQueue) ListPending(ctx context.Context) ([]QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	sortByEnqueued(items)
	return items, nil
}

// Count returns the number of pending items.
func (q *OfflineQueue) Count(ctx context.Context) (int, error) {
	items, err := q.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Clear drops every pending item.
func (q *OfflineQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Remove(ctx, q.key); err != nil && !errors.Is(err, kvstore.ErrKeyNotFound) {
		return fmt.Errorf("netcore: clear offline queue: %w", err)
	}
	q.metrics.RecordQueueDepth(0)
	return nil
}

// OnSyncComplete registers fn to run after every executed pass and returns
// a function that removes it.
func (q *OfflineQueue) OnSyncComplete(fn func(success bool, failed int)) func() {
	q.listenersMu.Lock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = fn
	q.listenersMu.Unlock()

	return func() {
		q.listenersMu.Lock()
		delete(q.listeners, id)
		q.listenersMu.Unlock()
	}
}

// Watch triggers Sync with exec on every offline to online transition of
// observer, and makes Sync a no-op while it reports offline. The returned
// function stops watching.
func (q *OfflineQueue) Watch(observer ConnectivityObserver, exec QueueExecutor) func() {
	q.mu.Lock()
	q.observer = observer
	q.mu.Unlock()

	return observer.Subscribe(func(online bool) {
		if !online {
			return
		}
		go func() {
			if _, err := q.Sync(context.Background(), exec); err != nil {
				q.logger.Error("offline queue sync failed", "error", err)
			}
		}()
	})
}

// Sync replays pending items oldest first. Success dequeues an item; failure
// increments RetryCount and drops the item once it reaches MaxRetries. A call
// made while another pass runs, or while offline, returns Skipped.
func (q *OfflineQueue) Sync(ctx context.Context, exec QueueExecutor) (SyncResult, error) {
	q.mu.Lock()
	observer := q.observer
	q.mu.Unlock()
	if observer != nil && !observer.Online() {
		q.metrics.RecordSyncPass("skipped")
		return SyncResult{Skipped: true}, nil
	}

	v, err, ran := q.guard.TryDo(ctx, "sync", func(ctx context.Context) (any, error) {
		return q.sync(ctx, exec)
	})
	if !ran {
		q.logger.Debug("offline queue sync already running")
		q.metrics.RecordSyncPass("skipped")
		return SyncResult{Skipped: true}, nil
	}
	res, _ := v.(SyncResult)
	return res, err
}

func (q *OfflineQueue) sync(ctx context.Context, exec QueueExecutor) (SyncResult, error) {
	var res SyncResult
	items, err := q.ListPending(ctx)
	if err != nil {
		q.metrics.RecordSyncPass("error")
		return res, err
	}
	if len(items) == 0 {
		return res, nil
	}

	q.logger.Info("offline queue sync started", "pending", len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			q.metrics.RecordSyncPass("error")
			return res, err
		}
		res.Processed++

		execErr := exec(ctx, item)
		if execErr == nil {
			if err := q.Dequeue(ctx, item.ID); err != nil {
				q.metrics.RecordSyncPass("error")
				return res, err
			}
			res.Succeeded++
			continue
		}

		item.RetryCount++
		item.LastError = execErr.Error()
		if item.RetryCount >= item.MaxRetries {
			if err := q.Dequeue(ctx, item.ID); err != nil {
				q.metrics.RecordSyncPass("error")
				return res, err
			}
			res.Failed++
			res.Dropped = append(res.Dropped, DroppedItem{Item: item, Err: q.exhausted(item, execErr)})
			q.logger.Warn("queued write dropped after retries", "id", item.ID, "retries", item.RetryCount, "error", execErr)
			continue
		}
		if err := q.update(ctx, item); err != nil {
			q.metrics.RecordSyncPass("error")
			return res, err
		}
		q.logger.Debug("queued write replay failed", "id", item.ID, "retries", item.RetryCount, "error", execErr)
	}

	if res.Remaining, err = q.Count(ctx); err != nil {
		q.metrics.RecordSyncPass("error")
		return res, err
	}
	if res.Failed > 0 {
		q.metrics.RecordQueueDropped(res.Failed)
		q.metrics.RecordSyncPass("partial")
	} else {
		q.metrics.RecordSyncPass("success")
	}
	q.logger.Info("offline queue sync finished",
		"succeeded", res.Succeeded, "failed", res.Failed, "remaining", res.Remaining)
	q.notify(res.Failed == 0, res.Failed)
	return res, nil
}

func (q *OfflineQueue) exhausted(item QueueItem, cause error) error {
	e := newRequestError(KindQueueExhausted,
		fmt.Sprintf("dropped after %d replays", item.RetryCount), cause, item.Request())
	e.Attempt = item.RetryCount
	e.MaxAttempts = item.MaxRetries
	return e
}

func (q *OfflineQueue) notify(success bool, failed int) {
	q.listenersMu.Lock()
	fns := make([]func(bool, int), 0, len(q.listeners))
	for _, fn := range q.listeners {
		fns = append(fns, fn)
	}
	q.listenersMu.Unlock()

	var wg conc.WaitGroup
	for _, fn := range fns {
		wg.Go(func() { fn(success, failed) })
	}
	if r := wg.WaitAndRecover(); r != nil {
		q.logger.Error("sync listener panicked", "panic", r.Value)
	}
}

func (q *OfflineQueue) update(ctx context.Context, item QueueItem) error {
	return q.mutate(ctx, func(items []QueueItem) []QueueItem {
		for i := range items {
			if items[i].ID == item.ID {
				items[i] = item
			}
		}
		return items
	})
}

func (q *OfflineQueue) mutate(ctx context.Context, fn func([]QueueItem) []QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.loadLocked(ctx)
	if err != nil {
		return err
	}
	items = fn(items)
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("netcore: encode offline queue: %w", err)
	}
	if err := q.store.Set(ctx, q.key, data); err != nil {
		return fmt.Errorf("netcore: persist offline queue: %w", err)
	}
	q.metrics.RecordQueueDepth(len(items))
	return nil
}

func (q *OfflineQueue) loadLocked(ctx context.Context) ([]QueueItem, error) {
	data, err := q.store.Get(ctx, q.key)
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return []QueueItem{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("netcore: load offline queue: %w", err)
	}
	var items []QueueItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("netcore: decode offline queue: %w", err)
	}
	return items, nil
}

func sortByEnqueued(items []QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})
}
