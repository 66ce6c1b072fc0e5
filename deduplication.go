package netcore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ultrakipen/netcore/internal/singleflight"
)

// DefaultDedupWindow is how long a completed call keeps answering duplicates.
const DefaultDedupWindow = 2 * time.Second

// DeduplicationKeyFunc builds the identity of a logical request.
type DeduplicationKeyFunc func(*Request) string

// DefaultDeduplicationKeyFunc returns req.Key when set, otherwise
// "METHOD URL", with a body digest appended for mutating verbs. The URL stays
// readable so substring invalidation patterns match it.
func DefaultDeduplicationKeyFunc(req *Request) string {
	if req.Key != "" {
		return req.Key
	}
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.URL)
	if isMutating(req.Method) && len(req.Body) > 0 {
		sum := sha256.Sum256(req.Body)
		b.WriteString(" #")
		b.WriteString(hex.EncodeToString(sum[:8]))
	}
	return b.String()
}

// Deduplicator collapses identical logical requests into one execution.
// An in-flight call is always joined; a completed one is joined while
// now - CompletedAt < window. Expired calls are cleaned up lazily on access.
type Deduplicator struct {
	group  *singleflight.Group
	logger Logger
}

// NewDeduplicator creates a deduplicator. A zero window shares only
// in-flight calls; a negative window uses DefaultDedupWindow.
func NewDeduplicator(window time.Duration, logger Logger) *Deduplicator {
	if window < 0 {
		window = DefaultDedupWindow
	}
	return &Deduplicator{
		group:  singleflight.New(window),
		logger: loggerOrNop(logger),
	}
}

func (d *Deduplicator) setClock(now func() time.Time) {
	d.group.SetClock(now)
}

// Do runs produce once per key within the window. Every caller gets the
// identical value or error; shared reports whether this caller joined an
// existing call. produce is not cancelled when the first caller's ctx is;
// ctx only bounds this caller's wait.
func (d *Deduplicator) Do(ctx context.Context, key string, produce func(ctx context.Context) (any, error)) (v any, err error, shared bool) {
	v, err, shared = d.group.Do(ctx, key, produce)
	if shared {
		d.logger.Debug("dedup joined pending call", "key", key)
	}
	return v, err, shared
}

// Forget drops key so the next call runs fresh.
func (d *Deduplicator) Forget(key string) {
	d.group.Forget(key)
}

// InvalidatePattern drops every key containing pattern.
func (d *Deduplicator) InvalidatePattern(pattern string) int {
	return d.group.ForgetFunc(func(key string) bool {
		return strings.Contains(key, pattern)
	})
}

// Len reports the number of joinable calls.
func (d *Deduplicator) Len() int {
	return d.group.Len()
}

// Window returns the grace window.
func (d *Deduplicator) Window() time.Duration {
	return d.group.Window()
}

// Dedupe is the typed form of Deduplicator.Do.
func Dedupe[T any](ctx context.Context, d *Deduplicator, key string, produce func(ctx context.Context) (T, error)) (T, error) {
	v, err, _ := d.Do(ctx, key, func(ctx context.Context) (any, error) {
		return produce(ctx)
	})
	var zero T
	if v == nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("dedupe %q: shared value has type %T, want %T", key, v, zero)
	}
	return typed, err
}
