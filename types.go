package netcore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Request describes one logical operation. The core never interprets Body.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration

	// Key overrides the identity used for deduplication and caching.
	Key string

	// Tier selects the cache TTL tier for reads.
	Tier CacheTier

	// NoCache bypasses the response cache for this read.
	NoCache bool

	// Invalidates lists cache key substrings dropped after a successful write.
	Invalidates []string

	// AllowRetry opts a non-idempotent request into automatic retries.
	AllowRetry bool

	// MaxQueueRetries bounds replays if the write is queued offline.
	MaxQueueRetries int

	replayed  bool
	anonymous bool
}

// Clone returns a copy safe to mutate headers on.
func (r *Request) Clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if r.Invalidates != nil {
		c.Invalidates = append([]string(nil), r.Invalidates...)
	}
	return &c
}

// Response is a fully buffered transport response. Responses served from the
// cache or shared through deduplication are the same value for every caller
// and must be treated as read-only.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Transport is the raw network primitive wrapped by the pipeline.
type Transport interface {
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// RoundTrip calls f.
func (f TransportFunc) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware wraps a transport call for cross-cutting concerns.
type Middleware func(ctx context.Context, req *Request, next Transport) (*Response, error)

// CacheTier selects one of the fixed TTL classes.
type CacheTier int

const (
	// TierDefault resolves to the pipeline's default tier.
	TierDefault CacheTier = iota
	// TierShort is for volatile lists.
	TierShort
	// TierMedium is for detail views.
	TierMedium
	// TierLong is for near-static reference data.
	TierLong
	// TierVeryLong is for static data.
	TierVeryLong
)

// Default tier durations.
const (
	ShortTTL    = 30 * time.Second
	MediumTTL   = 5 * time.Minute
	LongTTL     = 30 * time.Minute
	VeryLongTTL = 24 * time.Hour
)

func (t CacheTier) String() string {
	switch t {
	case TierShort:
		return "short"
	case TierMedium:
		return "medium"
	case TierLong:
		return "long"
	case TierVeryLong:
		return "very_long"
	default:
		return "default"
	}
}

// ParseCacheTier maps "short", "medium", "long" or "very_long" to a tier.
func ParseCacheTier(s string) (CacheTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return TierDefault, nil
	case "short":
		return TierShort, nil
	case "medium":
		return TierMedium, nil
	case "long":
		return TierLong, nil
	case "very_long", "verylong":
		return TierVeryLong, nil
	default:
		return TierDefault, fmt.Errorf("unknown cache tier %q", s)
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// DefaultIsIdempotent returns true for idempotent HTTP methods.
func DefaultIsIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
