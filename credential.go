package netcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ultrakipen/netcore/internal/singleflight"
	"github.com/ultrakipen/netcore/kvstore"
)

// DefaultCredentialKey is the store key holding the serialized Credential.
const DefaultCredentialKey = "netcore:credentials"

// DefaultExcludedEndpoints are paths where a 401 is an expected outcome and
// never triggers a refresh.
var DefaultExcludedEndpoints = []string{"/auth/login", "/auth/validate", "/auth/refresh", "/users/password"}

// Credential is the persisted session material. It is read and replaced
// whole, never partially updated.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// CredentialState is the refresh state machine.
type CredentialState int

const (
	StateValid CredentialState = iota
	StateRefreshing
	StateFailed
)

func (s CredentialState) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Refresher exchanges a refresh token for a new Credential.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Credential, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (Credential, error)

// Refresh calls f.
func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (Credential, error) {
	return f(ctx, refreshToken)
}

// SessionListener is notified once per failed refresh.
type SessionListener interface {
	SessionEnded(reason error)
}

// SessionListenerFunc adapts a function to SessionListener.
type SessionListenerFunc func(reason error)

// SessionEnded calls f.
func (f SessionListenerFunc) SessionEnded(reason error) {
	f(reason)
}

// CredentialOption configures a CredentialCoordinator.
type CredentialOption func(*CredentialCoordinator)

// WithSessionListener registers the session-ended listener.
func WithSessionListener(l SessionListener) CredentialOption {
	return func(c *CredentialCoordinator) {
		c.listener = l
	}
}

// WithExcludedEndpoints replaces the excluded endpoint list.
func WithExcludedEndpoints(paths ...string) CredentialOption {
	return func(c *CredentialCoordinator) {
		c.excluded = append([]string(nil), paths...)
	}
}

// WithPublicEndpoints marks paths readable without a credential. A 401 on
// one of them while a token was attached is retried once anonymously.
// Paths containing any of authRequired are never treated as public.
func WithPublicEndpoints(public []string, authRequired []string) CredentialOption {
	return func(c *CredentialCoordinator) {
		c.public = append([]string(nil), public...)
		c.authRequired = append([]string(nil), authRequired...)
	}
}

// WithCredentialKey sets the store key.
func WithCredentialKey(key string) CredentialOption {
	return func(c *CredentialCoordinator) {
		if key != "" {
			c.key = key
		}
	}
}

// WithCredentialLogger attaches a logger.
func WithCredentialLogger(l Logger) CredentialOption {
	return func(c *CredentialCoordinator) {
		c.logger = loggerOrNop(l)
	}
}

// WithCredentialMetrics attaches a metrics collector.
func WithCredentialMetrics(mc *MetricsCollector) CredentialOption {
	return func(c *CredentialCoordinator) {
		c.metrics = mc
	}
}

// CredentialCoordinator attaches credentials to requests and single-flights
// their renewal. At most one refresher call is in flight at any time; every
// request that hits a 401 meanwhile waits on the same result and is replayed
// exactly once.
type CredentialCoordinator struct {
	store     kvstore.Store
	key       string
	refresher Refresher
	listener  SessionListener
	flight    *singleflight.Group

	excluded     []string
	public       []string
	authRequired []string

	mu    sync.Mutex
	state CredentialState

	metrics *MetricsCollector
	logger  Logger
}

// NewCredentialCoordinator creates a coordinator backed by store.
func NewCredentialCoordinator(store kvstore.Store, refresher Refresher, opts ...CredentialOption) *CredentialCoordinator {
	c := &CredentialCoordinator{
		store:     store,
		key:       DefaultCredentialKey,
		refresher: refresher,
		flight:    singleflight.New(0),
		excluded:  append([]string(nil), DefaultExcludedEndpoints...),
		state:     StateValid,
		logger:    noopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current refresh state.
func (c *CredentialCoordinator) State() CredentialState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CredentialCoordinator) setState(s CredentialState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Credential loads the stored credential. ok is false when none is stored.
func (c *CredentialCoordinator) Credential(ctx context.Context) (cred Credential, ok bool, err error) {
	data, err := c.store.Get(ctx, c.key)
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("load credential: %w", err)
	}
	if err := json.Unmarshal(data, &cred); err != nil {
		return Credential{}, false, fmt.Errorf("decode credential: %w", err)
	}
	return cred, cred.AccessToken != "", nil
}

// Login stores a fresh credential and re-enables refresh.
func (c *CredentialCoordinator) Login(ctx context.Context, cred Credential) error {
	if cred.AccessToken == "" {
		return newRequestError(KindValidation, "credential has no access token", nil, nil)
	}
	if err := c.save(ctx, cred); err != nil {
		return err
	}
	c.setState(StateValid)
	c.logger.Info("credential stored")
	return nil
}

// Logout clears the stored credential.
func (c *CredentialCoordinator) Logout(ctx context.Context) error {
	if err := c.store.Remove(ctx, c.key); err != nil {
		return fmt.Errorf("remove credential: %w", err)
	}
	c.setState(StateValid)
	c.logger.Info("credential cleared")
	return nil
}

func (c *CredentialCoordinator) save(ctx context.Context, cred Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := c.store.Set(ctx, c.key, data); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// Authorize attaches the bearer token to req and returns it. It returns ""
// when no credential is stored or req is marked anonymous.
func (c *CredentialCoordinator) Authorize(ctx context.Context, req *Request) (string, error) {
	if req.anonymous {
		req.Header.Del("Authorization")
		return "", nil
	}
	cred, ok, err := c.Credential(ctx)
	if err != nil || !ok {
		return "", err
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	return cred.AccessToken, nil
}

// Refresh renews the credential that staleToken belonged to. Concurrent
// callers share one refresher call. If the stored token already differs from
// staleToken, the stored credential is returned without a new refresh. On
// failure the credential is cleared, the listener is notified once, and the
// error matches ErrRefreshFailed.
func (c *CredentialCoordinator) Refresh(ctx context.Context, staleToken string) (Credential, error) {
	v, err, shared := c.flight.Do(ctx, "refresh", func(ctx context.Context) (any, error) {
		return c.refresh(ctx, staleToken)
	})
	if shared {
		c.logger.Debug("joined in-flight credential refresh")
	}
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (c *CredentialCoordinator) refresh(ctx context.Context, staleToken string) (Credential, error) {
	if c.State() == StateFailed {
		return Credential{}, newRequestError(KindRefresh, "session ended, login required", nil, nil)
	}

	cur, ok, err := c.Credential(ctx)
	if err != nil {
		return Credential{}, c.fail(ctx, err)
	}
	if !ok {
		return Credential{}, newRequestError(KindRefresh, "no credential to refresh", nil, nil)
	}
	if cur.AccessToken != staleToken {
		return cur, nil
	}
	if c.refresher == nil || cur.RefreshToken == "" {
		return Credential{}, c.fail(ctx, errors.New("no refresh token available"))
	}

	c.setState(StateRefreshing)
	c.logger.Info("refreshing credential")

	fresh, err := c.refresher.Refresh(ctx, cur.RefreshToken)
	if err == nil && fresh.AccessToken == "" {
		err = errors.New("refresh returned no access token")
	}
	if err != nil {
		return Credential{}, c.fail(ctx, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cur.RefreshToken
	}
	if err := c.save(ctx, fresh); err != nil {
		return Credential{}, c.fail(ctx, err)
	}

	c.setState(StateValid)
	c.metrics.RecordRefresh("success")
	c.logger.Info("credential refreshed")
	return fresh, nil
}

func (c *CredentialCoordinator) fail(ctx context.Context, cause error) error {
	c.setState(StateFailed)
	if err := c.store.Remove(ctx, c.key); err != nil {
		c.logger.Error("failed to clear credential", "error", err)
	}
	c.metrics.RecordRefresh("failure")
	c.logger.Warn("credential refresh failed, session ended", "error", cause)

	reqErr := newRequestError(KindRefresh, "credential refresh failed", cause, nil)
	if c.listener != nil {
		c.listener.SessionEnded(reqErr)
	}
	return reqErr
}

// Send performs one authorized exchange through send, handling a 401 by
// refreshing and replaying once. Non-2xx outcomes are returned as
// *RequestError alongside the response.
func (c *CredentialCoordinator) Send(ctx context.Context, req *Request, send func(ctx context.Context, req *Request) (*Response, error)) (*Response, error) {
	r := req.Clone()
	token, err := c.Authorize(ctx, r)
	if err != nil {
		return nil, err
	}

	resp, err := send(ctx, r)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return checkResponse(r, resp, err)
	}

	switch {
	case r.replayed:
		return checkResponse(r, resp, nil)
	case c.isExcluded(r.URL):
		c.logger.Debug("401 on excluded endpoint", "url", r.URL)
		return checkResponse(r, resp, nil)
	case token == "":
		return checkResponse(r, resp, nil)
	case c.isPublic(r.URL):
		c.logger.Debug("401 on public endpoint, retrying anonymously", "url", r.URL)
		anon := req.Clone()
		anon.anonymous = true
		anon.replayed = true
		anon.Header.Del("Authorization")
		resp, err = send(ctx, anon)
		return checkResponse(anon, resp, err)
	}

	fresh, err := c.Refresh(ctx, token)
	if err != nil {
		return nil, err
	}

	replay := req.Clone()
	replay.replayed = true
	replay.Header.Set("Authorization", "Bearer "+fresh.AccessToken)
	resp, err = send(ctx, replay)
	return checkResponse(replay, resp, err)
}

func (c *CredentialCoordinator) isExcluded(rawURL string) bool {
	return containsAny(rawURL, c.excluded)
}

func (c *CredentialCoordinator) isPublic(rawURL string) bool {
	return containsAny(rawURL, c.public) && !containsAny(rawURL, c.authRequired)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// checkResponse converts a non-2xx response into a classified error. A 401
// on a request that was already replayed after refresh is a client failure.
func checkResponse(req *Request, resp *Response, err error) (*Response, error) {
	if err != nil {
		return resp, err
	}
	if resp == nil {
		return nil, newRequestError(KindConnectivity, "transport returned no response", nil, req)
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	e := statusError(req, resp)
	if e.Kind == KindAuth && req.replayed {
		e.Kind = KindClient
		e.Message = "unauthorized after credential refresh"
	}
	return resp, e
}

// HTTPRefresher posts {"refresh_token": ...} to URL through a raw transport.
// It accepts both {"data": {"token", "refresh_token"}} envelopes and flat
// {"access_token", "refresh_token", "expires_in"} bodies.
type HTTPRefresher struct {
	Transport Transport
	URL       string
	Timeout   time.Duration
	now       func() time.Time
}

var _ Refresher = (*HTTPRefresher)(nil)

// NewHTTPRefresher creates a refresher posting to url. Timeout defaults to 5s.
func NewHTTPRefresher(transport Transport, url string) *HTTPRefresher {
	return &HTTPRefresher{Transport: transport, URL: url, Timeout: 5 * time.Second, now: time.Now}
}

type tokenPayload struct {
	Token        string `json:"token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Refresh implements Refresher.
func (h *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (Credential, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return Credential{}, err
	}
	req := &Request{
		Method:  http.MethodPost,
		URL:     h.URL,
		Header:  http.Header{"Content-Type": []string{"application/json"}},
		Body:    body,
		Timeout: h.Timeout,
	}
	resp, err := h.Transport.RoundTrip(ctx, req)
	if err != nil {
		return Credential{}, err
	}
	if !resp.OK() {
		return Credential{}, statusError(req, resp)
	}

	var envelope struct {
		tokenPayload
		Data *tokenPayload `json:"data"`
	}
	if err := resp.DecodeJSON(&envelope); err != nil {
		return Credential{}, fmt.Errorf("decode refresh response: %w", err)
	}
	p := envelope.tokenPayload
	if envelope.Data != nil {
		p = *envelope.Data
	}

	cred := Credential{AccessToken: p.Token, RefreshToken: p.RefreshToken}
	if cred.AccessToken == "" {
		cred.AccessToken = p.AccessToken
	}
	if p.ExpiresIn > 0 {
		now := time.Now
		if h.now != nil {
			now = h.now
		}
		cred.ExpiresAt = now().Add(time.Duration(p.ExpiresIn) * time.Second)
	}
	return cred, nil
}
