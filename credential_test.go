package netcore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrakipen/netcore/kvstore"
)

// authServer answers 200 only for the currently valid token.
type authServer struct {
	mu         sync.Mutex
	valid      string
	seen       []string
	unauth     atomic.Int32
	publicOK   bool
	alwaysDeny bool
}

func (s *authServer) send(_ context.Context, req *Request) (*Response, error) {
	auth := req.Header.Get("Authorization")
	s.mu.Lock()
	s.seen = append(s.seen, auth)
	valid := s.valid
	s.mu.Unlock()

	if s.publicOK && auth == "" {
		return &Response{StatusCode: http.StatusOK, Body: []byte("public")}, nil
	}
	if s.alwaysDeny || auth != "Bearer "+valid {
		s.unauth.Add(1)
		return &Response{StatusCode: http.StatusUnauthorized}, nil
	}
	return &Response{StatusCode: http.StatusOK, Body: []byte("ok")}, nil
}

func (s *authServer) Seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func newCoordinator(t *testing.T, refresher Refresher, opts ...CredentialOption) (*CredentialCoordinator, kvstore.Store) {
	t.Helper()
	store := kvstore.NewMemory()
	cc := NewCredentialCoordinator(store, refresher, opts...)
	require.NoError(t, cc.Login(context.Background(), Credential{AccessToken: "old", RefreshToken: "r1"}))
	return cc, store
}

func getReq(url string) *Request {
	return &Request{Method: http.MethodGet, URL: url, Header: http.Header{}}
}

func TestCredentialAuthorize(t *testing.T) {
	cc, _ := newCoordinator(t, nil)
	req := getReq("/posts")
	token, err := cc.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "old", token)
	assert.Equal(t, "Bearer old", req.Header.Get("Authorization"))

	require.NoError(t, cc.Logout(context.Background()))
	req = getReq("/posts")
	token, err = cc.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestCredentialLoginRejectsEmptyToken(t *testing.T) {
	cc := NewCredentialCoordinator(kvstore.NewMemory(), nil)
	err := cc.Login(context.Background(), Credential{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCredentialConcurrent401sShareOneRefresh(t *testing.T) {
	server := &authServer{valid: "new"}
	var refreshes atomic.Int32
	refresher := RefresherFunc(func(ctx context.Context, rt string) (Credential, error) {
		refreshes.Add(1)
		assert.Equal(t, "r1", rt)
		deadline := time.Now().Add(time.Second)
		for server.unauth.Load() < 2 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		server.mu.Lock()
		server.valid = "new"
		server.mu.Unlock()
		return Credential{AccessToken: "new", RefreshToken: "r2"}, nil
	})
	cc, _ := newCoordinator(t, refresher)

	var wg sync.WaitGroup
	results := make([]*Response, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cc.Send(context.Background(), getReq("/me/feed"), server.send)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, refreshes.Load())
	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "ok", string(results[i].Body))
	}

	replays := 0
	for _, h := range server.Seen() {
		if h == "Bearer new" {
			replays++
		}
	}
	assert.Equal(t, 2, replays)
	assert.Equal(t, StateValid, cc.State())

	cred, ok, err := cc.Credential(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Credential{AccessToken: "new", RefreshToken: "r2"}, cred)
}

func TestCredentialExcludedEndpointPropagates(t *testing.T) {
	server := &authServer{valid: "nope"}
	var refreshes atomic.Int32
	cc, _ := newCoordinator(t, RefresherFunc(func(context.Context, string) (Credential, error) {
		refreshes.Add(1)
		return Credential{AccessToken: "x"}, nil
	}))

	for _, path := range DefaultExcludedEndpoints {
		resp, err := cc.Send(context.Background(), &Request{Method: http.MethodPost, URL: path, Header: http.Header{}}, server.send)
		assert.ErrorIs(t, err, ErrAuth, path)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	assert.Zero(t, refreshes.Load())
}

func TestCredentialNoTokenIsOrdinaryUnauthenticated(t *testing.T) {
	server := &authServer{valid: "x"}
	var refreshes atomic.Int32
	cc := NewCredentialCoordinator(kvstore.NewMemory(), RefresherFunc(func(context.Context, string) (Credential, error) {
		refreshes.Add(1)
		return Credential{}, nil
	}))

	_, err := cc.Send(context.Background(), getReq("/me"), server.send)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Zero(t, refreshes.Load())
}

func TestCredentialReplayedRequestIsNotRefreshedAgain(t *testing.T) {
	server := &authServer{alwaysDeny: true}
	var refreshes atomic.Int32
	cc, _ := newCoordinator(t, RefresherFunc(func(context.Context, string) (Credential, error) {
		refreshes.Add(1)
		return Credential{AccessToken: "new"}, nil
	}))

	_, err := cc.Send(context.Background(), getReq("/me"), server.send)
	assert.ErrorIs(t, err, ErrClient)
	assert.False(t, errors.Is(err, ErrAuth))
	assert.EqualValues(t, 1, refreshes.Load())
	assert.Len(t, server.Seen(), 2)
}

func TestCredentialRefreshFailureEndsSessionOnce(t *testing.T) {
	server := &authServer{valid: "never"}
	boom := errors.New("refresh rejected")
	var refreshes atomic.Int32
	var ended atomic.Int32
	release := make(chan struct{})
	refresher := RefresherFunc(func(context.Context, string) (Credential, error) {
		refreshes.Add(1)
		<-release
		return Credential{}, boom
	})
	cc, store := newCoordinator(t, refresher, WithSessionListener(SessionListenerFunc(func(reason error) {
		ended.Add(1)
		assert.ErrorIs(t, reason, ErrRefreshFailed)
	})))

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cc.Send(context.Background(), getReq("/me"), server.send)
		}(i)
	}
	deadline := time.Now().Add(time.Second)
	for server.unauth.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrRefreshFailed)
	}
	assert.EqualValues(t, 1, refreshes.Load())
	assert.EqualValues(t, 1, ended.Load())
	assert.Equal(t, StateFailed, cc.State())

	_, err := store.Get(context.Background(), DefaultCredentialKey)
	assert.ErrorIs(t, err, kvstore.ErrKeyNotFound)

	// No further refresh until a new login.
	_, err = cc.Refresh(context.Background(), "old")
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.EqualValues(t, 1, refreshes.Load())
	assert.EqualValues(t, 1, ended.Load())

	require.NoError(t, cc.Login(context.Background(), Credential{AccessToken: "fresh", RefreshToken: "r9"}))
	assert.Equal(t, StateValid, cc.State())
}

func TestCredentialRefreshSkipsWhenTokenAlreadyRotated(t *testing.T) {
	var refreshes atomic.Int32
	cc, _ := newCoordinator(t, RefresherFunc(func(context.Context, string) (Credential, error) {
		refreshes.Add(1)
		return Credential{AccessToken: "x"}, nil
	}))
	require.NoError(t, cc.Login(context.Background(), Credential{AccessToken: "rotated", RefreshToken: "r2"}))

	cred, err := cc.Refresh(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, "rotated", cred.AccessToken)
	assert.Zero(t, refreshes.Load())
}

func TestCredentialRefreshKeepsRefreshTokenWhenOmitted(t *testing.T) {
	cc, _ := newCoordinator(t, RefresherFunc(func(context.Context, string) (Credential, error) {
		return Credential{AccessToken: "new"}, nil
	}))
	cred, err := cc.Refresh(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, "r1", cred.RefreshToken)
}

func TestCredentialPublicEndpointRetriesAnonymously(t *testing.T) {
	server := &authServer{valid: "never", publicOK: true}
	var refreshes atomic.Int32
	cc, _ := newCoordinator(t, RefresherFunc(func(context.Context, string) (Credential, error) {
		refreshes.Add(1)
		return Credential{}, errors.New("unused")
	}), WithPublicEndpoints([]string{"/posts"}, []string{"/me"}))

	resp, err := cc.Send(context.Background(), getReq("/posts?page=1"), server.send)
	require.NoError(t, err)
	assert.Equal(t, "public", string(resp.Body))
	assert.Zero(t, refreshes.Load())
	assert.Equal(t, []string{"Bearer old", ""}, server.Seen())

	// Auth-required sub-paths are not public and go through refresh.
	_, err = cc.Send(context.Background(), getReq("/posts/me"), server.send)
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.EqualValues(t, 1, refreshes.Load())
}

func TestCredentialStateString(t *testing.T) {
	assert.Equal(t, "valid", StateValid.String())
	assert.Equal(t, "refreshing", StateRefreshing.String())
	assert.Equal(t, "failed", StateFailed.String())
}

func TestHTTPRefresher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/refresh", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var in map[string]string
		require.NoError(t, json.Unmarshal(body, &in))
		if in["refresh_token"] != "r1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","data":{"token":"a2","refresh_token":"r2"}}`))
	}))
	defer server.Close()

	h := NewHTTPRefresher(NewHTTPTransport(WithBaseURL(server.URL)), "/auth/refresh")
	cred, err := h.Refresh(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, Credential{AccessToken: "a2", RefreshToken: "r2"}, cred)

	_, err = h.Refresh(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrAuth)
}

func TestHTTPRefresherFlatBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"a3","refresh_token":"r3","expires_in":60}`))
	}))
	defer server.Close()

	clock := newFakeClock()
	h := NewHTTPRefresher(NewHTTPTransport(), server.URL)
	h.now = clock.Now
	cred, err := h.Refresh(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "a3", cred.AccessToken)
	assert.Equal(t, clock.Now().Add(time.Minute), cred.ExpiresAt)
}
