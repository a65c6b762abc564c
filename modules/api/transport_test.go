package api_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/oauth2"

	"github.com/guarzo/fitapi/common"
	"github.com/guarzo/fitapi/modules/api"
	"github.com/guarzo/fitapi/modules/auth"
	"github.com/guarzo/fitapi/modules/tokenstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// idle keep-alive connections of clients built on http.DefaultTransport
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

type mockAuth struct {
	calls       int32
	refreshFunc func(refreshToken string) (*oauth2.Token, error)
}

func (m *mockAuth) RefreshToken(_ context.Context, refreshToken string) (*oauth2.Token, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.refreshFunc != nil {
		return m.refreshFunc(refreshToken)
	}
	return nil, errors.New("mockAuth called refresh, but no func set")
}

// recorder captures what reached the server for /protected.
type recorder struct {
	mu      sync.Mutex
	headers []http.Header
	bodies  []string
}

func (r *recorder) record(req *http.Request) int {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers = append(r.headers, req.Header.Clone())
	r.bodies = append(r.bodies, string(body))
	return len(r.headers)
}

func (r *recorder) hits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.headers)
}

func newHTTPClient(t *testing.T, store common.TokenStore, authClient common.AuthClient, opts ...api.Option) *http.Client {
	t.Helper()
	raw := &http.Transport{}
	t.Cleanup(raw.CloseIdleConnections)
	return &http.Client{
		Transport: api.NewTransport(raw, store, authClient, opts...),
		Timeout:   5 * time.Second,
	}
}

func newStore(access, refresh string) common.TokenStore {
	store := tokenstore.NewMemoryStore()
	store.SetAccessToken(access)
	store.SetRefreshToken(refresh)
	return store
}

func TestBearerToken_NoTokenNoHeader(t *testing.T) {
	rec := &recorder{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
	}))
	defer ts.Close()

	hc := newHTTPClient(t, tokenstore.NewMemoryStore(), &mockAuth{})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/protected", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer stale")

	resp, err := hc.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, 1, rec.hits())
	_, present := rec.headers[0]["Authorization"]
	assert.False(t, present, "expected no Authorization header")
}

func TestBearerToken_InjectsStoredToken(t *testing.T) {
	rec := &recorder{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
	}))
	defer ts.Close()

	hc := newHTTPClient(t, newStore("T", "R"), &mockAuth{})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/protected", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Basic xyz")

	resp, err := hc.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer T", rec.headers[0].Get("Authorization"))
}

func TestBearerToken_LeavesOtherHeadersAlone(t *testing.T) {
	rec := &recorder{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
	}))
	defer ts.Close()

	hc := newHTTPClient(t, newStore("T", "R"), &mockAuth{})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/protected", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-Version", "3.2.1")
	before := req.Header.Clone()

	for i := 0; i < 2; i++ {
		resp, err := hc.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}

	// caller's request is not mutated
	assert.Equal(t, before, req.Header)

	require.Equal(t, 2, rec.hits())
	assert.Equal(t, rec.headers[0], rec.headers[1])
	assert.Equal(t, "application/json", rec.headers[0].Get("Accept"))
	assert.Equal(t, "3.2.1", rec.headers[0].Get("X-Client-Version"))
}

func TestAuthRefresh_AtMostOneRetry(t *testing.T) {
	rec := &recorder{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	store := newStore("A1", "R1")
	authClient := &mockAuth{refreshFunc: func(string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "A2", RefreshToken: "R2"}, nil
	}}
	hc := newHTTPClient(t, store, authClient)

	resp, err := hc.Get(ts.URL + "/protected")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 2, rec.hits())
	assert.Equal(t, int32(1), atomic.LoadInt32(&authClient.calls))
	assert.Equal(t, "Bearer A1", rec.headers[0].Get("Authorization"))
	assert.Equal(t, "Bearer A2", rec.headers[1].Get("Authorization"))
	// refresh itself succeeded, so the new pair stays
	assert.Equal(t, "A2", store.AccessToken())
}

func TestAuthRefresh_RoundTrip(t *testing.T) {
	var refreshBody string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/protected", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer A2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":"success"}`)
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		b, _ := io.ReadAll(r.Body)
		refreshBody = string(b)
		fmt.Fprint(w, `{"access_token":"A2","refresh_token":"R2","token_type":"bearer"}`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	baseURL := ts.URL + "/api"
	store := newStore("A1", "R1")
	endpoint := auth.NewEndpoint(baseURL, common.NewHttpClient("test", &http.Client{}, 0))
	client := api.NewClient(baseURL, common.NewHttpClient("test", newHTTPClient(t, store, endpoint), 0), nil)

	var out struct {
		Data string `json:"data"`
	}
	require.NoError(t, client.GetJSON(context.Background(), "/protected", nil, &out))

	assert.Equal(t, "success", out.Data)
	assert.Equal(t, "A2", store.AccessToken())
	assert.Equal(t, "R2", store.RefreshToken())
	assert.JSONEq(t, `{"refresh_token":"R1"}`, refreshBody)
}

func TestAuthRefresh_FailureClearsCredentials(t *testing.T) {
	rec := &recorder{}
	refreshHits := int32(0)
	mux := http.NewServeMux()
	mux.HandleFunc("/protected", func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"detail":"token expired"}`)
	})
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshHits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	metrics, _ := common.NewTestMetricsManagerAndRegistry()
	store := newStore("A1", "R1")
	endpoint := auth.NewEndpoint(ts.URL, common.NewHttpClient("test", &http.Client{}, 0))
	client := api.NewClient(ts.URL, common.NewHttpClient("test", newHTTPClient(t, store, endpoint, api.WithMetrics(metrics)), 0), metrics)

	_, err := client.DoRequest(context.Background(), http.MethodGet, "/protected", nil, nil)
	require.Error(t, err)

	var httpErr *common.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.JSONEq(t, `{"detail":"token expired"}`, string(httpErr.Body))

	assert.Empty(t, store.AccessToken())
	assert.Empty(t, store.RefreshToken())
	assert.Equal(t, 1, rec.hits(), "no retry after a failed refresh")
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshHits))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CounterRefreshes.WithLabelValues(common.RefreshFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CounterCredentialsClears))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.CounterRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CounterRequests.WithLabelValues(http.MethodGet, "401")))
}

func TestAuthRefresh_MissingAccessTokenIsFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	store := newStore("A1", "R1")
	authClient := &mockAuth{refreshFunc: func(string) (*oauth2.Token, error) {
		return &oauth2.Token{RefreshToken: "R2"}, nil
	}}
	hc := newHTTPClient(t, store, authClient)

	resp, err := hc.Get(ts.URL + "/protected")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, store.AccessToken())
	assert.Empty(t, store.RefreshToken())
}

func TestAuthRefresh_RefreshErrorKeepsOriginalResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "original")
	}))
	defer ts.Close()

	store := newStore("A1", "R1")
	authClient := &mockAuth{refreshFunc: func(string) (*oauth2.Token, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	hc := newHTTPClient(t, store, authClient)

	resp, err := hc.Get(ts.URL + "/protected")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "original", string(body))
	assert.Empty(t, store.AccessToken())
}

func TestAuthRefresh_AlreadyRetriedRequestFailsClosed(t *testing.T) {
	rec := &recorder{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	store := newStore("A1", "R1")
	authClient := &mockAuth{}
	hc := newHTTPClient(t, store, authClient)

	ctx := api.MarkRetried(context.Background())
	assert.True(t, api.IsRetried(ctx))
	assert.False(t, api.IsRetried(context.Background()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/protected", nil)
	require.NoError(t, err)
	resp, err := hc.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1, rec.hits())
	assert.Equal(t, int32(0), atomic.LoadInt32(&authClient.calls))
	// untouched: nothing was attempted
	assert.Equal(t, "A1", store.AccessToken())
}

func TestAuthRefresh_OtherStatusesPassThrough(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			rec := &recorder{}
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				rec.record(r)
				w.WriteHeader(status)
			}))
			defer ts.Close()

			store := newStore("A1", "R1")
			authClient := &mockAuth{}
			hc := newHTTPClient(t, store, authClient)

			resp, err := hc.Get(ts.URL + "/protected")
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, status, resp.StatusCode)
			assert.Equal(t, 1, rec.hits())
			assert.Equal(t, int32(0), atomic.LoadInt32(&authClient.calls))
			assert.Equal(t, "A1", store.AccessToken())
			assert.Equal(t, "R1", store.RefreshToken())
		})
	}
}

func TestAuthRefresh_TransportErrorPassesThrough(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	store := newStore("A1", "R1")
	authClient := &mockAuth{}
	hc := newHTTPClient(t, store, authClient)

	_, err := hc.Get(url + "/protected")
	require.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&authClient.calls))
	assert.Equal(t, "A1", store.AccessToken())
}

func TestAuthRefresh_ReplaysBody(t *testing.T) {
	rec := &recorder{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rec.record(r) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	authClient := &mockAuth{refreshFunc: func(string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "A2"}, nil
	}}

	tests := []struct {
		name string
		body func() io.Reader
	}{
		{"with GetBody", func() io.Reader { return strings.NewReader(`{"weight_kg":82.5}`) }},
		// a reader http.NewRequest does not know how to rewind
		{"without GetBody", func() io.Reader {
			return io.MultiReader(strings.NewReader(`{"weight_kg":`), strings.NewReader(`82.5}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec.mu.Lock()
			rec.headers, rec.bodies = nil, nil
			rec.mu.Unlock()

			store := newStore("A1", "R1")
			hc := newHTTPClient(t, store, authClient)

			req, err := http.NewRequest(http.MethodPost, ts.URL+"/metrics", tt.body())
			require.NoError(t, err)
			req.Header.Set("Content-Type", "application/json")

			resp, err := hc.Do(req)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, http.StatusCreated, resp.StatusCode)
			require.Equal(t, 2, rec.hits())
			assert.Equal(t, `{"weight_kg":82.5}`, rec.bodies[0])
			assert.Equal(t, rec.bodies[0], rec.bodies[1])
			assert.Equal(t, "application/json", rec.headers[1].Get("Content-Type"))
		})
	}
}

// concurrentServer answers 401 to the first n requests carrying the old token
// only once all n have arrived, so every request sees a 401 before any refresh.
func concurrentServer(t *testing.T, n int, refreshDelay time.Duration) (*httptest.Server, *int32) {
	t.Helper()
	var arrived sync.WaitGroup
	arrived.Add(n)
	refreshHits := int32(0)

	mux := http.NewServeMux()
	mux.HandleFunc("/protected", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer A1" {
			arrived.Done()
			arrived.Wait()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		hit := atomic.AddInt32(&refreshHits, 1)
		time.Sleep(refreshDelay)
		fmt.Fprintf(w, `{"access_token":"A2-%d","refresh_token":"R2","token_type":"bearer"}`, hit)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, &refreshHits
}

func runConcurrent(t *testing.T, hc *http.Client, url string, n int) {
	t.Helper()
	var wg sync.WaitGroup
	statuses := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := hc.Get(url)
			if err != nil {
				t.Errorf("request %d: %s", i, err)
				return
			}
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()
	for i, s := range statuses {
		assert.Equal(t, http.StatusOK, s, "request %d", i)
	}
}

func TestAuthRefresh_ConcurrentIndependentRefreshes(t *testing.T) {
	const n = 4
	ts, refreshHits := concurrentServer(t, n, 0)

	store := newStore("A1", "R1")
	endpoint := auth.NewEndpoint(ts.URL, common.NewHttpClient("test", &http.Client{}, 0))
	hc := newHTTPClient(t, store, endpoint)

	runConcurrent(t, hc, ts.URL+"/protected", n)

	assert.Equal(t, int32(n), atomic.LoadInt32(refreshHits))
	// last write wins
	assert.True(t, strings.HasPrefix(store.AccessToken(), "A2-"))
}

func TestAuthRefresh_CoalescedRefresh(t *testing.T) {
	const n = 4
	ts, refreshHits := concurrentServer(t, n, 200*time.Millisecond)

	metrics := common.NewTestMetricsManager()
	store := newStore("A1", "R1")
	endpoint := auth.NewEndpoint(ts.URL, common.NewHttpClient("test", &http.Client{}, 0))
	hc := newHTTPClient(t, store, endpoint, api.WithRefreshCoalescing(), api.WithMetrics(metrics))

	runConcurrent(t, hc, ts.URL+"/protected", n)

	assert.Equal(t, int32(1), atomic.LoadInt32(refreshHits))
	assert.Equal(t, "A2-1", store.AccessToken())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CounterRefreshes.WithLabelValues(common.RefreshSuccess)))
	assert.Equal(t, float64(n), testutil.ToFloat64(metrics.CounterRetries))
}

// rejectingStore drops every write, like a backend that is full or read-only.
type rejectingStore struct {
	common.TokenStore
}

func (s *rejectingStore) SetAccessToken(string)  {}
func (s *rejectingStore) SetRefreshToken(string) {}

// racingStore gets cleared right after each access token write, as when a
// concurrent request's refresh fails between this refresh and its retry.
type racingStore struct {
	common.TokenStore
}

func (s *racingStore) SetAccessToken(token string) {
	s.TokenStore.SetAccessToken(token)
	s.TokenStore.ClearTokens()
}

func TestAuthRefresh_RetryCarriesRefreshedToken(t *testing.T) {
	jwt := "eyJhbGciOiJSUzI1NiJ9." + strings.Repeat("p", 2400) + ".c2ln"

	tests := []struct {
		name        string
		store       func() common.TokenStore
		storedAfter string
	}{
		{
			name:        "large token in memory store",
			store:       func() common.TokenStore { return newStore("A1", "R1") },
			storedAfter: jwt,
		},
		{
			name:        "store rejects the write",
			store:       func() common.TokenStore { return &rejectingStore{newStore("A1", "R1")} },
			storedAfter: "A1",
		},
		{
			name:        "store cleared before the retry",
			store:       func() common.TokenStore { return &racingStore{newStore("A1", "R1")} },
			storedAfter: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				rec.record(r)
				if r.Header.Get("Authorization") != "Bearer "+jwt {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				fmt.Fprint(w, `{}`)
			}))
			defer ts.Close()

			store := tt.store()
			authClient := &mockAuth{refreshFunc: func(string) (*oauth2.Token, error) {
				return &oauth2.Token{AccessToken: jwt, RefreshToken: "R2"}, nil
			}}
			hc := newHTTPClient(t, store, authClient)

			resp, err := hc.Get(ts.URL + "/protected")
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			require.Equal(t, 2, rec.hits())
			assert.Equal(t, "Bearer A1", rec.headers[0].Get("Authorization"))
			assert.Equal(t, "Bearer "+jwt, rec.headers[1].Get("Authorization"))
			assert.Equal(t, tt.storedAfter, store.AccessToken())
		})
	}
}

func TestBearerToken_LargeStoredToken(t *testing.T) {
	jwt := "eyJhbGciOiJSUzI1NiJ9." + strings.Repeat("q", 3000) + ".c2ln"
	rec := &recorder{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
	}))
	defer ts.Close()

	hc := newHTTPClient(t, newStore(jwt, "R1"), &mockAuth{})

	resp, err := hc.Get(ts.URL + "/protected")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer "+jwt, rec.headers[0].Get("Authorization"))
}
