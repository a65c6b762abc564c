package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/guarzo/fitapi/common"
)

var errNoAccessToken = errors.New("refresh returned no access token")

type (
	retriedKey        struct{}
	refreshedTokenKey struct{}
)

// MarkRetried flags the logical request carried by ctx as having used its one
// refresh-and-retry cycle. The flag is never cleared.
func MarkRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

// IsRetried reports whether MarkRetried was applied to ctx.
func IsRetried(ctx context.Context) bool {
	retried, _ := ctx.Value(retriedKey{}).(bool)
	return retried
}

// withRefreshedToken pins the access token a retry must carry, whatever the
// store holds by the time it is dispatched.
func withRefreshedToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, refreshedTokenKey{}, token)
}

func refreshedToken(ctx context.Context) string {
	token, _ := ctx.Value(refreshedTokenKey{}).(string)
	return token
}

// Option tweaks the transport built by NewTransport.
type Option func(*AuthRefreshTransport)

// WithRefreshCoalescing makes concurrent 401s share a single refresh call.
func WithRefreshCoalescing() Option {
	return func(t *AuthRefreshTransport) {
		t.coalesce = true
	}
}

// WithMetrics records refresh outcomes on m.
func WithMetrics(m *common.MetricsManager) Option {
	return func(t *AuthRefreshTransport) {
		t.metrics = m
	}
}

// NewTransport composes withAuthRefresh(withBearerToken(raw)).
// A nil raw means http.DefaultTransport.
func NewTransport(raw http.RoundTripper, store common.TokenStore, auth common.AuthClient, opts ...Option) http.RoundTripper {
	if raw == nil {
		raw = http.DefaultTransport
	}
	refresher := &AuthRefreshTransport{
		Next:  &BearerTokenTransport{Next: raw, Store: store},
		Store: store,
		Auth:  auth,
	}
	for _, opt := range opts {
		opt(refresher)
	}
	return refresher
}

// ---------------------------------------------------
// Bearer token injection
// ---------------------------------------------------

// BearerTokenTransport sets Authorization from the token store on a clone of
// every request. Without a stored access token the request goes out with no
// Authorization header. A retry after a refresh carries the refreshed token
// instead of the stored one. No other header is touched.
type BearerTokenTransport struct {
	Next  http.RoundTripper
	Store common.TokenStore
}

func (t *BearerTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	token := refreshedToken(req.Context())
	if token == "" {
		token = t.Store.AccessToken()
	}
	if token != "" {
		clone.Header.Set("Authorization", "Bearer "+token)
	} else {
		clone.Header.Del("Authorization")
	}
	return t.Next.RoundTrip(clone)
}

// ---------------------------------------------------
// Refresh and retry on 401
// ---------------------------------------------------

// AuthRefreshTransport recovers from a single 401 per logical request: it
// refreshes the credential pair once and re-dispatches the request once.
// If the refresh fails the store is cleared and the original 401 response is
// returned. Transport errors and any other status pass through untouched.
type AuthRefreshTransport struct {
	Next  http.RoundTripper
	Store common.TokenStore
	Auth  common.AuthClient

	metrics  *common.MetricsManager
	coalesce bool
	group    singleflight.Group
}

func (t *AuthRefreshTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req, err := replayable(req)
	if err != nil {
		return nil, err
	}

	resp, err := t.Next.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// fail closed: one refresh per logical request
	if IsRetried(req.Context()) {
		return resp, nil
	}
	ctx := MarkRetried(req.Context())

	token, refreshErr := t.refresh(ctx)
	if refreshErr != nil {
		log.Warnf("auth refresh for %s %s failed, clearing credentials: %s", req.Method, req.URL.Path, refreshErr)
		t.Store.ClearTokens()
		if t.metrics != nil {
			t.metrics.CounterCredentialsClears.Inc()
		}
		return resp, nil
	}

	retry := req.Clone(withRefreshedToken(ctx, token.AccessToken))
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			log.Errorf("auth refresh for %s %s: cannot replay body: %s", req.Method, req.URL.Path, err)
			return resp, nil
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+token.AccessToken)

	drainAndClose(resp.Body)

	log.Debugf("auth refresh ok, retrying %s %s", req.Method, req.URL.Path)
	if t.metrics != nil {
		t.metrics.CounterRetries.Inc()
	}
	return t.Next.RoundTrip(retry)
}

// refresh exchanges the stored refresh token for a new pair and persists it.
func (t *AuthRefreshTransport) refresh(ctx context.Context) (*oauth2.Token, error) {
	if !t.coalesce {
		return t.doRefresh(ctx)
	}

	// the shared call must not die with whichever caller started it
	shared := context.WithoutCancel(ctx)
	v, err, wasShared := t.group.Do("refresh", func() (interface{}, error) {
		return t.doRefresh(shared)
	})
	if wasShared && t.metrics != nil {
		t.metrics.CounterRefreshes.WithLabelValues(common.RefreshCoalesced).Inc()
	}
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

func (t *AuthRefreshTransport) doRefresh(ctx context.Context) (*oauth2.Token, error) {
	token, err := t.Auth.RefreshToken(ctx, t.Store.RefreshToken())
	if err == nil && (token == nil || token.AccessToken == "") {
		err = errNoAccessToken
	}
	if err != nil {
		t.countRefresh(common.RefreshFailure)
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	t.Store.SetAccessToken(token.AccessToken)
	if token.RefreshToken != "" {
		t.Store.SetRefreshToken(token.RefreshToken)
	}
	t.countRefresh(common.RefreshSuccess)
	return token, nil
}

func (t *AuthRefreshTransport) countRefresh(outcome string) {
	if t.metrics != nil {
		t.metrics.CounterRefreshes.WithLabelValues(outcome).Inc()
	}
}

// replayable returns req, or a clone of it whose body can be read again via
// GetBody. The body is buffered in memory when the caller gave no GetBody.
func replayable(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, nil
	}

	// read the entire body so we can retry
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	clone := req.Clone(req.Context())
	clone.Body = io.NopCloser(bytes.NewReader(data))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	clone.ContentLength = int64(len(data))
	return clone, nil
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
}
