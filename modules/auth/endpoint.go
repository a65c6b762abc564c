package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/guarzo/fitapi/common"
	"github.com/guarzo/fitapi/common/model"
)

const (
	refreshPath = "/auth/refresh"
	loginPath   = "/auth/login"
)

// ErrMissingAccessToken is returned when a 2xx token response carries no access_token.
var ErrMissingAccessToken = errors.New("token response has no access_token")

var _ common.AuthClient = (*Endpoint)(nil)

// Endpoint talks to the token-issuing routes of the API. Its HttpClient must
// be a plain one: routing these calls through the refreshing transport would
// recurse on a 401.
type Endpoint struct {
	baseURL    string
	httpClient common.HttpClient
	now        func() time.Time
}

func NewEndpoint(baseURL string, httpClient common.HttpClient) *Endpoint {
	return &Endpoint{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		now:        time.Now,
	}
}

// RefreshToken posts {"refresh_token": ...} (empty object when refreshToken is
// empty) to /auth/refresh.
func (e *Endpoint) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	resp, err := e.postToken(ctx, refreshPath, model.RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, err
	}
	return resp.OAuth2Token(e.now()), nil
}

// Login exchanges credentials for a token pair.
func (e *Endpoint) Login(ctx context.Context, email, password string) (*oauth2.Token, error) {
	resp, err := e.postToken(ctx, loginPath, model.LoginRequest{Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	return resp.OAuth2Token(e.now()), nil
}

func (e *Endpoint) postToken(ctx context.Context, path string, payload interface{}) (*model.TokenResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &common.HTTPError{StatusCode: resp.StatusCode, Body: data}
	}

	var tokenResp model.TokenResponse
	if err = model.JSONUnmarshal(data, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	if tokenResp.AccessToken == "" {
		return nil, ErrMissingAccessToken
	}
	return &tokenResp, nil
}
