package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/guarzo/fitapi/common"
	"github.com/guarzo/fitapi/common/model"
)

// Client performs calls against the fitness API base URL. Credentials are
// attached and refreshed by the transport underneath the HttpClient
// (see NewTransport); callers never set Authorization themselves.
type Client interface {
	GetJSON(ctx context.Context, endpoint string, params url.Values, out interface{}) error
	PostJSON(ctx context.Context, endpoint string, in, out interface{}) error
	PutJSON(ctx context.Context, endpoint string, in, out interface{}) error
	PatchJSON(ctx context.Context, endpoint string, in, out interface{}) error
	Delete(ctx context.Context, endpoint string) error
	DoRequest(ctx context.Context, method, endpoint string, params url.Values, body io.Reader, expectedStatus ...int) ([]byte, error)
	Do(req *http.Request) (*http.Response, error)
	BaseURL() string
}

type apiClient struct {
	baseURL    string
	httpClient common.HttpClient
	metrics    *common.MetricsManager
}

// NewClient creates a Client. metrics may be nil.
func NewClient(baseURL string, httpClient common.HttpClient, metrics *common.MetricsManager) Client {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		metrics:    metrics,
	}
}

func (c *apiClient) BaseURL() string {
	return c.baseURL
}

// Do sends a fully-formed request as is.
func (c *apiClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err == nil {
		c.count(req.Method, resp.StatusCode)
	}
	return resp, err
}

// GetJSON retrieves JSON from an endpoint and unmarshals into out.
func (c *apiClient) GetJSON(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	data, err := c.DoRequest(ctx, http.MethodGet, endpoint, params, nil)
	if err != nil {
		return err
	}
	return decode(data, out)
}

func (c *apiClient) PostJSON(ctx context.Context, endpoint string, in, out interface{}) error {
	return c.sendJSON(ctx, http.MethodPost, endpoint, in, out)
}

func (c *apiClient) PutJSON(ctx context.Context, endpoint string, in, out interface{}) error {
	return c.sendJSON(ctx, http.MethodPut, endpoint, in, out)
}

func (c *apiClient) PatchJSON(ctx context.Context, endpoint string, in, out interface{}) error {
	return c.sendJSON(ctx, http.MethodPatch, endpoint, in, out)
}

func (c *apiClient) Delete(ctx context.Context, endpoint string) error {
	_, err := c.DoRequest(ctx, http.MethodDelete, endpoint, nil, nil)
	return err
}

func (c *apiClient) sendJSON(ctx context.Context, method, endpoint string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	data, err := c.DoRequest(ctx, method, endpoint, nil, body)
	if err != nil {
		return err
	}
	return decode(data, out)
}

// DoRequest is the core method that actually performs the HTTP request.
// Without expectedStatus any 2xx is accepted; anything else becomes a
// *common.HTTPError, including a 401 the transport could not recover from.
func (c *apiClient) DoRequest(ctx context.Context, method, endpoint string, params url.Values, body io.Reader, expectedStatus ...int) ([]byte, error) {
	urlStr, err := c.buildURL(endpoint, params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read response body: %w", readErr)
	}

	if !statusMatches(resp.StatusCode, expectedStatus) {
		return nil, &common.HTTPError{
			StatusCode: resp.StatusCode,
			Body:       data,
		}
	}
	return data, nil
}

// buildURL appends endpoint to the base URL path (absolute URLs are used as
// is) and merges params into the query.
func (c *apiClient) buildURL(endpoint string, params url.Values) (string, error) {
	raw := endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		raw = c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	}

	fullURL, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	if len(params) > 0 {
		q := fullURL.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		fullURL.RawQuery = q.Encode()
	}
	return fullURL.String(), nil
}

func (c *apiClient) count(method string, status int) {
	if c.metrics != nil {
		c.metrics.CounterRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	}
}

func statusMatches(statusCode int, expected []int) bool {
	if len(expected) == 0 {
		return statusCode >= 200 && statusCode < 300
	}
	for _, s := range expected {
		if statusCode == s {
			return true
		}
	}
	return false
}

func decode(data []byte, out interface{}) error {
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := model.JSONUnmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
