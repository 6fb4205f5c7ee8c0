package offline

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
	"time"
)

const (
	DefaultAPIBaseURL = "http://localhost:1337"
	DefaultTimeout    = 30 * time.Second

	// IdempotencyHeader carries the deferred review's idempotency key on replay.
	IdempotencyHeader = "Idempotency-Key"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the upstream restaurant API directly, bypassing the Router.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates an upstream API client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultAPIBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Restaurants fetches GET /restaurants.
func (c *Client) Restaurants(ctx context.Context) ([]Restaurant, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/restaurants", nil, nil, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return decodeList[Restaurant](data)
}

// Reviews fetches GET /reviews?restaurant_id=<id>.
func (c *Client) Reviews(ctx context.Context, restaurantID int64) ([]Review, error) {
	query := map[string]string{"restaurant_id": strconv.FormatInt(restaurantID, 10)}
	data, err := c.doRequest(ctx, http.MethodGet, "/reviews", nil, query, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return decodeList[Review](data)
}

// SubmitReview posts a review and returns the server's canonical record.
// A non-empty idempotencyKey is sent in the Idempotency-Key header.
func (c *Client) SubmitReview(ctx context.Context, sub ReviewSubmission, idempotencyKey string) (*Review, error) {
	var header http.Header
	if idempotencyKey != "" {
		header = http.Header{IdempotencyHeader: []string{idempotencyKey}}
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/reviews", sub, nil, header, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Review](data)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string, header http.Header, want int) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != want {
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func decodeList[T any](data []byte) ([]T, error) {
	list, err := decodeJSON[[]T](data)
	if err != nil {
		return nil, err
	}
	return *list, nil
}
