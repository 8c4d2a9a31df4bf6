package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPBackend talks to the identity service over JSON HTTP.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// HTTPOption configures an HTTPBackend.
type HTTPOption func(*HTTPBackend)

// WithAPIKey sends the key as a bearer credential on every call.
func WithAPIKey(key string) HTTPOption {
	return func(b *HTTPBackend) { b.apiKey = key }
}

// WithTimeout bounds each Authenticate call.
func WithTimeout(d time.Duration) HTTPOption {
	return func(b *HTTPBackend) { b.client.Timeout = d }
}

// WithHTTPClient replaces the underlying client. Intended for tests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) { b.client = c }
}

// NewHTTPBackend creates a backend for the given base URL.
func NewHTTPBackend(baseURL string, opts ...HTTPOption) *HTTPBackend {
	b := &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Authenticate posts the request to /v1/sessions and decodes the grant.
func (b *HTTPBackend) Authenticate(ctx context.Context, req Request) (Grant, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: encode request: %v", ErrUnavailable, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Read a little of the body for the log line, then drop it.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Grant{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var grant Grant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return Grant{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if grant.UserID == "" || grant.Session.Token == "" {
		return Grant{}, fmt.Errorf("%w: incomplete grant", ErrUnavailable)
	}
	return grant, nil
}
