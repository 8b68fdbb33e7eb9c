// Package knowd provides a Go client for the knowd knowledge document
// service: owner-scoped document CRUD with automatic vectorization,
// semantic/keyword search, bulk jobs, and search analytics.
package knowd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kailas-cloud/knowd/internal/domain"
)

// Sentinel errors re-exported from the domain layer.
// Use errors.Is() to check.
var (
	ErrNotFound               = domain.ErrNotFound
	ErrValidation             = domain.ErrValidation
	ErrBackendUnavailable     = domain.ErrBackendUnavailable
	ErrEmbeddingProviderError = domain.ErrEmbeddingProviderError
	ErrVectorDimMismatch      = domain.ErrVectorDimMismatch
)

// Re-exported domain types. The wire format matches the server's JSON.
type (
	// Document is a knowledge document.
	Document = domain.Document
	// SearchResult is one search hit.
	SearchResult = domain.SearchResult
	// Job tracks an asynchronous bulk operation.
	Job = domain.Job
)

// Search modes accepted by Search.
const (
	ModeSemantic = string(domain.ModeSemantic)
	ModeKeyword  = string(domain.ModeKeyword)
	ModeHybrid   = string(domain.ModeHybrid)
)

// Option configures the Client.
type Option interface {
	apply(*Client)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*Client)

func (f optionFunc) apply(c *Client) { f(c) }

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return optionFunc(func(c *Client) {
		c.http = hc
	})
}

// Client talks to a knowd server on behalf of one owner. Every request
// carries the owner identity; there is no cross-owner access.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
}

// New creates a knowd Client for the given server and owner identity.
func New(baseURL, userID string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("knowd: base URL required")
	}
	if userID == "" {
		return nil, fmt.Errorf("knowd: user id required")
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    http.DefaultClient,
	}
	for _, o := range opts {
		o.apply(c)
	}
	return c, nil
}

// APIError is a non-2xx server response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("knowd: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Unwrap maps the response code back onto a domain sentinel so callers
// can use errors.Is across transports.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "not_found":
		return ErrNotFound
	case "validation_failed":
		return ErrValidation
	case "backend_unavailable":
		return ErrBackendUnavailable
	case "embedding_provider_error":
		return ErrEmbeddingProviderError
	case "vector_dim_mismatch":
		return ErrVectorDimMismatch
	default:
		return nil
	}
}

// do issues a request and decodes the JSON response into out (ignored
// when out is nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("knowd: encode request: %w", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return fmt.Errorf("knowd: build request: %w", err)
	}
	req.Header.Set("X-User-ID", c.userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("knowd: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Code = "internal_error"
			apiErr.Message = resp.Status
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("knowd: decode response: %w", err)
	}
	return nil
}
