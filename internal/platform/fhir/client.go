package fhir

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	mediaTypeFHIRJSON = "application/fhir+json"
	maxErrorBody      = 4096
)

// UpstreamError is returned for any failed call to the FHIR store: transport
// failures (StatusCode 0) and every response with status >= 400.
type UpstreamError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fhir %s %s: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("fhir %s %s: status %d", e.Method, e.URL, e.StatusCode)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.StatusCode == http.StatusNotFound
}

// Store is the read/write capability the dose engine needs from a FHIR server.
type Store interface {
	Search(ctx context.Context, resourceType string, params url.Values) (*SearchResult, error)
	Read(ctx context.Context, resourceType, id string) (json.RawMessage, error)
	Create(ctx context.Context, resourceType string, resource any) (json.RawMessage, error)
}

// SearchResult holds every matched resource across the pages that were read.
type SearchResult struct {
	Resources []json.RawMessage
	Pages     int
	// Truncated is set when a next link remained after the page limit, or
	// when the server offered a next link that could not be followed.
	Truncated bool
}

// RequestObserver receives one callback per upstream call.
type RequestObserver interface {
	ObserveFHIRRequest(method, resourceType string, status int, elapsed time.Duration)
}

// Client is a minimal FHIR R4 REST client. A Client is bound to one base URL
// and one bearer token; use With to derive a client for another pair.
type Client struct {
	base     string
	token    string
	http     *http.Client
	maxPages int
	observer RequestObserver
	logger   zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-call timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http = &http.Client{Timeout: d} }
}

// WithMaxPages bounds how many searchset pages Search follows.
func WithMaxPages(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxPages = n
		}
	}
}

func WithObserver(o RequestObserver) Option {
	return func(c *Client) { c.observer = o }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for baseURL with no credential.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:     strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 10 * time.Second},
		maxPages: 1,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// With returns a copy bound to baseURL and token. An empty baseURL keeps the
// current base.
func (c *Client) With(baseURL, token string) *Client {
	cp := *c
	if baseURL != "" {
		cp.base = strings.TrimRight(baseURL, "/")
	}
	cp.token = token
	return &cp
}

// Dial satisfies the Dialer signature used by the engine.
func (c *Client) Dial(baseURL, token string) Store {
	return c.With(baseURL, token)
}

// BaseURL returns the base the client talks to.
func (c *Client) BaseURL() string { return c.base }

// Identity names the base and credential pair without exposing the token.
func (c *Client) Identity() string {
	sum := sha256.Sum256([]byte(c.token))
	return c.base + "#" + hex.EncodeToString(sum[:8])
}

// Dialer produces a Store bound to a base URL and bearer token.
type Dialer func(baseURL, token string) Store

// Search runs a type-level search and follows next links, staying on the
// origin of the base URL, until maxPages pages have been read.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) (*SearchResult, error) {
	target := c.base + "/" + resourceType
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	result := &SearchResult{}
	for target != "" {
		var bundle Bundle
		if err := c.do(ctx, http.MethodGet, resourceType, target, nil, &bundle); err != nil {
			return nil, err
		}
		result.Pages++
		result.Resources = append(result.Resources, bundle.Resources()...)

		next := bundle.LinkURL("next")
		if next == "" {
			break
		}
		if result.Pages >= c.maxPages {
			result.Truncated = true
			break
		}
		resolved, ok := c.sameOrigin(next)
		if !ok {
			c.logger.Warn().Str("next", next).Str("base", c.base).Msg("not following cross-origin next link")
			result.Truncated = true
			break
		}
		target = resolved
	}
	return result, nil
}

// Read fetches resourceType/id.
func (c *Client) Read(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("read %s: empty id", resourceType)
	}
	target := c.base + "/" + resourceType + "/" + url.PathEscape(id)
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, resourceType, target, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Create POSTs resource and returns the server's representation, which
// carries the assigned id.
func (c *Client) Create(ctx context.Context, resourceType string, resource any) (json.RawMessage, error) {
	body, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", resourceType, err)
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, resourceType, c.base+"/"+resourceType, body, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) sameOrigin(link string) (string, bool) {
	base, err := url.Parse(c.base)
	if err != nil {
		return "", false
	}
	next, err := base.Parse(link)
	if err != nil {
		return "", false
	}
	if !strings.EqualFold(next.Scheme, base.Scheme) || !strings.EqualFold(next.Host, base.Host) {
		return "", false
	}
	return next.String(), true
}

func (c *Client) do(ctx context.Context, method, resourceType, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &UpstreamError{Method: method, URL: target, Err: err}
	}
	req.Header.Set("Accept", mediaTypeFHIRJSON)
	if body != nil {
		req.Header.Set("Content-Type", mediaTypeFHIRJSON)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(method, resourceType, 0, start)
		return &UpstreamError{Method: method, URL: target, Err: err}
	}
	defer resp.Body.Close()
	c.observe(method, resourceType, resp.StatusCode, start)

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &UpstreamError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("decode response: %w", err),
		}
	}
	return nil
}

func (c *Client) observe(method, resourceType string, status int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveFHIRRequest(method, resourceType, status, time.Since(start))
	}
}
