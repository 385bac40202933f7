// Package api is a small Mattermost REST v4 client covering what the relay
// needs: identity, channel discovery, user names, file downloads and posts.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/mmrelay/internal/config"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultRatePerSec = 10
	maxErrorBody      = 4 << 10
)

// APIError is returned for non-2xx responses.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("mattermost: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("mattermost: %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// Rejected reports whether the server refused the credentials.
func (e *APIError) Rejected() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Client talks to one Mattermost server on behalf of one agent.
type Client struct {
	baseURL     string
	botToken    string // own identity and posting
	lookupToken string // user and file lookups
	http        *http.Client
	limiter     *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit bounds outgoing requests per second.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSec), burst) }
}

// NewClient creates a client from the agent's adapter config.
func NewClient(cfg config.MattermostConfig, opts ...Option) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = TLSConfig(cfg)

	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		botToken:    cfg.BotToken,
		lookupToken: cfg.LookupToken(),
		http:        &http.Client{Timeout: defaultTimeout, Transport: transport},
		limiter:     rate.NewLimiter(rate.Limit(defaultRatePerSec), defaultRatePerSec),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TLSConfig returns the TLS settings shared by REST and websocket connections.
func TLSConfig(cfg config.MattermostConfig) *tls.Config {
	return &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify} //nolint:gosec // self-signed deployments opt in explicitly
}

// BaseURL returns the server base URL without trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) newRequest(ctx context.Context, method, path, token string, body any) (*http.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", path, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// send executes the request and returns the response when the status is 2xx.
// The caller must close the body.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mattermost: %s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{Method: req.Method, Path: req.URL.Path, StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		apiErr.Message = payload.Message
	}
	return nil, apiErr
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, token, body)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
