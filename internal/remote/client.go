// Package remote is the HTTP transport to the canonical server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tethersync "github.com/hyperengineering/tether/internal/sync"
)

// DefaultTimeout bounds each network call.
const DefaultTimeout = 15 * time.Second

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 32 << 20

// ErrUnauthorized is returned when the server rejects the API key. It is not
// retried with backoff.
var ErrUnauthorized = errors.New("unauthorized")

// Client talks to the canonical server. Every call carries its own timeout;
// a call that times out is reported as a transient error and never as
// success.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for the server at baseURL.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{},
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "remote")
	return c
}

// Ping checks connectivity to the server.
func (c *Client) Ping(ctx context.Context) error {
	status, body, err := c.sendRequest(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return statusError(status, body)
	}
	return nil
}

// FetchSchema returns the canonical schema and its migration catalogue.
func (c *Client) FetchSchema(ctx context.Context) (*tethersync.SchemaResponse, error) {
	status, body, err := c.sendRequest(ctx, http.MethodGet, "/api/v1/schema", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, body)
	}
	var resp tethersync.SchemaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode schema response: %w", err)
	}
	return &resp, nil
}

// Push delivers one outbox event. Rejections come back as
// *tethersync.VersionConflictError, *tethersync.SchemaMismatchError or
// *tethersync.InvalidError.
func (c *Client) Push(ctx context.Context, tenantID string, req tethersync.PushRequest) (*tethersync.PushResponse, error) {
	path := "/api/v1/tenants/" + url.PathEscape(tenantID) + "/events"
	status, body, err := c.sendRequest(ctx, http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK, http.StatusCreated:
		var resp tethersync.PushResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode push response: %w", err)
		}
		return &resp, nil
	case http.StatusConflict, http.StatusUnprocessableEntity, http.StatusBadRequest:
		return nil, pushRejection(req.EventID, status, body)
	default:
		return nil, statusError(status, body)
	}
}

// Pull returns one page of the change feed after the given cursor.
func (c *Client) Pull(ctx context.Context, tenantID string, after int64, limit int) (*tethersync.DeltaResponse, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/tenants/" + url.PathEscape(tenantID) + "/delta?" + q.Encode()

	status, body, err := c.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, body)
	}
	var resp tethersync.DeltaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode delta response: %w", err)
	}
	return &resp, nil
}

// sendRequest sends an authenticated request and reads the whole response
// within the per-call timeout.
func (c *Client) sendRequest(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, c.transportError(ctx, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, c.transportError(ctx, method, path, err)
	}
	return resp.StatusCode, data, nil
}

// transportError classifies a failed round trip. Cancellation of the caller's
// context is passed through; anything else, including the per-call timeout,
// is transient.
func (c *Client) transportError(ctx context.Context, method, path string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.logger.Debug("request failed",
		"action", "request_failed",
		"method", method,
		"path", path,
		"error", err,
	)
	return tethersync.Transient(fmt.Errorf("%s %s: %w", method, path, err))
}

// statusError maps an unexpected status to an error. Server errors, 408 and
// 429 are transient.
func statusError(status int, body []byte) error {
	err := fmt.Errorf("server returned %d: %s", status, problemDetail(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return tethersync.Transient(err)
	default:
		return err
	}
}

func pushRejection(eventID string, status int, body []byte) error {
	var p tethersync.PushProblem
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("decode push rejection (%d): %w", status, err)
	}
	if p.EventID != "" {
		eventID = p.EventID
	}

	switch p.Type {
	case tethersync.ProblemVersionConflict:
		return &tethersync.VersionConflictError{
			EventID:       eventID,
			ServerVersion: p.ServerVersion,
			Deleted:       p.Deleted,
			Current:       p.Current,
		}
	case tethersync.ProblemSchemaMismatch:
		return &tethersync.SchemaMismatchError{
			ClientFingerprint: p.ClientFingerprint,
			ServerFingerprint: p.ServerFingerprint,
		}
	}
	if status == http.StatusConflict {
		return fmt.Errorf("unrecognized conflict problem %q: %s", p.Type, p.Detail)
	}
	reason := p.Detail
	if reason == "" {
		reason = p.Title
	}
	return &tethersync.InvalidError{EventID: eventID, Reason: reason}
}

func problemDetail(body []byte) string {
	var p struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &p) == nil {
		if p.Detail != "" {
			return p.Detail
		}
		if p.Title != "" {
			return p.Title
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return strings.TrimSpace(string(body))
}
