package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/ir"
)

// DefaultTimeout bounds one request. A timeout is reported as unreachable.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is read for the message.
const maxErrorBody = 4 << 10

// Client talks to one resource collection, e.g. /api/events.
type Client struct {
	baseURL    string
	resource   string
	httpClient *http.Client
	dec        engine.Decoder
	headers    http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHeader adds a header to every request (e.g. Authorization).
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// New creates a Client for baseURL/resource. dec decodes payloads returned
// by the server.
func New(baseURL, resource string, dec engine.Decoder, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		resource:   strings.Trim(resource, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		dec:        dec,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type wireItem struct {
	ID      int64           `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

type wireRequest struct {
	Payload     ir.Payload `json:"payload"`
	DisplayName string     `json:"display_name,omitempty"`
}

type wireError struct {
	Error string `json:"error"`
}

type wireLock struct {
	Version int64 `json:"version"`
}

// Submit implements engine.RemoteAuthority.
func (c *Client) Submit(ctx context.Context, sub ir.Submission) (ir.Item, error) {
	q := url.Values{"scope": {sub.Scope.Key}}
	switch sub.Op {
	case ir.OpCreate:
		req, err := c.newJSONRequest(ctx, http.MethodPost, c.collectionURL(q), wireRequest{Payload: sub.Payload, DisplayName: sub.DisplayName})
		if err != nil {
			return ir.Item{}, err
		}
		if sub.IdempotencyKey != "" {
			req.Header.Set("Idempotency-Key", sub.IdempotencyKey)
		}
		return c.doItem(req)

	case ir.OpUpdate:
		req, err := c.newJSONRequest(ctx, http.MethodPut, c.entityURL(sub.ID, q), wireRequest{Payload: sub.Payload, DisplayName: sub.DisplayName})
		if err != nil {
			return ir.Item{}, err
		}
		return c.doItem(req)

	case ir.OpDelete:
		if sub.Cascade {
			q.Set("cascade", "true")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.entityURL(sub.ID, q), nil)
		if err != nil {
			return ir.Item{}, fmt.Errorf("build request: %w", err)
		}
		if _, err := c.do(req); err != nil {
			return ir.Item{}, err
		}
		return ir.Item{ID: sub.ID}, nil
	}
	return ir.Item{}, fmt.Errorf("submit: unsupported operation %s", sub.Op)
}

// List fetches the remote items of scope. It has the shape of the fetch
// callback taken by engine.Engine.MergedView.
func (c *Client) List(ctx context.Context, scope ir.Scope) ([]ir.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.collectionURL(url.Values{"scope": {scope.Key}}), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var wire []wireItem
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, engine.Unreachable(fmt.Errorf("decode list response: %w", err))
	}
	items := make([]ir.Item, 0, len(wire))
	for _, w := range wire {
		item, err := c.decodeItem(w)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Fetcher binds List to scope.
func (c *Client) Fetcher(scope ir.Scope) func(context.Context) ([]ir.Item, error) {
	return func(ctx context.Context) ([]ir.Item, error) {
		return c.List(ctx, scope)
	}
}

// Acquire implements engine.LockRenewer.
func (c *Client) Acquire(ctx context.Context, scope ir.Scope) (int64, error) {
	return c.lockCall(ctx, http.MethodPost, scope)
}

// Renew implements engine.LockRenewer.
func (c *Client) Renew(ctx context.Context, scope ir.Scope) (int64, error) {
	return c.lockCall(ctx, http.MethodPut, scope)
}

// Release implements engine.LockRenewer.
func (c *Client) Release(ctx context.Context, scope ir.Scope) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.lockURL(scope), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	_, err = c.do(req)
	return err
}

func (c *Client) lockCall(ctx context.Context, method string, scope ir.Scope) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.lockURL(scope), nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return 0, err
	}
	var lock wireLock
	if err := json.Unmarshal(body, &lock); err != nil {
		return 0, fmt.Errorf("decode lock response: %w", err)
	}
	return lock.Version, nil
}

func (c *Client) collectionURL(q url.Values) string {
	return c.baseURL + "/" + c.resource + "?" + q.Encode()
}

func (c *Client) entityURL(id ir.EntityID, q url.Values) string {
	return c.baseURL + "/" + c.resource + "/" + strconv.FormatInt(id.Raw(), 10) + "?" + q.Encode()
}

func (c *Client) lockURL(scope ir.Scope) string {
	return c.baseURL + "/" + c.resource + "/locks?" + url.Values{"scope": {scope.Key}}.Encode()
}

func (c *Client) newJSONRequest(ctx context.Context, method, target string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) doItem(req *http.Request) (ir.Item, error) {
	body, err := c.do(req)
	if err != nil {
		return ir.Item{}, err
	}
	var w wireItem
	if err := json.Unmarshal(body, &w); err != nil {
		return ir.Item{}, engine.Unreachable(fmt.Errorf("decode response: %w", err))
	}
	return c.decodeItem(w)
}

// decodeItem validates a server entity at the edge.
func (c *Client) decodeItem(w wireItem) (ir.Item, error) {
	id, err := ir.FromRaw(w.ID)
	if err != nil || !id.IsRemote() {
		return ir.Item{}, engine.Unreachable(fmt.Errorf("server returned invalid id %d", w.ID))
	}
	item := ir.Item{ID: id}
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return item, nil
	}
	p, err := c.dec.Decode(w.Payload)
	if err != nil {
		return ir.Item{}, engine.Unreachable(fmt.Errorf("decode payload of %d: %w", w.ID, err))
	}
	item.Payload = p
	return item, nil
}

// do sends req and returns the response body of a 2xx answer. Any other
// outcome is returned as a classified engine error.
func (c *Client) do(req *http.Request) ([]byte, error) {
	correlationID := uuid.New().String()
	req.Header.Set("X-Correlation-ID", correlationID)
	req.Header.Set("Accept", "application/json")
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		slog.Debug("request failed",
			"method", req.Method,
			"url", req.URL.Path,
			"correlation_id", correlationID,
			"duration", duration,
			"error", err,
		)
		return nil, engine.Unreachable(err)
	}
	defer resp.Body.Close()

	slog.Debug("request completed",
		"method", req.Method,
		"url", req.URL.Path,
		"correlation_id", correlationID,
		"status", resp.StatusCode,
		"duration", duration,
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, engine.Unreachable(fmt.Errorf("read response: %w", err))
		}
		return body, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, classify(resp.StatusCode, body)
}

// classify maps a non-2xx status to the engine's error taxonomy.
func classify(status int, body []byte) error {
	msg := http.StatusText(status)
	var we wireError
	if json.Unmarshal(body, &we) == nil && we.Error != "" {
		msg = we.Error
	}

	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return engine.Unreachable(fmt.Errorf("server returned %d: %s", status, msg))
	default:
		return engine.Rejected(msg)
	}
}
