package api

import (
	"bufio"
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

	"github.com/roach88/annosync/internal/live"
	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
	"github.com/roach88/annosync/internal/store"
)

// maxLineBytes bounds one NDJSON line of the change stream.
const maxLineBytes = 4 << 20

// Client talks to a server created by NewServer. It implements
// remote.Collection, so an engine can mirror a collection served by another
// process.
//
// Every failure is a *remote.Error: transport failures are KindNetwork (or
// KindTimeout for deadlines) and server errors carry the kind the server
// reported.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

var _ remote.Collection = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client. Default: a client without
// a timeout, since the change stream is long-lived; per-call deadlines come
// from the context.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithClientLogger sets the logger. Default: slog.Default().
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/health", nil, nil)
}

// List implements remote.Lister.
func (c *Client) List(ctx context.Context, filter record.Filter, token string) (remote.Page, error) {
	q := filterQuery(filter)
	if token != "" {
		q.Set(paramToken, token)
	}
	var page remote.Page
	err := c.do(ctx, "list", http.MethodGet, "/records?"+q.Encode(), nil, &page)
	return page, err
}

// Get returns record id.
func (c *Client) Get(ctx context.Context, id string) (record.Record, error) {
	var rec record.Record
	err := c.do(ctx, "get", http.MethodGet, "/records/"+url.PathEscape(id), nil, &rec)
	return rec, err
}

// Create implements remote.Mutator.
func (c *Client) Create(ctx context.Context, fields record.Fields) (record.Record, error) {
	var rec record.Record
	err := c.do(ctx, "create", http.MethodPost, "/records", fields, &rec)
	return rec, err
}

// Update implements remote.Mutator.
func (c *Client) Update(ctx context.Context, id string, patch record.Fields) (record.Record, error) {
	var rec record.Record
	err := c.do(ctx, "update", http.MethodPatch, "/records/"+url.PathEscape(id), patch, &rec)
	return rec, err
}

// Delete implements remote.Mutator.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, "delete", http.MethodDelete, "/records/"+url.PathEscape(id), nil, nil)
}

// Send enqueues body on queue under dedupeKey and reports whether it was
// newly accepted.
func (c *Client) Send(ctx context.Context, queue, dedupeKey string, body []byte) (bool, error) {
	var resp SendResponse
	req := SendRequest{DedupeKey: dedupeKey, Body: json.RawMessage(body)}
	err := c.do(ctx, "send", http.MethodPost, "/queues/"+url.PathEscape(queue)+"/messages", req, &resp)
	return resp.Accepted, err
}

// Depth returns the number of messages in queue.
func (c *Client) Depth(ctx context.Context, queue string) (int, error) {
	var resp DepthResponse
	err := c.do(ctx, "depth", http.MethodGet, "/queues/"+url.PathEscape(queue)+"/depth", nil, &resp)
	return resp.Depth, err
}

// Subscribe implements remote.Subscriber over the NDJSON change stream.
func (c *Client) Subscribe(ctx context.Context, filter record.Filter) (<-chan live.Event, error) {
	changes, err := c.Watch(ctx, filter, -1)
	if err != nil {
		return nil, err
	}
	out := make(chan live.Event)
	go func() {
		defer close(out)
		for ch := range changes {
			select {
			case out <- ch.Event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Watch opens the change stream, resuming after since when since >= 0. The
// channel closes when ctx is done or the server ends the stream.
func (c *Client) Watch(ctx context.Context, filter record.Filter, since int64) (<-chan store.Change, error) {
	q := filterQuery(filter)
	if since >= 0 {
		q.Set(paramSince, strconv.FormatInt(since, 10))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/records/stream?"+q.Encode(), nil)
	if err != nil {
		return nil, remote.WrapError(remote.KindValidation, "subscribe", err)
	}
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError("subscribe", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError("subscribe", resp)
	}

	out := make(chan store.Change)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := sc.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var ch store.Change
			if err := json.Unmarshal(line, &ch); err != nil {
				c.logger.Warn("skipping malformed change", "error", err)
				continue
			}
			select {
			case out <- ch:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil && ctx.Err() == nil {
			c.logger.Warn("change stream ended", "error", err)
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return remote.WrapError(remote.KindValidation, op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return remote.WrapError(remote.KindValidation, op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return responseError(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return remote.WrapError(remote.KindNetwork, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func transportError(op string, err error) error {
	kind := remote.KindOf(err)
	if kind != remote.KindTimeout {
		kind = remote.KindNetwork
	}
	return remote.WrapError(kind, op, err)
}

// responseError rebuilds the server's classified error from a non-2xx
// response.
func responseError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	var er ErrorResponse
	if err := json.Unmarshal(data, &er); err == nil && er.Kind != "" {
		return remote.NewError(er.Kind, op, er.Message)
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = resp.Status
	}
	return remote.NewError(KindFor(resp.StatusCode), op, msg)
}

func filterQuery(f record.Filter) url.Values {
	q := url.Values{}
	for k, v := range f {
		q.Set(k, v)
	}
	return q
}
