// Package client talks to a smartsearch server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/NVIDIA/OSMO-sub002/internal/engine"
	"github.com/NVIDIA/OSMO-sub002/internal/model"
	"github.com/NVIDIA/OSMO-sub002/internal/pkg/smartql"
	"github.com/NVIDIA/OSMO-sub002/internal/registry"
)

// ClientIDHeader carries the client id on ingest requests.
const ClientIDHeader = "X-Client-ID"

const Version = "0.1.0"

// Options configures a Client.
type Options struct {
	ServerURL string
	APIKey    string
	// Name identifies the client in the server's client list.
	Name string
	// ClientID is generated when empty.
	ClientID string
	Timeout  time.Duration
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// Client is a smartsearch API client. It satisfies cluster.Backend so a
// remote node can take part in a federated query.
type Client struct {
	base *url.URL
	opts Options
	http *http.Client
}

// New creates a Client for opts.ServerURL.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		base: base,
		opts: opts,
		http: &http.Client{Timeout: opts.Timeout},
	}, nil
}

// ID returns the client id sent with every request.
func (c *Client) ID() string {
	return c.opts.ClientID
}

// URL returns the server base URL.
func (c *Client) URL() string {
	return c.base.String()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	req.Header.Set(ClientIDHeader, c.opts.ClientID)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func chipQuery(chips []smartql.SearchChip) url.Values {
	q := url.Values{}
	for _, ch := range chips {
		q.Add(smartql.ChipParam, ch.Field+":"+ch.Value)
	}
	return q
}

// Search runs a filter query on the server.
func (c *Client) Search(ctx context.Context, req engine.SearchRequest) (engine.SearchResult, error) {
	q := chipQuery(req.Chips)
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Offset > 0 {
		q.Set("offset", strconv.Itoa(req.Offset))
	}
	var res engine.SearchResult
	err := c.do(ctx, http.MethodGet, "/api/search", q, nil, &res)
	return res, err
}

// Suggest asks for completions of req.Input.
func (c *Client) Suggest(ctx context.Context, req engine.SuggestRequest) ([]smartql.Suggestion, error) {
	q := chipQuery(req.Chips)
	q.Set("input", req.Input)
	var out []smartql.Suggestion
	err := c.do(ctx, http.MethodGet, "/api/suggest", q, nil, &out)
	return out, err
}

// Histogram fetches start-time buckets; a non-positive interval lets the
// server choose.
func (c *Client) Histogram(ctx context.Context, chips []smartql.SearchChip, interval time.Duration) ([]engine.HistogramPoint, error) {
	q := chipQuery(chips)
	if interval > 0 {
		q.Set("interval", interval.String())
	}
	var out []engine.HistogramPoint
	err := c.do(ctx, http.MethodGet, "/api/histogram", q, nil, &out)
	return out, err
}

// Stats fetches statistics over the tasks matching chips.
func (c *Client) Stats(ctx context.Context, chips []smartql.SearchChip) (engine.SystemStats, error) {
	var out engine.SystemStats
	err := c.do(ctx, http.MethodGet, "/api/stats", chipQuery(chips), nil, &out)
	return out, err
}

// Ingest uploads task updates and returns how many were accepted.
func (c *Client) Ingest(ctx context.Context, tasks []model.Task) (int, error) {
	var out struct {
		Accepted int `json:"accepted"`
	}
	err := c.do(ctx, http.MethodPost, "/api/ingest", nil, tasks, &out)
	return out.Accepted, err
}

// Handshake registers the client and returns the server's batch settings.
func (c *Client) Handshake(ctx context.Context, source string) (registry.BatchConfig, error) {
	hostname, _ := os.Hostname()
	var cfg registry.BatchConfig
	err := c.do(ctx, http.MethodPost, "/api/clients/handshake", nil, registry.Client{
		ClientID: c.opts.ClientID,
		Name:     c.opts.Name,
		Source:   source,
		Hostname: hostname,
		Version:  Version,
	}, &cfg)
	return cfg, err
}

// EnsureClientID returns the id stored in dir/client-id, creating it on
// first use. A fresh ephemeral id is returned when dir is unusable.
func EnsureClientID(dir string) string {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return uuid.NewString()
	}
	idFile := filepath.Join(dir, "client-id")
	if data, err := os.ReadFile(idFile); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	id := uuid.NewString()
	_ = os.WriteFile(idFile, []byte(id), 0644)
	return id
}
