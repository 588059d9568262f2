package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: http %d", e.Method, e.Path, e.Code)
}

// IsNotFound reports whether err is a 404 from the service, which for
// worker calls means the worker is not registered.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Client talks to a scheduling service over HTTP.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a Client for addr, given as host:port or a URL.
func NewClient(addr string) *Client {
	base := addr
	if strings.HasPrefix(base, "tcp://") {
		base = "http://" + strings.TrimPrefix(base, "tcp://")
	} else if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// Identity fetches GET /identity.
func (c *Client) Identity(ctx context.Context) (Identity, error) {
	var id Identity
	err := c.getJSON(ctx, "/identity", &id)
	return id, err
}

// Workers fetches GET /workers.
func (c *Client) Workers(ctx context.Context) ([]WorkerInfo, error) {
	var resp WorkersResponse
	if err := c.getJSON(ctx, "/workers", &resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

// Resources fetches GET /resources/{name}.
func (c *Client) Resources(ctx context.Context, name string) ([]ResourceSample, error) {
	var resp ResourcesResponse
	if err := c.getJSON(ctx, "/resources/"+url.PathEscape(name), &resp); err != nil {
		return nil, err
	}
	return resp.Samples, nil
}

// Register posts a worker registration.
func (c *Client) Register(ctx context.Context, w WorkerInfo) error {
	return c.postJSON(ctx, "/register", RegisterRequest{Worker: w})
}

// Unregister removes a worker.
func (c *Client) Unregister(ctx context.Context, name string) error {
	return c.postJSON(ctx, "/unregister", UnregisterRequest{Name: name})
}

// Heartbeat reports liveness with an optional resource sample.
func (c *Client) Heartbeat(ctx context.Context, name string, sample *ResourceSample) error {
	return c.postJSON(ctx, "/heartbeat", HeartbeatRequest{Name: name, Sample: sample})
}

func (c *Client) postJSON(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return &StatusError{Method: http.MethodPost, Path: path, Code: resp.StatusCode}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return &StatusError{Method: http.MethodGet, Path: path, Code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
