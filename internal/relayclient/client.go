// Package relayclient is the HTTP client for the tracking relay. One Client
// is built at process start and handed to whatever needs the relay.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/rental-tracking/internal/models"
)

// ErrRelayUnreachable covers transport failures and 5xx answers.
var ErrRelayUnreachable = errors.New("relay unreachable")

// StatusError is a 4xx answer from the relay.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.Code, e.Message)
}

type Client struct {
	base       *url.URL
	http       *http.Client
	adminToken string
	userAgent  string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithAdminToken authenticates the admin-scoped routes.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		base:      u,
		http:      &http.Client{Timeout: 10 * time.Second, Transport: http.DefaultTransport.(*http.Transport).Clone()},
		userAgent: "rental-tracking/relayclient",
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Close drops pooled connections. The client must not be used afterwards.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) Start(ctx context.Context, req models.StartRequest) (models.StartResponse, error) {
	var out models.StartResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/tracking/start", req, &out)
	return out, err
}

func (c *Client) Update(ctx context.Context, req models.UpdateRequest) (models.UpdateResponse, error) {
	var out models.UpdateResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/tracking/update", req, &out)
	return out, err
}

func (c *Client) Stop(ctx context.Context, req models.StopRequest) error {
	var out models.AckResponse
	return c.do(ctx, http.MethodPost, "/api/v1/tracking/stop", req, &out)
}

// List returns every vehicle with an open session.
func (c *Client) List(ctx context.Context) ([]models.TrackedPosition, error) {
	var out []models.TrackedPosition
	if err := c.do(ctx, http.MethodGet, "/api/v1/tracking/vehicles", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, id string) (models.TrackedPosition, error) {
	var out models.TrackedPosition
	err := c.do(ctx, http.MethodGet, "/api/v1/tracking/vehicles/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrRelayUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s %s: status %d", ErrRelayUnreachable, method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var e models.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
