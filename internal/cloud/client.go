package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tankwise/tanksync/internal/retry"
)

// Cloud endpoints
const (
	ConfigPath    = "/api/device/config"
	ControlPath   = "/api/device/control"
	TelemetryPath = "/api/device-telemetry"
	TimeSyncPath  = "/api/timeSync"
	LoginPath     = "/api/device-auth/login"
	RefreshPath   = "/api/device-auth/refresh"
)

// DefaultTimeout bounds every cloud request
const DefaultTimeout = 10 * time.Second

// ErrUnauthorized is returned when the cloud rejects the device token
var ErrUnauthorized = errors.New("cloud rejected device token")

// StatusError is a non-2xx response
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// TokenStore persists the bearer token across reboots
type TokenStore interface {
	SaveToken(ctx context.Context, token string) error
}

// Options configure a Client
type Options struct {
	BaseURL    string
	DeviceID   string
	Timeout    time.Duration
	Retry      *retry.Config
	HTTPClient *http.Client
	Tokens     TokenStore
	// OnUnauthorized is called after a 401 cleared the token
	OnUnauthorized func()
	// Observe receives the outcome of every HTTP attempt
	Observe func(path string, code int, err error)
}

// Client performs cloud requests for one device
type Client struct {
	baseURL  string
	deviceID string
	http     *http.Client
	retry    *retry.Config
	opts     Options
	logger   *logrus.Entry

	mu    sync.RWMutex
	token string
}

// NewClient creates a cloud client
func NewClient(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retry == nil {
		opts.Retry = retry.CloudDefaults()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		deviceID: opts.DeviceID,
		http:     hc,
		retry:    opts.Retry,
		opts:     opts,
		logger:   logrus.WithField("component", "cloud"),
	}
}

// DeviceID returns the device identity used in every request
func (c *Client) DeviceID() string { return c.deviceID }

// Token returns the current bearer token
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the bearer token without persisting it
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Authenticated reports whether a token is held
func (c *Client) Authenticated() bool {
	return c.Token() != ""
}

func (c *Client) storeToken(ctx context.Context, token string) {
	c.SetToken(token)
	if c.opts.Tokens == nil {
		return
	}
	if err := c.opts.Tokens.SaveToken(ctx, token); err != nil {
		c.logger.WithError(err).Warn("Failed to persist device token")
	}
}

// request describes one cloud call
type request struct {
	method string
	path   string
	query  url.Values
	body   []byte
	once   bool // single attempt
}

// do performs req with the retry policy and returns the response body of a 2xx answer
func (c *Client) do(ctx context.Context, req request) ([]byte, error) {
	var out []byte
	attempt := func() error {
		body, err := c.send(ctx, req)
		if err != nil {
			return err
		}
		out = body
		return nil
	}

	if req.once {
		if err := attempt(); err != nil {
			return nil, err
		}
		return out, nil
	}
	if err := retry.WithOperation(ctx, c.retry, attempt, req.method+" "+req.path); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) send(ctx context.Context, req request) ([]byte, error) {
	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.observe(req.path, 0, err)
		return nil, fmt.Errorf("request to %s failed: %w", req.path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(req.path, resp.StatusCode, err)
		return nil, fmt.Errorf("failed to read response from %s: %w", req.path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.observe(req.path, resp.StatusCode, ErrUnauthorized)
		c.unauthorized(ctx)
		return nil, retry.Permanent(ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		err := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		c.observe(req.path, resp.StatusCode, err)
		return nil, err
	}
	c.observe(req.path, resp.StatusCode, nil)
	return data, nil
}

func (c *Client) unauthorized(ctx context.Context) {
	c.logger.Warn("Device token rejected, re-authentication required")
	c.storeToken(ctx, "")
	if c.opts.OnUnauthorized != nil {
		c.opts.OnUnauthorized()
	}
}

func (c *Client) observe(path string, code int, err error) {
	if c.opts.Observe != nil {
		c.opts.Observe(path, code, err)
	}
}

func (c *Client) deviceQuery() url.Values {
	return url.Values{"deviceId": []string{c.deviceID}}
}
