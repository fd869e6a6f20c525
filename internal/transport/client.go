// Package transport is the leaf HTTP boundary: one typed call in, status,
// headers, and body out. Rate limiting, retries, and classification all
// happen above this layer.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout is the per-call timeout when the caller does not set one.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a response body is read into memory.
const maxResponseBytes = 32 * 1024 * 1024

// Response is the typed result of one call.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Client issues single HTTP calls over a pooled keep-alive transport.
type Client struct {
	http   *http.Client
	logger *zap.Logger
}

// Config bounds the underlying connection pool.
type Config struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
	TLSHandshakeTimeout time.Duration `yaml:"tls_handshake_timeout"`
}

// DefaultConfig returns the default transport bounds.
func DefaultConfig() Config {
	return Config{
		MaxIdleConns:        32,
		MaxConnsPerHost:     8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// New creates a transport client.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 32
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = 8
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	if cfg.TLSHandshakeTimeout <= 0 {
		cfg.TLSHandshakeTimeout = 10 * time.Second
	}

	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        cfg.MaxIdleConns,
				MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
				MaxConnsPerHost:     cfg.MaxConnsPerHost,
				IdleConnTimeout:     cfg.IdleConnTimeout,
				TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
			},
		},
		logger: logger.Named("transport"),
	}
}

// Send issues one call. A non-2xx status is not an error at this layer;
// the response is returned as-is for the classifier and rate monitor to
// inspect. Timeout <= 0 uses DefaultTimeout.
func (c *Client) Send(ctx context.Context, method, rawURL string, headers map[string]string, body []byte, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed",
			zap.String("method", method),
			zap.String("url", redact(rawURL)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debug("request complete",
		zap.String("method", method),
		zap.String("url", redact(rawURL)),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)))

	return &Response{
		Status:  resp.StatusCode,
		Headers: resp.Header.Clone(),
		Body:    data,
	}, nil
}

// Probe checks connectivity and credential validity against a tenant's
// self endpoint. Used by registration and health sweeps.
func (c *Client) Probe(ctx context.Context, baseURL, credential string) error {
	u, err := url.JoinPath(baseURL, "/users/myself")
	if err != nil {
		return fmt.Errorf("probe url: %w", err)
	}
	resp, err := c.Send(ctx, http.MethodGet, u, map[string]string{
		"Authorization": "Bearer " + credential,
	}, nil, 10*time.Second)
	if err != nil {
		return err
	}
	if resp.Status >= 400 {
		return fmt.Errorf("probe failed with status %d", resp.Status)
	}
	return nil
}

// CloseIdleConnections releases pooled sockets, used during shutdown.
func (c *Client) CloseIdleConnections() {
	if t, ok := c.http.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// redact strips query strings so credentials in query params never reach
// the logs.
func redact(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		u.RawQuery = ""
		return u.String()
	}
	return rawURL
}
