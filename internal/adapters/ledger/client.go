// Package ledger talks to the DEX gateway over HTTP. It implements
// ports.LedgerClient and ports.PriceOracle.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/retry"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "http://localhost:8545/gateway"

	// Rate limits al 60% del límite documentado del gateway (50 req/s).
	readRatePerSec  = 30
	writeRatePerSec = 5

	defaultTimeout = 10 * time.Second
)

// ErrStatus is wrapped by every non-2xx response error.
var ErrStatus = errors.New("unexpected status")

// Client es el HTTP client del gateway con rate limiting. Los reintentos los
// hace el llamador con retry.Do; el cliente solo clasifica los errores.
type Client struct {
	http         *http.Client
	baseURL      string
	readLimiter  *rate.Limiter
	writeLimiter *rate.Limiter
	log          *slog.Logger

	mu       sync.Mutex
	decimals map[string]int32
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimits overrides the read and write request rates. Zero keeps the
// default for that side.
func WithRateLimits(readPerSec, writePerSec float64) Option {
	return func(c *Client) {
		if readPerSec > 0 {
			c.readLimiter = rate.NewLimiter(rate.Limit(readPerSec), max(1, int(readPerSec/3)))
		}
		if writePerSec > 0 {
			c.writeLimiter = rate.NewLimiter(rate.Limit(writePerSec), 1)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient crea un Client contra baseURL. Si está vacío usa el gateway local.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		http:         &http.Client{Timeout: defaultTimeout},
		baseURL:      baseURL,
		readLimiter:  rate.NewLimiter(readRatePerSec, 10),
		writeLimiter: rate.NewLimiter(writeRatePerSec, 1),
		log:          slog.Default(),
		decimals:     make(map[string]int32),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// get hace un GET con rate limiting.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, c.readLimiter, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, out)
}

// post hace un POST JSON con rate limiting.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, c.writeLimiter, func() (*http.Request, error) {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, out)
}

// do sends one request. 429 and 5xx are returned as retryable errors, any
// other 4xx is wrapped with retry.Permanent.
func (c *Client) do(ctx context.Context, limiter *rate.Limiter, build func() (*http.Request, error), out any) error {
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := build()
	if err != nil {
		return retry.Permanent(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.log.Warn("ledger: rate limited by gateway", "path", req.URL.Path)
		return fmt.Errorf("%s %s: %w %d", req.Method, req.URL.Path, ErrStatus, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s %s: %w %d", req.Method, req.URL.Path, ErrStatus, resp.StatusCode)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return retry.Permanent(fmt.Errorf("%s %s: %w %d: %s", req.Method, req.URL.Path, ErrStatus, resp.StatusCode, bytes.TrimSpace(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
