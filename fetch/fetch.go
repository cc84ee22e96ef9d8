// Package fetch performs outbound HTTP GETs with a per-attempt timeout,
// bounded exponential-backoff retries and optional rate limiting.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"themeplane/logger"
)

const (
	DefaultTimeout     = 15 * time.Second
	DefaultRetries     = 3
	DefaultMaxBodySize = 64 << 20
)

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Status)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type Options struct {
	// Timeout bounds each attempt. Zero selects DefaultTimeout.
	Timeout time.Duration
	// Retries is the number of attempts after the first one.
	Retries uint
	// InitialBackoff is the first retry delay. Zero uses the backoff default.
	InitialBackoff time.Duration
	// MaxBodySize caps the response body. Zero selects DefaultMaxBodySize.
	MaxBodySize int64
	// Limiter throttles attempts when set.
	Limiter *rate.Limiter
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

type Client struct {
	http    *http.Client
	opts    Options
	limiter *rate.Limiter
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	return &Client{
		http:    &http.Client{Timeout: opts.Timeout, Transport: opts.Transport},
		opts:    opts,
		limiter: opts.Limiter,
	}
}

// Get fetches url and returns the body of the first 2xx response.
func (c *Client) Get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	attempt := func() ([]byte, error) {
		body, err := c.once(ctx, url, header)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	if c.opts.InitialBackoff > 0 {
		policy.InitialInterval = c.opts.InitialBackoff
	}
	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.opts.Retries+1),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Debug("fetch retrying", "url", url, "error", err, "wait", wait)
		}),
	)
}

func (c *Client) once(ctx context.Context, url string, header http.Header) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.opts.MaxBodySize {
		return nil, backoff.Permanent(fmt.Errorf("response body exceeds %d bytes", c.opts.MaxBodySize))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode, Body: body}
	}
	return body, nil
}
