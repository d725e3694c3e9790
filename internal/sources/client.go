package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/johnrirwin/spinefeed/internal/ratelimit"
)

// FetchError describes a failed HTTP fetch after retries.
type FetchError struct {
	URL        string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Transient
	case ErrPermanent:
		return !e.Transient
	}
	return false
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.StatusCode == http.StatusNotFound
}

// Response is a fetched document.
type Response struct {
	URL         *url.URL
	Body        []byte
	ContentType string
}

// Client performs polite GETs: a minimum interval and a concurrency cap per host, bounded
// retries with exponential backoff for transient failures.
type Client struct {
	http    *http.Client
	limiter *ratelimit.Limiter
	gate    *ratelimit.HostGate
	config  FetcherConfig
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewClient(config FetcherConfig, limiter *ratelimit.Limiter, gate *ratelimit.HostGate) *Client {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultConfig().MaxBodySize
	}
	return &Client{
		http:    &http.Client{},
		limiter: limiter,
		gate:    gate,
		config:  config,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Get fetches rawURL, retrying transient failures.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.fetch(ctx, rawURL, c.config.MaxBodySize)
}

// Download fetches binary content no larger than maxBytes.
func (c *Client) Download(ctx context.Context, rawURL string, maxBytes int64) (*Response, error) {
	return c.fetch(ctx, rawURL, maxBytes)
}

func (c *Client) fetch(ctx context.Context, rawURL string, maxBytes int64) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("malformed url")}
	}

	var lastErr *FetchError
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return nil, &FetchError{URL: rawURL, Err: err}
			}
		}

		resp, ferr := c.attempt(ctx, u, maxBytes)
		if ferr == nil {
			return resp, nil
		}
		lastErr = ferr
		if !ferr.Transient || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.config.Backoff << (attempt - 1)
	if d <= 0 {
		return 0
	}
	return d + rand.N(d/2+1)
}

func (c *Client) attempt(ctx context.Context, u *url.URL, maxBytes int64) (*Response, *FetchError) {
	host := u.Hostname()
	if c.gate != nil {
		release, err := c.gate.Acquire(ctx, host)
		if err != nil {
			return nil, &FetchError{URL: u.String(), Err: err}
		}
		defer release()
	}
	if c.limiter != nil {
		if err := c.limiter.WaitContext(ctx, host); err != nil {
			return nil, &FetchError{URL: u.String(), Err: err}
		}
	}

	reqCtx := ctx
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FetchError{URL: u.String(), Err: err}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{URL: u.String(), Err: err, Transient: isTransientNetErr(ctx, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{URL: u.String(), StatusCode: resp.StatusCode, Transient: isTransientStatus(resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, &FetchError{URL: u.String(), Err: err, Transient: isTransientNetErr(ctx, err)}
	}
	if int64(len(body)) > maxBytes {
		return nil, &FetchError{URL: u.String(), Err: fmt.Errorf("body exceeds %d bytes", maxBytes)}
	}

	return &Response{URL: resp.Request.URL, Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

func isTransientStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// isTransientNetErr treats timeouts and connection failures as retryable unless the caller's
// own context ended.
func isTransientNetErr(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
