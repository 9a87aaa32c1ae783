// Package restclient is the JSON caller shared by the repository, decision engine, and conflict-check gateways.
// Every call is traced, bounded by a per-attempt timeout and guarded by a breaker. Idempotent methods are
// retried with exponential backoff; a POST is sent once, since a lost response may hide a committed create.
package restclient

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

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/drfirst/go-pathsync/pkg/circuitbreaker"
)

const maxErrorBody = 4 << 10

// StatusError is a non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsClientError reports whether err is a 4xx other than 429. These do not trip the breaker and are not retried.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && !se.Temporary()
}

// DecodeError is a 2xx response whose body does not match the expected shape.
// The upstream answered, so it does not count against the breaker and is not retried.
type DecodeError struct {
	Method string
	URL    string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// RetryConfig bounds retries of transport failures.
type RetryConfig struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// Config configures one gateway client.
type Config struct {
	Name        string
	BaseURL     string
	ContentType string
	Headers     map[string]string
	CallTimeout time.Duration
	Retry       RetryConfig
	Breaker     circuitbreaker.Config
	Transport   http.RoundTripper
}

// Client issues JSON requests against one base URL.
type Client struct {
	name        string
	base        *url.URL
	contentType string
	headers     map[string]string
	callTimeout time.Duration
	retry       RetryConfig
	http        *http.Client
	breaker     *circuitbreaker.CircuitBreaker
	logger      *zap.Logger
}

// New creates a client. The breaker is registered on the manager under cfg.Name.
func New(cfg Config, breakers *circuitbreaker.Manager, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.Retry.MaxTries == 0 {
		cfg.Retry.MaxTries = 1
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	breakerCfg := cfg.Breaker
	breakerCfg.IsSuccessful = func(err error) bool {
		return err == nil || IsClientError(err) || IsDecodeError(err)
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(logger)
	}
	cb, err := breakers.GetOrCreate(cfg.Name, breakerCfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		name:        cfg.Name,
		base:        base,
		contentType: cfg.ContentType,
		headers:     cfg.Headers,
		callTimeout: cfg.CallTimeout,
		retry:       cfg.Retry,
		http:        &http.Client{Transport: otelhttp.NewTransport(transport)},
		breaker:     cb,
		logger:      logger.With(zap.String("gateway", cfg.Name)),
	}, nil
}

// Request describes one call. Path is joined to the base URL unless it is absolute.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   any
}

// Response carries the parts of a response callers need besides the decoded body.
type Response struct {
	StatusCode int
	Header     http.Header
}

// Get is a convenience for a GET with query parameters.
func (c *Client) Get(ctx context.Context, path string, query url.Values, header http.Header, out any) error {
	_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query, Header: header}, out)
	return err
}

// Do sends req and decodes a JSON response body into out when out is non-nil.
func (c *Client) Do(ctx context.Context, req Request, out any) (*Response, error) {
	target, err := c.resolve(req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	var body []byte
	if req.Body != nil {
		if body, err = json.Marshal(req.Body); err != nil {
			return nil, fmt.Errorf("encode %s body: %w", req.Path, err)
		}
	}

	b := backoff.NewExponentialBackOff()
	if c.retry.InitialInterval > 0 {
		b.InitialInterval = c.retry.InitialInterval
	}
	if c.retry.MaxInterval > 0 {
		b.MaxInterval = c.retry.MaxInterval
	}
	tries := c.retry.MaxTries
	if !idempotent(req.Method) {
		tries = 1
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
	}
	if c.retry.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(c.retry.MaxElapsed))
	}

	attempt := 0
	return backoff.Retry(ctx, func() (*Response, error) {
		attempt++
		resp, err := circuitbreaker.Call(ctx, c.breaker, func() (*Response, error) {
			return c.once(ctx, req.Method, target, req.Header, body, out)
		})
		if err == nil {
			return resp, nil
		}
		if IsClientError(err) || IsDecodeError(err) || circuitbreaker.IsOpen(err) || ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		c.logger.Warn("gateway call failed",
			zap.String("method", req.Method),
			zap.String("url", target),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return nil, err
	}, opts...)
}

// idempotent reports whether a request can be repeated without creating anything twice.
func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

func (c *Client) once(ctx context.Context, method, target string, header http.Header, body []byte, out any) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", c.contentType)
	if body != nil {
		httpReq.Header.Set("Content-Type", c.contentType)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	for k, vs := range header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, &DecodeError{Method: method, URL: target, Err: err}
		}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header}, nil
}

func (c *Client) resolve(path string, query url.Values) (string, error) {
	var u *url.URL
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		parsed, err := url.Parse(path)
		if err != nil {
			return "", fmt.Errorf("parse url %q: %w", path, err)
		}
		u = parsed
	} else {
		cp := *c.base
		cp.Path = c.base.Path + "/" + strings.TrimLeft(path, "/")
		u = &cp
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Breaker exposes the client's breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}
