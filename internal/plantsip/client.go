package plantsip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

const (
	// DefaultHost is the public PlantSip API server.
	DefaultHost = "https://api.plantsip.de"
	// DefaultTimeout bounds every request made by the client.
	DefaultTimeout = 30 * time.Second
	// APIKeyHeader carries the long-lived API key.
	APIKeyHeader = "X-API-Key"

	apiPrefix   = "/v1"
	maxBodySize = 4 << 20
	maxErrBody  = 512
)

// RetryConfig bounds retries of idempotent requests.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
}

// BreakerConfig configures the circuit breaker in front of the API.
type BreakerConfig struct {
	Failures int
	OpenFor  time.Duration
}

// Config holds client configuration.
type Config struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
	Retry     RetryConfig
	Breaker   BreakerConfig
}

// Observer receives one call per HTTP round trip.
type Observer interface {
	ObserveRequest(method, route, outcome string, d time.Duration)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client. Its Timeout is ignored;
// the configured request timeout is applied per call through the context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithObserver registers a request observer (metrics).
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// Client is an authenticated PlantSip API client. It holds no state apart
// from its credentials and the circuit breaker.
type Client struct {
	baseURL   string
	apiKey    string
	timeout   time.Duration
	userAgent string
	retry     RetryConfig
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker
	observer  Observer
	logger    *slog.Logger
}

// NewClient validates cfg and creates a client.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, &ValidationError{Field: "host", Msg: "must not be empty"}
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &ValidationError{Field: "host", Msg: fmt.Sprintf("%q is not an http(s) URL", cfg.BaseURL)}
	}
	if cfg.Timeout < 0 {
		return nil, &ValidationError{Field: "timeout", Msg: "must be positive"}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Breaker.Failures < 1 {
		cfg.Breaker.Failures = 5
	}
	if cfg.Breaker.OpenFor <= 0 {
		cfg.Breaker.OpenFor = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "plantsip-bridge"
	}

	c := &Client{
		baseURL:   base,
		apiKey:    strings.TrimSpace(cfg.APIKey),
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		retry:     cfg.Retry,
		http:      &http.Client{},
		logger:    logger.With("component", "plantsip"),
	}
	failures := uint32(cfg.Breaker.Failures)
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "plantsip-api",
		Timeout: cfg.Breaker.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized host URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HasAPIKey reports whether the client sends an API key.
func (c *Client) HasAPIKey() bool {
	return c.apiKey != ""
}

// BreakerState returns the circuit breaker state ("closed", "half-open", "open").
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// Response is a successful (2xx) API response.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// IsJSON reports whether the response carried a JSON content type.
func (r *Response) IsJSON() bool {
	return isJSONContentType(r.ContentType)
}

// Text returns the raw body.
func (r *Response) Text() string {
	return string(r.Body)
}

// Decode unmarshals a JSON body into v. A shape mismatch is an APIError.
func (r *Response) Decode(v any) error {
	if !r.IsJSON() {
		return &APIError{Kind: KindBadPayload, Status: r.Status, Msg: "expected JSON, got " + r.ContentType}
	}
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return &APIError{Kind: KindBadPayload, Status: r.Status, Msg: "empty JSON body"}
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &APIError{Kind: KindBadPayload, Status: r.Status, Msg: "decode response", Err: err}
	}
	return nil
}

type requestOptions struct {
	headers map[string]string
	body    []byte
	ctype   string
	route   string
	bodyErr error
}

// RequestOption configures a single request.
type RequestOption func(*requestOptions)

// WithHeaders replaces the authentication header for one call. When set, the
// held API key is not sent.
func WithHeaders(h map[string]string) RequestOption {
	return func(o *requestOptions) {
		o.headers = h
	}
}

// WithJSONBody encodes v as the JSON request body.
func WithJSONBody(v any) RequestOption {
	return func(o *requestOptions) {
		data, err := json.Marshal(v)
		if err != nil {
			o.bodyErr = err
			return
		}
		o.body = data
		o.ctype = "application/json"
	}
}

// WithFormBody sends v as application/x-www-form-urlencoded.
func WithFormBody(v url.Values) RequestOption {
	return func(o *requestOptions) {
		o.body = []byte(v.Encode())
		o.ctype = "application/x-www-form-urlencoded"
	}
}

// withRoute sets the low-cardinality route label used for metrics.
func withRoute(route string) RequestOption {
	return func(o *requestOptions) {
		o.route = route
	}
}

type breakerResult struct {
	resp *Response
	err  error
}

// Do issues a request against the API. GET requests are retried on
// connection failures and server errors; nothing else is retried.
func (c *Client) Do(ctx context.Context, method, path string, opts ...RequestOption) (*Response, error) {
	ro := &requestOptions{}
	for _, opt := range opts {
		opt(ro)
	}
	if ro.bodyErr != nil {
		return nil, &ValidationError{Field: "body", Msg: ro.bodyErr.Error()}
	}
	if ro.route == "" {
		ro.route = path
	}

	if method != http.MethodGet || c.retry.MaxAttempts <= 1 {
		return c.execute(ctx, method, path, ro)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.InitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.retry.MaxAttempts-1)), ctx)

	var resp *Response
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		r, err := c.execute(ctx, method, path, ro)
		if err != nil {
			if retryable(err) && ctx.Err() == nil {
				c.logger.Debug("request failed, retrying", "method", method, "path", path, "attempt", attempt, "err", err)
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}, policy)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, &ConnectionError{Op: method + " " + path, Err: err}
		}
		return nil, err
	}
	return resp, nil
}

// execute runs one attempt through the circuit breaker. Only connection
// failures and server errors count against the breaker.
func (c *Client) execute(ctx context.Context, method, path string, ro *requestOptions) (*Response, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.send(ctx, method, path, ro)
		if err != nil && retryable(err) {
			return nil, err
		}
		return breakerResult{resp: resp, err: err}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.observe(method, ro.route, "breaker_open", 0)
			return nil, &ConnectionError{Op: method + " " + path, Err: err}
		}
		return nil, err
	}
	res := out.(breakerResult)
	return res.resp, res.err
}

func (c *Client) send(ctx context.Context, method, path string, ro *requestOptions) (*Response, error) {
	op := method + " " + path
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if ro.body != nil {
		body = bytes.NewReader(ro.body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, body)
	if err != nil {
		return nil, &ValidationError{Field: "path", Msg: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if ro.ctype != "" {
		req.Header.Set("Content-Type", ro.ctype)
	}
	keyUsed := false
	if ro.headers != nil {
		for k, v := range ro.headers {
			req.Header.Set(k, v)
		}
	} else if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
		keyUsed = true
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(method, ro.route, "connection", time.Since(start))
		return nil, &ConnectionError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		c.observe(method, ro.route, "connection", time.Since(start))
		return nil, &ConnectionError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	if err := statusError(resp.StatusCode, data, keyUsed); err != nil {
		c.observe(method, ro.route, outcomeOf(err), time.Since(start))
		c.logger.Debug("request failed", "op", op, "status", resp.StatusCode, "err", err)
		return nil, err
	}

	out := &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}
	if out.IsJSON() && len(bytes.TrimSpace(data)) > 0 && !json.Valid(data) {
		c.observe(method, ro.route, string(KindBadPayload), time.Since(start))
		return nil, &APIError{Kind: KindBadPayload, Status: resp.StatusCode, Msg: "malformed JSON response", Body: truncate(string(data))}
	}
	c.observe(method, ro.route, "ok", time.Since(start))
	return out, nil
}

// statusError maps non-2xx status codes to the error taxonomy.
func statusError(status int, body []byte, keyUsed bool) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return &AuthError{Status: status, InvalidKey: keyUsed, Msg: "invalid credentials"}
	case status == http.StatusForbidden:
		return &AuthError{Status: status, InvalidKey: keyUsed, Msg: "insufficient permissions"}
	case status == http.StatusNotFound:
		return &APIError{Kind: KindNotFound, Status: status, Msg: "not found"}
	case status >= 500:
		return &APIError{Kind: KindServerError, Status: status, Msg: "server error", Body: truncate(string(body))}
	case status >= 400:
		return &APIError{Kind: KindBadStatus, Status: status, Body: truncate(string(body))}
	default:
		return &APIError{Kind: KindBadStatus, Status: status, Msg: "unexpected status"}
	}
}

func outcomeOf(err error) string {
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.As(err, &apiErr):
		return string(apiErr.Kind)
	default:
		return "error"
	}
}

func (c *Client) observe(method, route, outcome string, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveRequest(method, route, outcome, d)
	}
}

func isJSONContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrBody {
		return s[:maxErrBody] + "..."
	}
	return s
}
