// Package source is the outbound HTTP client shared by every fetcher. It
// returns typed results instead of raising on HTTP errors, retries transient
// failures with exponential back-off, and is throttled per host.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Defaults for the retry loop.
const (
	DefaultTimeout     = 15 * time.Second
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = 500 * time.Millisecond
	maxBodyBytes       = 8 << 20
)

// Result is the typed outcome of a request. OK means HTTP 2xx. JSON holds
// the decoded body when it parsed; Body always holds the raw bytes so
// callers can report upstream payloads on error.
type Result struct {
	OK     bool
	Status int
	JSON   any
	Body   []byte
}

// Err classifies a failed call.
type Err struct {
	URL       string
	Status    int  // 0 for transport-level failures
	Transient bool // retryable: network error or HTTP 5xx
	Body      []byte
	Cause     error
}

func (e *Err) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("source: %s returned HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("source: %s: %v", e.URL, e.Cause)
}

func (e *Err) Unwrap() error { return e.Cause }

// IsTransient reports whether err is a retryable source failure.
func IsTransient(err error) bool {
	var se *Err
	return errors.As(err, &se) && se.Transient
}

// Cache is an optional GET-response cache (redis-backed in production,
// in-memory fake in tests).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// Options are per-call overrides.
type Options struct {
	Timeout  time.Duration     // per-attempt; DefaultTimeout when zero
	Headers  map[string]string // merged over client defaults
	Attempts int               // DefaultMaxAttempts when zero
	CacheTTL time.Duration     // cache GET responses when > 0 and a cache is configured
}

// Client wraps http.Client with retry, per-host rate limiting, a circuit
// breaker, and the optional cache.
type Client struct {
	httpc    *http.Client
	limiter  *HostLimiter
	breaker  *gobreaker.CircuitBreaker
	cache    Cache
	headers  map[string]string
	baseWait time.Duration
	jitter   func() float64
}

// Config builds a Client.
type Config struct {
	UserAgent string
	Headers   map[string]string
	RPS       float64 // per-host requests/sec; 0 disables throttling
	Burst     int
	Cache     Cache
}

// New constructs a Client. The circuit breaker trips after 5 consecutive
// transport failures and half-opens after 30s.
func New(cfg Config) *Client {
	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.UserAgent != "" {
		headers["User-Agent"] = cfg.UserAgent
	}

	var limiter *HostLimiter
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = NewHostLimiter(cfg.RPS, burst)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "source",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
	})

	return &Client{
		httpc:    &http.Client{},
		limiter:  limiter,
		breaker:  breaker,
		cache:    cfg.Cache,
		headers:  headers,
		baseWait: DefaultBaseDelay,
		jitter:   rand.Float64,
	}
}

// Get issues a GET with the retry contract of the package.
func (c *Client) Get(ctx context.Context, rawURL string, opts Options) (Result, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil, "", opts)
}

// PostForm issues a POST with urlencoded form values.
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values, opts Options) (Result, error) {
	return c.do(ctx, http.MethodPost, rawURL, []byte(form.Encode()),
		"application/x-www-form-urlencoded", opts)
}

// PostJSON issues a POST with a JSON body.
func (c *Client) PostJSON(ctx context.Context, rawURL string, body any, opts Options) (Result, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, rawURL, data, "application/json", opts)
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, contentType string, opts Options) (Result, error) {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cacheKey := ""
	if c.cache != nil && method == http.MethodGet && opts.CacheTTL > 0 {
		cacheKey = method + ":" + rawURL
		if data, ok := c.cache.Get(ctx, cacheKey); ok {
			return parseBody(http.StatusOK, data), nil
		}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Result{}, &Err{URL: rawURL, Cause: err}
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			// base * 2^(attempt-1), with up to 25% jitter.
			delay := c.baseWait << (attempt - 1)
			delay += time.Duration(c.jitter() * 0.25 * float64(delay))
			select {
			case <-ctx.Done():
				return Result{}, &Err{URL: rawURL, Transient: true, Cause: ctx.Err()}
			case <-time.After(delay):
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, parsed.Host); err != nil {
				return Result{}, &Err{URL: rawURL, Transient: true, Cause: err}
			}
		}

		res, err := c.attempt(ctx, method, rawURL, body, contentType, timeout, opts.Headers)
		if err == nil {
			if cacheKey != "" && res.OK {
				c.cache.Set(ctx, cacheKey, res.Body, opts.CacheTTL)
			}
			return res, nil
		}

		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			return Result{}, err
		}
		log.Debug().Str("url", rawURL).Int("attempt", attempt+1).Err(err).Msg("source retry")
	}
	return Result{}, lastErr
}

func (c *Client) attempt(ctx context.Context, method, rawURL string, body []byte, contentType string, timeout time.Duration, headers map[string]string) (Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		reqBody = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, rawURL, reqBody)
	if err != nil {
		return Result{}, &Err{URL: rawURL, Cause: err}
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	out, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, &Err{URL: rawURL, Transient: true, Cause: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, &Err{URL: rawURL, Transient: true, Cause: err}
		}

		if resp.StatusCode >= 500 {
			return nil, &Err{URL: rawURL, Status: resp.StatusCode, Transient: true, Body: data}
		}
		if resp.StatusCode >= 400 {
			return nil, &Err{URL: rawURL, Status: resp.StatusCode, Transient: false, Body: data}
		}
		return parseBody(resp.StatusCode, data), nil
	})
	if err != nil {
		var se *Err
		if errors.As(err, &se) {
			return Result{}, se
		}
		// Breaker open counts as transient: the host may recover.
		return Result{}, &Err{URL: rawURL, Transient: true, Cause: err}
	}
	return out.(Result), nil
}

// parseBody tries JSON first and falls back to raw text.
func parseBody(status int, data []byte) Result {
	res := Result{OK: status >= 200 && status < 300, Status: status, Body: data}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			res.JSON = v
		}
	}
	return res
}

// HostLimiter rate-limits with an independent token bucket per host.
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewHostLimiter creates a limiter granting rps requests/sec per host.
func NewHostLimiter(rps float64, burst int) *HostLimiter {
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (l *HostLimiter) get(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.limiters[host] = lim
	}
	return lim
}

// Wait blocks until a request to host is allowed or ctx is done.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	return l.get(host).Wait(ctx)
}

// Allow reports whether a request to host may proceed immediately.
func (l *HostLimiter) Allow(host string) bool {
	return l.get(host).Allow()
}
