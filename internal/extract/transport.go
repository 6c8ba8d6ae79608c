package extract

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Request captures everything needed to issue one remote call. The
// transport rebuilds the underlying http.Request on every attempt so a
// body can be replayed after a retry.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is the terminal result of a transport call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// TransportConfig parameterizes the retry and cooldown policy.
type TransportConfig struct {
	// MaxAttempts is the per-call attempt ceiling.
	MaxAttempts int
	// Timeout bounds each individual HTTP attempt.
	Timeout time.Duration
	// FailureThreshold is the consecutive-failure count at which the
	// whole pool is considered blocked and a cooldown starts.
	FailureThreshold int
	// Cooldown is the forced pause once the threshold trips.
	Cooldown time.Duration
	// Backoff curves per status class.
	RateLimitBackoff   BackoffPolicy
	ForbiddenBackoff   BackoffPolicy
	ServerErrorBackoff BackoffPolicy
	// NetworkRetryWait is the fixed wait after a network-level failure.
	NetworkRetryWait time.Duration
}

// DefaultTransportConfig mirrors the pacing the remote tolerates in
// practice: 3s/10s/5s backoff bases and a five minute pool cooldown
// after ten consecutive failures.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxAttempts:        5,
		Timeout:            30 * time.Second,
		FailureThreshold:   10,
		Cooldown:           5 * time.Minute,
		RateLimitBackoff:   BackoffPolicy{Base: 3 * time.Second, Multiplier: 2, Cap: 2 * time.Minute},
		ForbiddenBackoff:   BackoffPolicy{Base: 10 * time.Second, Multiplier: 2, Cap: 5 * time.Minute},
		ServerErrorBackoff: BackoffPolicy{Base: 5 * time.Second, Multiplier: 2, Cap: 2 * time.Minute},
		NetworkRetryWait:   2 * time.Second,
	}
}

// RetryingTransport wraps a single HTTP call with proxy selection,
// status-code interpretation and backoff. The consecutive-failure
// counter is shared across the whole run, so the cooldown trips only
// when the pool as a whole looks blocked, not when one endpoint is
// briefly unlucky.
type RetryingTransport struct {
	rotator *ProxyRotator // nil disables proxying
	cfg     TransportConfig
	pauser  Pauser
	logger  *zap.Logger

	failures atomic.Int64

	// base overrides the per-client RoundTripper; used by tests.
	base http.RoundTripper

	mu      sync.Mutex
	clients map[Endpoint]*http.Client
	direct  *http.Client
}

// NewRetryingTransport builds a transport over the given proxy pool. A
// nil rotator means direct connections.
func NewRetryingTransport(rotator *ProxyRotator, cfg TransportConfig, logger *zap.Logger) *RetryingTransport {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultTransportConfig().MaxAttempts
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultTransportConfig().FailureThreshold
	}
	return &RetryingTransport{
		rotator: rotator,
		cfg:     cfg,
		pauser:  NewTimerPauser(),
		logger:  logger,
		clients: make(map[Endpoint]*http.Client),
	}
}

// ConsecutiveFailures exposes the shared failure counter.
func (t *RetryingTransport) ConsecutiveFailures() int {
	return int(t.failures.Load())
}

// Do performs the call, retrying per the status-code policy until it
// succeeds, the attempt ceiling is hit, or a final network failure.
func (t *RetryingTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	lastStatus := 0
	for attempt := 0; attempt < t.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("call canceled: %w", err)
		}

		httpReq, err := t.buildRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		TotalRequests.Inc()

		resp, err := t.nextClient().Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("call canceled: %w", ctx.Err())
			}
			if attempt == t.cfg.MaxAttempts-1 {
				return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
			}
			t.logger.Warn("network error, retrying",
				zap.String("url", req.URL),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			t.pauser.Pause(ctx, t.cfg.NetworkRetryWait)
			continue
		}

		body, readErr := readAndClose(resp)
		if readErr != nil {
			if attempt == t.cfg.MaxAttempts-1 {
				return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, readErr)
			}
			t.pauser.Pause(ctx, t.cfg.NetworkRetryWait)
			continue
		}
		lastStatus = resp.StatusCode

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			t.noteFailure()
			TotalRetries.WithLabelValues("rate_limit").Inc()
			delay := t.cfg.RateLimitBackoff.Delay(attempt)
			t.logger.Warn("rate limited, backing off",
				zap.String("url", req.URL),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
			)
			t.pauser.Pause(ctx, delay)

		case resp.StatusCode == http.StatusForbidden:
			failures := t.noteFailure()
			TotalRetries.WithLabelValues("forbidden").Inc()
			if failures >= t.cfg.FailureThreshold {
				// Every proxy in the pool has now failed in a row;
				// treat the pool as blocked and cool down.
				TotalCooldowns.Inc()
				t.logger.Warn("proxy pool looks blocked, entering cooldown",
					zap.Int("consecutive_failures", failures),
					zap.Duration("cooldown", t.cfg.Cooldown),
				)
				t.pauser.Pause(ctx, t.cfg.Cooldown)
				t.failures.Store(0)
			} else {
				delay := t.cfg.ForbiddenBackoff.Delay(attempt)
				t.logger.Warn("forbidden, rotating proxy",
					zap.String("url", req.URL),
					zap.Int("attempt", attempt+1),
					zap.Duration("delay", delay),
				)
				t.pauser.Pause(ctx, delay)
			}

		case resp.StatusCode >= 500:
			t.noteFailure()
			TotalRetries.WithLabelValues("server_error").Inc()
			delay := t.cfg.ServerErrorBackoff.Delay(attempt)
			t.logger.Warn("server error, backing off",
				zap.String("url", req.URL),
				zap.Int("status", resp.StatusCode),
				zap.Duration("delay", delay),
			)
			t.pauser.Pause(ctx, delay)

		default:
			t.failures.Store(0)
			return &Response{
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Body:       body,
			}, nil
		}
	}
	return nil, fmt.Errorf("%s %s (last status %d): %w",
		req.Method, req.URL, lastStatus, ErrRetriesExhausted)
}

func (t *RetryingTransport) noteFailure() int {
	return int(t.failures.Add(1))
}

func (t *RetryingTransport) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	var body *bytes.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	} else {
		body = bytes.NewReader(nil)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", req.Method, req.URL, err)
	}
	if len(req.Query) > 0 {
		httpReq.URL.RawQuery = req.Query.Encode()
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	return httpReq, nil
}

// nextClient rotates the proxy pool, advancing the shared cursor exactly
// once per attempt.
func (t *RetryingTransport) nextClient() *http.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rotator == nil {
		if t.direct == nil {
			t.direct = &http.Client{
				Timeout:   t.cfg.Timeout,
				Transport: t.base,
			}
		}
		return t.direct
	}
	endpoint := t.rotator.Next()
	client, ok := t.clients[endpoint]
	if !ok {
		var rt http.RoundTripper = &http.Transport{
			Proxy: http.ProxyURL(endpoint.URL()),
		}
		if t.base != nil {
			rt = t.base
		}
		client = &http.Client{
			Timeout:   t.cfg.Timeout,
			Transport: rt,
		}
		t.clients[endpoint] = client
	}
	return client
}

func readAndClose(resp *http.Response) ([]byte, error) {
	defer func() {
		_ = resp.Body.Close()
	}()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf.Bytes(), nil
}
