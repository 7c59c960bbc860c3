package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/nook-weather-service/internal/cache"
	"github.com/kjstillabower/nook-weather-service/internal/circuitbreaker"
	"github.com/kjstillabower/nook-weather-service/internal/observability"
)

// Largest upstream body we accept. NWS hourly payloads run to a few hundred KB.
const maxBodyBytes = 8 << 20

// PayloadMode controls the record/replay payload cache.
type PayloadMode string

const (
	PayloadOff          PayloadMode = "off"
	PayloadRecord       PayloadMode = "record"
	PayloadReplay       PayloadMode = "replay"
	PayloadRecordReplay PayloadMode = "record_replay"
)

func (m PayloadMode) records() bool { return m == PayloadRecord || m == PayloadRecordReplay }
func (m PayloadMode) replays() bool { return m == PayloadReplay || m == PayloadRecordReplay }

// Options configures an UpstreamClient. Zero values get defaults; nil
// Breaker, Limiter and Payloads disable those features.
type Options struct {
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	Breaker *circuitbreaker.CircuitBreaker
	Limiter *rate.Limiter

	Payloads    cache.Cache
	PayloadMode PayloadMode
	PayloadTTL  time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// UpstreamClient performs JSON GETs against one provider's API with timeout,
// retry, circuit breaking, outbound rate limiting and payload record/replay.
// Safe for concurrent use.
type UpstreamClient struct {
	provider       string
	timeout        time.Duration
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
	limiter        *rate.Limiter
	payloads       cache.Cache
	payloadMode    PayloadMode
	payloadTTL     time.Duration
	client         *http.Client
	logger         *zap.Logger
}

// New creates an UpstreamClient labelled with provider in metrics and errors.
func New(provider string, opts Options) *UpstreamClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 2 * time.Second
	}
	if opts.PayloadMode == "" || opts.Payloads == nil {
		opts.PayloadMode = PayloadOff
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &UpstreamClient{
		provider:       provider,
		timeout:        opts.Timeout,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		breaker:        opts.Breaker,
		limiter:        opts.Limiter,
		payloads:       opts.Payloads,
		payloadMode:    opts.PayloadMode,
		payloadTTL:     opts.PayloadTTL,
		client:         opts.HTTPClient,
		logger:         opts.Logger,
	}
}

// Provider returns the provider label.
func (c *UpstreamClient) Provider() string {
	return c.provider
}

// GetJSON fetches rawURL and decodes the JSON body into out.
// Error messages carry the host only; request URLs may contain credentials.
func (c *UpstreamClient) GetJSON(ctx context.Context, rawURL string, header http.Header, out any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%s: invalid request url: %w", c.provider, err)
	}
	key := cache.Key(rawURL)

	if c.payloadMode.replays() {
		if body, ok := c.replay(ctx, key); ok {
			return c.decode(u, body, out)
		}
	}

	body, err := c.fetchWithRetry(ctx, u, header)
	if err != nil {
		return err
	}
	if err := c.decode(u, body, out); err != nil {
		return err
	}

	if c.payloadMode.records() {
		c.record(ctx, key, body)
	}
	return nil
}

func (c *UpstreamClient) decode(u *url.URL, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode %s%s: %w: %v", c.provider, u.Host, u.Path, ErrMalformedPayload, err)
	}
	return nil
}

func (c *UpstreamClient) replay(ctx context.Context, key string) ([]byte, bool) {
	body, ok, err := c.payloads.Get(ctx, key)
	switch {
	case err != nil:
		observability.PayloadCacheOpsTotal.WithLabelValues("get", "error").Inc()
		c.logger.Warn("payload cache get failed", zap.String("provider", c.provider), zap.Error(err))
		return nil, false
	case !ok:
		observability.PayloadCacheOpsTotal.WithLabelValues("get", "miss").Inc()
		return nil, false
	}
	observability.PayloadCacheOpsTotal.WithLabelValues("get", "hit").Inc()
	c.logger.Debug("replaying recorded payload", zap.String("provider", c.provider), zap.String("key", key))
	return body, true
}

// record is best effort: a broken payload store never fails a forecast.
func (c *UpstreamClient) record(ctx context.Context, key string, body []byte) {
	if err := c.payloads.Set(ctx, key, body, c.payloadTTL); err != nil {
		observability.PayloadCacheOpsTotal.WithLabelValues("set", "error").Inc()
		c.logger.Warn("payload cache set failed", zap.String("provider", c.provider), zap.Error(err))
		return
	}
	observability.PayloadCacheOpsTotal.WithLabelValues("set", "ok").Inc()
}

func (c *UpstreamClient) fetchWithRetry(ctx context.Context, u *url.URL, header http.Header) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.ProviderRetriesTotal.WithLabelValues(c.provider).Inc()
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%s: %w", c.provider, ctx.Err())
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%s: outbound rate limit wait: %w", c.provider, err)
			}
		}

		var body []byte
		call := func() error {
			var err error
			body, err = c.call(ctx, u, header)
			return err
		}
		var err error
		if c.breaker != nil {
			err = c.breaker.Call(ctx, call)
		} else {
			err = call()
		}
		if err == nil {
			return body, nil
		}

		lastErr = fmt.Errorf("%s: %w", c.provider, err)
		if ctx.Err() != nil || !isRetryable(err) {
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *UpstreamClient) call(ctx context.Context, u *url.URL, header http.Header) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		observability.ProviderCallsTotal.WithLabelValues(c.provider, "error").Inc()
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.ProviderCallsTotal.WithLabelValues(c.provider, "error").Inc()
		observability.ProviderCallDuration.WithLabelValues(c.provider, "error").Observe(duration)
		// drop *url.Error so the URL (and any key in it) never reaches logs
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("GET %s timed out: %w", u.Host, err)
		}
		return nil, fmt.Errorf("GET %s failed: %w", u.Host, err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.ProviderCallsTotal.WithLabelValues(c.provider, status).Inc()
	observability.ProviderCallDuration.WithLabelValues(c.provider, status).Observe(duration)

	if err := handleErrorResponse(resp); err != nil {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, circuitbreaker.ErrOpen):
		return false
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUpstreamFailure):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		// per-attempt timeout; the caller's ctx is checked separately
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *UpstreamClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrUnauthorized, resp.StatusCode)
	case http.StatusNotFound:
		return fmt.Errorf("%w: HTTP %d", ErrNotFound, resp.StatusCode)
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "error"
}
