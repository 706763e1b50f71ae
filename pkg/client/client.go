// Package client provides the core Bungie API HTTP client with rate
// limiting, bounded retries and upstream error classification.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/guardianworks/destiny-activity-client/pkg/cache"
	"github.com/guardianworks/destiny-activity-client/pkg/ratelimit"
)

// Prometheus metrics for Bungie client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bungie_requests_total",
		Help: "Total Bungie API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bungie_request_duration_seconds",
		Help:    "Bungie API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bungie_errors_total",
		Help: "Total terminal Bungie API errors by kind",
	}, []string{"kind"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bungie_retries_total",
		Help: "Total retry attempts by reason",
	}, []string{"reason"})

	retriesExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bungie_retries_exhausted_total",
		Help: "Total requests that ran out of retry attempts",
	})
)

// DefaultMaxTries is how many attempts a single request gets before the
// client gives up and returns KindUnknown.
const DefaultMaxTries = 10

// Client is the Bungie API client. All requests share one rate limiter.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	cache      *cache.Manager
	config     Config
	logger     zerolog.Logger

	// Injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error

	// rand backs the retry jitter. *rand.Rand is not safe for concurrent
	// use and concurrent requests share this client, hence the mutex.
	randMu sync.Mutex
	rand   *rand.Rand
}

// Config holds the client configuration.
type Config struct {
	// APIKey is sent as X-API-Key on every request (required by Bungie).
	APIKey string

	// UserAgent identifies this application.
	UserAgent string

	// MaxTries bounds total attempts per request, transient retries
	// included.
	MaxTries int

	// Limiter gates all outbound requests. One limiter per process.
	Limiter *ratelimit.Limiter

	// Cache is the optional Redis response cache for immutable documents.
	// Nil disables caching.
	Cache *cache.Manager

	// Timeout per HTTP attempt.
	Timeout time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:    apiKey,
		UserAgent: "destiny-activity-client/1.0",
		MaxTries:  DefaultMaxTries,
		Timeout:   30 * time.Second,
	}
}

// New creates a Bungie API client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = DefaultMaxTries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(ratelimit.DefaultConfig())
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: cfg.Limiter,
		cache:   cfg.Cache,
		config:  cfg,
		logger:  log.With().Str("component", "bungie-client").Logger(),
		sleep:   sleepCtx,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Get performs a GET request against a full route URL.
func (c *Client) Get(ctx context.Context, route string, params url.Values) (*WebResponse, error) {
	return c.Do(ctx, http.MethodGet, route, params, nil)
}

// GetCached performs a GET request, consulting the response cache first and
// storing successful responses for ttl. Only use for immutable documents.
func (c *Client) GetCached(ctx context.Context, route string, params url.Values, ttl time.Duration) (*WebResponse, error) {
	if c.cache == nil {
		return c.Get(ctx, route, params)
	}

	key := cache.Key(route, params)
	entry, err := c.cache.Get(ctx, key)
	if err == nil {
		return &WebResponse{
			Status:    http.StatusOK,
			Content:   entry.Data,
			FromCache: true,
			Success:   true,
		}, nil
	}
	if err != cache.ErrCacheMiss {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache get error")
	}

	resp, err := c.Get(ctx, route, params)
	if err != nil {
		return nil, err
	}

	if setErr := c.cache.Set(ctx, key, &cache.Entry{Data: resp.Content, CachedAt: time.Now()}, ttl); setErr != nil {
		c.logger.Warn().Err(setErr).Str("key", key).Msg("Cache set error")
	}

	return resp, nil
}

// Do performs one request with rate limiting, bounded retries and response
// classification. Transient failures are absorbed up to MaxTries; terminal
// classifications return a typed *APIError.
func (c *Client) Do(ctx context.Context, method, route string, params url.Values, body any) (*WebResponse, error) {
	endpoint := endpointLabel(route)
	routeWithParams := route
	if len(params) > 0 {
		routeWithParams = route + "?" + params.Encode()
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	for attempt := 1; attempt <= c.config.MaxTries; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}

		resp, err := c.attempt(ctx, method, route, params, bodyBytes)
		if err != nil {
			// Connection-level failure: jittered 2-6s wait, try again.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
			}
			c.logger.Error().
				Err(err).
				Str("method", method).
				Str("route", routeWithParams).
				Int("attempt", attempt).
				Msg("Connection error")
			retriesTotal.WithLabelValues("network").Inc()
			if serr := c.sleep(ctx, c.connRetryDelay()); serr != nil {
				return nil, fmt.Errorf("%w: %v", ErrContextCancelled, serr)
			}
			continue
		}

		wr, retry, terr := c.handleResponse(ctx, resp, method, routeWithParams)
		if terr != nil {
			errorsTotal.WithLabelValues(string(kindOf(terr))).Inc()
			requestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", resp.statusCode)).Inc()
			return nil, terr
		}
		if retry {
			continue
		}
		requestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", resp.statusCode)).Inc()
		return wr, nil
	}

	retriesExhaustedTotal.Inc()
	errorsTotal.WithLabelValues(string(KindUnknown)).Inc()
	c.logger.Error().
		Int("max_tries", c.config.MaxTries).
		Str("route", routeWithParams).
		Msg("Request failed on every attempt, aborting")

	return nil, &APIError{
		Kind:    KindUnknown,
		Message: fmt.Sprintf("request failed %d times", c.config.MaxTries),
		Route:   route,
	}
}

// rawResponse is one transport-level response, fully read.
type rawResponse struct {
	statusCode  int
	contentType string
	reason      string
	body        []byte
}

// attempt issues one HTTP call and reads the body.
func (c *Client) attempt(ctx context.Context, method, route string, params url.Values, body []byte) (*rawResponse, error) {
	reqURL := route
	if len(params) > 0 {
		reqURL = route + "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("X-API-Key", c.config.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &rawResponse{
		statusCode:  resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		reason:      resp.Status,
		body:        data,
	}, nil
}

// handleResponse classifies one transport response. It returns either a
// successful WebResponse, retry=true after the classification's wait, or a
// terminal typed error.
func (c *Client) handleResponse(ctx context.Context, resp *rawResponse, method, routeWithParams string) (*WebResponse, bool, error) {
	// Some routes return raw bytes (e.g. manifest blobs); pass through.
	if strings.Contains(resp.contentType, "application/octet-stream") {
		return &WebResponse{
			Status:  resp.statusCode,
			Content: resp.body,
			Success: true,
		}, false, nil
	}

	// Sometimes the API answers with an HTML error page instead of JSON.
	if !strings.Contains(resp.contentType, "application/json") {
		evt := c.logger.Error().
			Int("status", resp.statusCode).
			Str("content_type", resp.contentType).
			Str("reason", resp.reason).
			Str("route", routeWithParams)
		if resp.statusCode == 200 {
			evt = evt.Str("body", string(resp.body))
		}
		evt.Msg("Wrong content type")
		retriesTotal.WithLabelValues("content_type").Inc()
		if err := c.sleep(ctx, 3*time.Second); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
		return nil, true, nil
	}

	wr, err := parseWebResponse(resp.statusCode, resp.body)
	if err != nil {
		c.logger.Error().
			Err(err).
			Int("status", resp.statusCode).
			Str("route", routeWithParams).
			Msg("Payload error, retrying")
		retriesTotal.WithLabelValues("payload").Inc()
		return nil, true, nil
	}

	act := Classify(wr.Status, wr.ErrorStatus, wr.ThrottleSeconds)

	switch {
	case act.Success:
		wr.Success = true
		return wr, false, nil

	case act.Fatal != "":
		c.logger.Error().
			Int("status", wr.Status).
			Str("error_status", wr.ErrorStatus).
			Str("error_message", wr.ErrorMessage).
			Str("route", routeWithParams).
			Str("kind", string(act.Fatal)).
			Msg("Terminal upstream error")
		return nil, false, &APIError{
			Kind:        act.Fatal,
			Status:      wr.Status,
			ErrorStatus: wr.ErrorStatus,
			Message:     wr.ErrorMessage,
			Route:       routeWithParams,
		}

	default:
		evt := c.logger.Error()
		if act.Expected {
			evt = c.logger.Warn()
		}
		evt.Int("status", wr.Status).
			Str("error_status", wr.ErrorStatus).
			Str("method", method).
			Str("route", routeWithParams).
			Dur("delay", act.Delay).
			Msg("Transient upstream error, retrying")

		retriesTotal.WithLabelValues("upstream").Inc()

		delay := act.Delay
		if act.Jitter {
			delay += c.throttleJitter()
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
		return nil, true, nil
	}
}

// connRetryDelay returns the 2-6s jittered wait after a connection failure.
func (c *Client) connRetryDelay() time.Duration {
	c.randMu.Lock()
	defer c.randMu.Unlock()
	return time.Duration(2+c.rand.Intn(4)) * time.Second
}

// throttleJitter returns the 1-2s jitter added to upstream throttle waits.
func (c *Client) throttleJitter() time.Duration {
	c.randMu.Lock()
	defer c.randMu.Unlock()
	return time.Duration(1+c.rand.Intn(2)) * time.Second
}

// endpointLabel reduces a route to its URL path for metric labels.
func endpointLabel(route string) string {
	if u, err := url.Parse(route); err == nil {
		return u.Path
	}
	return route
}

func kindOf(err error) ErrorKind {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Kind
	}
	return KindUnknown
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
