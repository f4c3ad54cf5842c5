package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/st-keller/openpanel-client/payload"
	"github.com/st-keller/openpanel-client/standard"
)

const (
	// DefaultMaxRetries is the number of retries after a transport failure.
	DefaultMaxRetries = 3
	// DefaultInitialRetryDelay is the delay before the first retry; it doubles each time.
	DefaultInitialRetryDelay = 500 * time.Millisecond

	maxErrorBody = 4 << 10
)

// Config is the replaceable delivery configuration.
type Config struct {
	BaseURL        string
	DefaultHeaders map[string]string
	// MaxRetries: 0 selects DefaultMaxRetries, negative disables retries.
	MaxRetries int
	// InitialRetryDelay: 0 selects DefaultInitialRetryDelay.
	InitialRetryDelay time.Duration
	// HTTPClient replaces the client when non-nil.
	HTTPClient *http.Client
}

// snapshot is what a Delivery captures when it is prepared.
type snapshot struct {
	baseURL           string
	headers           map[string]string
	maxRetries        int
	initialRetryDelay time.Duration
	http              *http.Client
}

// API posts payloads with exponential-backoff retry on transport failures.
type API struct {
	mu      sync.RWMutex
	current snapshot

	logger       *zap.Logger
	connectivity *standard.ConnectivityTracker
	sleep        SleepFunc
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithConnectivity records every attempt in tracker.
func WithConnectivity(tracker *standard.ConnectivityTracker) Option {
	return func(a *API) { a.connectivity = tracker }
}

// WithSleep replaces the backoff wait.
func WithSleep(sleep SleepFunc) Option {
	return func(a *API) { a.sleep = sleep }
}

// New creates a delivery client.
func New(cfg Config, opts ...Option) *API {
	a := &API{
		logger: zap.NewNop(),
		sleep:  SleepWithContext,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.UpdateConfig(cfg)
	return a
}

// UpdateConfig replaces base URL, headers, retry tuning and the HTTP client
// for subsequent calls. Deliveries already prepared keep what they captured.
// A nil HTTPClient selects a fresh default client, never the previous one.
func (a *API) UpdateConfig(cfg Config) {
	next := snapshot{
		baseURL:           cfg.BaseURL,
		headers:           make(map[string]string, len(cfg.DefaultHeaders)+1),
		maxRetries:        cfg.MaxRetries,
		initialRetryDelay: cfg.InitialRetryDelay,
		http:              cfg.HTTPClient,
	}
	for k, v := range cfg.DefaultHeaders {
		next.headers[k] = v
	}
	next.headers["Content-Type"] = "application/json"

	switch {
	case next.maxRetries == 0:
		next.maxRetries = DefaultMaxRetries
	case next.maxRetries < 0:
		next.maxRetries = 0
	}
	if next.initialRetryDelay <= 0 {
		next.initialRetryDelay = DefaultInitialRetryDelay
	}
	if next.http == nil {
		next.http = DefaultHTTPClient()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = next
}

// BaseURL returns the configured collector URL.
func (a *API) BaseURL() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current.baseURL
}

// Delivery is one serialized payload bound to the configuration current when
// it was prepared. A Delivery is used by one goroutine at a time.
type Delivery struct {
	api   *API
	snap  snapshot
	url   string
	body  []byte
	extra map[string]string

	attempts  int
	transient bool
	err       error
}

// Prepare serializes p and captures the current configuration. Later calls to
// UpdateConfig do not affect the returned Delivery.
func (a *API) Prepare(path string, p payload.Payload, extraHeaders map[string]string) (*Delivery, error) {
	a.mu.RLock()
	snap := a.current
	a.mu.RUnlock()

	body, err := payload.Marshal(p)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}

	extra := make(map[string]string, len(extraHeaders))
	for k, v := range extraHeaders {
		extra[k] = v
	}

	return &Delivery{
		api:   a,
		snap:  snap,
		url:   snap.baseURL + path,
		body:  body,
		extra: extra,
	}, nil
}

// Fetch serializes p and posts it to baseURL+path.
//
// Non-2xx responses fail immediately with *StatusError. Transport errors are
// retried up to MaxRetries times, waiting InitialRetryDelay*2^n before retry n,
// then fail with *TransportError.
func (a *API) Fetch(ctx context.Context, path string, p payload.Payload, extraHeaders map[string]string) error {
	d, err := a.Prepare(path, p, extraHeaders)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// Attempts returns how many requests have been made.
func (d *Delivery) Attempts() int {
	return d.attempts
}

// Err returns the outcome of the last attempt.
func (d *Delivery) Err() error {
	return d.err
}

// Retryable reports whether the last attempt failed at the transport level
// with retries left.
func (d *Delivery) Retryable(ctx context.Context) bool {
	return d.transient && d.attempts <= d.snap.maxRetries && ctx.Err() == nil
}

// Attempt makes one request and returns its outcome.
func (d *Delivery) Attempt(ctx context.Context) error {
	d.attempts++
	d.transient = false

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(d.body))
	if err != nil {
		d.err = fmt.Errorf("failed to build request for %s: %w", d.url, err)
		return d.err
	}
	for k, v := range d.snap.headers {
		req.Header.Set(k, v)
	}
	for k, v := range d.extra {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := d.snap.http.Do(req)
	latency := time.Since(start)

	if err != nil {
		d.api.connectivity.TrackFailure(d.snap.baseURL, 0, latency, err.Error())
		d.transient = true
		d.err = &TransportError{Attempts: d.attempts, Err: err}
		return d.err
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.api.connectivity.TrackFailure(d.snap.baseURL, resp.StatusCode, latency, fmt.Sprintf("HTTP %d", resp.StatusCode))
		d.err = &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(respBody))}
		return d.err
	}

	d.api.connectivity.TrackSuccess(d.snap.baseURL, resp.StatusCode, latency)
	d.err = nil
	return nil
}

// Run makes attempts until one succeeds or the failure is final. After a
// failed Attempt, Run continues with the backoff for the next retry.
func (d *Delivery) Run(ctx context.Context) error {
	if d.attempts == 0 {
		d.Attempt(ctx)
	}
	for d.Retryable(ctx) {
		delay := retryDelay(d.snap.initialRetryDelay, d.attempts-1)
		d.api.logger.Warn("delivery attempt failed, retrying",
			zap.String("url", d.url),
			zap.Int("attempt", d.attempts),
			zap.Duration("backoff", delay),
			zap.Error(d.err),
		)
		if serr := d.api.sleep(ctx, delay); serr != nil {
			d.err = &TransportError{Attempts: d.attempts, Err: serr}
			return d.err
		}
		d.Attempt(ctx)
	}
	return d.err
}
