package openpanel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/st-keller/openpanel-client/payload"
	"github.com/st-keller/openpanel-client/standard"
	"github.com/st-keller/openpanel-client/transport"
)

// DeviceInfoProvider supplies the static session metadata of the host.
// SessionInfo is called once per Configure, off the worker. UserAgent is
// called once, by New.
type DeviceInfoProvider interface {
	SessionInfo(ctx context.Context) (standard.DeviceInfo, error)
	UserAgent() string
}

// Client is the event dispatcher.
//
// All exported methods are safe for concurrent use and return without
// waiting for the work they schedule. Errors they return concern the call's
// own arguments only; delivery failures are logged.
type Client struct {
	logger       *zap.Logger
	api          *transport.API
	device       DeviceInfoProvider
	userAgent    string
	httpClient   *http.Client
	logs         *standard.RecentLogs
	connectivity *standard.ConnectivityTracker

	// inbox serializes every state access. lane makes first delivery
	// attempts in send order; retries run on their own goroutines.
	inbox    *mailbox
	lane     *mailbox
	retrying inflight

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the inbox goroutine.
	config          *Config
	awaitingProfile bool
	profileID       string
	global          payload.Properties
	queue           []payload.Payload
}

type options struct {
	logger        *zap.Logger
	device        DeviceInfoProvider
	httpClient    *http.Client
	sleep         transport.SleepFunc
	recentLogSize int
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the base logger. The default is a zap production logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDeviceInfoProvider replaces the host auto-detection.
func WithDeviceInfoProvider(p DeviceInfoProvider) Option {
	return func(o *options) { o.device = p }
}

// WithHTTPClient sets the HTTP client used for delivery. TLS files in a
// Config take precedence. The default is a fresh HTTP/2 client per Configure.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithSleep replaces the wait between delivery retries.
func WithSleep(sleep transport.SleepFunc) Option {
	return func(o *options) { o.sleep = sleep }
}

// WithRecentLogs sets how many log entries GetLogs retains.
func WithRecentLogs(size int) Option {
	return func(o *options) { o.recentLogSize = size }
}

// New creates an unconfigured client. Events sent before Configure are
// dropped with ErrNotConfigured logged.
func New(opts ...Option) *Client {
	o := options{
		sleep:         transport.SleepWithContext,
		recentLogSize: standard.DefaultRecentLogSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.logger == nil {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		o.logger = l
	}
	if o.device == nil {
		o.device = standard.NewDetector(SDKVersion)
	}

	logs := standard.NewRecentLogs(o.recentLogSize)
	logger := o.logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, logs.Core())
	})).Named("openpanel")

	connectivity := standard.NewConnectivityTracker()
	api := transport.New(transport.Config{BaseURL: DefaultAPIURL, HTTPClient: o.httpClient},
		transport.WithLogger(logger),
		transport.WithConnectivity(connectivity),
		transport.WithSleep(o.sleep),
	)

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		logger:       logger,
		api:          api,
		device:       o.device,
		userAgent:    o.device.UserAgent(),
		httpClient:   o.httpClient,
		logs:         logs,
		connectivity: connectivity,
		inbox:        newMailbox(),
		lane:         newMailbox(),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// GetLogs returns the recent-log side channel.
func (c *Client) GetLogs() *standard.RecentLogs {
	return c.logs
}

// GetConnectivity returns delivery statistics per collector.
func (c *Client) GetConnectivity() *standard.ConnectivityTracker {
	return c.connectivity
}

// Configure replaces the configuration. Events submitted after Configure
// returns see the new configuration. Device info is fetched in the
// background and merged into the global properties when it arrives.
func (c *Client) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	httpClient := c.httpClient
	if files := cfg.tlsFiles(); !files.Empty() {
		var err error
		httpClient, err = transport.BuildHTTPClient(files)
		if err != nil {
			return fmt.Errorf("failed to build HTTP client: %w", err)
		}
	} else if httpClient == nil {
		httpClient = transport.DefaultHTTPClient()
	}

	return c.submit(func() { c.configure(cfg, httpClient) })
}

// SetGlobalProperties merges props into the global properties. Existing keys
// not in props are kept.
func (c *Client) SetGlobalProperties(props map[string]string) error {
	props = payload.Properties(props).Clone()
	return c.submit(func() { c.global = payload.Merge(c.global, props) })
}

// Track sends a named event. A "profileId" key in props overrides the
// current profile.
func (c *Client) Track(name string, props map[string]string) error {
	if err := (payload.Track{Name: name}).Validate(); err != nil {
		return err
	}
	props = payload.Properties(props).Clone()
	return c.submit(func() { c.track(name, props) })
}

// Identify sets the current profile and flushes the pending queue. The
// identify payload itself is only sent when it carries traits or properties.
func (c *Client) Identify(p payload.Identify) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.Properties = p.Properties.Clone()
	return c.submit(func() { c.identify(p) })
}

// Alias links an alias to a profile.
func (c *Client) Alias(p payload.Alias) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return c.submit(func() { c.send(p) })
}

// Increment increments a numeric profile property.
func (c *Client) Increment(p payload.Increment) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.Value = cloneInt(p.Value)
	return c.submit(func() { c.send(p) })
}

// Decrement decrements a numeric profile property.
func (c *Client) Decrement(p payload.Decrement) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.Value = cloneInt(p.Value)
	return c.submit(func() { c.send(p) })
}

// Ready stops waiting for a profile and flushes the pending queue.
func (c *Client) Ready() error {
	return c.submit(func() {
		c.awaitingProfile = false
		c.flush()
	})
}

// Flush resubmits every pending event in order.
func (c *Client) Flush() error {
	return c.submit(c.flush)
}

// Clear forgets the profile and the global properties. The pending queue
// and the configuration are kept.
func (c *Client) Clear() error {
	return c.submit(func() {
		c.profileID = ""
		c.global = nil
	})
}

// Wait blocks until every call accepted before it has been processed and
// every delivery those calls produced has finished, retries included.
func (c *Client) Wait(ctx context.Context) error {
	reached := make(chan []<-chan struct{}, 1)
	err := c.submit(func() {
		if !c.lane.post(func() { reached <- c.retrying.pending() }) {
			reached <- c.retrying.pending()
		}
	})
	if err != nil {
		return err
	}

	select {
	case pending := <-reached:
		return waitAll(ctx, pending)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting calls, then drains accepted calls and pending
// deliveries. If ctx ends first, remaining deliveries are abandoned.
func (c *Client) Shutdown(ctx context.Context) error {
	defer c.cancel()

	c.inbox.close()
	select {
	case <-c.inbox.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.lane.close()
	select {
	case <-c.lane.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := waitAll(ctx, c.retrying.pending()); err != nil {
		return err
	}

	_ = c.logger.Sync()
	return nil
}

func (c *Client) submit(job func()) error {
	if !c.inbox.post(job) {
		return ErrClosed
	}
	return nil
}

// ============================================================================
// Worker side. Everything below runs on the inbox goroutine.
// ============================================================================

func (c *Client) configure(cfg Config, httpClient *http.Client) {
	c.config = &cfg
	c.awaitingProfile = cfg.WaitForProfile

	c.api.UpdateConfig(transport.Config{
		BaseURL:           cfg.apiURL(),
		DefaultHeaders:    cfg.headers(c.userAgent),
		MaxRetries:        cfg.MaxRetries,
		InitialRetryDelay: cfg.InitialRetryDelay,
		HTTPClient:        httpClient,
	})

	c.logger.Info("configured",
		zap.String("client_id", cfg.ClientID),
		zap.String("api_url", cfg.apiURL()),
		zap.Bool("wait_for_profile", cfg.WaitForProfile),
		zap.Bool("disabled", cfg.Disabled),
	)

	go c.fetchSessionInfo()
}

// fetchSessionInfo runs off the worker and posts the merge back onto it.
func (c *Client) fetchSessionInfo() {
	info, err := c.device.SessionInfo(c.ctx)
	if err != nil {
		c.logger.Warn("failed to fetch device info", zap.Error(err))
		return
	}

	c.inbox.post(func() {
		c.global = payload.Merge(c.global, payload.Properties{
			KeyBrand:     info.Brand,
			KeyDevice:    info.Device,
			KeyOS:        info.OS,
			KeyOSVersion: info.OSVersion,
			KeyModel:     info.Model,
		})
	})
}

func (c *Client) track(name string, props payload.Properties) {
	profileID, ok := props["profileId"]
	if !ok {
		profileID = c.profileID
	}

	c.send(payload.Track{
		Name:       name,
		Properties: payload.Merge(c.global, props),
		ProfileID:  profileID,
	})
}

func (c *Client) identify(p payload.Identify) {
	c.profileID = p.ProfileID
	c.flush()

	if !p.HasTraits() {
		return
	}
	p.Properties = payload.Merge(c.global, p.Properties)
	c.send(p)
}

// flush swaps the queue out before resubmitting, so items re-queued during
// the pass land in the fresh queue.
func (c *Client) flush() {
	pending := c.queue
	c.queue = nil

	for _, p := range pending {
		c.send(p)
	}
}

// send applies the send decision: drop, queue or deliver.
func (c *Client) send(p payload.Payload) {
	if c.config == nil {
		c.logger.Error("dropping payload",
			zap.String("type", string(p.Type())),
			zap.Error(ErrNotConfigured),
		)
		return
	}
	if c.config.Disabled {
		return
	}
	if c.config.Filter != nil && !c.allow(p) {
		return
	}
	if c.awaitingProfile && c.profileID == "" {
		c.queue = append(c.queue, p)
		c.logger.Debug("queued payload until profile is known",
			zap.String("type", string(p.Type())),
			zap.Int("queued", len(c.queue)),
		)
		return
	}

	if tr, ok := p.(payload.Track); ok && tr.ProfileID == "" {
		tr.ProfileID = c.profileID
		p = tr
	}

	// The configuration is captured here so a later Configure only affects
	// events submitted after it.
	d, err := c.api.Prepare(trackPath, p, nil)
	if err != nil {
		c.reportFailure(p, err)
		return
	}
	if !c.lane.post(func() { c.deliver(d, p) }) {
		c.logger.Warn("dropping payload, client closed", zap.String("type", string(p.Type())))
	}
}

// allow runs the host filter. A panicking filter drops the payload.
func (c *Client) allow(p payload.Payload) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("filter panicked, dropping payload",
				zap.String("type", string(p.Type())),
				zap.Any("panic", r),
			)
			ok = false
		}
	}()
	return c.config.Filter(p)
}

// deliver runs on the delivery lane. A transport failure with retries left
// moves the delivery off the lane so its backoff holds up nothing else.
func (c *Client) deliver(d *transport.Delivery, p payload.Payload) {
	if err := d.Attempt(c.ctx); err == nil {
		c.logger.Debug("delivered payload", zap.String("type", string(p.Type())))
		return
	}
	if !d.Retryable(c.ctx) {
		c.reportFailure(p, d.Err())
		return
	}

	done := c.retrying.start()
	go func() {
		defer done()
		if err := d.Run(c.ctx); err != nil {
			c.reportFailure(p, err)
			return
		}
		c.logger.Debug("delivered payload",
			zap.String("type", string(p.Type())),
			zap.Int("attempts", d.Attempts()),
		)
	}()
}

func (c *Client) reportFailure(p payload.Payload, err error) {
	fields := []zap.Field{
		zap.String("type", string(p.Type())),
		zap.Error(err),
	}

	var (
		statusErr    *transport.StatusError
		transportErr *transport.TransportError
		serialErr    *transport.SerializationError
	)
	switch {
	case errors.As(err, &statusErr):
		fields = append(fields, zap.String("failure", "http_status"), zap.Int("status", statusErr.StatusCode))
	case errors.As(err, &transportErr):
		fields = append(fields, zap.String("failure", "transport"), zap.Int("attempts", transportErr.Attempts))
	case errors.As(err, &serialErr):
		fields = append(fields, zap.String("failure", "serialization"))
	}

	c.logger.Error("error sending payload", fields...)
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

// inflight tracks deliveries that left the lane to retry.
type inflight struct {
	mu     sync.Mutex
	nextID uint64
	active map[uint64]chan struct{}
}

func (f *inflight) start() (done func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		f.active = make(map[uint64]chan struct{})
	}
	id := f.nextID
	f.nextID++
	ch := make(chan struct{})
	f.active[id] = ch

	return func() {
		f.mu.Lock()
		delete(f.active, id)
		f.mu.Unlock()
		close(ch)
	}
}

func (f *inflight) pending() []<-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]<-chan struct{}, 0, len(f.active))
	for _, ch := range f.active {
		out = append(out, ch)
	}
	return out
}

func waitAll(ctx context.Context, pending []<-chan struct{}) error {
	for _, ch := range pending {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
