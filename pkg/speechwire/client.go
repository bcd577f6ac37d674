package speechwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/speechwire/pkg/credentials"
	"github.com/harunnryd/speechwire/pkg/errorsx"
	"github.com/harunnryd/speechwire/pkg/health"
	"github.com/harunnryd/speechwire/pkg/logging"
	"github.com/harunnryd/speechwire/pkg/metrics"
	"github.com/harunnryd/speechwire/pkg/redact"
	"github.com/harunnryd/speechwire/pkg/resilience"
	"github.com/harunnryd/speechwire/pkg/stt"
	"github.com/harunnryd/speechwire/pkg/supervisor"
	"github.com/harunnryd/speechwire/pkg/transport"
	"github.com/harunnryd/speechwire/pkg/transports/ws"
)

var (
	ErrClientClosed   = errors.New("speechwire client shut down")
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrCustomTrust is returned for websocket backends when transport.trust
	// names a CA or server name. Their SDK dials with the system roots.
	ErrCustomTrust    = errors.New("custom trust roots are not supported for websocket backends")
)

// recognizeChunk is the slice duration for one-shot recognition.
const recognizeChunk = 100 * time.Millisecond

type Option func(*options)

type options struct {
	logger   *slog.Logger
	observer metrics.Observer
	registry *Registry
	adapters map[string]stt.Adapter
	sources  map[string]credentials.Source
	sleep    func(ctx context.Context, d time.Duration) error
}

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

func WithObserver(obs metrics.Observer) Option { return func(o *options) { o.observer = obs } }

func WithRegistry(r *Registry) Option { return func(o *options) { o.registry = r } }

// WithAdapter overrides the adapter built for one backend.
func WithAdapter(backendID string, a stt.Adapter) Option {
	return func(o *options) { o.adapters[backendID] = a }
}

// WithSource overrides the credential source built for one backend.
func WithSource(backendID string, src credentials.Source) Option {
	return func(o *options) { o.sources[backendID] = src }
}

// WithSleep replaces the wait between reconnect attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

type backend struct {
	id       string
	cfg      BackendConfig
	endpoint string
	adapter  stt.Adapter
	breaker  *resilience.CircuitBreaker
}

// Client holds the process-scoped state shared by every stream: cached
// credentials, pooled channels, per-backend breakers and health.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	baseLogger *slog.Logger
	obs        metrics.Observer
	tokens     *credentials.Provider
	pool       *transport.Pool
	tracker    *health.Tracker
	backoff    resilience.Backoff
	backends   map[string]*backend

	mu      sync.Mutex
	closed  bool
	streams map[*supervisor.Stream]struct{}
	wg      sync.WaitGroup
}

func New(cfg Config, opts ...Option) (*Client, error) {
	o := options{
		adapters: make(map[string]stt.Adapter),
		sources:  make(map[string]credentials.Source),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = DefaultRegistry()
	}
	if o.observer == nil {
		o.observer = metrics.NoopObserver{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	redact.SetEnabled(cfg.Privacy.RedactTranscripts)
	logger := logging.NewComponentLogger(o.logger, "speechwire")

	poolOpts := cfg.Transport.PoolOptions()
	if !poolOpts.Trust.Custom() {
		poolOpts.Trust.SystemRoots = true
	}
	poolOpts.Logger = o.logger
	pool, err := transport.NewPool(poolOpts)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:        cfg,
		logger:     logger,
		baseLogger: o.logger,
		obs:        o.observer,
		tokens: credentials.NewProvider(credentials.Options{
			MinValidity:    ms(cfg.Credentials.MinValidityMS),
			RefreshTimeout: ms(cfg.Credentials.RefreshTimeoutMS),
			Logger:         o.logger,
			Observer:       o.observer,
		}),
		pool:       pool,
		tracker:    health.NewTracker(),
		backoff:    cfg.Retry.Backoff(),
		backends:   make(map[string]*backend, len(cfg.Backends)),
		streams:    make(map[*supervisor.Stream]struct{}),
	}
	c.backoff.Sleep = o.sleep

	for id, bc := range cfg.Backends {
		b, err := c.buildBackend(id, bc, o)
		if err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("backend %s: %w", id, err)
		}
		c.backends[id] = b
	}
	logger.Info("speechwire_ready", "backends", len(c.backends))
	return c, nil
}

func (c *Client) buildBackend(id string, bc BackendConfig, o options) (*backend, error) {
	b := &backend{
		id:       id,
		cfg:      bc,
		endpoint: strings.TrimSpace(bc.Endpoint),
		adapter:  o.adapters[id],
		breaker:  resilience.NewCircuitBreaker(c.cfg.Quota.BreakerThreshold, ms(c.cfg.Quota.BreakerCooldownMS)),
	}
	if b.adapter == nil {
		p, err := o.registry.Provider(bc.Provider)
		if err != nil {
			return nil, err
		}
		a, err := p.New(bc.Settings, o.logger)
		if err != nil {
			return nil, fmt.Errorf("settings: %w", err)
		}
		b.adapter = a
		if b.endpoint == "" {
			b.endpoint = p.DefaultEndpoint
		}
	}
	if b.endpoint == "" && b.adapter.ChannelKind() != "" {
		return nil, fmt.Errorf("endpoint is required for provider %s", bc.Provider)
	}
	if b.adapter.ChannelKind() == transport.KindWebSocket && (c.cfg.Transport.Trust.Custom() || c.cfg.Transport.Trust.ServerName != "") {
		return nil, ErrCustomTrust
	}

	src := o.sources[id]
	if src == nil {
		var err error
		src, err = o.registry.BuildSource(bc.Auth)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
	}
	c.tokens.Register(id, src)
	return b, nil
}

// OpenStream starts a supervised recognition stream. An empty BackendID
// selects the configured default backend.
func (c *Client) OpenStream(ctx context.Context, cfg stt.Config) (*supervisor.Stream, error) {
	b, cfg, err := c.resolve(cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	streamID := uuid.NewString()
	open := func(ctx context.Context, cfg stt.Config) (supervisor.Session, error) {
		sess, err := stt.Open(ctx, stt.Deps{
			Credentials: c.tokens,
			Channels:    c.pool,
			Adapter:     b.adapter,
			Logger:      c.logger,
			Observer:    c.obs,
			QueueSize:   c.cfg.Session.QueueSize,
			StreamID:    streamID,
		}, cfg)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
	s, err := supervisor.Start(ctx, cfg, open, supervisor.Options{
		Backoff:      c.backoff,
		AuthRetries:  c.cfg.Retry.AuthRetries,
		ReplayWindow: c.cfg.Replay.WindowChunks,
		ReplayMaxAge: ms(c.cfg.Replay.MaxAgeMS),
		QueueSize:    c.cfg.Session.QueueSize,
		StreamID:     streamID,
		Breaker:      b.breaker,
		Credentials:  c.tokens,
		Health:       c.tracker,
		Logger:       c.logger,
		Observer:     c.obs,
	})
	if err != nil {
		return nil, err
	}
	c.streams[s] = struct{}{}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-s.Done()
		c.mu.Lock()
		delete(c.streams, s)
		c.mu.Unlock()
	}()
	return s, nil
}

func (c *Client) resolve(cfg stt.Config) (*backend, stt.Config, error) {
	id := strings.TrimSpace(cfg.BackendID)
	if id == "" {
		id = c.cfg.DefaultBackend
	}
	if id == "" && len(c.backends) == 1 {
		for only := range c.backends {
			id = only
		}
	}
	b, ok := c.backends[id]
	if !ok {
		return nil, cfg, fmt.Errorf("%w: %q", ErrUnknownBackend, id)
	}
	cfg.BackendID = id
	if cfg.EndpointURI == "" {
		cfg.EndpointURI = b.endpoint
	}
	d := b.cfg.Defaults
	if cfg.Encoding == "" {
		cfg.Encoding = d.Encoding
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = d.SampleRate
	}
	if cfg.Language == "" {
		cfg.Language = d.Language
	}
	if cfg.Model == "" {
		cfg.Model = d.Model
	}
	cfg.InterimResults = cfg.InterimResults || d.InterimResults
	return b, cfg.WithDefaults(), nil
}

// Recognize transcribes a short buffer in one call and returns its finals in
// index order. If part of the audio could not be replayed after a reconnect
// the finals are still returned together with a DataLoss error.
func (c *Client) Recognize(ctx context.Context, cfg stt.Config, audio []byte) ([]stt.Result, error) {
	release := c.tracker.Busy()
	defer release()

	s, err := c.OpenStream(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	size := s.Config().BytesPerSecond() * int(recognizeChunk/time.Millisecond) / 1000
	if size <= 0 {
		size = 3200
	}

	var finals []stt.Result
	var lost uint64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var seq uint64
		for off := 0; off < len(audio); off += size {
			end := min(off+size, len(audio))
			seq++
			if err := s.Send(gctx, stt.AudioChunk{Seq: seq, Data: audio[off:end]}); err != nil {
				return err
			}
		}
		return s.CloseSend()
	})
	g.Go(func() error {
		for {
			ev, err := s.Recv(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			switch {
			case ev.Kind == stt.EventDataLoss:
				lost += ev.Loss.Chunks
			case ev.Result.IsFinal:
				finals = append(finals, ev.Result)
			}
		}
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.SliceStable(finals, func(i, j int) bool { return finals[i].ResultIndex < finals[j].ResultIndex })
	if lost > 0 {
		return finals, errorsx.Newf(errorsx.KindDataLoss, "recognize", "%d chunks lost", lost).WithBackend(s.Config().BackendID)
	}
	return finals, nil
}

func (c *Client) Health() health.Snapshot { return c.tracker.Snapshot() }

// Tracker exposes the health counters, e.g. for health.NewCollector.
func (c *Client) Tracker() *health.Tracker { return c.tracker }

// Channels reports pooled transport channels.
func (c *Client) Channels() []transport.ChannelStat { return c.pool.Stats() }

// NewGateway builds the websocket gateway over this client, serving its
// health snapshot and Prometheus metrics.
func (c *Client) NewGateway() *ws.Gateway {
	return ws.New(c.cfg.Gateway, ws.Options{
		Open: func(ctx context.Context, cfg stt.Config) (ws.Stream, error) {
			s, err := c.OpenStream(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Health:  c.tracker,
		Metrics: health.NewRegistry(c.tracker),
		Logger:  c.baseLogger,
	})
}

// Shutdown closes every open stream, waits for them to finish, then closes
// pooled channels and drops cached credentials.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	open := make([]*supervisor.Stream, 0, len(c.streams))
	for s := range c.streams {
		open = append(open, s)
	}
	c.mu.Unlock()

	for _, s := range open {
		go func() { _ = s.Close() }()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if cerr := c.pool.Close(); cerr != nil && err == nil {
		err = cerr
	}
	c.tokens.Shutdown()
	c.logger.Info("speechwire_shutdown", "streams", len(open))
	return err
}
