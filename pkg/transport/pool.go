package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/harunnryd/speechwire/pkg/errorsx"
	"github.com/harunnryd/speechwire/pkg/logging"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
)

type Kind string

const (
	KindGRPC      Kind = "grpc"
	KindHTTP      Kind = "http"
	KindWebSocket Kind = "websocket"
)

// Key identifies a shared channel.
type Key struct {
	Backend  string
	Endpoint string
	Kind     Kind
}

func (k Key) String() string {
	return string(k.Kind) + "|" + k.Backend + "|" + k.Endpoint
}

var ErrPoolClosed = errors.New("transport pool closed")

type Options struct {
	Trust TrustConfig
	// IdleTimeout keeps an unreferenced channel open for reuse. Zero closes it
	// as soon as the last session releases it.
	IdleTimeout time.Duration
	DialTimeout time.Duration
	Logger      *slog.Logger
	// GRPCOptions are appended after the TLS transport credentials.
	GRPCOptions []grpc.DialOption
}

// ChannelStat is a read-only view used by health reporting.
type ChannelStat struct {
	Key  Key
	Refs int
}

// Pool shares one channel per (backend, endpoint, kind) across sessions.
type Pool struct {
	tlsConfig   *tls.Config
	idleTimeout time.Duration
	dialTimeout time.Duration
	grpcOpts    []grpc.DialOption
	logger      *slog.Logger

	mu       sync.Mutex
	channels map[Key]*Channel
	closed   bool

	opening singleflight.Group
}

func NewPool(opts Options) (*Pool, error) {
	tlsConfig, err := opts.Trust.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("transport trust: %w", err)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.IdleTimeout < 0 {
		opts.IdleTimeout = 0
	}
	return &Pool{
		tlsConfig:   tlsConfig,
		idleTimeout: opts.IdleTimeout,
		dialTimeout: opts.DialTimeout,
		grpcOpts:    opts.GRPCOptions,
		logger:      logging.NewComponentLogger(opts.Logger, "transport"),
		channels:    make(map[Key]*Channel),
	}, nil
}

// Acquire returns the shared channel for key, opening it on first use.
// The caller must Release it exactly once.
func (p *Pool) Acquire(ctx context.Context, key Key) (*Channel, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if ch := p.channels[key]; ch != nil {
			ch.refs++
			if ch.idle != nil {
				ch.idle.Stop()
				ch.idle = nil
			}
			p.mu.Unlock()
			return ch, nil
		}
		p.mu.Unlock()

		_, err, _ := p.opening.Do(key.String(), func() (any, error) {
			return nil, p.open(ctx, key)
		})
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Release drops one reference. The channel closes when unreferenced, after
// the idle timeout if one is configured.
func (p *Pool) Release(ch *Channel) {
	if ch == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch.refs > 0 {
		ch.refs--
	}
	if ch.refs > 0 || p.channels[ch.key] != ch {
		return
	}
	if p.idleTimeout <= 0 {
		delete(p.channels, ch.key)
		go p.closeChannel(ch, "released")
		return
	}
	ch.idle = time.AfterFunc(p.idleTimeout, func() { p.expire(ch) })
}

// Close tears down every channel.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	channels := p.channels
	p.channels = make(map[Key]*Channel)
	p.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if ch.idle != nil {
			ch.idle.Stop()
		}
		if err := ch.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats lists open channels and their reference counts.
func (p *Pool) Stats() []ChannelStat {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChannelStat, 0, len(p.channels))
	for key, ch := range p.channels {
		out = append(out, ChannelStat{Key: key, Refs: ch.refs})
	}
	return out
}

func (p *Pool) expire(ch *Channel) {
	p.mu.Lock()
	if ch.refs > 0 || p.channels[ch.key] != ch {
		p.mu.Unlock()
		return
	}
	delete(p.channels, ch.key)
	p.mu.Unlock()
	p.closeChannel(ch, "idle_timeout")
}

func (p *Pool) closeChannel(ch *Channel, reason string) {
	if err := ch.close(); err != nil {
		p.logger.Warn("transport_channel_close_error",
			slog.String("backend", ch.key.Backend),
			slog.String("endpoint", ch.key.Endpoint),
			slog.String("error", err.Error()))
	}
	p.logger.Debug("transport_channel_closed",
		slog.String("backend", ch.key.Backend),
		slog.String("endpoint", ch.key.Endpoint),
		slog.String("reason", reason))
}

func (p *Pool) open(ctx context.Context, key Key) error {
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	ch := &Channel{key: key, tlsConfig: p.tlsConfig.Clone()}
	var err error
	switch key.Kind {
	case KindGRPC:
		err = p.openGRPC(dialCtx, ch)
	case KindHTTP:
		err = p.openHTTP(dialCtx, ch)
	case KindWebSocket:
		err = validateURL(key.Endpoint, "wss")
	default:
		err = fmt.Errorf("unknown channel kind %q", key.Kind)
	}
	if err != nil {
		p.logger.Warn("transport_connect_failed",
			slog.String("backend", key.Backend),
			slog.String("endpoint", key.Endpoint),
			slog.String("reason_code", string(errorsx.ReasonSTTConnect)),
			slog.String("error", err.Error()))
		_ = ch.close()
		return errorsx.New(errorsx.KindConnect, "open channel", err).WithBackend(key.Backend)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = ch.close()
		return ErrPoolClosed
	}
	if existing := p.channels[key]; existing != nil {
		_ = ch.close()
		return nil
	}
	p.channels[key] = ch
	p.logger.Info("transport_channel_open",
		slog.String("backend", key.Backend),
		slog.String("endpoint", key.Endpoint),
		slog.String("kind", string(key.Kind)))
	return nil
}

func (p *Pool) openGRPC(ctx context.Context, ch *Channel) error {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(credentials.NewTLS(ch.tlsConfig)),
	}, p.grpcOpts...)
	conn, err := grpc.NewClient(ch.key.Endpoint, opts...)
	if err != nil {
		return err
	}
	ch.conn = conn
	return waitReady(ctx, conn)
}

// waitReady forces the lazy gRPC client to connect so handshake, DNS and
// refused-connection failures surface at open time.
func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure:
			return fmt.Errorf("grpc channel to %s: %s", conn.Target(), state)
		case connectivity.Shutdown:
			return errors.New("grpc channel shut down")
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("grpc channel to %s: %w (last state %s)", conn.Target(), ctx.Err(), state)
		}
	}
}

func (p *Pool) openHTTP(ctx context.Context, ch *Channel) error {
	if err := validateURL(ch.key.Endpoint, "https"); err != nil {
		return err
	}
	u, _ := url.Parse(ch.key.Endpoint)
	netDialer := &net.Dialer{Timeout: p.dialTimeout, KeepAlive: 30 * time.Second}

	// Probe once so DNS, refusal and certificate failures are reported here.
	probe := &tls.Dialer{NetDialer: netDialer, Config: ch.tlsConfig}
	conn, err := probe.DialContext(ctx, "tcp", hostPort(u))
	if err != nil {
		return err
	}
	_ = conn.Close()

	idle := p.idleTimeout
	if idle <= 0 {
		idle = 90 * time.Second
	}
	ch.transport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         netDialer.DialContext,
		TLSClientConfig:     ch.tlsConfig,
		TLSHandshakeTimeout: p.dialTimeout,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     idle,
	}
	ch.httpClient = &http.Client{Transport: ch.transport}
	return nil
}

func validateURL(raw, scheme string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != scheme {
		return fmt.Errorf("endpoint %q must use %s", raw, scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", raw)
	}
	return nil
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), "443")
}
