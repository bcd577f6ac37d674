package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/speechwire/pkg/errorsx"
	"github.com/harunnryd/speechwire/pkg/logging"
	"github.com/harunnryd/speechwire/pkg/metrics"
	"github.com/harunnryd/speechwire/pkg/redact"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMinValidity    = 60 * time.Second
	DefaultRefreshTimeout = 30 * time.Second
)

// ErrShutdown is returned by Token after Shutdown.
var ErrShutdown = errors.New("credential provider shut down")

type Options struct {
	// MinValidity is the remaining lifetime every returned credential has.
	MinValidity time.Duration
	// RefreshTimeout bounds one refresh round trip.
	RefreshTimeout time.Duration
	Logger         *slog.Logger
	Observer       metrics.Observer
	Now            func() time.Time
}

// Provider caches credentials per backend and refreshes them before expiry.
// Concurrent callers for one backend share a single in-flight refresh.
type Provider struct {
	minValidity    time.Duration
	refreshTimeout time.Duration
	logger         *slog.Logger
	obs            metrics.Observer
	now            func() time.Time

	mu      sync.RWMutex
	sources map[string]Source
	cache   map[string]Credential
	closed  bool

	group singleflight.Group
}

func NewProvider(opts Options) *Provider {
	if opts.MinValidity <= 0 {
		opts.MinValidity = DefaultMinValidity
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	return &Provider{
		minValidity:    opts.MinValidity,
		refreshTimeout: opts.RefreshTimeout,
		logger:         logging.NewComponentLogger(opts.Logger, "credentials"),
		obs:            opts.Observer,
		now:            opts.Now,
		sources:        make(map[string]Source),
		cache:          make(map[string]Credential),
	}
}

// Register binds the secret source for a backend.
func (p *Provider) Register(backendID string, src Source) {
	p.mu.Lock()
	p.sources[backendID] = src
	delete(p.cache, backendID)
	p.mu.Unlock()
}

// Token returns a credential valid for at least MinValidity. If the caller's
// ctx ends while a refresh is running, Token returns ctx.Err() but the refresh
// still completes and is cached for the next caller.
func (p *Provider) Token(ctx context.Context, backendID string) (Credential, error) {
	cred, src, err := p.lookup(backendID)
	if err != nil {
		return Credential{}, err
	}
	if cred.Value != "" {
		return cred, nil
	}

	ch := p.group.DoChan(backendID, func() (any, error) {
		return p.refresh(ctx, backendID, src)
	})
	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

// Invalidate drops the cached credential so the next Token refreshes.
func (p *Provider) Invalidate(backendID string) {
	p.mu.Lock()
	delete(p.cache, backendID)
	p.mu.Unlock()
}

// Shutdown drops every cached credential. Later Token calls fail.
func (p *Provider) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.cache = make(map[string]Credential)
	p.mu.Unlock()
}

func (p *Provider) lookup(backendID string) (Credential, Source, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return Credential{}, nil, ErrShutdown
	}
	src := p.sources[backendID]
	if src == nil {
		return Credential{}, nil, errorsx.Newf(errorsx.KindAuth, "token", "no credential source for backend %q", backendID).WithBackend(backendID)
	}
	if cred, ok := p.cache[backendID]; ok && !cred.Expired(p.now(), p.minValidity) {
		return cred, src, nil
	}
	return Credential{}, src, nil
}

func (p *Provider) refresh(parent context.Context, backendID string, src Source) (Credential, error) {
	// A flight that finished between lookup and DoChan already stored a fresh value.
	if cred, _, err := p.lookup(backendID); err != nil || cred.Value != "" {
		return cred, err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), p.refreshTimeout)
	defer cancel()

	started := p.now()
	cred, err := src.Fetch(ctx)
	if err != nil {
		err = classify(err, backendID)
		p.logger.Warn("credential_refresh_failed",
			slog.String("backend", backendID),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		return Credential{}, err
	}
	cred.BackendID = backendID
	now := p.now()
	if cred.Value == "" {
		return Credential{}, errorsx.Newf(errorsx.KindAuth, "token", "empty credential issued").WithBackend(backendID)
	}
	if cred.Expired(now, p.minValidity) {
		return Credential{}, errorsx.Newf(errorsx.KindAuth, "token",
			"issued credential expires at %s, inside min validity %s (clock skew?)",
			cred.ExpiresAt.UTC().Format(time.RFC3339), p.minValidity).WithBackend(backendID)
	}

	p.mu.Lock()
	if !p.closed {
		p.cache[backendID] = cred
	}
	p.mu.Unlock()

	p.logger.Debug("credential_refreshed",
		slog.String("backend", backendID),
		slog.String("token", redact.Secret(cred.Value)),
		slog.Time("expires_at", cred.ExpiresAt),
		slog.Duration("latency", now.Sub(started)))
	metrics.Record(p.obs, metrics.EventTokenRefresh, map[string]string{"backend": backendID}, nil)
	return cred, nil
}

// classify keeps a source's own classification and treats anything else as a
// network-level refresh failure.
func classify(err error, backendID string) error {
	var e *errorsx.Error
	if errors.As(err, &e) {
		if e.Backend == "" {
			return fmt.Errorf("refresh: %w", e.WithBackend(backendID))
		}
		return err
	}
	return errorsx.New(errorsx.KindTransientAuth, "token", err).WithBackend(backendID)
}
