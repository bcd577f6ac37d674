package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/speechwire/pkg/logging"
)

var (
	ErrDrainTimeout = errors.New("drain timeout")
	ErrAlreadyRun   = errors.New("runner already started")
)

// LifecycleRunner runs a process until its context ends or Stop is called,
// then drains within a deadline.
type LifecycleRunner struct {
	drainer Drainer
	hooks   Hooks
	timeout time.Duration
	logger  *slog.Logger

	state    atomic.Int32
	stopping chan struct{}
	stopOnce sync.Once
	drained  sync.Once
	stopErr  error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration, logger *slog.Logger) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		drainer:  drainer,
		hooks:    hooks,
		timeout:  timeout,
		logger:   logging.NewComponentLogger(logger, "runner"),
		stopping: make(chan struct{}),
	}
}

func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return ErrAlreadyRun
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if Banner {
		PrintBanner()
	}
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.state.Store(int32(StateRunning))
	r.logger.Info("runner_started", "version", Version)

	select {
	case <-ctx.Done():
	case <-r.stopping:
	}
	return r.drain()
}

// Stop ends Run, or drains directly when Run was never called. It is safe to
// call more than once and returns the same error each time.
func (r *LifecycleRunner) Stop() error {
	r.stopOnce.Do(func() { close(r.stopping) })
	return r.drain()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) drain() error {
	r.drained.Do(func() {
		r.state.Store(int32(StateDraining))
		started := time.Now()
		r.stopErr = r.drainWithin(r.timeout)
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.state.Store(int32(StateStopped))

		elapsed := time.Since(started).Milliseconds()
		if r.stopErr != nil {
			r.logger.Warn("runner_stopped", "drain_ms", elapsed, "error", r.stopErr.Error())
			return
		}
		r.logger.Info("runner_stopped", "drain_ms", elapsed)
	})
	return r.stopErr
}

func (r *LifecycleRunner) drainWithin(d time.Duration) error {
	if r.drainer == nil {
		return nil
	}
	result := make(chan error, 1)
	go func() { result <- r.drainer.Drain() }()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		return ErrDrainTimeout
	}
}
