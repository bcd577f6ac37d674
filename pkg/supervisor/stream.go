package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/speechwire/pkg/errorsx"
	"github.com/harunnryd/speechwire/pkg/health"
	"github.com/harunnryd/speechwire/pkg/logging"
	"github.com/harunnryd/speechwire/pkg/metrics"
	"github.com/harunnryd/speechwire/pkg/resilience"
	"github.com/harunnryd/speechwire/pkg/stt"
)

var (
	ErrStreamClosed = errors.New("stt stream closed")
	ErrSendClosed   = errors.New("stt stream input already closed")
	ErrBreakerOpen  = errors.New("quota circuit breaker open")
)

// Session is the part of *stt.Session the supervisor drives.
type Session interface {
	Send(ctx context.Context, chunk stt.AudioChunk) error
	CloseSend() error
	Recv(ctx context.Context) (stt.Event, error)
	Close() error
	Acked() uint64
}

// Opener opens one provider session for cfg.
type Opener func(ctx context.Context, cfg stt.Config) (Session, error)

// CredentialInvalidator drops a cached credential after the remote rejects
// it. Satisfied by *credentials.Provider.
type CredentialInvalidator interface {
	Invalidate(backendID string)
}

type Options struct {
	Backoff resilience.Backoff
	// AuthRetries bounds credential refreshes after remote bearer rejections
	// without progress in between.
	AuthRetries  int
	ReplayWindow int
	ReplayMaxAge time.Duration
	QueueSize    int
	StreamID     string

	// Breaker is shared by every stream of one backend.
	Breaker     *resilience.CircuitBreaker
	Credentials CredentialInvalidator
	Health      *health.Tracker
	Logger      *slog.Logger
	Observer    metrics.Observer
}

// Stream is one caller-visible recognition stream kept alive across
// provider sessions.
type Stream struct {
	id     string
	cfg    stt.Config
	open   Opener
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    *stt.Queue
	done   chan struct{}

	callerMu sync.Mutex // serializes Send and CloseSend callers
	sendMu   sync.Mutex // orders wire sends against replay

	mu        sync.Mutex
	state     stt.State
	err       error
	sess      Session
	ready     chan struct{}
	epoch     uint64
	lastSeq   uint64
	acked     uint64
	closeSent bool
	closed    bool
	attempts  int
	replay    *replayBuffer

	// lostThrough is the last seq already reported in a DataLoss advisory.
	lostThrough uint64

	// owned by the run goroutine
	sched        *resilience.Schedule
	progressed   bool
	nextIndex    int
	indexBase    int
	authFailures int
}

// Start validates cfg and begins connecting in the background.
func Start(ctx context.Context, cfg stt.Config, open Opener, opts Options) (*Stream, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if open == nil {
		return nil, errors.New("stt stream: opener is required")
	}
	if opts.StreamID == "" {
		opts.StreamID = uuid.NewString()
	}
	if opts.AuthRetries < 0 {
		opts.AuthRetries = 0
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		id:     opts.StreamID,
		cfg:    cfg,
		open:   open,
		opts:   opts,
		logger: logging.ForStream(logging.NewComponentLogger(opts.Logger, "stt_supervisor"), opts.StreamID, cfg.BackendID),
		ctx:    sctx,
		cancel: cancel,
		out:    stt.NewQueue(opts.QueueSize),
		done:   make(chan struct{}),
		state:  stt.StateConnecting,
		ready:  make(chan struct{}),
		replay: newReplayBuffer(opts.ReplayWindow, opts.ReplayMaxAge),
	}
	opts.Health.StreamStarted()
	go s.run()
	return s, nil
}

func (s *Stream) ID() string        { return s.id }
func (s *Stream) Config() stt.Config { return s.cfg }

func (s *Stream) State() stt.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error once the stream failed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Attempts returns the number of the latest session open in the current
// retry cycle. A session that makes progress starts a new cycle.
func (s *Stream) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Acked is the highest chunk any session of this stream acknowledged.
func (s *Stream) Acked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

// Send buffers chunk for replay and transmits it on the current session,
// waiting while a session is being (re)opened. Seq must continue the
// stream's sequence starting at 1.
func (s *Stream) Send(ctx context.Context, chunk stt.AudioChunk) error {
	s.callerMu.Lock()
	defer s.callerMu.Unlock()

	s.mu.Lock()
	if err := s.inputErrLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if chunk.Seq != s.lastSeq+1 {
		want := s.lastSeq + 1
		s.mu.Unlock()
		return fmt.Errorf("%w: got seq %d, want %d", stt.ErrOutOfOrder, chunk.Seq, want)
	}
	s.lastSeq = chunk.Seq
	if s.sess != nil {
		s.observeAckLocked(s.sess.Acked())
	}
	s.replay.Add(chunk)
	addEpoch := s.epoch
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.state.Terminal() {
			err := s.terminalErrLocked()
			s.mu.Unlock()
			return err
		}
		if addEpoch < s.epoch {
			// a reconnect already replayed it
			s.mu.Unlock()
			return nil
		}
		sess, ready := s.sess, s.ready
		s.mu.Unlock()

		if sess == nil {
			select {
			case <-ready:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		s.sendMu.Lock()
		s.mu.Lock()
		current := s.sess == sess && addEpoch == s.epoch
		s.mu.Unlock()
		if !current {
			s.sendMu.Unlock()
			continue
		}
		err := sess.Send(ctx, chunk)
		s.sendMu.Unlock()
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// The run loop sees the same failure on Recv and replays the chunk
		// on the next session.
		s.logger.Debug("stt_send_deferred", "seq", chunk.Seq, "reason_code", string(errorsx.ReasonSTTSend), "cause", string(errorsx.Reason(err)))
		s.detach(sess)
		return nil
	}
}

// CloseSend ends input. Pending chunks are flushed first, including across a
// reconnect.
func (s *Stream) CloseSend() error {
	s.callerMu.Lock()
	defer s.callerMu.Unlock()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	if s.closeSent {
		s.mu.Unlock()
		return nil
	}
	if s.state.Terminal() {
		err := s.terminalErrLocked()
		s.mu.Unlock()
		return err
	}
	s.closeSent = true
	sess := s.sess
	if sess != nil {
		s.state = stt.StateDraining
	}
	s.mu.Unlock()

	if sess == nil {
		return nil
	}
	if err := sess.CloseSend(); err != nil {
		s.logger.Debug("stt_close_send_deferred", "reason_code", string(errorsx.Reason(err)))
		s.detach(sess)
	}
	return nil
}

// Recv returns the next event: results with stream-wide indices and data
// loss advisories. It returns io.EOF after a clean end, or the terminal
// error.
func (s *Stream) Recv(ctx context.Context) (stt.Event, error) {
	return s.out.Pop(ctx)
}

// Close aborts the stream and waits for the current session to close.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return nil
}

// Done is closed once the stream reached Closed or Failed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// run owns the session lifecycle. One retry schedule spans every reconnect
// and is reset only after a session made progress, so a remote that accepts
// and then drops each session still exhausts MaxAttempts.
func (s *Stream) run() {
	defer close(s.done)

	s.sched = s.opts.Backoff.Start()
	var cause error
	for {
		if cause != nil {
			delay, ok := s.sched.Next(cause)
			if !ok {
				s.terminate(s.exhausted(cause))
				return
			}
			if err := s.opts.Backoff.Wait(s.ctx, delay); err != nil {
				s.terminate(s.ctxErr())
				return
			}
		}

		sess, err := s.connect()
		if err != nil {
			s.terminate(err)
			return
		}
		if err := s.resume(sess, cause != nil); err != nil {
			_ = sess.Close()
			if s.ctx.Err() != nil {
				s.terminate(s.ctxErr())
				return
			}
			if !s.recoverable(err) {
				s.terminate(err)
				return
			}
			cause = err
			continue
		}

		ackedBefore := s.Acked()
		s.progressed = false
		err = s.pump(sess)
		s.detach(sess)
		_ = sess.Close()
		s.mu.Lock()
		s.observeAckLocked(sess.Acked())
		advanced := s.acked > ackedBefore
		s.mu.Unlock()
		if s.progressed || advanced {
			s.sched = s.opts.Backoff.Start()
		}

		if err == nil {
			s.terminate(nil)
			return
		}
		if s.ctx.Err() != nil {
			s.terminate(s.ctxErr())
			return
		}
		if !s.recoverable(err) {
			s.terminate(err)
			return
		}
		s.logger.Warn("stt_reconnect", "reason_code", string(errorsx.Reason(err)), "error", err.Error(), "acked", s.Acked())
		s.record(metrics.EventReconnect, map[string]any{"kind": errorsx.KindOf(err).String()})
		cause = err
	}
}

// connect opens a session, backing off between failed attempts on the
// stream's schedule.
func (s *Stream) connect() (Session, error) {
	for {
		if b := s.opts.Breaker; b != nil && !b.Allow() {
			return nil, &errorsx.Error{Kind: errorsx.KindQuota, Op: "connect", Backend: s.cfg.BackendID,
				Err: errorsx.WithReason(ErrBreakerOpen, errorsx.ReasonSTTCircuitOpen)}
		}
		attempt := s.sched.Attempts() + 1
		s.setAttempts(attempt)
		sess, err := s.open(s.ctx, s.cfg)
		if err == nil {
			return sess, nil
		}
		if s.ctx.Err() != nil {
			return nil, s.ctxErr()
		}
		if !s.recoverable(err) {
			return nil, err
		}
		delay, ok := s.sched.Next(err)
		if !ok {
			return nil, s.exhausted(err)
		}
		s.logger.Info("stt_connect_retry", "reason_code", string(errorsx.Reason(err)), "attempt", attempt, "delay_ms", delay.Milliseconds())
		if werr := s.opts.Backoff.Wait(s.ctx, delay); werr != nil {
			return nil, s.ctxErr()
		}
	}
}

func (s *Stream) exhausted(cause error) error {
	s.logger.Warn("stt_retry_exhausted", "reason_code", string(errorsx.ReasonSTTRetry), "attempts", s.sched.Attempts(), "error", cause.Error())
	return errorsx.WithReason(&resilience.ExhaustedError{Attempts: s.sched.Attempts(), Err: cause}, errorsx.ReasonSTTRetry)
}

// recoverable decides whether err allows another session, updating the auth
// and quota bookkeeping on the way.
func (s *Stream) recoverable(err error) bool {
	s.opts.Health.Error(err)
	switch errorsx.KindOf(err) {
	case errorsx.KindAuth:
		if !errorsx.IsRefreshable(err) {
			return false
		}
		s.authFailures++
		if s.authFailures > s.opts.AuthRetries {
			return false
		}
		if s.opts.Credentials != nil {
			s.opts.Credentials.Invalidate(s.cfg.BackendID)
		}
		s.record(metrics.EventTokenRefresh, map[string]any{"reason": "remote_rejected"})
		return true
	case errorsx.KindQuota:
		s.record(metrics.EventRateLimit, map[string]any{"retry_after_ms": errorsx.RetryAfter(err).Milliseconds()})
		b := s.opts.Breaker
		if b == nil {
			return true
		}
		if b.OnError(err) {
			s.logger.Warn("stt_breaker_open", "reason_code", string(errorsx.ReasonSTTCircuitOpen), "state", b.State().String())
			s.record(metrics.EventBreakerOpen, nil)
		}
		return b.Allow()
	default:
		return errorsx.Retryable(err)
	}
}

// resume replays unacknowledged chunks onto sess and publishes it to Send.
func (s *Stream) resume(sess Session, reconnect bool) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	chunks, loss := s.replay.Since(max(s.acked, s.lostThrough), s.lastSeq)
	if loss != nil {
		s.lostThrough = loss.ToSeq
	}
	s.epoch++
	closeSent := s.closeSent
	s.indexBase = s.nextIndex
	s.mu.Unlock()

	if loss != nil {
		s.logger.Warn("stt_data_loss",
			"reason_code", string(errorsx.ReasonSTTReplayLoss),
			"from_seq", loss.FromSeq, "to_seq", loss.ToSeq, "chunks", loss.Chunks)
		s.record(metrics.EventDataLoss, map[string]any{"from_seq": loss.FromSeq, "to_seq": loss.ToSeq, "chunks": loss.Chunks})
		s.opts.Health.DataLoss(loss.Chunks)
		if err := s.out.Push(s.ctx, stt.Event{Kind: stt.EventDataLoss, Loss: loss}); err != nil {
			return err
		}
	}
	for _, c := range chunks {
		if err := sess.Send(s.ctx, c); err != nil {
			return err
		}
	}
	if closeSent {
		if err := sess.CloseSend(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return ErrStreamClosed
	}
	s.sess = sess
	if closeSent {
		s.state = stt.StateDraining
	} else {
		s.state = stt.StateStreaming
	}
	close(s.ready)
	if reconnect {
		s.opts.Health.Reconnected()
		s.logger.Info("stt_resumed", "replayed", len(chunks), "acked", s.acked, "attempts", s.attempts)
	}
	return nil
}

// pump forwards session events to the caller until the session ends. A nil
// return means the remote completed the stream.
func (s *Stream) pump(sess Session) error {
	for {
		ev, err := sess.Recv(s.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		s.progress()
		s.progressed = true
		if ev.Kind == stt.EventResult {
			ev.Result.ResultIndex += s.indexBase
			if ev.Result.IsFinal && ev.Result.ResultIndex+1 > s.nextIndex {
				s.nextIndex = ev.Result.ResultIndex + 1
			}
		}
		if err := s.out.Push(s.ctx, ev); err != nil {
			return err
		}
	}
}

func (s *Stream) progress() {
	s.authFailures = 0
	if s.opts.Breaker != nil {
		s.opts.Breaker.OnSuccess()
	}
}

// detach stops routing sends to sess; later sends wait for the next session.
func (s *Stream) detach(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != sess {
		return
	}
	s.observeAckLocked(sess.Acked())
	s.sess = nil
	s.ready = make(chan struct{})
	if !s.state.Terminal() {
		s.state = stt.StateConnecting
	}
}

func (s *Stream) terminate(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.state = stt.StateFailed
		s.err = err
	} else {
		s.state = stt.StateClosed
	}
	s.sess = nil
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
	acked, lastSeq, attempts := s.acked, s.lastSeq, s.attempts
	s.mu.Unlock()

	s.out.Close(err)
	s.cancel()
	s.opts.Health.StreamEnded(err)
	if err != nil {
		s.logger.Warn("stt_stream_failed", "reason_code", string(errorsx.Reason(err)), "error", err.Error(), "attempts", attempts, "acked", acked)
		s.record(metrics.EventSessionFailed, map[string]any{"kind": errorsx.KindOf(err).String(), "attempts": attempts})
		return
	}
	s.logger.Info("stt_stream_closed", "acked", acked, "last_seq", lastSeq)
	s.record(metrics.EventSessionClose, map[string]any{"acked": acked})
}

// ctxErr is nil when the caller closed the stream, else the context error.
func (s *Stream) ctxErr() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	return s.ctx.Err()
}

func (s *Stream) inputErrLocked() error {
	if s.state.Terminal() {
		return s.terminalErrLocked()
	}
	if s.closeSent {
		return ErrSendClosed
	}
	return nil
}

func (s *Stream) terminalErrLocked() error {
	if s.err != nil {
		return s.err
	}
	return ErrStreamClosed
}

func (s *Stream) observeAckLocked(seq uint64) {
	if seq > s.acked {
		s.acked = seq
		s.replay.Prune(seq)
	}
}

func (s *Stream) setAttempts(n int) {
	s.mu.Lock()
	s.attempts = n
	s.mu.Unlock()
}

func (s *Stream) record(name string, fields map[string]any) {
	metrics.Record(s.opts.Observer, name, map[string]string{
		"stream_id": s.id,
		"backend":   s.cfg.BackendID,
		"layer":     "stream",
	}, fields)
}
