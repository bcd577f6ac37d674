package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/speechwire/pkg/errorsx"
	"github.com/harunnryd/speechwire/pkg/logging"
	"github.com/harunnryd/speechwire/pkg/metrics"
	"github.com/harunnryd/speechwire/pkg/redact"
	"github.com/harunnryd/speechwire/pkg/transport"
)

var (
	ErrNotStreaming = errors.New("stt session is not streaming")
	ErrOutOfOrder   = errors.New("stt chunk sequence out of order")
)

// sendFailureGrace bounds how long a failed Send waits for the receive side
// to report the remote's actual terminal status.
const sendFailureGrace = time.Second

// Deps are the collaborators a session binds at open.
type Deps struct {
	Credentials TokenProvider
	Channels    ChannelPool
	Adapter     Adapter
	Logger      *slog.Logger
	Observer    metrics.Observer
	Listener    StateListener
	QueueSize   int
	StreamID    string
}

// Session is one provider stream: Connecting, Streaming, Draining and then
// Closed or Failed.
type Session struct {
	cfg      Config
	adapter  Adapter
	tokens   TokenProvider
	channels ChannelPool
	logger   *slog.Logger
	obs      metrics.Observer
	streamID string

	sm    *stateMachine
	queue *Queue
	ctx   context.Context
	stop  context.CancelFunc

	ch   *transport.Channel
	wire WireStream

	sendMu  sync.Mutex
	sent    bool
	lastSeq uint64

	acked atomic.Uint64

	mu  sync.Mutex
	err error

	// owned by the receive loop
	lastIndex int
	settled   int

	recvDone    chan struct{}
	releaseOnce sync.Once
}

// Open runs the Connecting phase and returns a Streaming session. On failure
// the returned error is classified and nothing stays allocated.
func Open(ctx context.Context, deps Deps, cfg Config) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Adapter == nil || deps.Credentials == nil {
		return nil, errors.New("stt session: adapter and credentials are required")
	}
	kind := deps.Adapter.ChannelKind()
	if kind != "" && deps.Channels == nil {
		return nil, fmt.Errorf("stt session: adapter %s needs a channel pool", deps.Adapter.Name())
	}

	sctx, stop := context.WithCancel(ctx)
	s := &Session{
		cfg:      cfg,
		adapter:  deps.Adapter,
		tokens:   deps.Credentials,
		channels: deps.Channels,
		logger:   logging.ForStream(logging.NewComponentLogger(deps.Logger, "stt_session"), deps.StreamID, cfg.BackendID),
		obs:      deps.Observer,
		streamID: deps.StreamID,
		sm:       newStateMachine(deps.Listener),
		queue:    NewQueue(deps.QueueSize),
		ctx:      sctx,
		stop:     stop,
		recvDone: make(chan struct{}),
	}

	if err := s.connect(kind); err != nil {
		err = tagBackend(err, cfg.BackendID)
		s.setErr(err)
		_ = s.sm.Transition(StateFailed, err.Error())
		s.queue.Close(err)
		stop()
		s.release()
		close(s.recvDone)
		s.logger.Warn("stt_connect_error", "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		return nil, err
	}

	if err := s.sm.Transition(StateStreaming, "connected"); err != nil {
		stop()
		s.release()
		close(s.recvDone)
		return nil, err
	}
	s.logger.Info("stt_session_open", "adapter", s.adapter.Name(), "encoding", cfg.Encoding, "sample_rate", cfg.SampleRate)
	s.record(metrics.EventSessionOpen, nil)
	go s.recvLoop()
	return s, nil
}

func (s *Session) connect(kind transport.Kind) error {
	cred, err := s.tokens.Token(s.ctx, s.cfg.BackendID)
	if err != nil {
		return err
	}
	if kind != "" {
		key := transport.Key{Backend: s.cfg.BackendID, Endpoint: s.cfg.EndpointURI, Kind: kind}
		ch, err := s.channels.Acquire(s.ctx, key)
		if err != nil {
			return classify(err, errorsx.KindConnect, "acquire channel")
		}
		s.ch = ch
	}
	wire, err := s.adapter.Dial(s.ctx, s.ch, cred, s.cfg)
	if err != nil {
		return classify(err, errorsx.KindConnect, "dial")
	}
	s.wire = wire
	return nil
}

func (s *Session) Config() Config { return s.cfg }

func (s *Session) State() State { return s.sm.State() }

// Err returns the failure reason once the session is Failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Acked is the highest sequence number the remote acknowledged, 0 if none.
func (s *Session) Acked() uint64 { return s.acked.Load() }

// Send transmits one chunk, blocking while the wire applies backpressure. A
// chunk that cannot be sent fails the session.
func (s *Session) Send(ctx context.Context, chunk AudioChunk) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if st := s.sm.State(); st != StateStreaming {
		if err := s.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w (state %s)", ErrNotStreaming, st)
	}
	if s.sent && chunk.Seq <= s.lastSeq {
		return fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, chunk.Seq, s.lastSeq)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stopWatch := context.AfterFunc(ctx, s.stop)
	err := s.wire.Send(chunk)
	stopWatch()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return s.sendFailure(err, "send")
	}
	s.sent = true
	s.lastSeq = chunk.Seq
	return nil
}

// CloseSend transmits end-of-audio and moves the session to Draining.
func (s *Session) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	switch st := s.sm.State(); st {
	case StateDraining:
		return nil
	case StateStreaming:
	default:
		if err := s.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w (state %s)", ErrNotStreaming, st)
	}
	if err := s.sm.Transition(StateDraining, "end of audio"); err != nil {
		return err
	}
	if err := s.wire.CloseSend(); err != nil {
		return s.sendFailure(err, "close send")
	}
	s.logger.Debug("stt_session_draining", "last_seq", s.lastSeq)
	return nil
}

// Recv returns the next event in remote order; io.EOF after a clean finish,
// the terminal error after a failure.
func (s *Session) Recv(ctx context.Context) (Event, error) {
	return s.queue.Pop(ctx)
}

// Close aborts the stream and releases the channel. It is idempotent.
func (s *Session) Close() error {
	if !s.sm.State().Terminal() {
		_ = s.sm.Transition(StateClosed, "closed by caller")
	}
	s.queue.Close(nil)
	s.stop()
	if s.wire != nil {
		_ = s.wire.Close()
	}
	<-s.recvDone
	s.release()
	return nil
}

// Done is closed when the receive loop has exited.
func (s *Session) Done() <-chan struct{} { return s.recvDone }

func (s *Session) recvLoop() {
	defer close(s.recvDone)
	defer s.release()

	for {
		msg, err := s.wire.Recv()
		if err != nil {
			s.handleRecvError(err)
			return
		}
		if msg.AckSeq > 0 {
			s.ack(msg.AckSeq)
		}
		for _, r := range msg.Results {
			if err := s.checkOrder(r); err != nil {
				s.fail(tagBackend(err, s.cfg.BackendID))
				return
			}
			if err := s.queue.Push(s.ctx, Event{Kind: EventResult, Result: r}); err != nil {
				return
			}
			if r.IsFinal {
				s.logger.Debug("stt_final", "index", r.ResultIndex, "text", redact.Transcript(r.Text))
				s.record(metrics.EventFinal, map[string]any{"index": r.ResultIndex})
			}
		}
		if msg.Done {
			s.finish("remote completed")
			return
		}
	}
}

func (s *Session) handleRecvError(err error) {
	if s.sm.State().Terminal() {
		return
	}
	if errors.Is(err, io.EOF) {
		if s.sm.State() == StateDraining {
			s.finish("remote closed stream")
			return
		}
		err = errorsx.New(errorsx.KindDisconnect, "recv", errors.New("remote ended stream before end of audio"))
	}
	if s.ctx.Err() != nil && errorsx.KindOf(err) == errorsx.KindUnknown {
		err = errorsx.New(errorsx.KindDisconnect, "recv", err)
	}
	s.fail(tagBackend(classify(err, errorsx.KindDisconnect, "recv"), s.cfg.BackendID))
}

// checkOrder rejects a result below the previous index or for an index that
// already received its final.
func (s *Session) checkOrder(r Result) error {
	if r.ResultIndex < s.lastIndex {
		return errorsx.Newf(errorsx.KindProtocol, "decode", "result index %d after %d", r.ResultIndex, s.lastIndex)
	}
	if r.ResultIndex < s.settled {
		return errorsx.Newf(errorsx.KindProtocol, "decode", "result for settled index %d", r.ResultIndex)
	}
	s.lastIndex = r.ResultIndex
	if r.IsFinal {
		s.settled = r.ResultIndex + 1
	}
	return nil
}

func (s *Session) ack(seq uint64) {
	for {
		cur := s.acked.Load()
		if seq <= cur || s.acked.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (s *Session) sendFailure(err error, op string) error {
	// The receive side usually carries the precise status (quota, auth).
	timer := time.NewTimer(sendFailureGrace)
	select {
	case <-s.recvDone:
	case <-timer.C:
	}
	timer.Stop()
	if existing := s.Err(); existing != nil {
		return existing
	}
	err = tagBackend(classify(err, errorsx.KindDisconnect, op), s.cfg.BackendID)
	s.fail(err)
	if existing := s.Err(); existing != nil {
		return existing
	}
	return err
}

func (s *Session) fail(err error) {
	if trErr := s.sm.Transition(StateFailed, err.Error()); trErr != nil {
		return
	}
	s.setErr(err)
	s.queue.Close(err)
	s.stop()
	s.logger.Warn("stt_session_failed", "reason_code", string(errorsx.Reason(err)), "error", err.Error())
	s.record(metrics.EventSessionFailed, map[string]any{"kind": errorsx.KindOf(err).String()})
}

func (s *Session) finish(reason string) {
	if err := s.sm.Transition(StateClosed, reason); err != nil {
		return
	}
	s.queue.Close(nil)
	s.logger.Info("stt_session_closed", "reason", reason, "acked", s.acked.Load())
	s.record(metrics.EventSessionClose, nil)
}

func (s *Session) release() {
	s.releaseOnce.Do(func() {
		if s.wire != nil {
			_ = s.wire.Close()
		}
		if s.ch != nil && s.channels != nil {
			s.channels.Release(s.ch)
		}
	})
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) record(name string, fields map[string]any) {
	metrics.Record(s.obs, name, map[string]string{
		"stream_id": s.streamID,
		"backend":   s.cfg.BackendID,
		"adapter":   s.adapter.Name(),
		"layer":     "session",
	}, fields)
}

// classify keeps an already classified error and wraps anything else as
// fallback.
func classify(err error, fallback errorsx.Kind, op string) error {
	if err == nil {
		return nil
	}
	if errorsx.KindOf(err) != errorsx.KindUnknown {
		return err
	}
	return errorsx.New(fallback, op, err)
}

func tagBackend(err error, backend string) error {
	var e *errorsx.Error
	if errors.As(err, &e) && e.Backend == "" {
		if e == err {
			return e.WithBackend(backend)
		}
	}
	return err
}
