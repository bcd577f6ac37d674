package mock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/harunnryd/speechwire/pkg/configutil"
	"github.com/harunnryd/speechwire/pkg/credentials"
	"github.com/harunnryd/speechwire/pkg/errorsx"
	"github.com/harunnryd/speechwire/pkg/stt"
	"github.com/harunnryd/speechwire/pkg/transport"
)

type Settings struct {
	Transcript string `mapstructure:"transcript"`
	// FinalEvery emits a final after this many chunks; interims in between.
	FinalEvery int `mapstructure:"final_every"`
}

var SettingsSchema = configutil.Schema{Optional: []string{"transcript", "final_every"}}

func ParseSettings(raw map[string]any) (Settings, error) {
	var s Settings
	if err := configutil.ValidateSettings(raw, SettingsSchema); err != nil {
		return s, err
	}
	if err := configutil.DecodeSettings(raw, &s); err != nil {
		return s, err
	}
	return s, nil
}

type fault struct {
	afterSeq uint64
	err      error
}

// Remote is an in-process provider shared by every session dialed through
// its adapter, so a test can see what arrived across reconnects.
type Remote struct {
	mu          sync.Mutex
	auto        *Settings
	ack         bool
	emit        map[uint64][]stt.Result
	onEOS       []stt.Result
	faults      []fault
	dialErrs    []error
	received    []uint64
	credentials []string
	dials       int
	autoCount   int
}

// NewRemote returns a remote that acks every chunk and emits only what the
// test scripts.
func NewRemote() *Remote {
	return &Remote{ack: true, emit: make(map[uint64][]stt.Result)}
}

// NewAutoRemote returns a remote that transcribes with a fixed text.
func NewAutoRemote(settings Settings) *Remote {
	if strings.TrimSpace(settings.Transcript) == "" {
		settings.Transcript = "mock transcript"
	}
	if settings.FinalEvery <= 0 {
		settings.FinalEvery = 10
	}
	r := NewRemote()
	r.auto = &settings
	return r
}

// SetAck toggles per-chunk acknowledgements.
func (r *Remote) SetAck(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ack = on
}

// Emit schedules results for when the chunk with seq arrives.
func (r *Remote) Emit(seq uint64, results ...stt.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit[seq] = append(r.emit[seq], results...)
}

// OnEOS schedules results for end of audio, followed by completion.
func (r *Remote) OnEOS(results ...stt.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEOS = append(r.onEOS, results...)
}

// FailAfter breaks the active stream with err once seq has arrived. Each
// fault fires once.
func (r *Remote) FailAfter(seq uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, fault{afterSeq: seq, err: err})
}

// DisconnectAfter is FailAfter with a mid-stream disconnect.
func (r *Remote) DisconnectAfter(seq uint64) {
	r.FailAfter(seq, errorsx.New(errorsx.KindDisconnect, "recv", fmt.Errorf("mock disconnect after seq %d", seq)))
}

// FailDials makes the next dials fail with errs, in order.
func (r *Remote) FailDials(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialErrs = append(r.dialErrs, errs...)
}

// Received returns every chunk seq that arrived, across sessions.
func (r *Remote) Received() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.received...)
}

// Credentials returns the bearer values presented at each successful dial.
func (r *Remote) Credentials() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.credentials...)
}

func (r *Remote) Dials() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials
}

type Adapter struct {
	remote *Remote
}

func New(remote *Remote) *Adapter {
	if remote == nil {
		remote = NewAutoRemote(Settings{})
	}
	return &Adapter{remote: remote}
}

func (a *Adapter) Name() string                { return "mock" }
func (a *Adapter) ChannelKind() transport.Kind { return "" }
func (a *Adapter) Remote() *Remote             { return a.remote }

func (a *Adapter) Dial(ctx context.Context, _ *transport.Channel, cred credentials.Credential, _ stt.Config) (stt.WireStream, error) {
	r := a.remote
	r.mu.Lock()
	r.dials++
	if len(r.dialErrs) > 0 {
		err := r.dialErrs[0]
		r.dialErrs = r.dialErrs[1:]
		r.mu.Unlock()
		return nil, err
	}
	r.credentials = append(r.credentials, cred.Value)
	r.mu.Unlock()

	sctx, cancel := context.WithCancel(ctx)
	return &wire{remote: r, ctx: sctx, cancel: cancel, in: make(chan inbound, 64)}, nil
}

type inbound struct {
	msg stt.Message
	err error
}

type wire struct {
	remote *Remote
	ctx    context.Context
	cancel context.CancelFunc
	in     chan inbound

	mu      sync.Mutex
	broken  error
	settled int
}

var errWireClosed = errors.New("mock wire closed")

func (w *wire) Send(chunk stt.AudioChunk) error {
	w.mu.Lock()
	broken := w.broken
	w.mu.Unlock()
	if broken != nil {
		return errorsx.New(errorsx.KindDisconnect, "send", broken)
	}
	if w.ctx.Err() != nil {
		return errorsx.New(errorsx.KindDisconnect, "send", errWireClosed)
	}

	msgs, fail := w.remote.receive(chunk.Seq, w)
	for _, m := range msgs {
		if !w.push(inbound{msg: m}) {
			return errorsx.New(errorsx.KindDisconnect, "send", errWireClosed)
		}
	}
	if fail != nil {
		w.mu.Lock()
		w.broken = fail
		w.mu.Unlock()
		w.push(inbound{err: fail})
	}
	return nil
}

func (r *Remote) receive(seq uint64, w *wire) ([]stt.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, seq)

	var msgs []stt.Message
	results := r.emit[seq]
	if r.auto != nil {
		results = append(results, r.autoResult()...)
	}
	if len(results) > 0 {
		msgs = append(msgs, stt.Message{Results: w.rebase(results)})
	}

	var fail error
	for i, f := range r.faults {
		if seq >= f.afterSeq {
			fail = f.err
			r.faults = append(r.faults[:i], r.faults[i+1:]...)
			break
		}
	}
	if r.ack && fail == nil {
		msgs = append(msgs, stt.Message{AckSeq: seq})
	}
	return msgs, fail
}

// autoResult grows an interim word by word and settles it every FinalEvery
// chunks. Must be called with r.mu held.
func (r *Remote) autoResult() []stt.Result {
	r.autoCount++
	words := strings.Fields(r.auto.Transcript)
	n := r.autoCount % r.auto.FinalEvery
	if n == 0 {
		res := stt.Result{Text: r.auto.Transcript, IsFinal: true, Confidence: 0.99, Stability: 1}
		return []stt.Result{res}
	}
	if n > len(words) {
		n = len(words)
	}
	return []stt.Result{{Text: strings.Join(words[:n], " "), Stability: 0.5}}
}

// rebase assigns per-stream indexes: scripted results keep theirs relative
// to this stream, auto results use the stream's settled count.
func (w *wire) rebase(results []stt.Result) []stt.Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]stt.Result, len(results))
	for i, res := range results {
		if w.remote.auto != nil {
			res.ResultIndex = w.settled
		}
		if res.IsFinal && res.ResultIndex >= w.settled {
			w.settled = res.ResultIndex + 1
		}
		out[i] = res
	}
	return out
}

func (w *wire) CloseSend() error {
	w.remote.mu.Lock()
	results := append([]stt.Result(nil), w.remote.onEOS...)
	if w.remote.auto != nil && w.remote.autoCount%w.remote.auto.FinalEvery != 0 {
		results = append(results, stt.Result{Text: w.remote.auto.Transcript, IsFinal: true, Confidence: 0.99, Stability: 1})
		w.remote.autoCount = 0
	}
	w.remote.mu.Unlock()

	if len(results) > 0 && !w.push(inbound{msg: stt.Message{Results: w.rebase(results)}}) {
		return errorsx.New(errorsx.KindDisconnect, "close send", errWireClosed)
	}
	w.push(inbound{msg: stt.Message{Done: true}})
	return nil
}

func (w *wire) Recv() (stt.Message, error) {
	select {
	case it := <-w.in:
		return it.msg, it.err
	case <-w.ctx.Done():
		return stt.Message{}, w.ctx.Err()
	}
}

func (w *wire) Close() error {
	w.cancel()
	return nil
}

func (w *wire) push(it inbound) bool {
	select {
	case w.in <- it:
		return true
	case <-w.ctx.Done():
		return false
	}
}
