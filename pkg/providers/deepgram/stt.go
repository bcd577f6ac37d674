package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/speechwire/pkg/configutil"
	"github.com/harunnryd/speechwire/pkg/credentials"
	"github.com/harunnryd/speechwire/pkg/errorsx"
	"github.com/harunnryd/speechwire/pkg/logging"
	"github.com/harunnryd/speechwire/pkg/stt"
	"github.com/harunnryd/speechwire/pkg/transport"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

const (
	DefaultEndpoint   = "wss://api.deepgram.com"
	defaultDrainGrace = 1500 * time.Millisecond
	inboundBuffer     = 256
)

type Settings struct {
	Model          string `mapstructure:"model"`
	SmartFormat    bool   `mapstructure:"smart_format"`
	VADEvents      bool   `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	// DrainGraceMS bounds the wait for trailing results after end of audio.
	DrainGraceMS int `mapstructure:"drain_grace_ms"`
}

var SettingsSchema = configutil.Schema{
	Optional: []string{"model", "smart_format", "vad_events", "utterance_end_ms", "drain_grace_ms"},
}

func ParseSettings(raw map[string]any) (Settings, error) {
	s := Settings{SmartFormat: true}
	if err := configutil.Decode(raw, SettingsSchema, &s); err != nil {
		return Settings{}, fmt.Errorf("deepgram settings: %w", err)
	}
	return s, nil
}

// Adapter streams through the Deepgram live websocket SDK. The SDK owns the
// socket; the pooled websocket channel only carries the verified endpoint.
type Adapter struct {
	settings Settings
	logger   *slog.Logger
}

func New(settings Settings, logger *slog.Logger) *Adapter {
	return &Adapter{settings: settings, logger: logging.NewComponentLogger(logger, "deepgram_stt")}
}

func (a *Adapter) Name() string                { return "deepgram" }
func (a *Adapter) ChannelKind() transport.Kind { return transport.KindWebSocket }

func (a *Adapter) Dial(ctx context.Context, ch *transport.Channel, cred credentials.Credential, cfg stt.Config) (stt.WireStream, error) {
	endpoint := DefaultEndpoint
	if ch != nil && ch.Endpoint() != "" {
		endpoint = ch.Endpoint()
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errorsx.New(errorsx.KindConnect, "dial", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	w := &wireStream{
		ctx:    sctx,
		cancel: cancel,
		pr:     pr,
		pw:     pw,
		in:     make(chan inbound, inboundBuffer),
		grace:  time.Duration(a.settings.DrainGraceMS) * time.Millisecond,
		logger: a.logger.With(slog.String("backend", cfg.BackendID)),
	}
	if w.grace <= 0 {
		w.grace = defaultDrainGrace
	}

	cOpts := &interfaces.ClientOptions{
		Host:            u.Host,
		EnableKeepAlive: true,
	}
	tOpts := &interfaces.LiveTranscriptionOptions{
		Model:          a.settings.Model,
		Language:       cfg.Language,
		Encoding:       strings.ToLower(encodingName(cfg.Encoding)),
		SampleRate:     cfg.SampleRate,
		Channels:       cfg.ChannelCount,
		InterimResults: cfg.InterimResults,
		VadEvents:      a.settings.VADEvents,
		SmartFormat:    a.settings.SmartFormat,
	}
	if cfg.Model != "" {
		tOpts.Model = cfg.Model
	}
	if a.settings.UtteranceEndMS > 0 {
		tOpts.UtteranceEndMs = fmt.Sprintf("%d", a.settings.UtteranceEndMS)
	}

	dg, err := client.NewWSUsingCallback(sctx, cred.Value, cOpts, tOpts, &callback{w: w})
	if err != nil {
		cancel()
		return nil, errorsx.New(errorsx.KindConnect, "dial", err)
	}
	if !dg.Connect() {
		cancel()
		dg.Stop()
		return nil, errorsx.New(errorsx.KindConnect, "dial", errors.New("deepgram connection failed"))
	}
	w.dg = dg
	a.logger.Info("deepgram_connected", slog.String("backend", cfg.BackendID), slog.String("model", tOpts.Model))

	go func() {
		if err := dg.Stream(pr); err != nil && sctx.Err() == nil {
			w.push(inbound{err: errorsx.New(errorsx.KindDisconnect, "stream", err)})
		}
	}()
	return w, nil
}

func encodingName(enc string) string {
	switch enc {
	case stt.EncodingLinear16:
		return "linear16"
	case stt.EncodingOggOpus:
		return "opus"
	default:
		return enc
	}
}

type inbound struct {
	msg stt.Message
	err error
	eof bool
}

type wireStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	dg     *client.WSCallback
	pr     *io.PipeReader
	pw     *io.PipeWriter
	in     chan inbound
	grace  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	settled int
	drain   *time.Timer
	stopped bool
}

func (w *wireStream) Send(chunk stt.AudioChunk) error {
	if _, err := w.pw.Write(chunk.Data); err != nil {
		return errorsx.New(errorsx.KindDisconnect, "send", err)
	}
	return nil
}

// CloseSend ends the audio pipe. The SDK has no explicit finalize frame, so
// trailing results are collected until the socket closes or the grace expires.
func (w *wireStream) CloseSend() error {
	if err := w.pw.Close(); err != nil {
		return errorsx.New(errorsx.KindDisconnect, "close send", err)
	}
	w.mu.Lock()
	if w.drain == nil {
		w.drain = time.AfterFunc(w.grace, func() {
			w.push(inbound{msg: stt.Message{Done: true}})
		})
	}
	w.mu.Unlock()
	return nil
}

func (w *wireStream) Recv() (stt.Message, error) {
	select {
	case it := <-w.in:
		if it.err != nil {
			return stt.Message{}, it.err
		}
		if it.eof {
			return stt.Message{}, io.EOF
		}
		return it.msg, nil
	case <-w.ctx.Done():
		return stt.Message{}, w.ctx.Err()
	}
}

func (w *wireStream) Close() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.drain != nil {
		w.drain.Stop()
	}
	w.mu.Unlock()

	w.cancel()
	_ = w.pw.CloseWithError(io.ErrClosedPipe)
	if w.dg != nil {
		w.dg.Stop()
	}
	return nil
}

func (w *wireStream) push(it inbound) {
	select {
	case w.in <- it:
	case <-w.ctx.Done():
	}
}

// toResult maps one live transcript message; ok is false for empty ones.
func (w *wireStream) toResult(mr *msginterfaces.MessageResponse) (stt.Result, bool) {
	if mr == nil || len(mr.Channel.Alternatives) == 0 {
		return stt.Result{}, false
	}
	alt := mr.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return stt.Result{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := stt.Result{
		Text:        alt.Transcript,
		Confidence:  alt.Confidence,
		ResultIndex: w.settled,
	}
	if mr.IsFinal || mr.SpeechFinal {
		r.IsFinal = true
		r.Stability = 1
		w.settled++
	}
	return r, true
}

func mapError(er *msginterfaces.ErrorResponse) error {
	if er == nil {
		return errorsx.New(errorsx.KindDisconnect, "recv", errors.New("deepgram error"))
	}
	err := fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg)
	code := strings.ToUpper(er.ErrCode + " " + er.ErrMsg)
	switch {
	case strings.Contains(code, "429") || strings.Contains(code, "TOO_MANY") || strings.Contains(code, "RATE"):
		return errorsx.New(errorsx.KindQuota, "recv", err)
	case strings.Contains(code, "401") || strings.Contains(code, "403") || strings.Contains(code, "AUTH"):
		// API keys are static; a fresh fetch will not help.
		return errorsx.New(errorsx.KindAuth, "recv", err)
	case strings.Contains(code, "400") || strings.Contains(code, "INVALID") || strings.Contains(code, "DATA"):
		return errorsx.New(errorsx.KindProtocol, "recv", err)
	default:
		return errorsx.New(errorsx.KindDisconnect, "recv", err)
	}
}

// --- Callback Implementation ---

type callback struct {
	w *wireStream
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.w.logger.Debug("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if r, ok := c.w.toResult(mr); ok {
		c.w.push(inbound{msg: stt.Message{Results: []stt.Result{r}}})
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if md != nil {
		c.w.logger.Debug("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error { return nil }

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.w.logger.Debug("deepgram_connection_closed")
	c.w.push(inbound{eof: true})
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	err := mapError(er)
	c.w.logger.Warn("deepgram_error",
		slog.String("reason_code", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))
	c.w.push(inbound{err: err})
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.w.logger.Debug("deepgram_unhandled_event", slog.Int("bytes", len(byData)))
	return nil
}

var _ msginterfaces.LiveMessageCallback = (*callback)(nil)
