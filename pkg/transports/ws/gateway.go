package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/speechwire/pkg/errorsx"
	"github.com/harunnryd/speechwire/pkg/health"
	"github.com/harunnryd/speechwire/pkg/logging"
	"github.com/harunnryd/speechwire/pkg/redact"
	"github.com/harunnryd/speechwire/pkg/stt"
)

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	WSPath         string   `mapstructure:"ws_path"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.WSPath == "" {
		c.WSPath = "/ws"
	}
	return c
}

// Stream is the part of a supervised stream the gateway drives.
type Stream interface {
	ID() string
	Send(ctx context.Context, chunk stt.AudioChunk) error
	CloseSend() error
	Recv(ctx context.Context) (stt.Event, error)
	Close() error
}

type OpenFunc func(ctx context.Context, cfg stt.Config) (Stream, error)

type Options struct {
	Open    OpenFunc
	Health  *health.Tracker
	Metrics prometheus.Gatherer
	Logger  *slog.Logger
}

// Gateway bridges websocket clients to recognition streams. Each connection
// carries exactly one stream.
type Gateway struct {
	cfg      Config
	opts     Options
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup

	draining atomic.Bool
}

func New(cfg Config, opts Options) *Gateway {
	g := &Gateway{
		cfg:    cfg.withDefaults(),
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "ws_gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[string]*session),
	}
	g.upgrader.CheckOrigin = g.checkOrigin
	return g
}

func (g *Gateway) Name() string { return "ws" }

// Handler returns the gateway routes: the websocket path, /health and
// /metrics when a gatherer is configured.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(g.cfg.WSPath, g)
	mux.HandleFunc("/health", g.handleHealth)
	if g.opts.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(g.opts.Metrics, promhttp.HandlerOpts{}))
	}
	return mux
}

func (g *Gateway) ReadyFields() map[string]any {
	return map[string]any{"addr": g.cfg.ServerAddr, "ws_path": g.cfg.WSPath}
}

func (g *Gateway) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	g.server = &http.Server{
		Addr:              g.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           g.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = g.server.Close()
	}()
	go func() {
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("ws_gateway_server_error", "error", err.Error())
		}
	}()
	return nil
}

// Drain refuses new connections, closes every open stream and waits for the
// connection handlers to finish.
func (g *Gateway) Drain() error {
	g.mu.Lock()
	g.draining.Store(true)
	g.mu.Unlock()
	if g.server != nil {
		_ = g.server.Close()
	}
	g.mu.Lock()
	open := make([]*session, 0, len(g.sessions))
	for _, sess := range g.sessions {
		open = append(open, sess)
	}
	g.mu.Unlock()
	for _, sess := range open {
		sess.stop()
	}
	g.wg.Wait()
	return nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := http.StatusOK
	if g.draining.Load() {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(g.opts.Health.Snapshot())
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.enter() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer g.wg.Done()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	traceID := uuid.NewString()
	logger := g.logger.With("trace_id", traceID)

	cfg, err := readStart(conn)
	if err != nil {
		err = errorsx.WithReason(err, errorsx.ReasonTransportProtocol)
		logger.Warn("ws_bad_start", "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		writeEnd(conn, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stream, err := g.opts.Open(ctx, cfg)
	if err != nil {
		logger.Warn("ws_open_failed", "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		writeEnd(conn, err)
		return
	}

	sess := &session{conn: conn, stream: stream, cancel: cancel}
	g.attach(traceID, sess)
	defer g.detach(traceID)
	logger = logging.ForStream(logger, stream.ID(), cfg.BackendID)
	logger.Info("ws_stream_start", "encoding", cfg.Encoding, "sample_rate", cfg.SampleRate)

	if err := conn.WriteJSON(outEvent{Event: "started", StreamID: stream.ID(), TraceID: traceID}); err != nil {
		_ = stream.Close()
		return
	}

	written := make(chan struct{})
	go func() {
		defer close(written)
		sess.forward(ctx, logger)
	}()

	sess.read(ctx, logger)
	<-written
}

// readStart expects the first frame to be a start event carrying the stream
// config.
func readStart(conn *websocket.Conn) (stt.Config, error) {
	typ, msg, err := conn.ReadMessage()
	if err != nil {
		return stt.Config{}, err
	}
	if typ != websocket.TextMessage {
		return stt.Config{}, errors.New("first frame must be a start event")
	}
	var evt inEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		return stt.Config{}, err
	}
	if evt.Event != "start" || evt.Config == nil {
		return stt.Config{}, errors.New("first frame must be a start event")
	}
	return *evt.Config, nil
}

// enter counts a handler in unless the gateway is draining. Drain flips the
// flag under the same lock, so every counted handler is waited for.
func (g *Gateway) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining.Load() || g.opts.Open == nil {
		return false
	}
	g.wg.Add(1)
	return true
}

// attach registers sess; a session attached after Drain took its snapshot is
// stopped right away.
func (g *Gateway) attach(traceID string, sess *session) {
	g.mu.Lock()
	g.sessions[traceID] = sess
	draining := g.draining.Load()
	g.mu.Unlock()
	if draining {
		sess.stop()
	}
}

func (g *Gateway) detach(traceID string) {
	g.mu.Lock()
	sess := g.sessions[traceID]
	delete(g.sessions, traceID)
	g.mu.Unlock()
	if sess != nil {
		_ = sess.stream.Close()
	}
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range g.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if a == "*" {
			return true
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

type session struct {
	conn   *websocket.Conn
	stream Stream
	cancel context.CancelFunc
}

// read turns binary frames into numbered chunks until the client stops or
// the stream ends.
func (s *session) read(ctx context.Context, logger *slog.Logger) {
	var seq uint64
	closed := false
	for {
		typ, msg, err := s.conn.ReadMessage()
		if err != nil {
			if !closed {
				// the client went away without a stop event
				_ = s.stream.Close()
			}
			return
		}
		switch typ {
		case websocket.BinaryMessage:
			if closed || len(msg) == 0 {
				continue
			}
			seq++
			if err := s.stream.Send(ctx, stt.AudioChunk{Seq: seq, Data: msg}); err != nil {
				logger.Debug("ws_send_rejected", "seq", seq, "reason_code", string(errorsx.Reason(err)))
				return
			}
		case websocket.TextMessage:
			var evt inEvent
			if err := json.Unmarshal(msg, &evt); err != nil {
				continue
			}
			if evt.Event == "stop" && !closed {
				closed = true
				if err := s.stream.CloseSend(); err != nil {
					logger.Debug("ws_close_send_failed", "reason_code", string(errorsx.Reason(err)))
					return
				}
			}
		}
	}
}

// forward writes stream events to the client and finishes with an end event.
func (s *session) forward(ctx context.Context, logger *slog.Logger) {
	for {
		ev, err := s.stream.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			writeEnd(s.conn, err)
			if err != nil {
				logger.Warn("ws_stream_end", "reason_code", string(errorsx.Reason(err)), "error", err.Error())
			} else {
				logger.Info("ws_stream_end")
			}
			// unblock the reader
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
			return
		}
		out := toOutEvent(ev)
		if ev.Kind == stt.EventResult && ev.Result.IsFinal {
			logger.Debug("ws_final", "index", ev.Result.ResultIndex, "text", redact.Transcript(ev.Result.Text))
		}
		if err := s.conn.WriteJSON(out); err != nil {
			logger.Warn("ws_write_failed", "reason_code", string(errorsx.ReasonTransportSend), "error", err.Error())
			_ = s.stream.Close()
			return
		}
	}
}

func (s *session) stop() {
	_ = s.stream.Close()
	s.cancel()
}

func writeEnd(conn *websocket.Conn, err error) {
	out := outEvent{Event: "end"}
	if err != nil {
		out.Error = err.Error()
		out.Kind = errorsx.KindOf(err).String()
	}
	_ = conn.WriteJSON(out)
}
