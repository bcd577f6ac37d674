package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/speechwire/pkg/errorsx"
	"github.com/harunnryd/speechwire/pkg/health"
	"github.com/harunnryd/speechwire/pkg/stt"
)

type fakeStream struct {
	mu        sync.Mutex
	sent      []stt.AudioChunk
	closeSent bool
	closed    bool
	events    chan stt.Event
	end       chan error
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan stt.Event, 8), end: make(chan error, 1)}
}

func (f *fakeStream) ID() string { return "stream-1" }

func (f *fakeStream) Send(_ context.Context, chunk stt.AudioChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chunk)
	return nil
}

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	f.closeSent = true
	f.mu.Unlock()
	f.events <- stt.Event{Kind: stt.EventResult, Result: stt.Result{Text: "hello", IsFinal: true}}
	f.end <- nil
	return nil
}

func (f *fakeStream) Recv(ctx context.Context) (stt.Event, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-f.events:
		return ev, nil
	case err := <-f.end:
		if err == nil {
			err = io.EOF
		}
		return stt.Event{}, err
	case <-ctx.Done():
		return stt.Event{}, ctx.Err()
	}
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) snapshot() ([]stt.AudioChunk, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stt.AudioChunk(nil), f.sent...), f.closeSent
}

func dialGateway(t *testing.T, g *Gateway) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn, srv
}

func readEvent(t *testing.T, conn *websocket.Conn) outEvent {
	t.Helper()
	var ev outEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestGatewayStreamsAudioAndResults(t *testing.T) {
	fake := newFakeStream()
	opened := make(chan stt.Config, 1)
	g := New(Config{}, Options{Open: func(_ context.Context, cfg stt.Config) (Stream, error) {
		opened <- cfg
		return fake, nil
	}})
	conn, _ := dialGateway(t, g)

	start := `{"event":"start","config":{"backend_id":"m","sample_rate":16000,"language":"en-US"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}
	if ev := readEvent(t, conn); ev.Event != "started" || ev.StreamID != "stream-1" || ev.TraceID == "" {
		t.Fatalf("unexpected start reply %+v", ev)
	}
	if cfg := <-opened; cfg.BackendID != "m" || cfg.SampleRate != 16000 || cfg.Language != "en-US" {
		t.Fatalf("unexpected stream config %+v", cfg)
	}

	fake.events <- stt.Event{Kind: stt.EventDataLoss, Loss: &stt.DataLoss{FromSeq: 1, ToSeq: 2, Chunks: 2}}
	if ev := readEvent(t, conn); ev.Event != "data_loss" || ev.FromSeq != 1 || ev.ToSeq != 2 || ev.Chunks != 2 {
		t.Fatalf("unexpected data loss %+v", ev)
	}

	for _, chunk := range []string{"aa", "bb", "cc"} {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte(chunk)); err != nil {
			t.Fatalf("write audio: %v", err)
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop"}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	ev := readEvent(t, conn)
	if ev.Event != "result" || ev.Text != "hello" || !ev.Final || ev.Index == nil || *ev.Index != 0 {
		t.Fatalf("unexpected result %+v", ev)
	}
	if ev := readEvent(t, conn); ev.Event != "end" || ev.Error != "" {
		t.Fatalf("unexpected end %+v", ev)
	}

	sent, closeSent := fake.snapshot()
	if len(sent) != 3 || !closeSent {
		t.Fatalf("expected 3 chunks and close send, got %d %v", len(sent), closeSent)
	}
	for i, c := range sent {
		if c.Seq != uint64(i+1) {
			t.Fatalf("chunk %d has seq %d", i, c.Seq)
		}
	}
}

func TestGatewayReportsTerminalError(t *testing.T) {
	fake := newFakeStream()
	g := New(Config{}, Options{Open: func(context.Context, stt.Config) (Stream, error) { return fake, nil }})
	conn, _ := dialGateway(t, g)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","config":{}}`)); err != nil {
		t.Fatalf("write start: %v", err)
	}
	readEvent(t, conn)
	fake.end <- errorsx.New(errorsx.KindProtocol, "recv", errors.New("bad frame"))

	ev := readEvent(t, conn)
	if ev.Event != "end" || ev.Kind != "protocol" || !strings.Contains(ev.Error, "bad frame") {
		t.Fatalf("unexpected end %+v", ev)
	}
}

func TestGatewayRejectsMissingStart(t *testing.T) {
	g := New(Config{}, Options{Open: func(context.Context, stt.Config) (Stream, error) {
		t.Errorf("open must not be called")
		return nil, errors.New("unreachable")
	}})
	conn, _ := dialGateway(t, g)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, conn); ev.Event != "end" || ev.Error == "" {
		t.Fatalf("expected end with error, got %+v", ev)
	}
}

func TestGatewayOpenFailure(t *testing.T) {
	g := New(Config{}, Options{Open: func(context.Context, stt.Config) (Stream, error) {
		return nil, errorsx.New(errorsx.KindConnect, "dial", errors.New("unreachable"))
	}})
	conn, _ := dialGateway(t, g)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","config":{}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, conn); ev.Event != "end" || ev.Kind != "connect" {
		t.Fatalf("unexpected end %+v", ev)
	}
}

func TestGatewayOriginCheck(t *testing.T) {
	g := New(Config{AllowedOrigins: []string{"https://app.example.com", "tools.example.com"}}, Options{})
	cases := map[string]bool{
		"":                         true,
		"https://app.example.com/": true,
		"http://tools.example.com": true,
		"https://evil.example.com": false,
		"http://app.example.com":   false,
	}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := g.checkOrigin(r); got != want {
			t.Fatalf("origin %q: expected %v, got %v", origin, want, got)
		}
	}
}

func TestGatewayHealthAndMetrics(t *testing.T) {
	tracker := health.NewTracker()
	tracker.StreamStarted()
	g := New(Config{}, Options{Health: tracker, Metrics: health.NewRegistry(tracker)})
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var snap health.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || snap.StreamsStarted != 1 || snap.StreamsActive != 1 {
		t.Fatalf("unexpected health %d %+v", resp.StatusCode, snap)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "speechwire_streams_started_total 1") {
		t.Fatalf("metrics missing stream counter:\n%s", body)
	}

	if err := g.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", resp.StatusCode)
	}
}

func TestGatewayDrainWaitsForStreamsAndRefusesNew(t *testing.T) {
	fake := newFakeStream()
	g := New(Config{}, Options{Open: func(context.Context, stt.Config) (Stream, error) {
		return fake, nil
	}})
	conn, srv := dialGateway(t, g)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","config":{"backend_id":"m"}}`)); err != nil {
		t.Fatalf("write start: %v", err)
	}
	if ev := readEvent(t, conn); ev.Event != "started" {
		t.Fatalf("unexpected start reply %+v", ev)
	}

	drained := make(chan error, 1)
	go func() { drained <- g.Drain() }()
	if ev := readEvent(t, conn); ev.Event != "end" {
		t.Fatalf("expected end event on drain, got %+v", ev)
	}
	select {
	case err := <-drained:
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("drain did not return")
	}

	g.mu.Lock()
	open := len(g.sessions)
	g.mu.Unlock()
	if open != 0 {
		t.Fatalf("drain returned with %d sessions attached", open)
	}
	fake.mu.Lock()
	closed := fake.closed
	fake.mu.Unlock()
	if !closed {
		t.Fatalf("expected stream to be closed by drain")
	}

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after drain, got %d", resp.StatusCode)
	}
}
