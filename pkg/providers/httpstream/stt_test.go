package httpstream

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harunnryd/speechwire/pkg/credentials"
	"github.com/harunnryd/speechwire/pkg/errorsx"
	"github.com/harunnryd/speechwire/pkg/stt"
	"github.com/harunnryd/speechwire/pkg/transport"
)

func startServer(t *testing.T, h http.HandlerFunc) (*transport.Pool, string) {
	t.Helper()
	srv := httptest.NewUnstartedServer(h)
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)

	pool, err := transport.NewPool(transport.Options{
		Trust: transport.TrustConfig{CAPEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw}))},
	})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	return pool, srv.URL + "/v1/stream"
}

func dial(t *testing.T, pool *transport.Pool, endpoint string) (stt.WireStream, error) {
	t.Helper()
	ch, err := pool.Acquire(context.Background(), transport.Key{Backend: "h", Endpoint: endpoint, Kind: transport.KindHTTP})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() { pool.Release(ch) })
	cfg := stt.Config{BackendID: "h", SampleRate: 16000, InterimResults: true}.WithDefaults()
	return New(Settings{Model: "general"}).Dial(context.Background(), ch, credentials.Credential{Value: "jwt-abc"}, cfg)
}

func writeLine(w http.ResponseWriter, v any) {
	b, _ := json.Marshal(v)
	_, _ = w.Write(append(b, '\n'))
	w.(http.Flusher).Flush()
}

func TestStreamingRoundTrip(t *testing.T) {
	type seen struct {
		auth   string
		config wireConfig
		audio  []string
		eos    bool
	}
	got := make(chan seen, 1)

	pool, endpoint := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		var s seen
		s.auth = r.Header.Get("Authorization")
		sc := bufio.NewScanner(r.Body)
		if !sc.Scan() {
			http.Error(w, "no config", http.StatusBadRequest)
			return
		}
		var cf configFrame
		if err := json.Unmarshal(sc.Bytes(), &cf); err != nil {
			http.Error(w, "bad config", http.StatusBadRequest)
			return
		}
		s.config = cf.Config
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()

		for sc.Scan() {
			var f struct {
				Seq   uint64 `json:"seq"`
				Audio string `json:"audio"`
				EOS   bool   `json:"eos"`
			}
			if err := json.Unmarshal(sc.Bytes(), &f); err != nil {
				return
			}
			if f.EOS {
				s.eos = true
				break
			}
			raw, _ := base64.StdEncoding.DecodeString(f.Audio)
			s.audio = append(s.audio, string(raw))
			writeLine(w, map[string]any{"ack": f.Seq})
		}
		writeLine(w, map[string]any{"result": resultFrame{Index: 0, Text: "hi", Stability: 0.5}})
		writeLine(w, map[string]any{"result": resultFrame{Index: 0, Text: "hi there", Final: true, Confidence: 0.9}})
		writeLine(w, map[string]any{"done": true})
		got <- s
	})

	wire, err := dial(t, pool, endpoint)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer wire.Close()

	for seq := uint64(1); seq <= 2; seq++ {
		if err := wire.Send(stt.AudioChunk{Seq: seq, Data: []byte(fmt.Sprintf("chunk-%d", seq))}); err != nil {
			t.Fatalf("send: %v", err)
		}
		msg, err := wire.Recv()
		if err != nil {
			t.Fatalf("recv ack: %v", err)
		}
		if msg.AckSeq != seq {
			t.Fatalf("expected ack %d, got %+v", seq, msg)
		}
	}
	if err := wire.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}

	var results []stt.Result
	for {
		msg, err := wire.Recv()
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		results = append(results, msg.Results...)
		if msg.Done {
			break
		}
	}
	if len(results) != 2 || results[0].IsFinal || !results[1].IsFinal || results[1].Text != "hi there" {
		t.Fatalf("unexpected results %+v", results)
	}

	s := <-got
	if s.auth != "Bearer jwt-abc" {
		t.Fatalf("unexpected authorization %q", s.auth)
	}
	if s.config.SampleRate != 16000 || s.config.Encoding != stt.EncodingLinear16 || s.config.Model != "general" || !s.config.InterimResults {
		t.Fatalf("unexpected config %+v", s.config)
	}
	if len(s.audio) != 2 || s.audio[0] != "chunk-1" || s.audio[1] != "chunk-2" || !s.eos {
		t.Fatalf("unexpected audio %v eos=%v", s.audio, s.eos)
	}
}

func TestDialStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   errorsx.Kind
	}{
		{http.StatusUnauthorized, errorsx.KindAuth},
		{http.StatusTooManyRequests, errorsx.KindQuota},
		{http.StatusServiceUnavailable, errorsx.KindConnect},
		{http.StatusBadRequest, errorsx.KindProtocol},
	}
	for _, tc := range cases {
		pool, endpoint := startServer(t, func(w http.ResponseWriter, r *http.Request) {
			if tc.status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "3")
			}
			http.Error(w, "nope", tc.status)
		})
		_, err := dial(t, pool, endpoint)
		if errorsx.KindOf(err) != tc.want {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
		if tc.status == http.StatusTooManyRequests && errorsx.RetryAfter(err) != 3*time.Second {
			t.Fatalf("expected Retry-After 3s, got %v", errorsx.RetryAfter(err))
		}
	}
}

func TestMalformedFrameIsProtocolError(t *testing.T) {
	pool, endpoint := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte("{not json\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	wire, err := dial(t, pool, endpoint)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer wire.Close()
	if _, err := wire.Recv(); errorsx.KindOf(err) != errorsx.KindProtocol {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestResponseEndWithoutDoneIsDisconnect(t *testing.T) {
	pool, endpoint := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		sc := bufio.NewScanner(r.Body)
		sc.Scan()
		w.WriteHeader(http.StatusOK)
		writeLine(w, map[string]any{"ack": 1})
	})
	wire, err := dial(t, pool, endpoint)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer wire.Close()
	if msg, err := wire.Recv(); err != nil || msg.AckSeq != 1 {
		t.Fatalf("expected ack, got %+v %v", msg, err)
	}
	if _, err := wire.Recv(); errorsx.KindOf(err) != errorsx.KindDisconnect {
		t.Fatalf("expected Disconnect, got %v", err)
	}
}

func TestDecodeRemoteErrorFrames(t *testing.T) {
	_, _, err := decodeFrame([]byte(`{"error":{"code":"quota_exceeded","message":"slow down","retry_after_ms":1500}}`))
	if errorsx.KindOf(err) != errorsx.KindQuota || errorsx.RetryAfter(err) != 1500*time.Millisecond {
		t.Fatalf("expected quota with 1.5s delay, got %v", err)
	}
	_, _, err = decodeFrame([]byte(`{"error":{"code":"token_expired"}}`))
	if !errorsx.IsRefreshable(err) {
		t.Fatalf("expected refreshable auth error, got %v", err)
	}
	if _, ok, err := decodeFrame([]byte(`{"keepalive":true}`)); ok || err != nil {
		t.Fatalf("unknown frames must be skipped, got ok=%v err=%v", ok, err)
	}
}

func TestRetryAfterParsing(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if d := retryAfter("7", now); d != 7*time.Second {
		t.Fatalf("expected 7s, got %v", d)
	}
	if d := retryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now); d != 10*time.Second {
		t.Fatalf("expected 10s, got %v", d)
	}
	if d := retryAfter("soon", now); d != 0 {
		t.Fatalf("expected 0 for garbage, got %v", d)
	}
}
