package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/harunnryd/speechwire/pkg/credentials"
	"github.com/harunnryd/speechwire/pkg/errorsx"
	"github.com/harunnryd/speechwire/pkg/stt"
)

func dial(t *testing.T, a *Adapter) stt.WireStream {
	t.Helper()
	w, err := a.Dial(context.Background(), nil, credentials.Credential{Value: "tok"}, stt.Config{BackendID: "m"}.WithDefaults())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestScriptedRemote(t *testing.T) {
	remote := NewRemote()
	remote.Emit(1, stt.Result{Text: "hel"})
	remote.OnEOS(stt.Result{Text: "hello", IsFinal: true})
	w := dial(t, New(remote))

	if err := w.Send(stt.AudioChunk{Seq: 1, Data: []byte{1}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, _ := w.Recv()
	if len(msg.Results) != 1 || msg.Results[0].Text != "hel" {
		t.Fatalf("unexpected first message %+v", msg)
	}
	if msg, _ = w.Recv(); msg.AckSeq != 1 {
		t.Fatalf("expected ack 1, got %+v", msg)
	}
	if err := w.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}
	if msg, _ = w.Recv(); len(msg.Results) != 1 || !msg.Results[0].IsFinal {
		t.Fatalf("expected final, got %+v", msg)
	}
	if msg, _ = w.Recv(); !msg.Done {
		t.Fatalf("expected done, got %+v", msg)
	}
	if got := remote.Credentials(); len(got) != 1 || got[0] != "tok" {
		t.Fatalf("unexpected credentials %v", got)
	}
}

func TestFaultFiresOnce(t *testing.T) {
	remote := NewRemote()
	remote.DisconnectAfter(2)
	a := New(remote)

	w := dial(t, a)
	_ = w.Send(stt.AudioChunk{Seq: 1})
	if msg, _ := w.Recv(); msg.AckSeq != 1 {
		t.Fatalf("expected ack 1, got %+v", msg)
	}
	_ = w.Send(stt.AudioChunk{Seq: 2})
	if _, err := w.Recv(); errorsx.KindOf(err) != errorsx.KindDisconnect {
		t.Fatalf("expected disconnect, got %v", err)
	}
	if err := w.Send(stt.AudioChunk{Seq: 3}); errorsx.KindOf(err) != errorsx.KindDisconnect {
		t.Fatalf("broken wire must reject sends, got %v", err)
	}

	w2 := dial(t, a)
	_ = w2.Send(stt.AudioChunk{Seq: 2})
	if msg, _ := w2.Recv(); msg.AckSeq != 2 {
		t.Fatalf("expected ack 2 on new stream, got %+v", msg)
	}
	if got := remote.Received(); len(got) != 3 || got[2] != 2 {
		t.Fatalf("unexpected received %v", got)
	}
}

func TestFailDials(t *testing.T) {
	remote := NewRemote()
	boom := errors.New("boom")
	remote.FailDials(boom)
	a := New(remote)
	if _, err := a.Dial(context.Background(), nil, credentials.Credential{}, stt.Config{}); !errors.Is(err, boom) {
		t.Fatalf("expected scripted dial error, got %v", err)
	}
	dial(t, a)
	if remote.Dials() != 2 {
		t.Fatalf("expected 2 dials, got %d", remote.Dials())
	}
}

func TestAutoRemote(t *testing.T) {
	w := dial(t, New(NewAutoRemote(Settings{Transcript: "one two", FinalEvery: 2})))
	var results []stt.Result
	for seq := uint64(1); seq <= 2; seq++ {
		_ = w.Send(stt.AudioChunk{Seq: seq})
		msg, _ := w.Recv()
		results = append(results, msg.Results...)
		_, _ = w.Recv()
	}
	if len(results) != 2 || results[0].IsFinal || !results[1].IsFinal || results[1].Text != "one two" || results[1].ResultIndex != 0 {
		t.Fatalf("unexpected auto results %+v", results)
	}
}

func TestParseSettingsRejectsUnknown(t *testing.T) {
	if _, err := ParseSettings(map[string]any{"transcript": "x", "bogus": 1}); err == nil {
		t.Fatalf("expected unknown key error")
	}
}
