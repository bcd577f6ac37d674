package supervisor

import (
	"testing"
	"time"

	"github.com/harunnryd/speechwire/pkg/stt"
)

func seqs(chunks []stt.AudioChunk) []uint64 {
	out := make([]uint64, len(chunks))
	for i, c := range chunks {
		out[i] = c.Seq
	}
	return out
}

func TestReplayBufferWindow(t *testing.T) {
	b := newReplayBuffer(3, 0)
	for seq := uint64(1); seq <= 5; seq++ {
		b.Add(stt.AudioChunk{Seq: seq})
	}
	chunks, loss := b.Since(0, 5)
	if got := seqs(chunks); len(got) != 3 || got[0] != 3 {
		t.Fatalf("expected chunks 3..5, got %v", got)
	}
	if loss == nil || *loss != (stt.DataLoss{FromSeq: 1, ToSeq: 2, Chunks: 2}) {
		t.Fatalf("unexpected loss %+v", loss)
	}

	chunks, loss = b.Since(3, 5)
	if got := seqs(chunks); len(got) != 2 || got[0] != 4 || loss != nil {
		t.Fatalf("expected 4..5 without loss, got %v %+v", got, loss)
	}
}

func TestReplayBufferLossStartsAfterReportedRange(t *testing.T) {
	b := newReplayBuffer(3, 0)
	for seq := uint64(1); seq <= 6; seq++ {
		b.Add(stt.AudioChunk{Seq: seq})
	}
	// 1..2 were reported by an earlier advisory
	chunks, loss := b.Since(2, 6)
	if got := seqs(chunks); len(got) != 3 || got[0] != 4 {
		t.Fatalf("expected chunks 4..6, got %v", got)
	}
	if loss == nil || *loss != (stt.DataLoss{FromSeq: 3, ToSeq: 3, Chunks: 1}) {
		t.Fatalf("unexpected loss %+v", loss)
	}
}

func TestReplayBufferFullyAcked(t *testing.T) {
	b := newReplayBuffer(0, 0)
	if b.maxChunks != DefaultReplayWindow {
		t.Fatalf("expected default window, got %d", b.maxChunks)
	}
	b.Add(stt.AudioChunk{Seq: 1})
	b.Prune(1)
	chunks, loss := b.Since(1, 1)
	if len(chunks) != 0 || loss != nil {
		t.Fatalf("expected nothing to replay, got %v %+v", chunks, loss)
	}
}

func TestReplayBufferMaxAge(t *testing.T) {
	now := time.Unix(1000, 0)
	b := newReplayBuffer(10, time.Second)
	b.now = func() time.Time { return now }
	b.Add(stt.AudioChunk{Seq: 1})
	now = now.Add(2 * time.Second)
	b.Add(stt.AudioChunk{Seq: 2})

	chunks, loss := b.Since(0, 2)
	if got := seqs(chunks); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected only the fresh chunk, got %v", got)
	}
	if loss == nil || loss.FromSeq != 1 || loss.ToSeq != 1 {
		t.Fatalf("expected stale chunk reported lost, got %+v", loss)
	}
}

func TestReplayBufferEverythingEvicted(t *testing.T) {
	now := time.Unix(1000, 0)
	b := newReplayBuffer(10, time.Second)
	b.now = func() time.Time { return now }
	b.Add(stt.AudioChunk{Seq: 1})
	b.Add(stt.AudioChunk{Seq: 2})
	now = now.Add(time.Minute)

	chunks, loss := b.Since(0, 2)
	if len(chunks) != 0 || loss == nil || *loss != (stt.DataLoss{FromSeq: 1, ToSeq: 2, Chunks: 2}) {
		t.Fatalf("unexpected replay %v loss %+v", chunks, loss)
	}
}
