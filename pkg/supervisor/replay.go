package supervisor

import (
	"time"

	"github.com/harunnryd/speechwire/pkg/stt"
)

const DefaultReplayWindow = 50

type replayEntry struct {
	chunk stt.AudioChunk
	added time.Time
}

// replayBuffer keeps the most recent unacknowledged chunks for resending
// after a reconnect.
type replayBuffer struct {
	maxChunks int
	maxAge    time.Duration
	now       func() time.Time
	entries   []replayEntry
}

func newReplayBuffer(maxChunks int, maxAge time.Duration) *replayBuffer {
	if maxChunks <= 0 {
		maxChunks = DefaultReplayWindow
	}
	return &replayBuffer{maxChunks: maxChunks, maxAge: maxAge, now: time.Now}
}

func (b *replayBuffer) Add(chunk stt.AudioChunk) {
	b.entries = append(b.entries, replayEntry{chunk: chunk, added: b.now()})
	if len(b.entries) > b.maxChunks {
		b.entries = b.entries[len(b.entries)-b.maxChunks:]
	}
}

// Prune drops chunks the remote acknowledged and chunks older than maxAge.
func (b *replayBuffer) Prune(acked uint64) {
	cut := 0
	var oldest time.Time
	if b.maxAge > 0 {
		oldest = b.now().Add(-b.maxAge)
	}
	for cut < len(b.entries) {
		e := b.entries[cut]
		if e.chunk.Seq > acked && (oldest.IsZero() || !e.added.Before(oldest)) {
			break
		}
		cut++
	}
	if cut > 0 {
		b.entries = append(b.entries[:0:0], b.entries[cut:]...)
	}
}

// Since returns the chunks to resend after from, and the gap of chunks up to
// lastSeq that were evicted before the remote acknowledged them. from is the
// highest seq that was either acknowledged or already reported lost.
func (b *replayBuffer) Since(from, lastSeq uint64) ([]stt.AudioChunk, *stt.DataLoss) {
	b.Prune(from)
	out := make([]stt.AudioChunk, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e.chunk)
	}

	firstRetained := lastSeq + 1
	if len(out) > 0 {
		firstRetained = out[0].Seq
	}
	if firstRetained <= from+1 {
		return out, nil
	}
	return out, &stt.DataLoss{
		FromSeq: from + 1,
		ToSeq:   firstRetained - 1,
		Chunks:  firstRetained - 1 - from,
	}
}

func (b *replayBuffer) Len() int { return len(b.entries) }
