// Package replay keeps the short window of recently published envelopes a
// reconnecting client can ask to have retransmitted. Entries hold the
// serialized bytes, so a replayed envelope is byte-identical to the original
// delivery.
package replay

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrGapTooLarge means the requested position fell off the retention
	// window; the client must restart from a snapshot.
	ErrGapTooLarge = errors.New("replay window no longer covers requested seq")
	// ErrSeqAhead means the requested position is beyond anything the
	// session has published, which only a confused or malicious client asks.
	ErrSeqAhead = errors.New("requested seq ahead of latest published")
)

// Entry is one retained envelope.
type Entry struct {
	Seq   uint64
	Bytes []byte
	TMono time.Duration
}

// Buffer retains up to maxEvents envelopes for up to ttl of monotonic age.
// Both bounds are enforced on Record and by periodic Prune calls.
type Buffer struct {
	mu        sync.RWMutex
	entries   []Entry
	maxEvents int
	ttl       time.Duration
}

// New returns a buffer bounded by maxEvents and ttl.
func New(maxEvents int, ttl time.Duration) *Buffer {
	if maxEvents < 1 {
		maxEvents = 1
	}
	return &Buffer{
		entries:   make([]Entry, 0, maxEvents),
		maxEvents: maxEvents,
		ttl:       ttl,
	}
}

// Record retains a published envelope. Seqs must arrive in ascending order,
// which the publishing path guarantees by assigning them under the session
// executor. nowMono drives age eviction.
func (b *Buffer) Record(seq uint64, bytes []byte, tMono, nowMono time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked(nowMono)
	if len(b.entries) >= b.maxEvents {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, Entry{Seq: seq, Bytes: bytes, TMono: tMono})
}

// RangeAfter returns every retained entry with seq > after, in order.
// after == latest yields an empty slice: the client is current.
func (b *Buffer) RangeAfter(after uint64) ([]Entry, error) {
	return b.RangeAfterN(after, 0)
}

// RangeAfterN is RangeAfter capped at max entries, oldest first. max <= 0
// means no cap. Resume catch-up uses it to feed a bounded delivery queue in
// slices instead of materializing the whole window at once.
func (b *Buffer) RangeAfterN(after uint64, max int) ([]Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.entries) == 0 {
		if after == 0 {
			return nil, nil
		}
		return nil, ErrGapTooLarge
	}

	earliest := b.entries[0].Seq
	latest := b.entries[len(b.entries)-1].Seq
	if after > latest {
		return nil, ErrSeqAhead
	}
	// A client at seq k needs k+1 onward; anything older than earliest-1
	// has been evicted.
	if after < earliest-1 {
		return nil, ErrGapTooLarge
	}

	start := 0
	for start < len(b.entries) && b.entries[start].Seq <= after {
		start++
	}
	n := len(b.entries) - start
	if max > 0 && n > max {
		n = max
	}
	out := make([]Entry, n)
	copy(out, b.entries[start:start+n])
	return out, nil
}

// EarliestSeq returns the oldest retained seq, or 0 when empty.
func (b *Buffer) EarliestSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return 0
	}
	return b.entries[0].Seq
}

// LatestSeq returns the newest retained seq, or 0 when empty.
func (b *Buffer) LatestSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return 0
	}
	return b.entries[len(b.entries)-1].Seq
}

// Len returns the number of retained entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Prune drops entries older than the ttl relative to nowMono.
func (b *Buffer) Prune(nowMono time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(nowMono)
}

func (b *Buffer) pruneLocked(nowMono time.Duration) {
	if b.ttl <= 0 {
		return
	}
	cut := 0
	for cut < len(b.entries) && nowMono-b.entries[cut].TMono > b.ttl {
		cut++
	}
	if cut > 0 {
		b.entries = b.entries[cut:]
	}
}
