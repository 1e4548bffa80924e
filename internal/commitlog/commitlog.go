// Package commitlog stores the durable-by-convention record of a session:
// finalized transcript and translation segments plus status transitions.
// The log is bounded three ways (record count, payload bytes, age) and
// evicts strictly oldest-first, so the invariants hold after every append.
package commitlog

import (
	"encoding/json"
	"sync"
	"time"
)

// Record is one committed event. Seq is assigned by the publishing path
// before Append; the log never mints sequence numbers.
type Record struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	TMonoNS uint64          `json:"t_mono_ns"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// size is the accounting weight of a record against the byte bound.
func (r Record) size() int64 {
	return int64(len(r.ID) + len(r.Type) + len(r.Data) + 16)
}

// Limits bound the log. Zero values disable the corresponding bound.
type Limits struct {
	MaxRecords int
	MaxBytes   int64
	MaxAge     time.Duration
}

// Stats is a point-in-time summary of the log.
type Stats struct {
	Count         int
	Bytes         int64
	OldestTMonoNS uint64
	Evicted       uint64
}

// Query selects records. Zero-valued fields match everything.
type Query struct {
	Types        []string
	SinceTMonoNS uint64
	Limit        int
}

// Log is a bounded, seq-ordered commit store.
type Log struct {
	mu      sync.RWMutex
	records []Record
	bytes   int64
	limits  Limits
	evicted uint64
}

// New returns an empty log with the given bounds.
func New(limits Limits) *Log {
	return &Log{limits: limits}
}

// Append adds rec and then restores every bound, evicting oldest records
// first. nowMono drives the age bound.
func (l *Log) Append(rec Record, nowMono time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, rec)
	l.bytes += rec.size()
	l.evictLocked(nowMono)
}

// EvictAged applies the age bound without appending; the session janitor
// calls this between appends so idle sessions shrink too.
func (l *Log) EvictAged(nowMono time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(nowMono)
}

func (l *Log) evictLocked(nowMono time.Duration) {
	cut := 0
	for cut < len(l.records) {
		r := l.records[cut]
		over := (l.limits.MaxRecords > 0 && len(l.records)-cut > l.limits.MaxRecords) ||
			(l.limits.MaxBytes > 0 && l.bytes > l.limits.MaxBytes)
		aged := l.limits.MaxAge > 0 && nowMono-time.Duration(r.TMonoNS) > l.limits.MaxAge
		if !over && !aged {
			break
		}
		l.bytes -= r.size()
		l.evicted++
		cut++
	}
	if cut > 0 {
		l.records = append([]Record(nil), l.records[cut:]...)
	}
}

// Query returns matching records in ascending seq order.
func (l *Log) Query(q Query) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var typeSet map[string]bool
	if len(q.Types) > 0 {
		typeSet = make(map[string]bool, len(q.Types))
		for _, t := range q.Types {
			typeSet[t] = true
		}
	}

	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		if typeSet != nil && !typeSet[r.Type] {
			continue
		}
		if q.SinceTMonoNS > 0 && r.TMonoNS < q.SinceTMonoNS {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// Stats returns the current bounds accounting.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Stats{Count: len(l.records), Bytes: l.bytes, Evicted: l.evicted}
	if len(l.records) > 0 {
		s.OldestTMonoNS = l.records[0].TMonoNS
	}
	return s
}
