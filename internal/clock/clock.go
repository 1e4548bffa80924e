// Package clock provides the time source injected into every core component.
//
// Wall time feeds the t_wall envelope field and is allowed to step (NTP).
// Mono readings feed t_mono_ns, ordering decisions, and age-based eviction;
// they are comparable only within one process lifetime and never go
// backwards.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the injectable time source.
type Clock interface {
	// Wall returns calendar time.
	Wall() time.Time
	// Mono returns a reading of the monotonic counter. The zero point is
	// arbitrary (process start for the real clock); only differences and
	// ordering are meaningful.
	Mono() time.Duration
	// MonoNS is Mono in nanoseconds, the unit envelopes carry.
	MonoNS() uint64

	NewTicker(d time.Duration) clockwork.Ticker
	NewTimer(d time.Duration) clockwork.Timer
	AfterFunc(d time.Duration, f func()) clockwork.Timer
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

type systemClock struct {
	cw    clockwork.Clock
	start time.Time
}

// New returns the real clock. Mono is measured from process start using the
// monotonic reading embedded in time.Time, so wall steps do not affect it.
func New() Clock {
	return &systemClock{cw: clockwork.NewRealClock(), start: time.Now()}
}

func (c *systemClock) Wall() time.Time     { return c.cw.Now() }
func (c *systemClock) Mono() time.Duration { return time.Since(c.start) }
func (c *systemClock) MonoNS() uint64      { return uint64(time.Since(c.start)) }

func (c *systemClock) NewTicker(d time.Duration) clockwork.Ticker { return c.cw.NewTicker(d) }
func (c *systemClock) NewTimer(d time.Duration) clockwork.Timer   { return c.cw.NewTimer(d) }
func (c *systemClock) AfterFunc(d time.Duration, f func()) clockwork.Timer {
	return c.cw.AfterFunc(d, f)
}
func (c *systemClock) After(d time.Duration) <-chan time.Time     { return c.cw.After(d) }
func (c *systemClock) Sleep(d time.Duration)                      { c.cw.Sleep(d) }

// Fake is a controllable clock for tests. Advance moves wall and mono
// together and fires any timers that come due.
type Fake struct {
	FC    clockwork.FakeClock
	start time.Time
}

// NewFake returns a fake clock pinned to a fixed wall time so test output
// is deterministic.
func NewFake() *Fake {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &Fake{FC: clockwork.NewFakeClockAt(start), start: start}
}

// NewFakeAt returns a fake clock pinned to t.
func NewFakeAt(t time.Time) *Fake {
	return &Fake{FC: clockwork.NewFakeClockAt(t), start: t}
}

// Advance moves the clock forward, firing due tickers and timers.
func (f *Fake) Advance(d time.Duration) { f.FC.Advance(d) }

// BlockUntil waits until n goroutines are blocked on the fake clock.
func (f *Fake) BlockUntil(n int) { f.FC.BlockUntil(n) }

func (f *Fake) Wall() time.Time     { return f.FC.Now() }
func (f *Fake) Mono() time.Duration { return f.FC.Now().Sub(f.start) }
func (f *Fake) MonoNS() uint64      { return uint64(f.FC.Now().Sub(f.start)) }

func (f *Fake) NewTicker(d time.Duration) clockwork.Ticker { return f.FC.NewTicker(d) }
func (f *Fake) NewTimer(d time.Duration) clockwork.Timer   { return f.FC.NewTimer(d) }
func (f *Fake) AfterFunc(d time.Duration, fn func()) clockwork.Timer {
	return f.FC.AfterFunc(d, fn)
}
func (f *Fake) After(d time.Duration) <-chan time.Time     { return f.FC.After(d) }
func (f *Fake) Sleep(d time.Duration)                      { f.FC.Sleep(d) }
