package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSnapshot is one sample of process resource usage. It feeds both the
// Prometheus gauges and the system.metrics envelope stream.
type SystemSnapshot struct {
	CPUPercent  float64
	MemRSSBytes uint64
	Goroutines  int
	SampledAt   time.Time
}

// Sampler periodically measures process CPU and memory via gopsutil and
// publishes the result to the system gauges. Snapshot returns the latest
// sample without blocking.
type Sampler struct {
	logger   zerolog.Logger
	interval time.Duration
	proc     *process.Process

	mu   sync.RWMutex
	last SystemSnapshot

	stop chan struct{}
	done chan struct{}
}

// NewSampler returns an unstarted sampler.
func NewSampler(interval time.Duration, logger zerolog.Logger) *Sampler {
	s := &Sampler{
		logger:   logger.With().Str("component", "sampler").Logger(),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Process handle unavailable, memory sampling disabled")
	} else {
		s.proc = proc
	}
	return s
}

// Start launches the sampling loop. It also records the container memory
// limit once, when one is detectable.
func (s *Sampler) Start(ctx context.Context) {
	if limit, err := memoryLimit(); err == nil && limit > 0 {
		SetMemoryLimit(limit)
	}
	s.sample()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sample()
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sampling loop and waits for it to exit.
func (s *Sampler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

// Snapshot returns the most recent sample.
func (s *Sampler) Snapshot() SystemSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *Sampler) sample() {
	snap := SystemSnapshot{
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  time.Now(),
	}

	if s.proc != nil {
		// Percent(0) measures against the previous call, so the ticker
		// interval is the sampling window.
		if pct, err := s.proc.Percent(0); err == nil {
			snap.CPUPercent = pct
		}
		if mem, err := s.proc.MemoryInfo(); err == nil {
			snap.MemRSSBytes = mem.RSS
		}
	}

	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()

	setSystemGauges(snap.CPUPercent, snap.MemRSSBytes, snap.Goroutines)
}
