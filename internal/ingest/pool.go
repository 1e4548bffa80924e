// Package ingest bridges the producer event bus to sessions: NATS subjects
// carry ASR/MT/status events which are published into the owning session
// through a bounded worker pool, so one slow session never blocks the bus
// callback.
package ingest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/loquilex/loquilex/internal/logging"
	"github.com/loquilex/loquilex/internal/metrics"
)

// Task is one unit of ingest work.
type Task func()

// Pool is a fixed-size worker pool with a bounded task queue. Submit never
// blocks: when the queue is full the task is dropped and counted, trading
// lost partials for a bus callback that always returns promptly.
type Pool struct {
	workers int
	tasks   chan Task
	logger  zerolog.Logger

	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
	dropped atomic.Int64
}

// NewPool sizes a pool. Typical: workers = GOMAXPROCS, queueSize = workers*64.
func NewPool(workers, queueSize int, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < workers {
		queueSize = workers
	}
	return &Pool{
		workers: workers,
		tasks:   make(chan Task, queueSize),
		logger:  logger.With().Str("component", "ingest_pool").Logger(),
	}
}

// Start launches the workers. Safe to call once.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.runTask(task)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) runTask(task Task) {
	defer logging.RecoverPanic(p.logger, "ingest_worker")
	task()
}

// Submit enqueues a task, reporting false when the pool is stopped or
// saturated. Dropped tasks are counted.
func (p *Pool) Submit(task Task) bool {
	if p.closed.Load() {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		p.dropped.Add(1)
		metrics.IngestDropped()
		return false
	}
}

// Dropped returns the cumulative count of tasks shed under pressure.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }

// Depth returns the number of queued tasks.
func (p *Pool) Depth() int { return len(p.tasks) }

// Stop rejects new tasks, lets workers finish the queue, and waits for them.
func (p *Pool) Stop() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}
