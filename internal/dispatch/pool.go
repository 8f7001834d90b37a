package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned by Submit when the job queue is at capacity.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrPoolStopped is returned by Submit after Stop has been called.
	ErrPoolStopped = errors.New("dispatch pool stopped")
)

// Pool runs dispatch jobs on a fixed set of workers behind a bounded queue.
// Submit never blocks: when the queue is full the job is rejected so the
// caller can record a failure instead of stalling.
type Pool struct {
	workers int
	queue   chan func()
	busy    atomic.Int32
	wg      sync.WaitGroup
	metrics *Metrics
	log     *slog.Logger

	mu      sync.Mutex
	stopped bool
}

// PoolStatus is a point-in-time view of pool load for the health surface.
type PoolStatus struct {
	Workers int `json:"workers"`
	Busy    int `json:"busy"`
	Queued  int `json:"queued"`
}

func NewPool(workers, queueSize int, metrics *Metrics, log *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		workers: workers,
		queue:   make(chan func(), queueSize),
		metrics: metrics,
		log:     log,
	}
}

// Start launches the workers. It must be called exactly once before Submit.
func (p *Pool) Start() {
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.run()
	}
	p.log.Debug("dispatch pool started", "workers", p.workers, "queue", cap(p.queue))
}

func (p *Pool) run() {
	defer p.wg.Done()
	for job := range p.queue {
		p.metrics.queued.Dec()
		p.metrics.busy.Inc()
		p.busy.Add(1)
		job()
		p.busy.Add(-1)
		p.metrics.busy.Dec()
	}
}

// Status reports current load.
func (p *Pool) Status() PoolStatus {
	return PoolStatus{
		Workers: p.workers,
		Busy:    int(p.busy.Load()),
		Queued:  len(p.queue),
	}
}

// Submit enqueues a job for execution.
func (p *Pool) Submit(job func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.queue <- job:
		p.metrics.queued.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes the queue and waits up to grace for queued and running jobs to
// drain. Jobs still running after the grace period keep running; Stop just
// stops waiting for them.
func (p *Pool) Stop(grace time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Debug("dispatch pool drained")
		return nil
	case <-time.After(grace):
		return fmt.Errorf("dispatch pool did not drain within %s", grace)
	}
}
