package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Default sizing of the dispatch pool.
const (
	// DefaultQueueSize is the buffer size of the work queue.
	DefaultQueueSize = 100

	// DefaultWorkerCount is the number of concurrent workers.
	DefaultWorkerCount = 4
)

// Pool runs inbound work on a bounded number of goroutines. Work submitted
// while the queue is full is dropped, so a flood of datagrams cannot exhaust
// memory. A panicking task is recovered and logged.
type Pool struct {
	queue  chan func()
	done   *closeOnce
	wg     sync.WaitGroup
	logger Logger

	dropped atomic.Uint64
	panics  atomic.Uint64
}

// NewPool starts workers goroutines serving a queue of queueSize entries.
// Non-positive values select the defaults.
func NewPool(workers, queueSize int, logger Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = noopLogger{}
	}
	p := &Pool{
		queue:  make(chan func(), queueSize),
		done:   newCloseOnce(),
		logger: logger,
	}
	for range workers {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues task. It reports false when the queue is full or the pool
// is closed; the task is then dropped.
func (p *Pool) Submit(task func()) bool {
	select {
	case <-p.done.Done():
		return false
	default:
	}

	select {
	case p.queue <- task:
		return true
	default:
		p.dropped.Add(1)
		p.logger.Warn("dispatch queue full, dropping work", "dropped_total", p.dropped.Load())
		return false
	}
}

// Dropped returns the number of tasks dropped because the queue was full.
func (p *Pool) Dropped() uint64 { return p.dropped.Load() }

// Panics returns the number of recovered task panics.
func (p *Pool) Panics() uint64 { return p.panics.Load() }

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done.Done():
			p.drain()
			return
		case task := <-p.queue:
			p.run(task)
		}
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("dispatched task panicked", "error", fmt.Sprintf("%v", r))
		}
	}()
	task()
}

// drain discards queued tasks. Called during shutdown so submitters never
// block.
func (p *Pool) drain() {
	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}

// Close stops the workers and waits for running tasks to finish. Queued tasks
// that have not started are discarded.
func (p *Pool) Close() {
	p.done.Close()
	p.wg.Wait()
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}
