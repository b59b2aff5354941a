// Package workpool runs fire-and-forget background tasks on a bounded set of
// worker goroutines.
package workpool

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Pool is a fixed-size worker pool fed by a bounded queue.
// Submit never blocks: when the queue is full the task spills onto its own
// goroutine. Tasks may therefore submit further tasks (a callback that
// invalidates a dependency, a scan that dispatches callbacks) without
// deadlocking the pool.
type Pool struct {
	tasks    chan func()
	g        errgroup.Group
	overflow sync.WaitGroup
	spilled  atomic.Uint64
	log      *slog.Logger

	mu     sync.RWMutex // guards closed and sends on tasks
	closed bool
}

// New starts workers goroutines reading from a queue of size queue.
// Non-positive values fall back to 1 worker and a queue of 4*workers.
func New(workers, queue int, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 4 * workers
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{tasks: make(chan func(), queue), log: log}
	for i := 0; i < workers; i++ {
		p.g.Go(p.work)
	}
	return p
}

// Submit enqueues task. It returns false if the pool is closed.
func (p *Pool) Submit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- task:
	default:
		p.spilled.Add(1)
		p.overflow.Add(1)
		go func() {
			defer p.overflow.Done()
			p.run(task)
		}()
	}
	return true
}

// Spilled returns how many tasks ran outside the workers because the queue
// was full.
func (p *Pool) Spilled() uint64 { return p.spilled.Load() }

// Close stops accepting tasks. Already queued tasks still run, but Close does
// not wait for them; use Wait for that. Close is safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.tasks)
}

// Wait blocks until every queued task has run. Only meaningful after Close.
func (p *Pool) Wait() {
	_ = p.g.Wait()
	p.overflow.Wait()
}

func (p *Pool) work() error {
	for task := range p.tasks {
		p.run(task)
	}
	return nil
}

// run isolates a task so that a panic kills neither the worker nor the process.
func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("workpool: task panicked", slog.Any("panic", r))
		}
	}()
	task()
}
