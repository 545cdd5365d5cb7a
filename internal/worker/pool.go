package worker

import (
	"log"
	"sync"
)

// Pool is a bounded worker pool for fire-and-forget background work
// (recommendation matching, image cleanup). A fixed number of workers drain a
// buffered queue; when the queue is full, new work is dropped rather than
// blocking the caller.
type Pool struct {
	tasks  chan func()
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool with the given worker count and queue size.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	p := &Pool{
		tasks: make(chan func(), queueSize),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.execute(task)
	}
}

func (p *Pool) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Worker] Recovered from task panic: %v", r)
		}
	}()
	task()
}

// Submit enqueues a task without blocking. It reports false when the task was
// dropped because the queue is full or the pool is closed.
func (p *Pool) Submit(task func()) bool {
	if task == nil {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Close stops accepting work, drains queued tasks, and waits for the workers
// to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
