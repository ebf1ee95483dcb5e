// dispatch/pool.go
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	logger "github.com/campusops/relay/logging"
)

// Task is one unit of background work.
type Task func(ctx context.Context)

// Pool runs submitted tasks on a fixed set of workers. The originating
// request handler returns before its tasks complete; outcomes are observed
// only through the audit log.
type Pool struct {
	tasks chan Task
	wg    sync.WaitGroup
}

func NewPool(queueSize int) *Pool {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Pool{
		tasks: make(chan Task, queueSize),
	}
}

// Start launches the workers. They drain remaining tasks and exit when the
// context is cancelled.
func (p *Pool) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

// drainTimeout bounds how long queued deliveries may run after shutdown
// begins.
const drainTimeout = 10 * time.Second

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		// Check cancellation first so a worker starting after shutdown
		// goes straight to the drain phase.
		select {
		case <-ctx.Done():
			p.drain()
			return
		default:
		}
		select {
		case task := <-p.tasks:
			task(ctx)
		case <-ctx.Done():
			p.drain()
			return
		}
	}
}

// drain executes the remaining queued tasks under a fresh bounded context.
// The pool context is already cancelled at this point and would fail every
// delivery instantly.
func (p *Pool) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case task := <-p.tasks:
			task(ctx)
		default:
			return
		}
	}
}

// Submit queues a task for async execution. Returns false when the queue is
// full; the caller records the rejection.
func (p *Pool) Submit(task Task) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		logger.Warn("Dispatch queue full, task rejected",
			zap.Int("queueSize", cap(p.tasks)))
		return false
	}
}

// Wait blocks until all workers have exited. Call after cancelling the
// context passed to Start.
func (p *Pool) Wait() {
	p.wg.Wait()
}
