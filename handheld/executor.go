package handheld

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultQueueSize is the number of hardware tasks that may wait behind the
// running one.
const DefaultQueueSize = 64

type task struct {
	name string
	fn   func(ctx context.Context)
}

// Executor runs hardware calls one at a time, in submission order, on a
// single background goroutine. Vendor SDK handles are not safe for
// concurrent use, so every backend call goes through it.
type Executor struct {
	queue  chan task
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	log    zerolog.Logger

	mu      sync.RWMutex
	stopped bool
}

// NewExecutor starts the worker goroutine.
func NewExecutor(queueSize int, logger zerolog.Logger) *Executor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		queue:  make(chan task, queueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    logger.With().Str("component", "executor").Logger(),
	}
	go e.worker()
	return e
}

// Submit queues fn. It never blocks: a full queue returns ErrQueueFull and a
// stopped executor returns ErrServiceStopped.
func (e *Executor) Submit(name string, fn func(ctx context.Context)) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.stopped {
		return ErrServiceStopped
	}
	select {
	case e.queue <- task{name: name, fn: fn}:
		return nil
	default:
		e.log.Warn().Str("task", name).Msg("Queue full, task rejected")
		return ErrQueueFull
	}
}

// Stop rejects new tasks, discards queued ones and waits for the running
// task to return. Its context is cancelled first.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	e.cancel()
	<-e.done
}

func (e *Executor) worker() {
	defer close(e.done)
	for {
		select {
		case <-e.ctx.Done():
			return
		case t := <-e.queue:
			if e.ctx.Err() != nil {
				return
			}
			e.run(t)
		}
	}
}

func (e *Executor) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("task", t.name).Str("panic", fmt.Sprint(r)).Msg("Task panicked")
		}
	}()
	e.log.Debug().Str("task", t.name).Msg("Running")
	t.fn(e.ctx)
}
