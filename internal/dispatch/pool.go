package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultPoolSize is the worker count used when none is configured.
const DefaultPoolSize = 8

// ErrPoolClosed is returned by Do after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

type task struct {
	fn   func() error
	done chan error
}

// Pool runs submitted functions on a fixed set of workers.
//
// Tasks are handed over on an unbuffered channel, so a saturated pool makes
// submitters wait rather than queueing without bound.
type Pool struct {
	logger *zap.Logger
	tasks  chan task
	quit   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPool starts size workers. A non-positive size uses DefaultPoolSize.
func NewPool(size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	p := &Pool{
		logger: logger,
		tasks:  make(chan task),
		quit:   make(chan struct{}),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			t.done <- p.run(t.fn)
		case <-p.quit:
			return
		}
	}
}

func (p *Pool) run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn()
}

// Do runs fn on a worker and waits for it to return.
//
// Precondition: fn must not call Do on the same pool.
// Postcondition: Returns fn's error, ErrPoolClosed, or ctx.Err() if ctx ends
// before a worker accepts the task. Once accepted, Do waits for completion
// regardless of ctx.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case p.tasks <- t:
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-t.done
}

// Close stops the workers after in-flight tasks finish. Safe to call more than once.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}
