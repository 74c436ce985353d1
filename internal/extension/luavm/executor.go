package luavm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize bounds the executor's pending-call queue.
const DefaultQueueSize = 64

type vmCall struct {
	fn     func(*State) error
	result chan error
}

// Executor serializes all access to one State through a single goroutine.
// gopher-lua states are not goroutine-safe; every VM touch funnels through
// Submit. A caller whose context expires stops waiting, and because the
// context is installed on the VM the call itself aborts rather than
// running on unobserved. The loser of a timeout race reports into a
// buffered channel nobody reads, so it can never update caller state.
type Executor struct {
	state *State
	queue chan *vmCall
	done  chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewExecutor creates an executor and starts its worker goroutine.
func NewExecutor(state *State, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	e := &Executor{
		state: state,
		queue: make(chan *vmCall, queueSize),
		done:  make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *Executor) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			e.drain()
			return
		case call := <-e.queue:
			call.result <- e.execute(call)
		}
	}
}

func (e *Executor) execute(call *vmCall) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			case string:
				err = errors.New(v)
			default:
				err = errors.New("lua panic")
			}
		}
	}()
	return call.fn(e.state)
}

func (e *Executor) drain() {
	for {
		select {
		case call := <-e.queue:
			call.result <- ErrExecutorClosed
		default:
			return
		}
	}
}

// Submit runs fn on the executor goroutine and waits for it to finish or
// for the context to expire. The result channel is buffered, so a call
// finishing after its caller gave up completes without blocking the
// worker and its outcome is discarded.
func (e *Executor) Submit(ctx context.Context, fn func(*State) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	call := &vmCall{
		fn:     fn,
		result: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- call:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-call.result:
		return err
	}
}

// TrySubmit queues fn without waiting for completion. Used for
// fire-and-forget deliveries like event handler invocations.
func (e *Executor) TrySubmit(fn func(*State) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	call := &vmCall{
		fn:     fn,
		result: make(chan error, 1),
	}

	select {
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- call:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the worker. Pending calls complete with ErrExecutorClosed.
// Idempotent.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
	e.wg.Wait()
}

// IsClosed reports whether the executor has been closed.
func (e *Executor) IsClosed() bool {
	return e.closed.Load()
}
