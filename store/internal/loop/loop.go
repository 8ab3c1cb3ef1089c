package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("loop is closed")

// Result carries the outcome of a task submitted through Call.
type Result struct {
	Value any
	Err   error
}

func ResultFrom(value any, err error) Result {
	return Result{Value: value, Err: err}
}

// Loop is the single logical thread of a store.
//
// Tasks run one at a time, in FIFO order, on one worker goroutine. The queue is
// unbounded so that a task may always Post follow-up work without blocking the
// goroutine that is supposed to drain it.
type Loop struct {
	LoopId string

	mu      sync.Mutex
	queue   []func()
	closing bool
	wake    chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
}

// New starts the worker goroutine and returns once it is running.
func New(ctx context.Context, initialCapacity int, logger *zap.Logger) *Loop {
	if initialCapacity <= 0 {
		initialCapacity = 1
	}
	ctx, cancelFn := context.WithCancel(ctx)
	l := &Loop{
		LoopId: uuid.New().String(),
		queue:  make([]func(), 0, initialCapacity),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancelFn,
		logger: logger,
	}

	ready := make(chan struct{})
	go func() {
		defer close(l.done)
		close(ready)
		l.run()
	}()
	<-ready

	logger.Debug("loop started", zap.String("loopId", l.LoopId))
	return l
}

// Post enqueues fn to run after every task queued before it.
// It reports false once the loop has stopped accepting work.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closing && l.ctx.Err() != nil {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and delivers its result on the returned channel.
//
// Never call Call from a task and wait on the channel: the loop would be
// waiting on itself.
func (l *Loop) Call(ctx context.Context, fn func() (any, error)) <-chan Result {
	// buffered so the loop never blocks on an abandoned caller
	resumeCh := make(chan Result, 1)

	posted := l.Post(func() {
		select {
		case <-ctx.Done():
			resumeCh <- ResultFrom(nil, ctx.Err())
		default:
			resumeCh <- l.invoke(fn)
		}
		close(resumeCh)
	})
	if !posted {
		resumeCh <- ResultFrom(nil, ErrClosed)
		close(resumeCh)
	}
	return resumeCh
}

// Close drains everything already queued, including tasks posted while
// draining, then stops the worker goroutine. Posts after that are rejected.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closing = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
	l.logger.Debug("loop closed", zap.String("loopId", l.LoopId))
}

func (l *Loop) run() {
	for {
		fn, ok := l.pop()
		if ok {
			l.invokeTask(fn)
			continue
		}

		l.mu.Lock()
		if l.closing && len(l.queue) == 0 {
			// cancelled under the lock so that Post observes it atomically
			l.cancel()
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()

		select {
		case <-l.wake:
		case <-l.ctx.Done():
			l.mu.Lock()
			l.closing = true
			l.mu.Unlock()
		}
	}
}

func (l *Loop) pop() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) invokeTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error(
				"panic in loop task",
				zap.String("loopId", l.LoopId),
				zap.Any("error", r),
			)
		}
	}()
	fn()
}

func (l *Loop) invoke(fn func() (any, error)) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = ResultFrom(nil, fmt.Errorf("panic in loop call: %v", r))
		}
	}()
	return ResultFrom(fn())
}
