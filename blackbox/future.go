package blackbox

import (
	"context"
	"fmt"
	"sync"
)

// Deferred is a result that becomes available later.
//
// Then registers fn to be called exactly once with the outcome. fn runs on
// whichever goroutine settles the result (or immediately if it already has),
// so code that touches handle state must hop back to the logical thread with
// Context.Schedule first.
type Deferred interface {
	Then(fn func(value any, err error))
}

// Canceler is implemented by deferred results that can be asked to stop.
type Canceler interface {
	Cancel()
}

type futureState int

const (
	pending futureState = iota
	resolved
	rejected
	cancelled
)

// Future is the Deferred implementation used throughout the package.
// A cancelled Future never settles: its pending callbacks are dropped.
type Future struct {
	mu        sync.Mutex
	state     futureState
	value     any
	err       error
	callbacks []func(any, error)
	onCancel  func()
	settled   chan struct{}
}

var (
	_ Deferred = (*Future)(nil)
	_ Canceler = (*Future)(nil)
)

// NewFuture returns a pending future. onCancel, if not nil, runs once on the
// first Cancel of a still pending future.
func NewFuture(onCancel func()) *Future {
	return &Future{
		onCancel: onCancel,
		settled:  make(chan struct{}),
	}
}

func Resolved(value any) *Future {
	f := NewFuture(nil)
	f.Resolve(value)
	return f
}

func Rejected(err error) *Future {
	f := NewFuture(nil)
	f.Reject(err)
	return f
}

// Resolve settles f with value. It reports whether f was still pending.
func (f *Future) Resolve(value any) bool {
	return f.settle(resolved, value, nil)
}

// Reject settles f with err. It reports whether f was still pending.
func (f *Future) Reject(err error) bool {
	return f.settle(rejected, nil, err)
}

func (f *Future) settle(state futureState, value any, err error) bool {
	f.mu.Lock()
	if f.state != pending {
		f.mu.Unlock()
		return false
	}
	f.state = state
	f.value = value
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.settled)
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(value, err)
	}
	return true
}

// Cancel drops pending callbacks and runs the cancel hook. It is a no-op on a
// settled future.
func (f *Future) Cancel() {
	f.mu.Lock()
	if f.state != pending {
		f.mu.Unlock()
		return
	}
	f.state = cancelled
	f.callbacks = nil
	onCancel := f.onCancel
	f.mu.Unlock()

	if onCancel != nil {
		onCancel()
	}
}

func (f *Future) Then(fn func(value any, err error)) {
	f.mu.Lock()
	switch f.state {
	case pending:
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
	case cancelled:
		f.mu.Unlock()
	default:
		value, err := f.value, f.err
		f.mu.Unlock()
		fn(value, err)
	}
}

// Settled reports whether f was resolved or rejected.
func (f *Future) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == resolved || f.state == rejected
}

// Cancelled reports whether f was cancelled before settling.
func (f *Future) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == cancelled
}

// Wait blocks until f settles or ctx is done. Never call it from the logical
// thread: the work that settles f usually needs that thread.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.settled:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Go runs fn on a new goroutine. Cancelling the returned future cancels the
// context passed to fn; whatever fn returns afterwards is discarded.
func Go(fn func(ctx context.Context) (any, error)) *Future {
	ctx, cancelFn := context.WithCancel(context.Background())
	f := NewFuture(cancelFn)

	ready := make(chan struct{})
	go func() {
		close(ready)
		defer cancelFn()
		value, err := invokeGo(ctx, fn)
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(value)
	}()
	<-ready

	return f
}

func invokeGo(ctx context.Context, fn func(ctx context.Context) (any, error)) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in deferred computation: %v", r)
		}
	}()
	return fn(ctx)
}

// All joins items. Deferred items are awaited concurrently, any other item is
// taken as already resolved. The result is the ordered slice of values; the
// first rejection rejects the join. Cancelling the join cancels every member
// that is still pending and implements Canceler.
func All(items ...any) *Future {
	var (
		mu        sync.Mutex
		remaining = 0
		values    = make([]any, len(items))
		members   []Deferred
	)

	f := NewFuture(func() {
		mu.Lock()
		toCancel := members
		mu.Unlock()
		for _, m := range toCancel {
			if c, ok := m.(Canceler); ok {
				c.Cancel()
			}
		}
	})

	for i, item := range items {
		d, ok := item.(Deferred)
		if !ok || d == nil {
			values[i] = item
			continue
		}
		remaining++
		members = append(members, d)
	}
	if remaining == 0 {
		f.Resolve(values)
		return f
	}

	for i, item := range items {
		d, ok := item.(Deferred)
		if !ok || d == nil {
			continue
		}
		d.Then(func(value any, err error) {
			if err != nil {
				f.Reject(err)
				return
			}
			mu.Lock()
			values[i] = value
			remaining--
			done := remaining == 0
			mu.Unlock()
			if done {
				f.Resolve(values)
			}
		})
	}
	return f
}
