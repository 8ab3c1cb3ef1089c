// Package coroutine runs a function as a suspendable computation.
//
// The body runs on its own goroutine but never concurrently with its resumer:
// every Next, Throw and Return hands control to the body and blocks until the
// body yields or finishes. From the caller's point of view the body is
// therefore just a function that can be paused at each Yield.
package coroutine

import (
	"errors"
	"fmt"
)

var (
	ErrPanicked = errors.New("coroutine panicked")
	ErrRunning  = errors.New("coroutine is already running")
)

// Yielder is handed to the body. Yield suspends the body until it is resumed
// and returns the resumption value or error.
type Yielder interface {
	Yield(v any) (any, error)
}

// Body is the suspendable function. Its return value is the final Step value.
type Body func(y Yielder) (any, error)

// Step is what the body produced: a yielded value, or its final outcome.
type Step struct {
	Value any
	Done  bool
	Err   error
}

type resumption struct {
	value  any
	err    error
	unwind bool
}

// unwind is the panic value used to force a suspended body out through its
// deferred calls.
type unwind struct{}

// Coroutine is not safe for concurrent resumption: resume it from one logical
// thread at a time.
type Coroutine struct {
	body     Body
	started  bool
	running  bool
	done     bool
	resumeCh chan resumption
	yieldCh  chan Step
}

func New(body Body) *Coroutine {
	return &Coroutine{
		body:     body,
		resumeCh: make(chan resumption),
		yieldCh:  make(chan Step),
	}
}

// Next resumes the body normally; Yield returns v. The value passed to the
// first Next is discarded.
func (c *Coroutine) Next(v any) Step {
	return c.resume(resumption{value: v})
}

// Throw resumes the body with err; Yield returns err.
func (c *Coroutine) Throw(err error) Step {
	return c.resume(resumption{err: err})
}

// Return forces the body to finish from its current suspension point. The
// pending Yield panics with an internal value, so deferred calls run; they may
// still Yield, in which case Return reports that yielded value and the body
// must be driven with Next until it is done.
func (c *Coroutine) Return() Step {
	return c.resume(resumption{unwind: true})
}

func (c *Coroutine) Done() bool {
	return c.done
}

func (c *Coroutine) resume(r resumption) Step {
	if c.done {
		if r.err != nil {
			return Step{Done: true, Err: r.err}
		}
		return Step{Done: true}
	}
	if c.running {
		return Step{Done: true, Err: ErrRunning}
	}

	if !c.started {
		// never ran: nothing to clean up
		if r.unwind || r.err != nil {
			c.done = true
			return Step{Done: true, Err: r.err}
		}
		c.started = true
		c.running = true
		go c.run()
	} else {
		c.running = true
		c.resumeCh <- r
	}

	step := <-c.yieldCh
	c.running = false
	if step.Done {
		c.done = true
	}
	return step
}

func (c *Coroutine) run() {
	var step Step
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(unwind); ok {
				step = Step{Done: true}
			} else {
				step = Step{Done: true, Err: fmt.Errorf("%w: %v", ErrPanicked, r)}
			}
		}
		c.yieldCh <- step
	}()

	v, err := c.body(c)
	step = Step{Value: v, Done: true, Err: err}
}

// Yield implements Yielder. It must only be called from the body goroutine.
func (c *Coroutine) Yield(v any) (any, error) {
	c.yieldCh <- Step{Value: v}
	r := <-c.resumeCh
	if r.unwind {
		panic(unwind{})
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.value, nil
}
