package blackbox

import (
	"context"
	"fmt"

	"github.com/on-the-ground/black_box_go/shared/helper"
	"go.uber.org/zap"
)

// Scope is what a subroutine works with. Every method must be called from
// the logical thread.
type Scope interface {
	Dispatch(ev Event) (any, error)
	GetState() any
	// Await resolves with the first event dispatched from now on that
	// matches pattern (see CompilePattern). It rejects with ErrCancelled once
	// the handle is unloaded, and with ErrUnsupportedPattern for a bad pattern.
	Await(pattern any) Deferred
	Schedule(fn func())
	ReportError(err error)
	// Unloaded reports whether cancellation was requested.
	Unloaded() bool
	Signal() context.Context
	Logger() *zap.Logger
}

// SubroutineHandle runs a function that can dispatch, read the state and
// wait for events. The function returns a Deferred for the whole run; if it
// implements Canceler, it is cancelled when the handle exits before it settled.
type SubroutineHandle struct {
	*Base

	fn       func(s Scope) Deferred
	result   Deferred
	returned bool
	settled  bool
	takers   []*taker
}

type taker struct {
	match  Predicate
	future *Future
}

var _ Handle = (*SubroutineHandle)(nil)

func NewSubroutine(fn func(s Scope) Deferred) *SubroutineHandle {
	return &SubroutineHandle{
		Base: NewBase(helper.FuncName(fn, "subroutine")),
		fn:   fn,
	}
}

func (h *SubroutineHandle) Enter(bc Context) error {
	// the subroutine starts after the triggering event is fully processed
	bc.Schedule(func() { h.run(bc) })
	return nil
}

func (h *SubroutineHandle) run(bc Context) {
	if h.Unloaded() {
		return
	}

	result, err := h.invoke(&subroutineScope{h: h, bc: bc})
	h.returned = true
	if err != nil {
		h.settled = true
		h.fail(bc, err)
		return
	}
	if result == nil {
		h.settled = true
		return
	}

	h.result = result
	result.Then(func(_ any, err error) {
		bc.Schedule(func() {
			h.settled = true
			if err != nil && !h.Unloaded() {
				h.fail(bc, err)
			}
		})
	})
}

func (h *SubroutineHandle) invoke(s Scope) (result Deferred, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in subroutine: %v", r)
		}
	}()
	return h.fn(s), nil
}

func (h *SubroutineHandle) fail(bc Context, err error) {
	bc.Logger().Error("an error was thrown during execution of this black box", zap.Error(err))
	bc.ReportError(fmt.Errorf("black box %s failed: %w", h.Base, err))
}

func (h *SubroutineHandle) OnEvent(ev Event, bc Context) error {
	if len(h.takers) == 0 {
		return nil
	}

	var matched, rest []*taker
	for _, t := range h.takers {
		if t.match(ev) {
			matched = append(matched, t)
		} else {
			rest = append(rest, t)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	h.takers = rest

	bc.Schedule(func() {
		for _, t := range matched {
			t.future.Resolve(ev)
		}
	})
	return nil
}

func (h *SubroutineHandle) Exit(Context) error {
	if !h.settled && h.result != nil {
		if c, ok := h.result.(Canceler); ok {
			c.Cancel()
		}
	}

	pending := h.takers
	h.takers = nil
	for _, t := range pending {
		t.future.Reject(h.cancelled())
	}
	return nil
}

func (h *SubroutineHandle) await(pattern any) Deferred {
	match, err := CompilePattern(pattern)
	if err != nil {
		return Rejected(err)
	}
	if h.Unloaded() {
		return Rejected(h.cancelled())
	}

	t := &taker{match: match}
	t.future = NewFuture(func() { h.dropTaker(t) })
	h.takers = append(h.takers, t)
	return t.future
}

func (h *SubroutineHandle) dropTaker(t *taker) {
	for i, other := range h.takers {
		if other == t {
			h.takers = append(h.takers[:i:i], h.takers[i+1:]...)
			return
		}
	}
}

func (h *SubroutineHandle) cancelled() error {
	return fmt.Errorf("%w: black box %s can no longer await events", ErrCancelled, h.Base)
}

// Pending is the number of queued awaits. Call it from the logical thread.
func (h *SubroutineHandle) Pending() int {
	return len(h.takers)
}

type subroutineScope struct {
	h  *SubroutineHandle
	bc Context
}

func (s *subroutineScope) Dispatch(ev Event) (any, error) {
	if !s.h.returned {
		s.bc.Logger().Warn("it is dangerous to dispatch an event before the subroutine returned its deferred result",
			zap.String("eventType", eventType(ev)),
		)
	}
	return s.bc.Dispatch(ev)
}

func (s *subroutineScope) GetState() any             { return s.bc.GetState() }
func (s *subroutineScope) Await(pattern any) Deferred { return s.h.await(pattern) }
func (s *subroutineScope) Schedule(fn func())         { s.bc.Schedule(fn) }
func (s *subroutineScope) ReportError(err error)      { s.bc.ReportError(err) }
func (s *subroutineScope) Unloaded() bool             { return s.h.Unloaded() }
func (s *subroutineScope) Signal() context.Context    { return s.bc.Signal() }
func (s *subroutineScope) Logger() *zap.Logger        { return s.bc.Logger() }
