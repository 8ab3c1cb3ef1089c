package blackbox

import (
	"context"
	"fmt"

	"github.com/on-the-ground/black_box_go/shared/helper"
	"go.uber.org/zap"
)

// DeferredHandle runs a deferred computation when it enters the state and
// dispatches the event the computation resolves to, unless the handle was
// removed in the meantime.
type DeferredHandle struct {
	*Base

	factory func(ctx context.Context) (Deferred, error)
	result  Deferred
	settled bool
}

var _ Handle = (*DeferredHandle)(nil)

// NewDeferred wraps factory. The computation should resolve to an Event or nil;
// if it implements Canceler it is cancelled when the handle exits first.
func NewDeferred(factory func() Deferred) *DeferredHandle {
	h := &DeferredHandle{Base: NewBase(helper.FuncName(factory, "deferred"))}
	h.factory = func(context.Context) (Deferred, error) {
		return factory(), nil
	}
	return h
}

// NewDeferredContext is NewDeferred for factories that honour a context. ctx is
// the handle's signal, cancelled when the handle exits.
func NewDeferredContext(factory func(ctx context.Context) (Deferred, error)) *DeferredHandle {
	return &DeferredHandle{
		Base:    NewBase(helper.FuncName(factory, "deferred")),
		factory: factory,
	}
}

func (h *DeferredHandle) Enter(bc Context) error {
	result, err := h.start(bc.Signal())
	if err != nil {
		h.settled = true
		bc.Logger().Error("failed to start deferred computation", zap.Error(err))
		return err
	}
	if result == nil {
		h.settled = true
		return nil
	}

	h.result = result
	result.Then(func(value any, err error) {
		bc.Schedule(func() { h.finish(bc, value, err) })
	})
	return nil
}

func (h *DeferredHandle) start(ctx context.Context) (result Deferred, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in deferred factory: %v", r)
		}
	}()
	return h.factory(ctx)
}

func (h *DeferredHandle) finish(bc Context, value any, err error) {
	h.settled = true
	if h.Unloaded() {
		return
	}
	if err != nil {
		bc.ReportError(fmt.Errorf("deferred computation of black box %s failed: %w", h.Base, err))
		return
	}
	if value == nil {
		return
	}
	ev, ok := value.(Event)
	if !ok {
		bc.Logger().Warn("deferred computation resolved to a value that is not an event",
			zap.String("type", fmt.Sprintf("%T", value)),
		)
		return
	}
	if _, err := bc.Dispatch(ev); err != nil {
		bc.ReportError(err)
	}
}

func (h *DeferredHandle) Exit(Context) error {
	if h.settled || h.result == nil {
		return nil
	}
	if c, ok := h.result.(Canceler); ok {
		c.Cancel()
	}
	return nil
}

// Settled reports whether the computation finished. Call it from the logical thread.
func (h *DeferredHandle) Settled() bool {
	return h.settled
}
