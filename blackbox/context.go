package blackbox

import (
	"context"
	"fmt"

	"github.com/on-the-ground/black_box_go/store"
	"go.uber.org/zap"
)

// Context is what a handle's hooks see of the store.
//
// Dispatch fails with ErrDispatchAfterUnload once the handle has been removed
// from the state: that is how stray continuations of a cancelled computation
// find out they must stop. Dispatch, GetState and Schedule must be used from
// the logical thread.
type Context interface {
	Dispatch(ev Event) (any, error)
	GetState() any
	// Schedule yields control and runs fn on the logical thread later.
	Schedule(fn func())
	// Signal is cancelled when the handle is unloaded.
	Signal() context.Context
	Logger() *zap.Logger
	// ReportError hands an asynchronous failure to the reconciler.
	ReportError(err error)
}

// guardedContext is created once per handle and cached on its Base.
type guardedContext struct {
	b   *Base
	api store.API
	r   *Reconciler
}

var _ Context = (*guardedContext)(nil)

func (r *Reconciler) guard(b *Base) *guardedContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.guarded == nil {
		b.guarded = &guardedContext{b: b, api: r.api, r: r}
	}
	return b.guarded
}

func (g *guardedContext) Dispatch(ev Event) (any, error) {
	if g.b.Unloaded() {
		return nil, fmt.Errorf(
			"%w: black box %s can no longer dispatch an event (%s)",
			ErrDispatchAfterUnload, g.b, describe(ev),
		)
	}
	return g.api.Dispatch(ev)
}

func (g *guardedContext) GetState() any { return g.api.GetState() }

func (g *guardedContext) Schedule(fn func()) { g.api.Schedule(fn) }

func (g *guardedContext) Signal() context.Context { return g.b.signal }

func (g *guardedContext) Logger() *zap.Logger {
	return g.r.logger.With(
		zap.String("blackBox", g.b.Name()),
		zap.String("blackBoxId", g.b.ID()),
	)
}

func (g *guardedContext) ReportError(err error) {
	if err == nil {
		return
	}
	g.r.reportAsync(g.b, err)
}
