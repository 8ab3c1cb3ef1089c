package blackbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/on-the-ground/black_box_go/store"
	"github.com/rickb777/date/v2/timespan"
)

type Event = store.Event

// Handle is a side effect with a load/unload lifecycle, embedded in the state.
//
// Implementations embed *Base, which carries the identity and lifecycle state
// the Reconciler relies on. Enter and Exit must return promptly: long running
// work is started by Enter and continues on its own, and Exit only requests
// that it stops.
type Handle interface {
	Enter(bc Context) error
	Exit(bc Context) error
	OnEvent(ev Event, bc Context) error

	base() *Base
}

// Base is the lifecycle state machine shared by every Handle:
// unloaded -> loaded -> unloaded (terminal). Each transition happens once.
type Base struct {
	id   string
	name string

	loadStarted atomic.Bool
	loaded      atomic.Bool
	unloaded    atomic.Bool

	mu         sync.Mutex
	loadedAt   time.Time
	unloadedAt time.Time
	guarded    *guardedContext

	signal context.Context
	abort  context.CancelFunc
}

func NewBase(name string) *Base {
	ctx, cancelFn := context.WithCancel(context.Background())
	return &Base{
		id:     uuid.New().String(),
		name:   name,
		signal: ctx,
		abort:  cancelFn,
	}
}

func (b *Base) base() *Base { return b }

// OnEvent is the default no-op event hook.
func (b *Base) OnEvent(Event, Context) error { return nil }

func (b *Base) ID() string { return b.id }

func (b *Base) Name() string { return b.name }

// Rename replaces the diagnostic name. Call it before the handle enters the state.
func (b *Base) Rename(name string) { b.name = name }

func (b *Base) Loaded() bool { return b.loaded.Load() }

// Unloaded reports whether the handle was removed from the state, which is
// also the cancellation signal for any work it started.
func (b *Base) Unloaded() bool { return b.unloaded.Load() }

// Lifespan is the time between load and unload, or between load and now while
// the handle is live. It is empty before load.
func (b *Base) Lifespan() timespan.TimeSpan {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadedAt.IsZero() {
		return timespan.TimeSpan{}
	}
	end := b.unloadedAt
	if end.IsZero() {
		end = time.Now()
	}
	return timespan.BetweenTimes(b.loadedAt, end)
}

func (b *Base) String() string {
	return fmt.Sprintf("%s(%s)", b.name, b.id)
}

func load(h Handle, bc *guardedContext) error {
	b := h.base()
	if b.loadStarted.Swap(true) {
		return fmt.Errorf("%w: black box %s already loaded", ErrContractViolation, b)
	}
	b.mu.Lock()
	b.loadedAt = time.Now()
	b.mu.Unlock()

	// Enter has completed starting even when it failed, so Exit stays legal.
	defer b.loaded.Store(true)
	return h.Enter(bc)
}

func unload(h Handle, bc *guardedContext) error {
	b := h.base()
	if !b.loaded.Load() {
		return fmt.Errorf("%w: black box %s not yet loaded", ErrContractViolation, b)
	}
	if b.unloaded.Swap(true) {
		return fmt.Errorf("%w: black box %s already unloaded", ErrContractViolation, b)
	}
	b.mu.Lock()
	b.unloadedAt = time.Now()
	b.mu.Unlock()
	b.abort()

	return h.Exit(bc)
}

func deliver(h Handle, ev Event, bc *guardedContext) error {
	b := h.base()
	if !b.loaded.Load() {
		return fmt.Errorf("%w: black box %s not yet loaded", ErrContractViolation, b)
	}
	if b.unloaded.Load() {
		return fmt.Errorf("%w: black box %s already unloaded", ErrContractViolation, b)
	}
	return h.OnEvent(ev, bc)
}
