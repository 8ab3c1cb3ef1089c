// Package bbtest wires a store and a Reconciler for tests.
package bbtest

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/on-the-ground/black_box_go/blackbox"
	"github.com/on-the-ground/black_box_go/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const SetType = "SET"

// State holds handles in every container shape the Reconciler walks, and
// records the type of every applied event in Seen.
type State struct {
	Slots   map[string]blackbox.Handle
	List    []blackbox.Handle
	Ignored map[string]blackbox.Handle
	Graph   *Node
	Extra   any
	Seen    []string
}

type Node struct {
	Next   *Node
	Handle blackbox.Handle
}

func (s State) clone() State {
	out := s
	out.Slots = make(map[string]blackbox.Handle, len(s.Slots))
	for k, h := range s.Slots {
		out.Slots[k] = h
	}
	out.Ignored = make(map[string]blackbox.Handle, len(s.Ignored))
	for k, h := range s.Ignored {
		out.Ignored[k] = h
	}
	out.List = slices.Clone(s.List)
	return out
}

// Set replaces the state with fn applied to a copy of it.
func Set(fn func(s State) State) store.Action {
	return store.Action{Type: SetType, Payload: fn}
}

func Put(key string, h blackbox.Handle) store.Action {
	return Set(func(s State) State {
		s.Slots[key] = h
		return s
	})
}

func Drop(key string) store.Action {
	return Set(func(s State) State {
		delete(s.Slots, key)
		return s
	})
}

func Ev(eventType string) store.Action {
	return store.Action{Type: eventType}
}

func Reduce(state any, ev store.Event) any {
	s := state.(State)
	if a, ok := ev.(store.Action); ok && a.Type == SetType {
		if fn, ok := a.Payload.(func(State) State); ok {
			s = fn(s.clone())
		}
	}
	s.Seen = append(slices.Clone(s.Seen), ev.EventType())
	return s
}

type Env struct {
	t          *testing.T
	Store      *store.Store
	API        store.API
	Reconciler *blackbox.Reconciler
	Logs       *observer.ObservedLogs

	mu        sync.Mutex
	asyncErrs []error
}

// New builds the store. Middlewares run inside the Reconciler.
func New(t *testing.T, configure func(cfg blackbox.Config) blackbox.Config, mws ...store.Middleware) *Env {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	env := &Env{t: t, Logs: logs}
	cfg := blackbox.NewConfig(logger).WithAsyncErrorHandler(func(err error) {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.asyncErrs = append(env.asyncErrs, err)
	})
	if configure != nil {
		cfg = configure(cfg)
	}
	env.Reconciler = blackbox.NewReconciler(cfg)

	capture := func(api store.API) func(next store.DispatchFunc) store.DispatchFunc {
		env.API = api
		return func(next store.DispatchFunc) store.DispatchFunc { return next }
	}
	chain := append([]store.Middleware{capture, env.Reconciler.Middleware()}, mws...)
	env.Store = store.New(Reduce, State{}, store.NewConfig(0, logger), chain...)
	t.Cleanup(func() { _ = env.Store.Close() })
	return env
}

func (e *Env) Dispatch(ev store.Event) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Store.Dispatch(ctx, ev)
}

func (e *Env) MustDispatch(ev store.Event) {
	e.t.Helper()
	_, err := e.Dispatch(ev)
	require.NoError(e.t, err)
}

func (e *Env) State() State {
	return e.Store.GetState().(State)
}

func (e *Env) Seen() []string {
	return e.State().Seen
}

// Do runs fn on the logical thread and waits for it.
func (e *Env) Do(fn func()) {
	e.t.Helper()
	done := make(chan struct{})
	require.True(e.t, e.Store.Schedule(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.t.Fatal("timed out waiting for the logical thread")
	}
}

// Flush waits until n rounds of queued work ran.
func (e *Env) Flush(n int) {
	e.t.Helper()
	for i := 0; i < n; i++ {
		e.Do(func() {})
	}
}

func (e *Env) WaitSeen(eventType string) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		return slices.Contains(e.Seen(), eventType)
	}, 2*time.Second, 5*time.Millisecond, "event %s never dispatched", eventType)
}

func (e *Env) AsyncErrors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.asyncErrs)
}

func (e *Env) WaitAsyncError() error {
	e.t.Helper()
	var err error
	require.Eventually(e.t, func() bool {
		errs := e.AsyncErrors()
		if len(errs) == 0 {
			return false
		}
		err = errs[0]
		return true
	}, 2*time.Second, 5*time.Millisecond, "no asynchronous error reported")
	return err
}

// Probe records its lifecycle calls.
type Probe struct {
	*blackbox.Base

	EnterFn func(bc blackbox.Context) error
	ExitFn  func(bc blackbox.Context) error
	EventFn func(ev blackbox.Event, bc blackbox.Context) error

	mu    sync.Mutex
	calls []string
	bc    blackbox.Context
}

func NewProbe(name string) *Probe {
	return &Probe{Base: blackbox.NewBase(name)}
}

func (p *Probe) Enter(bc blackbox.Context) error {
	p.record("enter", bc)
	if p.EnterFn != nil {
		return p.EnterFn(bc)
	}
	return nil
}

func (p *Probe) Exit(bc blackbox.Context) error {
	p.record("exit", bc)
	if p.ExitFn != nil {
		return p.ExitFn(bc)
	}
	return nil
}

func (p *Probe) OnEvent(ev blackbox.Event, bc blackbox.Context) error {
	p.record("event:"+ev.EventType(), bc)
	if p.EventFn != nil {
		return p.EventFn(ev, bc)
	}
	return nil
}

func (p *Probe) record(call string, bc blackbox.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	p.bc = bc
}

func (p *Probe) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

// Context is the guarded context the probe last saw.
func (p *Probe) Context() blackbox.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bc
}
