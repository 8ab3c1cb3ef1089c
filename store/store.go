// Package store is a minimal state container.
//
// It holds an immutable state snapshot, applies a pure reducer for every
// dispatched event and lets middleware intercept dispatch with redux-style
// (event, next) semantics. All processing happens on a single logical thread
// owned by the store, so every event is reduced and observed by middleware to
// completion before the next one starts.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/on-the-ground/black_box_go/shared/logging"
	"github.com/on-the-ground/black_box_go/store/internal/loop"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrDispatchInReducer = errors.New("reducers may not dispatch events")
	ErrClosed            = errors.New("store is closed")
)

// Reducer computes the next state. It must be a pure function of state and event.
type Reducer func(state any, ev Event) any

// DispatchFunc is one link of the dispatch chain.
type DispatchFunc func(ev Event) (any, error)

// API is the surface a middleware sees.
//
// Dispatch, GetState and Schedule callbacks all run on the store's logical
// thread. Dispatch must only be called from that thread, i.e. from inside a
// middleware, a hook, or a function passed to Schedule.
type API interface {
	Dispatch(ev Event) (any, error)
	GetState() any
	// Schedule yields control back to the loop; fn runs after all work queued before it.
	Schedule(fn func())
	// Context is cancelled once the store is closed.
	Context() context.Context
	Logger() *zap.Logger
	// OnClose registers a teardown hook run on the logical thread by Close.
	OnClose(fn func() error)
}

// Middleware wraps the dispatch chain.
type Middleware func(api API) func(next DispatchFunc) DispatchFunc

// Config holds the store settings.
type Config struct {
	QueueSize int // default: 16
	Logger    *zap.Logger
}

func NewConfig(queueSize int, logger *zap.Logger) Config {
	if queueSize <= 0 {
		queueSize = 16
	}
	if logger == nil {
		logger = logging.Default()
	}
	return Config{
		QueueSize: queueSize,
		Logger:    logger,
	}
}

type snapshot struct {
	state any
}

type Store struct {
	reducer  Reducer
	state    atomic.Pointer[snapshot]
	dispatch DispatchFunc
	loop     *loop.Loop
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	reducing bool

	closeMu  sync.Mutex
	closers  []func() error
	closed   bool
	closeErr error
}

// New builds a store and applies middlewares so that the first one is the
// outermost link of the chain.
func New(reducer Reducer, initial any, cfg Config, middlewares ...Middleware) *Store {
	cfg = NewConfig(cfg.QueueSize, cfg.Logger)
	ctx, cancelFn := context.WithCancel(context.Background())

	s := &Store{
		reducer: reducer,
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancelFn,
	}
	s.state.Store(&snapshot{state: initial})
	s.loop = loop.New(ctx, cfg.QueueSize, cfg.Logger)

	chain := DispatchFunc(s.reduce)
	api := storeAPI{s: s}
	for i := len(middlewares) - 1; i >= 0; i-- {
		chain = middlewares[i](api)(chain)
	}
	s.dispatch = chain
	return s
}

// Dispatch sends ev through the middleware chain on the store's logical thread
// and waits for the result. It is safe to call from any goroutine that is not
// itself running on the logical thread.
func (s *Store) Dispatch(ctx context.Context, ev Event) (any, error) {
	select {
	case res := <-s.loop.Call(ctx, func() (any, error) {
		if s.isClosed() {
			return nil, ErrClosed
		}
		return s.dispatch(ev)
	}):
		if errors.Is(res.Err, loop.ErrClosed) {
			return nil, ErrClosed
		}
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetState returns the current snapshot. Safe from any goroutine.
func (s *Store) GetState() any {
	return s.state.Load().state
}

// Schedule runs fn on the logical thread after everything queued so far.
func (s *Store) Schedule(fn func()) bool {
	return s.loop.Post(fn)
}

// Close runs the registered teardown hooks on the logical thread, drains the
// loop and stops it. Calling Close twice returns the first result.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return s.closeErr
	}
	s.closed = true
	closers := s.closers
	s.closeMu.Unlock()

	res := <-s.loop.Call(context.Background(), func() (any, error) {
		var err error
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
		return nil, err
	})
	s.loop.Close()
	s.cancel()

	s.closeMu.Lock()
	s.closeErr = res.Err
	s.closeMu.Unlock()
	return res.Err
}

func (s *Store) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

func (s *Store) reduce(ev Event) (any, error) {
	if ev == nil {
		return nil, fmt.Errorf("cannot dispatch a nil event")
	}
	if s.reducing {
		return nil, fmt.Errorf("%w: %s", ErrDispatchInReducer, ev.EventType())
	}
	s.reducing = true
	defer func() { s.reducing = false }()

	next := s.reducer(s.GetState(), ev)
	s.state.Store(&snapshot{state: next})
	return ev, nil
}

type storeAPI struct {
	s *Store
}

func (a storeAPI) Dispatch(ev Event) (any, error) { return a.s.dispatch(ev) }
func (a storeAPI) GetState() any                  { return a.s.GetState() }
func (a storeAPI) Schedule(fn func())             { a.s.loop.Post(fn) }
func (a storeAPI) Context() context.Context       { return a.s.ctx }
func (a storeAPI) Logger() *zap.Logger            { return a.s.logger }

func (a storeAPI) OnClose(fn func() error) {
	a.s.closeMu.Lock()
	defer a.s.closeMu.Unlock()
	a.s.closers = append(a.s.closers, fn)
}
