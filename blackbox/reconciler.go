package blackbox

import (
	"context"
	"fmt"

	"github.com/on-the-ground/black_box_go/store"
	"github.com/zoobzio/capitan"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Reconciler is the store middleware that keeps the live handles in sync with
// the state. After every event it walks the new state, enters the handles that
// appeared, exits the ones that disappeared and delivers the event to the ones
// that stayed.
//
// A Reconciler belongs to exactly one store.
type Reconciler struct {
	cfg    Config
	logger *zap.Logger
	walker *walker

	api        store.API
	processing bool
	tracked    []Handle
}

func NewReconciler(cfg Config) *Reconciler {
	cfg = cfg.normalize()
	return &Reconciler{
		cfg:    cfg,
		logger: cfg.Logger,
		walker: newWalker(cfg.IgnoredPaths),
	}
}

// Middleware builds a fresh Reconciler for cfg and returns its middleware.
func Middleware(cfg Config) store.Middleware {
	return NewReconciler(cfg).Middleware()
}

func (r *Reconciler) Middleware() store.Middleware {
	return func(api store.API) func(next store.DispatchFunc) store.DispatchFunc {
		r.api = api
		api.OnClose(r.teardown)
		return func(next store.DispatchFunc) store.DispatchFunc {
			return func(ev Event) (any, error) {
				return r.process(ev, next)
			}
		}
	}
}

// Live returns the handles currently entered and not yet exited, in the order
// they were found. Call it from the logical thread.
func (r *Reconciler) Live() []Handle {
	return append([]Handle(nil), r.tracked...)
}

func (r *Reconciler) process(ev Event, next store.DispatchFunc) (any, error) {
	if r.processing {
		capitan.Emit(r.ctx(), ReentrantDispatchRejected,
			KeyEventType.Field(eventType(ev)),
		)
		return nil, fmt.Errorf("%w: %s", ErrReentrantDispatch, describe(ev))
	}

	result, err := next(ev)
	if err != nil {
		return result, err
	}

	r.processing = true
	defer func() { r.processing = false }()

	if err := r.reconcile(ev); err != nil {
		perr := &ProcessingError{Event: ev, Err: err}
		r.logger.Error("failed to process event",
			zap.String("eventType", eventType(ev)),
			zap.Error(err),
		)
		capitan.Emit(r.ctx(), ProcessingFailed,
			KeyEventType.Field(eventType(ev)),
			KeyError.Field(err.Error()),
		)
		return nil, perr
	}

	capitan.Emit(r.ctx(), EventProcessed,
		KeyEventType.Field(eventType(ev)),
		KeyLiveCount.Field(len(r.tracked)),
	)
	return result, nil
}

func (r *Reconciler) reconcile(ev Event) error {
	live := r.walker.collect(r.api.GetState())

	previous := make(map[*Base]struct{}, len(r.tracked))
	for _, h := range r.tracked {
		previous[h.base()] = struct{}{}
	}
	current := make(map[*Base]struct{}, len(live))
	for _, h := range live {
		current[h.base()] = struct{}{}
	}

	var added, stable, removed []Handle
	for _, h := range live {
		if _, ok := previous[h.base()]; ok {
			stable = append(stable, h)
		} else {
			added = append(added, h)
		}
	}
	for _, h := range r.tracked {
		if _, ok := current[h.base()]; !ok {
			removed = append(removed, h)
		}
	}

	defer func() { r.tracked = retained(live, removed) }()

	for _, h := range added {
		if err := r.enter(h); err != nil {
			return err
		}
	}
	for _, h := range removed {
		if err := r.exit(h); err != nil {
			return err
		}
	}
	for _, h := range stable {
		if err := callHook(func() error { return deliver(h, ev, r.guard(h.base())) }); err != nil {
			return fmt.Errorf("black box %s failed on event: %w", h.base(), err)
		}
	}
	return nil
}

// retained is what must be tracked after a round, whether or not it
// completed: every handle that entered and has not exited yet.
func retained(live, removed []Handle) []Handle {
	out := make([]Handle, 0, len(live)+len(removed))
	for _, h := range live {
		if b := h.base(); b.loadStarted.Load() && !b.Unloaded() {
			out = append(out, h)
		}
	}
	for _, h := range removed {
		if !h.base().Unloaded() {
			out = append(out, h)
		}
	}
	return out
}

func (r *Reconciler) enter(h Handle) error {
	b := h.base()
	if err := callHook(func() error { return load(h, r.guard(b)) }); err != nil {
		return fmt.Errorf("black box %s failed to enter: %w", b, err)
	}
	r.logger.Debug("black box loaded",
		zap.String("blackBox", b.Name()),
		zap.String("blackBoxId", b.ID()),
	)
	capitan.Emit(r.ctx(), HandleLoaded,
		KeyHandleName.Field(b.Name()),
		KeyHandleID.Field(b.ID()),
	)
	return nil
}

func (r *Reconciler) exit(h Handle) error {
	b := h.base()
	if err := callHook(func() error { return unload(h, r.guard(b)) }); err != nil {
		return fmt.Errorf("black box %s failed to exit: %w", b, err)
	}
	lifespan := b.Lifespan().Duration()
	r.logger.Debug("black box unloaded",
		zap.String("blackBox", b.Name()),
		zap.String("blackBoxId", b.ID()),
		zap.Duration("lifespan", lifespan),
	)
	capitan.Emit(r.ctx(), HandleUnloaded,
		KeyHandleName.Field(b.Name()),
		KeyHandleID.Field(b.ID()),
		KeyLifespan.Field(lifespan),
	)
	return nil
}

// teardown exits every live handle when the store is closed.
func (r *Reconciler) teardown() error {
	r.processing = true
	defer func() { r.processing = false }()

	var err error
	for _, h := range r.tracked {
		b := h.base()
		if b.Unloaded() || !b.Loaded() {
			continue
		}
		err = multierr.Append(err, r.exit(h))
	}
	r.tracked = nil
	if err != nil {
		r.logger.Error("failed to tear down black boxes", zap.Error(err))
	}
	return err
}

func (r *Reconciler) reportAsync(b *Base, err error) {
	r.logger.Error("black box computation failed",
		zap.String("blackBox", b.Name()),
		zap.String("blackBoxId", b.ID()),
		zap.Error(err),
	)
	capitan.Emit(r.ctx(), AsyncFailure,
		KeyHandleName.Field(b.Name()),
		KeyHandleID.Field(b.ID()),
		KeyError.Field(err.Error()),
	)
	r.cfg.OnAsyncError(err)
}

func (r *Reconciler) ctx() context.Context {
	if r.api == nil {
		return context.Background()
	}
	return r.api.Context()
}

func callHook(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in hook: %v", rec)
		}
	}()
	return fn()
}

func eventType(ev Event) string {
	if ev == nil {
		return "<nil>"
	}
	return ev.EventType()
}
