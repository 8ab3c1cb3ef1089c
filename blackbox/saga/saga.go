// Package saga runs coroutines that describe their side effects as data.
//
// A Saga yields Effect values (or nested sagas, or Deferred results) and is
// resumed with their outcome:
//
//	func search(y saga.Yielder) (any, error) {
//	    ev, err := y.Yield(saga.Await("QUERY"))
//	    if err != nil {
//	        return nil, err
//	    }
//	    defer func() {
//	        if cancelled, _ := saga.YieldAs[bool](y, saga.QueryCancellation()); cancelled {
//	            // the saga was removed from the state
//	        }
//	    }()
//	    results, err := y.Yield(fetchResults(ev))
//	    if err != nil {
//	        return nil, err
//	    }
//	    return saga.Dispatch(store.Action{Type: "RESULTS", Payload: results}), nil
//	}
//
// The returned value is handled like a yielded one, so returning an effect
// executes it. When the saga's handle leaves the state, the interpreter
// cancels whatever the saga is waiting on and forces it to return from its
// current Yield: deferred functions run, may still Yield, and observe
// QueryCancellation as true. Nested sagas are cancelled innermost first.
package saga

import (
	"github.com/on-the-ground/black_box_go/blackbox"
	"github.com/on-the-ground/black_box_go/blackbox/internal/coroutine"
	"github.com/on-the-ground/black_box_go/shared/helper"
)

// Yielder suspends a saga until the yielded value was handled.
type Yielder = coroutine.Yielder

// Saga is a suspendable function. Errors returned by Yield are failures of the
// yielded value; returning them fails the saga.
type Saga func(y Yielder) (any, error)

// YieldAs yields v and asserts the outcome to T.
func YieldAs[T any](y Yielder, v any) (T, error) {
	return helper.GetTypedValueOf[T](func() (any, error) {
		return y.Yield(v)
	})
}

// Handle is the black box running a Saga.
type Handle struct {
	*blackbox.SubroutineHandle
}

var _ blackbox.Handle = (*Handle)(nil)

func New(s Saga) *Handle {
	h := &Handle{
		SubroutineHandle: blackbox.NewSubroutine(func(scope blackbox.Scope) blackbox.Deferred {
			in := &interpreter{scope: scope}
			return in.start(coroutine.New(coroutine.Body(s)), false, true)
		}),
	}
	h.Rename(helper.FuncName(s, "saga"))
	return h
}
