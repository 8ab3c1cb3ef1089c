// Package blackbox manages side effects that live inside an application's state.
//
// A black box is a Handle embedded as a value somewhere in the state tree held by a
// store. The Reconciler middleware walks every new state snapshot, finds the
// handles it reaches and compares them, by identity, with the handles found in the
// previous snapshot:
//
//   - a handle that just appeared is entered (Enter),
//   - a handle that disappeared is exited (Exit), which cancels its work,
//   - every other live handle observes the event that was just applied (OnEvent).
//
// Reducers therefore stay pure: they start or stop a side effect simply by putting a
// handle into the state or dropping it.
//
// # Variants
//
//   - NewDeferred / NewDeferredContext: wraps a cancellable deferred computation and
//     dispatches the event it resolves to.
//   - NewTransition: dispatches a start event, waits for a matching event, then
//     dispatches a follow-up event.
//   - NewSubroutine: runs a function with dispatch, state access and Await.
//   - saga.New (sub-package saga): runs a coroutine that yields effect descriptors.
//
// # Threading
//
// Hooks, Schedule callbacks and subroutines all run on the store's single logical
// thread. A hook must never dispatch synchronously: it schedules the dispatch with
// Context.Schedule instead, and the Reconciler rejects any synchronous attempt with
// ErrReentrantDispatch before the nested event reaches the reducer.
//
// Example:
//
//	reducer := func(state any, ev store.Event) any {
//	    switch ev.EventType() {
//	    case "SEARCH":
//	        return State{Pending: delay.New(clockz.RealClock, time.Second, store.Action{Type: "TIMEOUT"})}
//	    case "CANCEL":
//	        return State{}
//	    }
//	    return state
//	}
//	s := store.New(reducer, State{}, store.NewConfig(0, nil), blackbox.Middleware(blackbox.NewConfig(nil)))
//	defer s.Close()
package blackbox
