package blackbox

import (
	"errors"
	"fmt"
)

var (
	// ErrContractViolation marks a lifecycle hook invoked out of order.
	ErrContractViolation = errors.New("black box contract violation")

	// ErrDispatchAfterUnload is returned by a guarded dispatch once its handle has been removed from the state.
	ErrDispatchAfterUnload = errors.New("black box has been removed from the state")

	// ErrReentrantDispatch is returned when a hook dispatches synchronously.
	ErrReentrantDispatch = errors.New("black boxes may not synchronously dispatch events")

	// ErrUnsupportedPattern is returned for an await pattern of an unknown shape.
	ErrUnsupportedPattern = errors.New("await only accepts a predicate, wildcard, string or list as pattern")

	// ErrCancelled rejects waits that can never be satisfied because the handle is unloaded.
	ErrCancelled = errors.New("black box cancelled")
)

// ProcessingError is the fatal error surfaced to the dispatcher when a hook
// fails while reconciling the state produced by Event.
type ProcessingError struct {
	Event Event
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("error occurred while processing event %s: %v", describe(e.Event), e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

func describe(ev Event) string {
	if ev == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s (%+v)", ev.EventType(), ev)
}
