package blackbox

import "github.com/zoobzio/capitan"

// Field keys for black box signals.
var (
	// KeyHandleName is the diagnostic name of the handle.
	KeyHandleName = capitan.NewStringKey("handle_name")

	// KeyHandleID is the unique id of the handle.
	KeyHandleID = capitan.NewStringKey("handle_id")

	// KeyEventType is the type of the event being processed.
	KeyEventType = capitan.NewStringKey("event_type")

	// KeyError is the error message when a hook fails.
	KeyError = capitan.NewStringKey("error")

	// KeyLifespan is how long the handle was live.
	KeyLifespan = capitan.NewDurationKey("lifespan")

	// KeyLiveCount is the number of live handles after reconciliation.
	KeyLiveCount = capitan.NewIntKey("live_count")
)
