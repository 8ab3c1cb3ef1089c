package blackbox

import "github.com/zoobzio/capitan"

// Lifecycle signals.
var (
	// HandleLoaded is emitted after a handle's Enter hook returned.
	HandleLoaded = capitan.NewSignal(
		"blackbox.handle.loaded",
		"Black box entered the state",
	)

	// HandleUnloaded is emitted after a handle's Exit hook returned.
	HandleUnloaded = capitan.NewSignal(
		"blackbox.handle.unloaded",
		"Black box removed from the state",
	)
)

// Processing signals.
var (
	// EventProcessed is emitted once every hook for an event succeeded.
	EventProcessed = capitan.NewSignal(
		"blackbox.event.processed",
		"Event reconciled against live black boxes",
	)

	// ProcessingFailed is emitted when a hook failed for an event.
	ProcessingFailed = capitan.NewSignal(
		"blackbox.event.failed",
		"Hook failed while reconciling an event",
	)

	// ReentrantDispatchRejected is emitted when a hook dispatched synchronously.
	ReentrantDispatchRejected = capitan.NewSignal(
		"blackbox.event.reentrant",
		"Synchronous dispatch from a hook rejected",
	)

	// AsyncFailure is emitted when a computation fails after its hook returned.
	AsyncFailure = capitan.NewSignal(
		"blackbox.handle.async_failure",
		"Black box computation failed",
	)
)
