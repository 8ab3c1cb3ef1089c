package blackbox

// TransitionHandle dispatches a start event once it entered the state, then
// waits for the first event accepted by its match function and dispatches a
// follow-up event in response.
type TransitionHandle struct {
	*Base

	start    Event
	follow   func(trigger Event) Event
	match    func(ev Event, state any) bool
	finished bool
}

var _ Handle = (*TransitionHandle)(nil)

type TransitionOption func(h *TransitionHandle)

// Follow sets the event dispatched after the first match.
func Follow(ev Event) TransitionOption {
	return func(h *TransitionHandle) {
		if ev == nil {
			h.follow = nil
			return
		}
		h.follow = func(Event) Event { return ev }
	}
}

// FollowFunc derives the follow-up event from the matching event.
func FollowFunc(fn func(trigger Event) Event) TransitionOption {
	return func(h *TransitionHandle) {
		h.follow = fn
	}
}

// MatchWhen restricts which event triggers the follow-up. The default matches
// any event.
func MatchWhen(fn func(ev Event, state any) bool) TransitionOption {
	return func(h *TransitionHandle) {
		h.match = fn
	}
}

// NewTransition panics if start is nil. Without a follow-up the handle is
// finished as soon as it dispatched start.
func NewTransition(start Event, opts ...TransitionOption) *TransitionHandle {
	if start == nil {
		panic("blackbox: a start event is required")
	}
	h := &TransitionHandle{
		Base:  NewBase("transition:" + start.EventType()),
		start: start,
		match: func(Event, any) bool { return true },
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.match == nil {
		h.match = func(Event, any) bool { return true }
	}
	h.finished = h.follow == nil
	return h
}

func (h *TransitionHandle) Enter(bc Context) error {
	bc.Schedule(func() {
		if h.Unloaded() {
			return
		}
		if _, err := bc.Dispatch(h.start); err != nil {
			bc.ReportError(err)
		}
	})
	return nil
}

func (h *TransitionHandle) Exit(Context) error {
	return nil
}

func (h *TransitionHandle) OnEvent(ev Event, bc Context) error {
	if h.finished || h.Unloaded() || !h.Loaded() {
		return nil
	}
	if !h.match(ev, bc.GetState()) {
		return nil
	}
	h.finished = true

	next := h.follow(ev)
	if next == nil {
		return nil
	}
	bc.Schedule(func() {
		if h.Unloaded() {
			return
		}
		if _, err := bc.Dispatch(next); err != nil {
			bc.ReportError(err)
		}
	})
	return nil
}

// Finished reports whether the follow-up was already triggered, or was never
// configured.
func (h *TransitionHandle) Finished() bool {
	return h.finished
}
