package store

// Event is anything that can be dispatched to a store.
type Event interface {
	EventType() string
}

// Action is the plain-data event most reducers work with.
type Action struct {
	Type    string
	Payload any
}

func (a Action) EventType() string { return a.Type }

// InitType is the conventional event type used to make a freshly built store
// walk its initial state.
const InitType = "@@black_box_go/INIT"
