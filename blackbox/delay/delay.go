// Package delay dispatches an event once a duration elapsed.
package delay

import (
	"context"
	"time"

	"github.com/on-the-ground/black_box_go/blackbox"
	"github.com/zoobzio/clockz"
)

// Handle dispatches Event after Delay unless it leaves the state first, in
// which case the timer is stopped.
type Handle struct {
	*blackbox.DeferredHandle

	Delay time.Duration
	Event blackbox.Event
}

// New uses clockz.RealClock when clock is nil.
func New(clock clockz.Clock, d time.Duration, ev blackbox.Event) *Handle {
	if clock == nil {
		clock = clockz.RealClock
	}
	h := &Handle{Delay: d, Event: ev}
	h.DeferredHandle = blackbox.NewDeferred(func() blackbox.Deferred {
		timer := clock.NewTimer(d)
		return blackbox.Go(func(ctx context.Context) (any, error) {
			select {
			case <-timer.C():
				return ev, nil
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		})
	})
	if ev != nil {
		h.Rename("delay:" + ev.EventType())
	} else {
		h.Rename("delay")
	}
	return h
}
