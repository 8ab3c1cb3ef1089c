package blackbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/on-the-ground/black_box_go/blackbox"
	"github.com/on-the-ground/black_box_go/blackbox/internal/bbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manual is a Deferred without Cancel, settled by the test.
type manual struct {
	mu sync.Mutex
	fn func(any, error)
}

func (m *manual) Then(fn func(any, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
}

func (m *manual) settle(v any, err error) {
	m.mu.Lock()
	fn := m.fn
	m.mu.Unlock()
	fn(v, err)
}

func TestDeferred_DispatchesResolvedEvent(t *testing.T) {
	env := bbtest.New(t, nil)
	h := blackbox.NewDeferred(func() blackbox.Deferred {
		return blackbox.Go(func(ctx context.Context) (any, error) {
			time.Sleep(10 * time.Millisecond)
			return bbtest.Ev("TRANSITION2"), nil
		})
	})

	env.MustDispatch(bbtest.Put("d", h))
	env.WaitSeen("TRANSITION2")

	var settled bool
	env.Do(func() { settled = h.Settled() })
	assert.True(t, settled)
}

func TestDeferred_AlreadyResolved(t *testing.T) {
	env := bbtest.New(t, nil)
	h := blackbox.NewDeferred(func() blackbox.Deferred {
		return blackbox.Resolved(bbtest.Ev("TRANSITION2"))
	})

	env.MustDispatch(bbtest.Put("d", h))
	env.WaitSeen("TRANSITION2")
}

func TestDeferred_ManyHandles(t *testing.T) {
	env := bbtest.New(t, nil)
	handles := make([]blackbox.Handle, 5)
	for i := range handles {
		handles[i] = blackbox.NewDeferred(func() blackbox.Deferred {
			return blackbox.Go(func(ctx context.Context) (any, error) {
				return bbtest.Ev("TICK"), nil
			})
		})
	}

	env.MustDispatch(bbtest.Set(func(s bbtest.State) bbtest.State {
		s.List = handles
		return s
	}))

	require.Eventually(t, func() bool {
		n := 0
		for _, seen := range env.Seen() {
			if seen == "TICK" {
				n++
			}
		}
		return n == 5
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDeferred_CancelledWhenRemovedFirst(t *testing.T) {
	env := bbtest.New(t, nil)
	cancelled := make(chan struct{})
	f := blackbox.NewFuture(func() { close(cancelled) })
	h := blackbox.NewDeferred(func() blackbox.Deferred { return f })

	env.MustDispatch(bbtest.Put("d", h))
	env.MustDispatch(bbtest.Drop("d"))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("computation was not cancelled")
	}
	assert.False(t, f.Resolve(bbtest.Ev("X")))
	env.Flush(2)
	assert.NotContains(t, env.Seen(), "X")
}

func TestDeferred_ResolvingAfterRemovalDispatchesNothing(t *testing.T) {
	env := bbtest.New(t, nil)
	m := &manual{}
	h := blackbox.NewDeferred(func() blackbox.Deferred { return m })

	env.MustDispatch(bbtest.Put("d", h))
	env.MustDispatch(bbtest.Drop("d"))
	m.settle(bbtest.Ev("X"), nil)
	env.Flush(2)

	assert.NotContains(t, env.Seen(), "X")
	assert.Empty(t, env.AsyncErrors())
}

func TestDeferred_SlowComputationRemovedEarly(t *testing.T) {
	env := bbtest.New(t, nil)
	h := blackbox.NewDeferred(func() blackbox.Deferred {
		return blackbox.Go(func(ctx context.Context) (any, error) {
			select {
			case <-time.After(100 * time.Millisecond):
				return bbtest.Ev("X"), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
	})

	env.MustDispatch(bbtest.Put("d", h))
	time.Sleep(10 * time.Millisecond)
	env.MustDispatch(bbtest.Drop("d"))
	time.Sleep(150 * time.Millisecond)
	env.Flush(2)

	assert.NotContains(t, env.Seen(), "X")
}

func TestDeferred_ContextFactoryObservesSignal(t *testing.T) {
	env := bbtest.New(t, nil)
	stopped := make(chan error, 1)
	h := blackbox.NewDeferredContext(func(ctx context.Context) (blackbox.Deferred, error) {
		go func() {
			<-ctx.Done()
			stopped <- ctx.Err()
		}()
		return blackbox.NewFuture(nil), nil
	})

	env.MustDispatch(bbtest.Put("d", h))
	env.MustDispatch(bbtest.Drop("d"))

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("signal was not cancelled")
	}
}

func TestDeferred_FactoryErrorFailsEnter(t *testing.T) {
	env := bbtest.New(t, nil)
	boom := errors.New("boom")
	h := blackbox.NewDeferredContext(func(context.Context) (blackbox.Deferred, error) {
		return nil, boom
	})

	_, err := env.Dispatch(bbtest.Put("d", h))

	var perr *blackbox.ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, env.Logs.FilterMessage("failed to start deferred computation").Len())
}

func TestDeferred_FactoryPanicFailsEnter(t *testing.T) {
	env := bbtest.New(t, nil)
	h := blackbox.NewDeferred(func() blackbox.Deferred { panic("no computation") })

	_, err := env.Dispatch(bbtest.Put("d", h))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no computation")
}

func TestDeferred_RejectionIsReported(t *testing.T) {
	env := bbtest.New(t, nil)
	boom := errors.New("request failed")
	h := blackbox.NewDeferred(func() blackbox.Deferred { return blackbox.Rejected(boom) })

	env.MustDispatch(bbtest.Put("d", h))

	err := env.WaitAsyncError()
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), h.Name())
}

func TestDeferred_NilResultIsIgnored(t *testing.T) {
	env := bbtest.New(t, nil)
	h := blackbox.NewDeferred(func() blackbox.Deferred { return blackbox.Resolved(nil) })

	env.MustDispatch(bbtest.Put("d", h))
	env.Flush(2)

	assert.Equal(t, []string{"SET"}, env.Seen())
	assert.Empty(t, env.AsyncErrors())
}
