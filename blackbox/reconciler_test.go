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
	"github.com/zoobzio/capitan"
)

func TestReconciler_EntersAndExitsExactlyOnce(t *testing.T) {
	env := bbtest.New(t, nil)
	a := bbtest.NewProbe("a")
	b := bbtest.NewProbe("b")

	env.MustDispatch(bbtest.Put("a", a))
	env.MustDispatch(bbtest.Put("b", b))
	env.MustDispatch(bbtest.Drop("a"))
	env.MustDispatch(bbtest.Ev("NOOP"))
	env.MustDispatch(bbtest.Ev("NOOP"))

	assert.Equal(t, []string{"enter", "event:SET", "exit"}, a.Calls())
	assert.Equal(t, []string{"enter", "event:SET", "event:NOOP", "event:NOOP"}, b.Calls())
	assert.True(t, a.Unloaded())
	assert.True(t, b.Loaded())
	assert.False(t, b.Unloaded())
}

func TestReconciler_AddedAndRemovedInSameRound(t *testing.T) {
	env := bbtest.New(t, nil)
	a := bbtest.NewProbe("a")
	b := bbtest.NewProbe("b")

	env.MustDispatch(bbtest.Put("slot", a))
	env.MustDispatch(bbtest.Put("slot", b))

	assert.Equal(t, []string{"enter", "exit"}, a.Calls())
	assert.Equal(t, []string{"enter"}, b.Calls())

	var live []blackbox.Handle
	env.Do(func() { live = env.Reconciler.Live() })
	require.Len(t, live, 1)
	assert.Same(t, b, live[0])
}

func TestReconciler_NoDispatchAfterExit(t *testing.T) {
	env := bbtest.New(t, nil)
	p := bbtest.NewProbe("p")

	env.MustDispatch(bbtest.Put("p", p))
	bc := p.Context()
	require.NotNil(t, bc)
	assert.NoError(t, bc.Signal().Err())

	env.MustDispatch(bbtest.Drop("p"))
	assert.Error(t, bc.Signal().Err())

	var err error
	env.Do(func() { _, err = bc.Dispatch(bbtest.Ev("LATE")) })
	assert.ErrorIs(t, err, blackbox.ErrDispatchAfterUnload)
	assert.NotContains(t, env.Seen(), "LATE")
}

func TestReconciler_GuardedDispatchBeforeExit(t *testing.T) {
	env := bbtest.New(t, nil)
	p := bbtest.NewProbe("p")
	env.MustDispatch(bbtest.Put("p", p))

	var err error
	env.Do(func() { _, err = p.Context().Dispatch(bbtest.Ev("FROM_HANDLE")) })
	require.NoError(t, err)
	assert.Contains(t, env.Seen(), "FROM_HANDLE")
	assert.Contains(t, p.Calls(), "event:FROM_HANDLE")
}

func TestReconciler_RejectsSynchronousDispatch(t *testing.T) {
	nested := func(bc blackbox.Context) error {
		_, err := bc.Dispatch(bbtest.Ev("NESTED"))
		return err
	}
	tests := []struct {
		name    string
		arrange func(p *bbtest.Probe)
		putErr  bool
	}{
		{
			name:    "enter",
			arrange: func(p *bbtest.Probe) { p.EnterFn = nested },
			putErr:  true,
		},
		{
			name: "event",
			arrange: func(p *bbtest.Probe) {
				p.EventFn = func(_ blackbox.Event, bc blackbox.Context) error { return nested(bc) }
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := bbtest.New(t, nil)
			p := bbtest.NewProbe("p")
			tt.arrange(p)

			_, err := env.Dispatch(bbtest.Put("p", p))
			if tt.putErr {
				assert.ErrorIs(t, err, blackbox.ErrReentrantDispatch)
			} else {
				require.NoError(t, err)
				_, err = env.Dispatch(bbtest.Ev("PING"))
				assert.ErrorIs(t, err, blackbox.ErrReentrantDispatch)
			}
			assert.NotContains(t, env.Seen(), "NESTED")
		})
	}
}

func TestReconciler_RejectsSynchronousDispatchOnExit(t *testing.T) {
	env := bbtest.New(t, nil)
	p := bbtest.NewProbe("p")
	var exitErr error
	p.ExitFn = func(bc blackbox.Context) error {
		_, exitErr = bc.Dispatch(bbtest.Ev("NESTED"))
		return nil
	}

	env.MustDispatch(bbtest.Put("p", p))
	env.MustDispatch(bbtest.Drop("p"))

	// the handle is unloaded before Exit runs, so the guard answers first
	assert.ErrorIs(t, exitErr, blackbox.ErrDispatchAfterUnload)
	assert.NotContains(t, env.Seen(), "NESTED")
}

func TestReconciler_HookFailureIsProcessingError(t *testing.T) {
	env := bbtest.New(t, nil)
	boom := errors.New("boom")
	x := bbtest.NewProbe("x")
	x.EnterFn = func(blackbox.Context) error { return boom }
	y := bbtest.NewProbe("y")

	ev := bbtest.Set(func(s bbtest.State) bbtest.State {
		s.List = []blackbox.Handle{x, y}
		return s
	})
	_, err := env.Dispatch(ev)

	var perr *blackbox.ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "SET", perr.Event.EventType())
	assert.Contains(t, err.Error(), "error occurred while processing event SET")

	// state committed regardless, remaining hooks skipped
	assert.Len(t, env.State().List, 2)
	assert.Equal(t, []string{"enter"}, x.Calls())
	assert.Empty(t, y.Calls())
	assert.Equal(t, 1, env.Logs.FilterMessage("failed to process event").Len())

	env.MustDispatch(bbtest.Ev("NOOP"))
	assert.Equal(t, []string{"enter", "event:NOOP"}, x.Calls())
	assert.Equal(t, []string{"enter"}, y.Calls())
}

func TestReconciler_EnteringTwiceIsContractViolation(t *testing.T) {
	env := bbtest.New(t, nil)
	p := bbtest.NewProbe("p")

	env.MustDispatch(bbtest.Put("p", p))
	env.MustDispatch(bbtest.Drop("p"))
	_, err := env.Dispatch(bbtest.Put("p", p))

	assert.ErrorIs(t, err, blackbox.ErrContractViolation)
	assert.Equal(t, []string{"enter", "exit"}, p.Calls())
}

func TestReconciler_HookPanicIsError(t *testing.T) {
	env := bbtest.New(t, nil)
	p := bbtest.NewProbe("p")
	p.EnterFn = func(blackbox.Context) error { panic("kaboom") }

	_, err := env.Dispatch(bbtest.Put("p", p))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestReconciler_IgnoredPathsAreNotEntered(t *testing.T) {
	env := bbtest.New(t, func(cfg blackbox.Config) blackbox.Config {
		return cfg.WithIgnoredPaths([]string{"Ignored"}, []string{"Slots", "skip"})
	})
	hidden := bbtest.NewProbe("hidden")
	skipped := bbtest.NewProbe("skipped")
	visible := bbtest.NewProbe("visible")

	env.MustDispatch(bbtest.Set(func(s bbtest.State) bbtest.State {
		s.Ignored["h"] = hidden
		s.Slots["skip"] = skipped
		s.Slots["keep"] = visible
		return s
	}))
	env.MustDispatch(bbtest.Ev("NOOP"))

	assert.Empty(t, hidden.Calls())
	assert.Empty(t, skipped.Calls())
	assert.Equal(t, []string{"enter", "event:NOOP"}, visible.Calls())
}

func TestReconciler_DedupesAndSurvivesCycles(t *testing.T) {
	env := bbtest.New(t, nil)
	p := bbtest.NewProbe("p")

	env.MustDispatch(bbtest.Set(func(s bbtest.State) bbtest.State {
		node := &bbtest.Node{Handle: p}
		node.Next = node
		s.Graph = node
		s.List = []blackbox.Handle{p, p}
		s.Slots["p"] = p
		return s
	}))
	env.MustDispatch(bbtest.Ev("NOOP"))

	assert.Equal(t, []string{"enter", "event:NOOP"}, p.Calls())
}

type aliasRoot struct {
	First  int
	Second blackbox.Handle
}

type aliasState struct {
	A *int
	B *aliasRoot
}

func TestReconciler_FindsHandlesBehindAliasedAddresses(t *testing.T) {
	env := bbtest.New(t, nil)
	p := bbtest.NewProbe("p")

	env.MustDispatch(bbtest.Set(func(s bbtest.State) bbtest.State {
		root := &aliasRoot{Second: p}
		// &root.First and root share an address
		s.Extra = aliasState{A: &root.First, B: root}
		return s
	}))
	env.MustDispatch(bbtest.Ev("NOOP"))

	assert.Equal(t, []string{"enter", "event:NOOP"}, p.Calls())
	var live []blackbox.Handle
	env.Do(func() { live = env.Reconciler.Live() })
	require.Len(t, live, 1)
	assert.Same(t, p, live[0])
}

func TestReconciler_EmitsLifecycleSignals(t *testing.T) {
	env := bbtest.New(t, nil)
	p := bbtest.NewProbe("signalled")

	var (
		mu       sync.Mutex
		loaded   []string
		unloaded []string
		lifespan time.Duration
	)
	onLoaded := capitan.Hook(blackbox.HandleLoaded, func(_ context.Context, e *capitan.Event) {
		if id, _ := blackbox.KeyHandleID.From(e); id != p.ID() {
			return
		}
		name, _ := blackbox.KeyHandleName.From(e)
		mu.Lock()
		defer mu.Unlock()
		loaded = append(loaded, name)
	})
	defer onLoaded.Close()
	onUnloaded := capitan.Hook(blackbox.HandleUnloaded, func(_ context.Context, e *capitan.Event) {
		if id, _ := blackbox.KeyHandleID.From(e); id != p.ID() {
			return
		}
		name, _ := blackbox.KeyHandleName.From(e)
		span, ok := blackbox.KeyLifespan.From(e)
		mu.Lock()
		defer mu.Unlock()
		unloaded = append(unloaded, name)
		if ok {
			lifespan = span
		}
	})
	defer onUnloaded.Close()

	env.MustDispatch(bbtest.Put("p", p))
	time.Sleep(5 * time.Millisecond)
	env.MustDispatch(bbtest.Drop("p"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(loaded) == 1 && len(unloaded) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"signalled"}, loaded)
	assert.Equal(t, []string{"signalled"}, unloaded)
	assert.Equal(t, p.Lifespan().Duration(), lifespan)
	assert.Positive(t, lifespan)
}

func TestReconciler_CloseExitsLiveHandles(t *testing.T) {
	env := bbtest.New(t, nil)
	a := bbtest.NewProbe("a")
	b := bbtest.NewProbe("b")
	env.MustDispatch(bbtest.Put("a", a))
	env.MustDispatch(bbtest.Put("b", b))
	signal := a.Context().Signal()

	require.NoError(t, env.Store.Close())

	assert.Equal(t, "exit", a.Calls()[len(a.Calls())-1])
	assert.Equal(t, "exit", b.Calls()[len(b.Calls())-1])
	assert.Error(t, signal.Err())
}

func TestReconciler_CloseCombinesExitErrors(t *testing.T) {
	env := bbtest.New(t, nil)
	errA, errB := errors.New("a failed"), errors.New("b failed")
	a := bbtest.NewProbe("a")
	a.ExitFn = func(blackbox.Context) error { return errA }
	b := bbtest.NewProbe("b")
	b.ExitFn = func(blackbox.Context) error { return errB }
	env.MustDispatch(bbtest.Put("a", a))
	env.MustDispatch(bbtest.Put("b", b))

	err := env.Store.Close()
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestReconciler_ReportErrorReachesHandler(t *testing.T) {
	env := bbtest.New(t, nil)
	p := bbtest.NewProbe("p")
	env.MustDispatch(bbtest.Put("p", p))

	boom := errors.New("late failure")
	env.Do(func() { p.Context().ReportError(boom) })

	assert.ErrorIs(t, env.WaitAsyncError(), boom)
	assert.Equal(t, 1, env.Logs.FilterMessage("black box computation failed").Len())
}

func TestBase_Lifespan(t *testing.T) {
	env := bbtest.New(t, nil)
	p := bbtest.NewProbe("p")
	assert.True(t, p.Lifespan().IsEmpty())

	env.MustDispatch(bbtest.Put("p", p))
	env.MustDispatch(bbtest.Drop("p"))
	span := p.Lifespan()
	assert.False(t, span.Start().IsZero())
	assert.Equal(t, span, p.Lifespan())
}

func TestBase_Identity(t *testing.T) {
	a := blackbox.NewBase("same")
	b := blackbox.NewBase("same")
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, "same("+a.ID()+")", a.String())

	a.Rename("other")
	assert.Equal(t, "other", a.Name())
}
