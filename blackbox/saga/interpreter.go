package saga

import (
	"fmt"

	"github.com/on-the-ground/black_box_go/blackbox"
	"github.com/on-the-ground/black_box_go/blackbox/internal/coroutine"
	"go.uber.org/zap"
)

type resumeMode int

const (
	resumeNext resumeMode = iota
	resumeThrow
	resumeReturn
)

// outcome is a handled value: either available now or deferred.
type outcome struct {
	value  any
	future blackbox.Deferred
}

// interpreter runs on the logical thread of the saga's store.
type interpreter struct {
	scope blackbox.Scope
}

// pass drives one coroutine until it is done, or until it is cancelled.
type pass struct {
	in        *interpreter
	co        *coroutine.Coroutine
	result    *blackbox.Future
	running   blackbox.Deferred
	cancelled bool
}

// start begins a pass over co. With forceReturn the pass first unwinds co
// through its deferred calls. With async the first step is scheduled rather
// than taken now.
func (in *interpreter) start(co *coroutine.Coroutine, forceReturn, async bool) *blackbox.Future {
	p := &pass{in: in, co: co}
	p.result = blackbox.NewFuture(p.cancel)

	mode := resumeNext
	if forceReturn {
		mode = resumeReturn
	}
	if async {
		in.scope.Schedule(func() { p.step(mode, nil, nil) })
	} else {
		p.step(mode, nil, nil)
	}
	return p.result
}

func (p *pass) step(mode resumeMode, value any, err error) {
	for !p.cancelled {
		var st coroutine.Step
		switch mode {
		case resumeReturn:
			st = p.co.Return()
		case resumeThrow:
			st = p.co.Throw(err)
		default:
			st = p.co.Next(value)
		}
		if st.Err != nil {
			p.result.Reject(st.Err)
			return
		}

		out, perr := p.in.handle(st.Value)
		if perr != nil {
			if st.Done {
				p.result.Reject(perr)
				return
			}
			mode, value, err = resumeThrow, nil, perr
			continue
		}

		if out.future != nil {
			p.await(out.future, st.Done)
			return
		}
		if st.Done {
			p.result.Resolve(out.value)
			return
		}
		mode, value, err = resumeNext, out.value, nil
	}
}

func (p *pass) await(d blackbox.Deferred, done bool) {
	p.running = d
	d.Then(func(value any, err error) {
		p.in.scope.Schedule(func() {
			if p.cancelled {
				return
			}
			p.running = nil
			switch {
			case done && err != nil:
				p.result.Reject(err)
			case done:
				p.result.Resolve(value)
			case err != nil:
				p.step(resumeThrow, nil, err)
			default:
				p.step(resumeNext, value, nil)
			}
		})
	})
}

// cancel stops the pass where it is suspended: whatever it waits on is
// cancelled, then a second pass forces the coroutine through its cleanups.
func (p *pass) cancel() {
	if p.cancelled {
		return
	}
	p.cancelled = true
	if c, ok := p.running.(blackbox.Canceler); ok {
		c.Cancel()
	}
	p.running = nil

	cleanup := p.in.start(p.co, true, false)
	cleanup.Then(func(_ any, err error) {
		if err == nil {
			return
		}
		p.in.scope.Logger().Error("saga failed while cleaning up after cancellation", zap.Error(err))
		p.in.scope.ReportError(fmt.Errorf("saga cleanup failed: %w", err))
	})
}

func (in *interpreter) handle(v any) (outcome, error) {
	switch val := v.(type) {
	case nil:
		return outcome{}, nil
	case Saga:
		return outcome{future: in.start(coroutine.New(coroutine.Body(val)), false, false)}, nil
	case func(Yielder) (any, error):
		return outcome{future: in.start(coroutine.New(val), false, false)}, nil
	case Effect:
		return in.handleEffect(val)
	case *Effect:
		if val == nil {
			return outcome{}, nil
		}
		return in.handleEffect(*val)
	case blackbox.Deferred:
		return outcome{future: val}, nil
	default:
		return outcome{value: v}, nil
	}
}

func (in *interpreter) handleEffect(e Effect) (outcome, error) {
	switch e.Tag {
	case TagReadState:
		value, err := in.readState(e.Selector, e.Args)
		return outcome{value: value}, err

	case TagDispatch:
		res, err := in.scope.Dispatch(e.Event)
		if err != nil {
			return outcome{}, err
		}
		if d, ok := res.(blackbox.Deferred); ok && e.Resolve {
			return outcome{future: d}, nil
		}
		return outcome{value: res}, nil

	case TagAwait:
		return outcome{future: in.scope.Await(e.Pattern)}, nil

	case TagInvoke:
		res, err := invoke(e.Fn, e.Args)
		if err != nil {
			return outcome{}, err
		}
		return in.handle(res)

	case TagJoinAll:
		return in.joinAll(e.Items)

	case TagQueryCancellation:
		return outcome{value: in.scope.Unloaded()}, nil

	default:
		return outcome{}, fmt.Errorf("%w: %q", ErrUnsupportedEffect, e.Tag)
	}
}

func (in *interpreter) readState(sel Selector, args []any) (value any, err error) {
	if sel == nil {
		return nil, fmt.Errorf("%w: nil selector", ErrInvalidCall)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in selector: %v", r)
		}
	}()
	return sel(in.scope.GetState(), args...), nil
}

func (in *interpreter) joinAll(items []any) (outcome, error) {
	members := make([]any, len(items))
	for i, item := range items {
		out, err := in.handle(item)
		if err != nil {
			for _, started := range members[:i] {
				if c, ok := started.(blackbox.Canceler); ok {
					c.Cancel()
				}
			}
			return outcome{}, err
		}
		if out.future != nil {
			members[i] = out.future
		} else {
			members[i] = out.value
		}
	}
	return outcome{future: blackbox.All(members...)}, nil
}
