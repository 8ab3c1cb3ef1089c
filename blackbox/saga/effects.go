package saga

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/on-the-ground/black_box_go/blackbox"
)

var (
	ErrUnsupportedEffect = errors.New("unsupported saga effect")
	ErrInvalidCall       = errors.New("invalid invoke")
)

// Tag identifies the kind of an Effect.
type Tag string

const (
	TagReadState         Tag = "READ_STATE"
	TagDispatch          Tag = "DISPATCH"
	TagAwait             Tag = "AWAIT"
	TagInvoke            Tag = "INVOKE"
	TagJoinAll           Tag = "JOIN_ALL"
	TagQueryCancellation Tag = "QUERY_CANCELLATION"
)

// Selector reads a value out of the state.
type Selector func(state any, args ...any) any

// Effect describes one unit of work requested by a saga. Yield it and the
// interpreter resumes the saga with the outcome. Only the fields relevant to
// Tag are set.
type Effect struct {
	Tag Tag

	Selector Selector
	Args     []any

	Event   blackbox.Event
	Resolve bool

	Pattern any

	Fn any

	Items []any
}

func (e Effect) String() string {
	return fmt.Sprintf("saga effect %s", e.Tag)
}

// ReadState resumes the saga with sel(state, args...).
func ReadState(sel Selector, args ...any) Effect {
	return Effect{Tag: TagReadState, Selector: sel, Args: args}
}

// Dispatch dispatches ev and resumes with the dispatch result.
func Dispatch(ev blackbox.Event) Effect {
	return Effect{Tag: TagDispatch, Event: ev}
}

// DispatchAndAwait dispatches ev and, if the dispatch result is a Deferred,
// resumes once it settled.
func DispatchAndAwait(ev blackbox.Event) Effect {
	return Effect{Tag: TagDispatch, Event: ev, Resolve: true}
}

// Await resumes with the first event from now on that matches pattern.
func Await(pattern any) Effect {
	return Effect{Tag: TagAwait, Pattern: pattern}
}

// Invoke calls fn with args and handles its result like a yielded value, so
// fn may return a Saga, a Deferred or a plain value. A trailing error result
// is thrown into the saga.
func Invoke(fn any, args ...any) Effect {
	return Effect{Tag: TagInvoke, Fn: fn, Args: args}
}

// JoinAll runs every item concurrently and resumes with their ordered results.
// Items are anything a saga may yield.
func JoinAll(items ...any) Effect {
	return Effect{Tag: TagJoinAll, Items: items}
}

// QueryCancellation resumes with true once the saga is being cancelled. Inside
// a deferred cleanup it tells a cancellation apart from a normal return.
func QueryCancellation() Effect {
	return Effect{Tag: TagQueryCancellation}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func invoke(fn any, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in invoked function: %v", r)
		}
	}()

	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("%w: %T is not a function", ErrInvalidCall, fn)
	}
	t := v.Type()

	in, err := callArgs(t, args)
	if err != nil {
		return nil, err
	}
	out := v.Call(in)

	if n := t.NumOut(); n > 0 && t.Out(n-1) == errorType {
		if e := out[n-1]; !e.IsNil() {
			return nil, e.Interface().(error)
		}
		out = out[:n-1]
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	default:
		values := make([]any, len(out))
		for i, o := range out {
			values[i] = o.Interface()
		}
		return values, nil
	}
}

func callArgs(t reflect.Type, args []any) ([]reflect.Value, error) {
	n := t.NumIn()
	if t.IsVariadic() {
		if len(args) < n-1 {
			return nil, fmt.Errorf("%w: %s wants at least %d arguments, got %d", ErrInvalidCall, t, n-1, len(args))
		}
	} else if len(args) != n {
		return nil, fmt.Errorf("%w: %s wants %d arguments, got %d", ErrInvalidCall, t, n, len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		var want reflect.Type
		if t.IsVariadic() && i >= n-1 {
			want = t.In(n - 1).Elem()
		} else {
			want = t.In(i)
		}

		if arg == nil {
			switch want.Kind() {
			case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
				in[i] = reflect.Zero(want)
				continue
			}
			return nil, fmt.Errorf("%w: argument %d of %s cannot be nil", ErrInvalidCall, i, t)
		}
		v := reflect.ValueOf(arg)
		if !v.Type().AssignableTo(want) {
			return nil, fmt.Errorf("%w: argument %d of %s is a %s", ErrInvalidCall, i, t, v.Type())
		}
		in[i] = v
	}
	return in, nil
}
