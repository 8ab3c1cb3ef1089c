package blackbox

import "fmt"

// Predicate decides whether an event satisfies an await.
type Predicate func(ev Event) bool

// Wildcard matches every event.
const Wildcard = "*"

// CompilePattern turns an await pattern into a Predicate:
//
//   - nil or "*" matches any event,
//   - a string matches events whose EventType equals it,
//   - a Predicate or func(Event) bool is used as is,
//   - a []any, []string or []Predicate is compiled element-wise and matches
//     when any element matches.
func CompilePattern(pattern any) (Predicate, error) {
	switch p := pattern.(type) {
	case nil:
		return matchAll, nil
	case string:
		if p == Wildcard {
			return matchAll, nil
		}
		return func(ev Event) bool { return ev.EventType() == p }, nil
	case Predicate:
		return p, nil
	case func(Event) bool:
		return p, nil
	case []string:
		items := make([]any, len(p))
		for i, s := range p {
			items[i] = s
		}
		return compileList(items)
	case []Predicate:
		items := make([]any, len(p))
		for i, pred := range p {
			items[i] = pred
		}
		return compileList(items)
	case []any:
		return compileList(p)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedPattern, pattern)
	}
}

// MustCompilePattern is the panic-on-failure variant of CompilePattern.
func MustCompilePattern(pattern any) Predicate {
	pred, err := CompilePattern(pattern)
	if err != nil {
		panic(err)
	}
	return pred
}

func compileList(items []any) (Predicate, error) {
	preds := make([]Predicate, 0, len(items))
	for _, item := range items {
		pred, err := CompilePattern(item)
		if err != nil {
			return nil, err
		}
		preds = append(preds, pred)
	}
	return func(ev Event) bool {
		for _, pred := range preds {
			if pred(ev) {
				return true
			}
		}
		return false
	}, nil
}

func matchAll(Event) bool { return true }
