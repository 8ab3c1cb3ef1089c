package blackbox

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// visitKey identifies a visited container. A struct and its first field share
// an address, so the type is part of the key.
type visitKey struct {
	typ reflect.Type
	ptr uintptr
	len int
}

// walker collects the handles reachable from a state value.
//
// It descends through pointers, interfaces, slices, arrays, maps and exported
// struct fields. A handle reachable through several paths is reported once, at
// its first position, and already visited pointers, maps and slices are not
// descended again, so self-referencing states terminate.
type walker struct {
	ignored map[string]struct{}
	seen    map[*Base]struct{}
	visited map[visitKey]struct{}
	found   []Handle
}

func newWalker(ignoredPaths [][]string) *walker {
	ignored := make(map[string]struct{}, len(ignoredPaths))
	for _, p := range ignoredPaths {
		ignored[pathKey(p)] = struct{}{}
	}
	return &walker{ignored: ignored}
}

func (w *walker) collect(state any) []Handle {
	w.seen = make(map[*Base]struct{})
	w.visited = make(map[visitKey]struct{})
	w.found = nil
	w.walk(reflect.ValueOf(state), nil)
	return w.found
}

func (w *walker) walk(v reflect.Value, path []string) {
	if !v.IsValid() {
		return
	}
	if len(w.ignored) > 0 {
		if _, ok := w.ignored[pathKey(path)]; ok {
			return
		}
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		if v.IsNil() {
			return
		}
	}

	if v.CanInterface() {
		if h, ok := v.Interface().(Handle); ok {
			if b := h.base(); b != nil {
				if _, dup := w.seen[b]; !dup {
					w.seen[b] = struct{}{}
					w.found = append(w.found, h)
				}
				return
			}
		}
	}

	switch v.Kind() {
	case reflect.Interface:
		w.walk(v.Elem(), path)

	case reflect.Pointer:
		if !w.markVisited(visitKey{typ: v.Type(), ptr: v.Pointer()}) {
			return
		}
		w.walk(v.Elem(), path)

	case reflect.Slice:
		if !w.markVisited(visitKey{typ: v.Type(), ptr: v.Pointer(), len: v.Len()}) {
			return
		}
		w.walkSequence(v, path)

	case reflect.Array:
		w.walkSequence(v, path)

	case reflect.Map:
		if !w.markVisited(visitKey{typ: v.Type(), ptr: v.Pointer()}) {
			return
		}
		keys := v.MapKeys()
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = keyName(k)
		}
		idx := make([]int, len(keys))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return names[idx[a]] < names[idx[b]] })
		for _, i := range idx {
			w.walk(v.MapIndex(keys[i]), appendPath(path, names[i]))
		}

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			w.walk(v.Field(i), appendPath(path, field.Name))
		}
	}
}

func (w *walker) walkSequence(v reflect.Value, path []string) {
	for i := 0; i < v.Len(); i++ {
		w.walk(v.Index(i), appendPath(path, strconv.Itoa(i)))
	}
}

func (w *walker) markVisited(k visitKey) bool {
	if _, ok := w.visited[k]; ok {
		return false
	}
	w.visited[k] = struct{}{}
	return true
}

func keyName(k reflect.Value) string {
	if k.CanInterface() {
		return fmt.Sprint(k.Interface())
	}
	return k.String()
}

func appendPath(path []string, segment string) []string {
	next := make([]string, len(path)+1)
	copy(next, path)
	next[len(path)] = segment
	return next
}

func pathKey(path []string) string {
	return strings.Join(path, "\x00")
}
