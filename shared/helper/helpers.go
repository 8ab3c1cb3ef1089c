package helper

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// GetTypedValueOf safely asserts the result of a getter function to the expected type T.
// Returns an error if the getter fails or the type assertion fails.
// A nil result asserts to the zero value of T.
func GetTypedValueOf[T any](getFn func() (any, error)) (T, error) {
	var zero T

	res, err := getFn()
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}

	val, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected type: %T, want %T", res, zero)
	}

	return val, nil
}

// MustGetTypedValue is the panic-on-failure variant of GetTypedValueOf.
// Use when failure should be fatal (e.g., when the value is guaranteed by construction).
func MustGetTypedValue[T any](getFn func() (any, error)) T {
	res, err := GetTypedValueOf[T](getFn)
	if err != nil {
		panic(err)
	}
	return res
}

// FuncName gives a readable name for fn, such as "pkg.fetchUser" or
// "pkg.(*T).Method". It returns fallback when fn is not a non-nil func.
func FuncName(fn any, fallback string) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return fallback
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return fallback
	}
	name := f.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return fallback
	}
	return name
}
