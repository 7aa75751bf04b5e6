// Package assert provides non-fatal test assertions in the style used
// throughout this repository. A failed assertion marks the test failed
// and continues.
package assert

import (
	"fmt"
	"reflect"
	"strings"
)

// TB is the subset of testing.TB these helpers need.
type TB interface {
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	Helper()
}

func formatMsg(def string, msg ...interface{}) string {
	if len(msg) == 0 {
		return def
	}
	if s, ok := msg[0].(string); ok && len(msg) > 1 {
		return fmt.Sprintf(s, msg[1:]...)
	}
	return fmt.Sprint(msg...)
}

type failFn func(format string, args ...interface{})

func equal(fail failFn, expected, actual interface{}, msg ...interface{}) {
	if expected != actual {
		fail("%s: expected %v, got %v", formatMsg("values are not equal", msg...), expected, actual)
	}
}

func deepEqual(fail failFn, expected, actual interface{}, msg ...interface{}) {
	if !reflect.DeepEqual(expected, actual) {
		fail("%s: expected %v, got %v", formatMsg("values are not deeply equal", msg...), expected, actual)
	}
}

func noError(fail failFn, err error, msg ...interface{}) {
	if err != nil {
		fail("%s: %v", formatMsg("unexpected error", msg...), err)
	}
}

func errorContains(fail failFn, want string, err error, msg ...interface{}) {
	if err == nil {
		fail("%s: expected error %q, got nil", formatMsg("no error returned", msg...), want)
		return
	}
	if !strings.Contains(err.Error(), want) {
		fail("%s: got %q, want substring %q", formatMsg("unexpected error", msg...), err.Error(), want)
	}
}

func notNil(fail failFn, obj interface{}, msg ...interface{}) {
	if isNil(obj) {
		fail("%s", formatMsg("unexpected nil value", msg...))
	}
}

func isNil(obj interface{}) bool {
	if obj == nil {
		return true
	}
	v := reflect.ValueOf(obj)
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
		return v.IsNil()
	}
	return false
}

// Equal compares values with ==.
func Equal(tb TB, expected, actual interface{}, msg ...interface{}) {
	tb.Helper()
	equal(tb.Errorf, expected, actual, msg...)
}

// DeepEqual compares values with reflect.DeepEqual.
func DeepEqual(tb TB, expected, actual interface{}, msg ...interface{}) {
	tb.Helper()
	deepEqual(tb.Errorf, expected, actual, msg...)
}

// NoError fails if err is non-nil.
func NoError(tb TB, err error, msg ...interface{}) {
	tb.Helper()
	noError(tb.Errorf, err, msg...)
}

// ErrorContains fails unless err contains the wanted substring.
func ErrorContains(tb TB, want string, err error, msg ...interface{}) {
	tb.Helper()
	errorContains(tb.Errorf, want, err, msg...)
}

// NotNil fails if obj is nil.
func NotNil(tb TB, obj interface{}, msg ...interface{}) {
	tb.Helper()
	notNil(tb.Errorf, obj, msg...)
}

// True fails unless value holds.
func True(tb TB, value bool, msg ...interface{}) {
	tb.Helper()
	if !value {
		tb.Errorf("%s", formatMsg("expected true, got false", msg...))
	}
}

// False fails if value holds.
func False(tb TB, value bool, msg ...interface{}) {
	tb.Helper()
	if value {
		tb.Errorf("%s", formatMsg("expected false, got true", msg...))
	}
}
