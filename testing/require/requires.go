// Package require mirrors testing/assert with fatal failure semantics.
package require

import (
	"github.com/gridprime/gridprime/testing/assert"
)

type fatalizer struct{ tb assert.TB }

func (f fatalizer) Errorf(format string, args ...interface{}) { f.tb.Fatalf(format, args...) }
func (f fatalizer) Fatalf(format string, args ...interface{}) { f.tb.Fatalf(format, args...) }
func (f fatalizer) Helper()                                   { f.tb.Helper() }

// Equal compares values with ==, aborting the test on mismatch.
func Equal(tb assert.TB, expected, actual interface{}, msg ...interface{}) {
	tb.Helper()
	assert.Equal(fatalizer{tb}, expected, actual, msg...)
}

// DeepEqual compares values with reflect.DeepEqual, aborting on mismatch.
func DeepEqual(tb assert.TB, expected, actual interface{}, msg ...interface{}) {
	tb.Helper()
	assert.DeepEqual(fatalizer{tb}, expected, actual, msg...)
}

// NoError aborts the test if err is non-nil.
func NoError(tb assert.TB, err error, msg ...interface{}) {
	tb.Helper()
	assert.NoError(fatalizer{tb}, err, msg...)
}

// ErrorContains aborts the test unless err contains the wanted substring.
func ErrorContains(tb assert.TB, want string, err error, msg ...interface{}) {
	tb.Helper()
	assert.ErrorContains(fatalizer{tb}, want, err, msg...)
}

// NotNil aborts the test if obj is nil.
func NotNil(tb assert.TB, obj interface{}, msg ...interface{}) {
	tb.Helper()
	assert.NotNil(fatalizer{tb}, obj, msg...)
}

// True aborts the test unless value holds.
func True(tb assert.TB, value bool, msg ...interface{}) {
	tb.Helper()
	assert.True(fatalizer{tb}, value, msg...)
}

// False aborts the test if value holds.
func False(tb assert.TB, value bool, msg ...interface{}) {
	tb.Helper()
	assert.False(fatalizer{tb}, value, msg...)
}
