// Package test provides small helpers used by the test suites.
package test

import (
	"math/rand"
	"reflect"
	"testing"
)

// Assert fails the test if the condition is false.
func Assert(tb testing.TB, condition bool, msg string, v ...interface{}) {
	tb.Helper()
	if !condition {
		tb.Fatalf(msg, v...)
	}
}

// OK fails the test if an err is not nil.
func OK(tb testing.TB, err error) {
	tb.Helper()
	if err != nil {
		tb.Fatalf("unexpected error: %+v", err)
	}
}

// OKs fails the test if any error from errs is not nil.
func OKs(tb testing.TB, errs []error) {
	tb.Helper()
	for _, err := range errs {
		if err != nil {
			tb.Errorf("unexpected error: %+v", err)
		}
	}
	if tb.Failed() {
		tb.FailNow()
	}
}

// Equals fails the test if exp is not equal to act.
func Equals(tb testing.TB, exp, act interface{}, msgAndArgs ...interface{}) {
	tb.Helper()
	if !reflect.DeepEqual(exp, act) {
		if len(msgAndArgs) > 0 {
			tb.Logf(msgAndArgs[0].(string), msgAndArgs[1:]...)
		}
		tb.Fatalf("expected:\n\t%#v\ngot:\n\t%#v", exp, act)
	}
}

// Random returns size bytes of pseudo-random data derived from the seed.
func Random(seed, count int) []byte {
	p := make([]byte, count)
	rnd := rand.New(rand.NewSource(int64(seed)))
	for i := 0; i < len(p); i += 8 {
		val := rnd.Int63()
		var data = []byte{
			byte((val >> 0) & 0xff), byte((val >> 8) & 0xff),
			byte((val >> 16) & 0xff), byte((val >> 24) & 0xff),
			byte((val >> 32) & 0xff), byte((val >> 40) & 0xff),
			byte((val >> 48) & 0xff), byte((val >> 56) & 0xff),
		}
		for j := range data {
			cur := i + j
			if cur >= len(p) {
				break
			}
			p[cur] = data[j]
		}
	}
	return p
}
