package main

import (
	"testing"

	rtest "github.com/strata-backup/strata/internal/test"
)

func TestRejectByPattern(t *testing.T) {
	var tests = []struct {
		filename string
		reject   bool
	}{
		{filename: "/home/user/foo.go", reject: true},
		{filename: "/home/user/foo.c", reject: false},
		{filename: "/home/user/foobar", reject: false},
		{filename: "/home/user/foobar/x", reject: true},
		{filename: "/home/user/README", reject: false},
		{filename: "/home/user/README.md", reject: true},
	}

	patterns := []string{"*.go", "README.md", "/home/user/foobar/*"}

	for _, test := range tests {
		t.Run("", func(t *testing.T) {
			reject := rejectByPattern(patterns)
			res := reject(test.filename, nil)
			rtest.Equals(t, test.reject, !res)
		})
	}
}

func TestRejectByPatternEmpty(t *testing.T) {
	reject := rejectByPattern(nil)
	rtest.Assert(t, reject("/any/path", nil), "expected empty pattern list to select everything")
}
