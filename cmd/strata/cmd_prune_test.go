package main

import (
	"math"
	"testing"

	rtest "github.com/strata-backup/strata/internal/test"
)

func TestParseSize(t *testing.T) {
	var tests = []struct {
		input string
		want  int64
		err   bool
	}{
		{input: "1024", want: 1024},
		{input: "100b", want: 100},
		{input: "5k", want: 5 * 1024},
		{input: "16M", want: 16 * 1024 * 1024},
		{input: "2g", want: 2 * 1024 * 1024 * 1024},
		{input: "1T", want: 1024 * 1024 * 1024 * 1024},
		{input: "", err: true},
		{input: "nonsense", err: true},
		{input: "g", err: true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			size, err := parseSize(test.input)
			if test.err {
				rtest.Assert(t, err != nil, "expected error for %q, got none", test.input)
				return
			}
			rtest.OK(t, err)
			rtest.Equals(t, test.want, size)
		})
	}
}

func TestVerifyPruneOptionsMaxUnused(t *testing.T) {
	var tests = []struct {
		input string
		used  uint64
		want  uint64
		err   bool
	}{
		// 5% of the total size, expressed in terms of used size
		{input: "5%", used: 950, want: 50},
		{input: "50%", used: 500, want: 500},
		{input: "unlimited", used: 0, want: math.MaxUint64},
		{input: "10M", used: 0, want: 10 * 1024 * 1024},
		{input: "100%", err: true},
		{input: "-5%", err: true},
		{input: "", err: true},
		{input: "%", err: true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			opts := PruneOptions{MaxUnused: test.input}
			err := verifyPruneOptions(&opts)
			if test.err {
				rtest.Assert(t, err != nil, "expected error for %q, got none", test.input)
				return
			}
			rtest.OK(t, err)
			rtest.Equals(t, test.want, opts.maxUnusedBytes(test.used))
		})
	}
}

func TestVerifyPruneOptionsRecovery(t *testing.T) {
	opts := PruneOptions{MaxUnused: "5%", MaxRepackSize: "10G", UnsafeNoSpaceRecovery: "deadbeef"}
	rtest.OK(t, verifyPruneOptions(&opts))

	rtest.Assert(t, opts.unsafeRecovery, "expected unsafeRecovery to be set")
	rtest.Equals(t, uint64(0), opts.MaxRepackBytes)
}
