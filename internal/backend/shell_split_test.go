package backend

import (
	"reflect"
	"testing"
)

func TestShellSplitter(t *testing.T) {
	var tests = []struct {
		data string
		args []string
	}{
		{
			`foo`,
			[]string{"foo"},
		},
		{
			`'foo'`,
			[]string{"foo"},
		},
		{
			`foo bar baz`,
			[]string{"foo", "bar", "baz"},
		},
		{
			`foo 'bar' baz`,
			[]string{"foo", "bar", "baz"},
		},
		{
			`'bar box' baz`,
			[]string{"bar box", "baz"},
		},
		{
			`"bar 'box'" baz`,
			[]string{"bar 'box'", "baz"},
		},
		{
			`'bar "box"' baz`,
			[]string{`bar "box"`, "baz"},
		},
		{
			`rclone serve restic --stdio`,
			[]string{"rclone", "serve", "restic", "--stdio"},
		},
	}

	for _, test := range tests {
		t.Run("", func(t *testing.T) {
			args, err := SplitShellStrings(test.data)
			if err != nil {
				t.Fatal(err)
			}

			if !reflect.DeepEqual(args, test.args) {
				t.Fatalf("wrong args returned, want:\n  %#v\ngot:\n  %#v",
					test.args, args)
			}
		})
	}
}

func TestShellSplitterInvalid(t *testing.T) {
	var tests = []struct {
		data string
	}{
		{""},
		{"''"},
		{`'foo`},
		{`"foo`},
		{`foo 'bar`},
	}

	for _, test := range tests {
		t.Run("", func(t *testing.T) {
			args, err := SplitShellStrings(test.data)
			if err == nil {
				t.Fatalf("expected error for %q not found, args: %#v", test.data, args)
			}
		})
	}
}
