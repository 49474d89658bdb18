package strata

import (
	"reflect"
	"testing"
)

var TestStrings = []struct {
	id   string
	data string
}{
	{"c3ab8ff13720e8ad9047dd39466b3c8974e592c2fa383d4a3960714caef0c4f2", "foobar"},
	{"248d6a61d20638b8e5c026930c3e6039a33ce45964ff2167f6ecedd419db06c1", "abcdbcdecdefdefgefghfghighijhijkijkljklmklmnlmnomnopnopq"},
	{"cc5d46bdb4991c6eae3eb739c9c8a7a46fe9654fab79c47b4fe48383b5b25e1c", "foo/bar"},
	{"4e54d2c721cbdb730f01b10b62dec622962b36ae9bccf8a581846071aa598ec9", "foo/../../baz"},
}

func TestID(t *testing.T) {
	for _, test := range TestStrings {
		id, err := ParseID(test.id)
		if err != nil {
			t.Error(err)
		}

		id2, err := ParseID(test.id)
		if err != nil {
			t.Error(err)
		}
		if !id.Equal(id2) {
			t.Errorf("ID.Equal() does not work as expected")
		}

		// test json marshalling
		buf, err := id.MarshalJSON()
		if err != nil {
			t.Error(err)
		}
		want := `"` + test.id + `"`
		if string(buf) != want {
			t.Errorf("string comparison failed, wanted %q, got %q", want, string(buf))
		}

		var id3 ID
		err = id3.UnmarshalJSON(buf)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(id, id3) {
			t.Error("ids are not equal")
		}
	}
}

func TestHash(t *testing.T) {
	for _, test := range TestStrings {
		want, err := ParseID(test.id)
		if err != nil {
			t.Fatal(err)
		}

		if got := Hash([]byte(test.data)); got != want {
			t.Errorf("Hash(%q) returned %v, want %v", test.data, got, want)
		}
	}
}

func TestParseIDErrors(t *testing.T) {
	for _, s := range []string{"", "foobar", "c3ab8ff1"} {
		if _, err := ParseID(s); err == nil {
			t.Errorf("ParseID(%q) did not return an error", s)
		}
	}
}

func TestIDUnmarshalJSON(t *testing.T) {
	for _, s := range []string{"", `"`, `'`, `"f`, `"f"`} {
		var id ID
		if err := id.UnmarshalJSON([]byte(s)); err == nil {
			t.Errorf("UnmarshalJSON(%q) did not return an error", s)
		}
	}
}
