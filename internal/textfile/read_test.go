package textfile

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func writeTempfile(t testing.TB, data []byte) string {
	t.Helper()

	name := filepath.Join(t.TempDir(), "textfile")
	if err := os.WriteFile(name, data, 0600); err != nil {
		t.Fatal(err)
	}

	return name
}

func dec(s string) []byte {
	data, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return data
}

func TestRead(t *testing.T) {
	var tests = []struct {
		data []byte
		want []byte
	}{
		{data: []byte("foo bar baz")},
		{data: []byte("Ööbär")},
		{
			data: []byte("\xef\xbb\xbffööbär"),
			want: []byte("fööbär"),
		},
		{
			data: dec("feff006600f600f6006200e40072"),
			want: []byte("fööbär"),
		},
		{
			data: dec("fffe6600f600f6006200e40072007200"),
			want: []byte("fööbärr"),
		},
	}

	for _, test := range tests {
		if test.want == nil {
			test.want = test.data
		}

		t.Run("", func(t *testing.T) {
			filename := writeTempfile(t, test.data)

			data, err := Read(filename)
			if err != nil {
				t.Fatal(err)
			}

			if !bytes.Equal(data, test.want) {
				t.Errorf("invalid data returned, want:\n  %q\ngot:\n  %q", test.want, data)
			}
		})
	}
}
