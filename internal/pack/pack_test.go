package pack_test

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"

	"github.com/strata-backup/strata/internal/crypto"
	"github.com/strata-backup/strata/internal/pack"
	"github.com/strata-backup/strata/internal/strata"
	rtest "github.com/strata-backup/strata/internal/test"
)

var testLens = []int{23, 31650, 25860, 10928, 13769, 19862, 5211, 127, 13690, 30231}

type Buf struct {
	data []byte
	id   strata.ID
}

func newPack(t testing.TB, k *crypto.Key, lengths []int) ([]Buf, []byte, uint) {
	bufs := []Buf{}

	for _, l := range lengths {
		b := make([]byte, l)
		_, err := io.ReadFull(rand.Reader, b)
		rtest.OK(t, err)
		h := sha256.Sum256(b)
		bufs = append(bufs, Buf{data: b, id: h})
	}

	// pack blobs
	var buf bytes.Buffer
	p := pack.NewPacker(k, &buf)
	for _, b := range bufs {
		_, err := p.Add(strata.TreeBlob, b.id, b.data, 2*len(b.data))
		rtest.OK(t, err)
	}

	err := p.Finalize()
	rtest.OK(t, err)

	return bufs, buf.Bytes(), p.Size()
}

func verifyBlobs(t testing.TB, bufs []Buf, k *crypto.Key, rd io.ReaderAt, packSize uint) {
	written := 0
	for _, buf := range bufs {
		written += len(buf.data)
	}

	// header length + header + header crypto
	headerSize := binary.Size(uint32(0)) + crypto.Extension
	for _, buf := range bufs {
		written += pack.CalculateEntrySize(strata.Blob{
			BlobHandle:         strata.BlobHandle{Type: strata.TreeBlob, ID: buf.id},
			Length:             uint(len(buf.data)),
			UncompressedLength: uint(2 * len(buf.data)),
		})
	}
	written += headerSize

	// check length
	rtest.Equals(t, uint(written), packSize)

	// read and parse it again
	entries, hdrSize, err := pack.List(k, rd, int64(packSize))
	rtest.OK(t, err)
	rtest.Equals(t, len(bufs), len(entries))

	// check the head size calculation
	rtest.Equals(t, pack.CalculateHeaderSize(entries), int(hdrSize))

	var buf []byte
	for i, b := range bufs {
		e := entries[i]
		rtest.Equals(t, b.id, e.ID)

		if len(buf) < int(e.Length) {
			buf = make([]byte, int(e.Length))
		}
		buf = buf[:int(e.Length)]
		n, err := rd.ReadAt(buf, int64(e.Offset))
		rtest.OK(t, err)
		buf = buf[:n]

		rtest.Assert(t, bytes.Equal(b.data, buf),
			"data for blob %v doesn't match", i)
	}
}

func TestCreatePack(t *testing.T) {
	// create random keys
	k := crypto.NewRandomKey()

	bufs, packData, packSize := newPack(t, k, testLens)
	rtest.Equals(t, uint(len(packData)), packSize)
	verifyBlobs(t, bufs, k, bytes.NewReader(packData), packSize)
}

var blobTypeJSON = []struct {
	t   strata.BlobType
	res string
}{
	{strata.DataBlob, `"data"`},
	{strata.TreeBlob, `"tree"`},
}

func TestBlobTypeJSON(t *testing.T) {
	for _, test := range blobTypeJSON {
		// test serialize
		buf, err := json.Marshal(test.t)
		rtest.OK(t, err)
		rtest.Equals(t, test.res, string(buf))

		// test unserialize
		var v strata.BlobType
		err = json.Unmarshal([]byte(test.res), &v)
		rtest.OK(t, err)
		rtest.Equals(t, test.t, v)
	}
}

func TestUnpackReadSeeker(t *testing.T) {
	// create random keys
	k := crypto.NewRandomKey()

	bufs, packData, packSize := newPack(t, k, []int{23})
	verifyBlobs(t, bufs, k, bytes.NewReader(packData), packSize)
}

func TestShortPack(t *testing.T) {
	k := crypto.NewRandomKey()

	bufs, packData, packSize := newPack(t, k, []int{23})
	verifyBlobs(t, bufs, k, bytes.NewReader(packData), packSize)
}

func TestPackMerge(t *testing.T) {
	k := crypto.NewRandomKey()

	var buf bytes.Buffer
	p := pack.NewPacker(k, &buf)

	data := rtest.Random(17, 512)
	id := strata.Hash(data)
	_, err := p.Add(strata.DataBlob, id, data, 0)
	rtest.OK(t, err)

	rtest.Equals(t, 1, p.Count())
	rtest.OK(t, p.Finalize())

	entries, _, err := pack.List(k, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(entries))
	rtest.Equals(t, id, entries[0].ID)
	rtest.Equals(t, uint(0), entries[0].UncompressedLength)
}

func TestReadHeaderEagerLoad(t *testing.T) {
	k := crypto.NewRandomKey()

	// more entries than the eager read covers
	lens := make([]int, 0, 30)
	for i := 0; i < 30; i++ {
		lens = append(lens, 100+i)
	}

	bufs, packData, packSize := newPack(t, k, lens)
	verifyBlobs(t, bufs, k, bytes.NewReader(packData), packSize)
}

func TestListTruncatedPack(t *testing.T) {
	k := crypto.NewRandomKey()

	_, packData, _ := newPack(t, k, []int{500})

	// truncating the pack must yield an error and not panic
	for _, n := range []int{0, 1, 10, len(packData) - 1} {
		_, _, err := pack.List(k, bytes.NewReader(packData[:n]), int64(n))
		rtest.Assert(t, err != nil, "expected error for truncation to %d bytes", n)
	}
}
