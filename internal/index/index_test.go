package index

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/strata-backup/strata/internal/strata"
	rtest "github.com/strata-backup/strata/internal/test"
)

func randomBlobs(t testing.TB, packID strata.ID, num int, tpe strata.BlobType) []strata.Blob {
	blobs := make([]strata.Blob, 0, num)
	pos := uint(0)
	for i := 0; i < num; i++ {
		length := uint(100 + rand.Intn(8000))
		blobs = append(blobs, strata.Blob{
			BlobHandle: strata.BlobHandle{
				Type: tpe,
				ID:   strata.NewRandomID(),
			},
			Offset:             pos,
			Length:             length,
			UncompressedLength: 2 * length,
		})
		pos += length
	}
	return blobs
}

func TestIndexSerialize(t *testing.T) {
	idx := NewIndex()

	// create 50 packs with 20 blobs each
	stored := make(map[strata.BlobHandle]strata.PackedBlob)
	for i := 0; i < 50; i++ {
		packID := strata.NewRandomID()
		blobs := randomBlobs(t, packID, 20, strata.DataBlob)
		idx.StorePack(packID, blobs)
		for _, b := range blobs {
			stored[b.BlobHandle] = strata.PackedBlob{Blob: b, PackID: packID}
		}
	}

	// serialize the index
	buf := bytes.NewBuffer(nil)
	err := idx.Encode(buf)
	rtest.OK(t, err)

	id := strata.Hash(buf.Bytes())
	idx2, err := DecodeIndex(buf.Bytes(), id)
	rtest.OK(t, err)
	rtest.Assert(t, idx2 != nil, "nil returned for decoded index")
	rtest.Assert(t, idx2.Final(), "decoded index is not final")

	ids, err := idx2.IDs()
	rtest.OK(t, err)
	rtest.Equals(t, strata.IDs{id}, ids)

	// all stored blobs must be found with the same metadata
	for bh, pb := range stored {
		list := idx2.Lookup(bh, nil)
		rtest.Equals(t, 1, len(list))
		rtest.Equals(t, pb, list[0])

		size, found := idx2.LookupSize(bh)
		rtest.Assert(t, found, "blob %v not found", bh)
		rtest.Equals(t, pb.UncompressedLength, size)
	}
}

func TestIndexSize(t *testing.T) {
	idx := NewIndex()

	packs := 10
	blobCount := 100
	for i := 0; i < packs; i++ {
		packID := strata.NewRandomID()
		idx.StorePack(packID, randomBlobs(t, packID, blobCount, strata.DataBlob))
	}

	wr := bytes.NewBuffer(nil)
	err := idx.Encode(wr)
	rtest.OK(t, err)

	t.Logf("Index file size for %d blobs in %d packs is %d", blobCount*packs, packs, wr.Len())
}

func TestIndexUncompressedLength(t *testing.T) {
	idx := NewIndex()

	packID := strata.NewRandomID()
	compressed := strata.Blob{
		BlobHandle:         strata.BlobHandle{Type: strata.DataBlob, ID: strata.NewRandomID()},
		Offset:             0,
		Length:             100,
		UncompressedLength: 200,
	}
	plain := strata.Blob{
		BlobHandle: strata.BlobHandle{Type: strata.TreeBlob, ID: strata.NewRandomID()},
		Offset:     100,
		Length:     uint(strata.CiphertextLength(50)),
	}
	idx.StorePack(packID, []strata.Blob{compressed, plain})

	size, found := idx.LookupSize(compressed.BlobHandle)
	rtest.Assert(t, found, "compressed blob not found")
	rtest.Equals(t, uint(200), size)

	size, found = idx.LookupSize(plain.BlobHandle)
	rtest.Assert(t, found, "plain blob not found")
	rtest.Equals(t, uint(50), size)
}

func TestIndexPacks(t *testing.T) {
	idx := NewIndex()
	packs := strata.NewIDSet()

	for i := 0; i < 20; i++ {
		packID := strata.NewRandomID()
		idx.StorePack(packID, randomBlobs(t, packID, 2, strata.TreeBlob))
		packs.Insert(packID)
	}

	idxPacks := idx.Packs()
	rtest.Assert(t, packs.Equals(idxPacks), "packs in index do not match packs added to index")
}

func TestDecodeOldIndex(t *testing.T) {
	packID := strata.NewRandomID()
	blobID := strata.NewRandomID()

	// the pre-supersedes format is a bare array of packs
	oldFormat := []byte(`[{"id":"` + packID.String() + `","blobs":[{"id":"` +
		blobID.String() + `","type":"data","offset":0,"length":123}]}]`)

	idx2, err := DecodeIndex(oldFormat, strata.Hash(oldFormat))
	rtest.OK(t, err)
	rtest.Assert(t, idx2.Final(), "old index is not final")

	bh := strata.BlobHandle{Type: strata.DataBlob, ID: blobID}
	list := idx2.Lookup(bh, nil)
	rtest.Equals(t, 1, len(list))
	rtest.Equals(t, packID, list[0].PackID)
	rtest.Equals(t, uint(123), list[0].Length)
}

func TestMasterIndex(t *testing.T) {
	bhInIdx1 := strata.NewRandomBlobHandle()
	bhInIdx2 := strata.NewRandomBlobHandle()

	blob1 := strata.PackedBlob{
		PackID: strata.NewRandomID(),
		Blob: strata.Blob{
			BlobHandle: bhInIdx1,
			Length:     uint(strata.CiphertextLength(10)),
			Offset:     0,
		},
	}

	blob2 := strata.PackedBlob{
		PackID: strata.NewRandomID(),
		Blob: strata.Blob{
			BlobHandle:         bhInIdx2,
			Length:             100,
			Offset:             10,
			UncompressedLength: 200,
		},
	}

	idx1 := NewIndex()
	idx1.StorePack(blob1.PackID, []strata.Blob{blob1.Blob})

	idx2 := NewIndex()
	idx2.StorePack(blob2.PackID, []strata.Blob{blob2.Blob})

	mIdx := NewMasterIndex()
	mIdx.Insert(idx1)
	mIdx.Insert(idx2)

	// test Lookup
	blobs := mIdx.Lookup(bhInIdx1)
	rtest.Equals(t, []strata.PackedBlob{blob1}, blobs)

	blobs = mIdx.Lookup(bhInIdx2)
	rtest.Equals(t, []strata.PackedBlob{blob2}, blobs)

	blobs = mIdx.Lookup(strata.NewRandomBlobHandle())
	rtest.Assert(t, blobs == nil, "Expected no blobs when fetching with a random id")

	// test Has
	rtest.Assert(t, mIdx.Has(bhInIdx1), "Expected to find blob id %v", bhInIdx1)
	rtest.Assert(t, mIdx.Has(bhInIdx2), "Expected to find blob id %v", bhInIdx2)
	rtest.Assert(t, !mIdx.Has(strata.NewRandomBlobHandle()), "Expected not to find random blob id")

	// test LookupSize
	size, found := mIdx.LookupSize(bhInIdx1)
	rtest.Assert(t, found, "blob not found")
	rtest.Equals(t, uint(10), size)

	size, found = mIdx.LookupSize(bhInIdx2)
	rtest.Assert(t, found, "blob not found")
	rtest.Equals(t, uint(200), size)
}

func TestMasterMergeFinalIndexes(t *testing.T) {
	bhInIdx1 := strata.NewRandomBlobHandle()
	bhInIdx2 := strata.NewRandomBlobHandle()

	blob1 := strata.PackedBlob{
		PackID: strata.NewRandomID(),
		Blob: strata.Blob{
			BlobHandle: bhInIdx1,
			Length:     10,
			Offset:     0,
		},
	}

	blob2 := strata.PackedBlob{
		PackID: strata.NewRandomID(),
		Blob: strata.Blob{
			BlobHandle: bhInIdx2,
			Length:     100,
			Offset:     10,
		},
	}

	idx1 := NewIndex()
	idx1.StorePack(blob1.PackID, []strata.Blob{blob1.Blob})
	idx1.Finalize()
	rtest.OK(t, idx1.SetID(strata.NewRandomID()))

	idx2 := NewIndex()
	idx2.StorePack(blob2.PackID, []strata.Blob{blob2.Blob})
	idx2.Finalize()
	rtest.OK(t, idx2.SetID(strata.NewRandomID()))

	mIdx := NewMasterIndex()
	mIdx.Insert(idx1)
	mIdx.Insert(idx2)

	finalIndexes, idxCount := mIdx.idx, len(mIdx.idx)
	rtest.Equals(t, 3, idxCount)
	_ = finalIndexes

	rtest.OK(t, mIdx.MergeFinalIndexes())

	rtest.Equals(t, 1, len(mIdx.idx))

	blobs := mIdx.Lookup(bhInIdx1)
	rtest.Equals(t, []strata.PackedBlob{blob1}, blobs)

	blobs = mIdx.Lookup(bhInIdx2)
	rtest.Equals(t, []strata.PackedBlob{blob2}, blobs)

	blobCount := 0
	rtest.OK(t, mIdx.Each(context.TODO(), func(pb strata.PackedBlob) {
		blobCount++
	}))
	rtest.Equals(t, 2, blobCount)
}

func TestMasterIndexAddPending(t *testing.T) {
	bh := strata.NewRandomBlobHandle()

	mIdx := NewMasterIndex()

	// blob is unknown, adding it as pending must succeed
	rtest.Assert(t, mIdx.AddPending(bh), "blob could not be added as pending")

	// a pending blob is reported by Has and cannot be added again
	rtest.Assert(t, mIdx.Has(bh), "pending blob not reported by Has")
	rtest.Assert(t, !mIdx.AddPending(bh), "pending blob could be added twice")

	// storing the pack clears the pending state
	packID := strata.NewRandomID()
	mIdx.StorePack(packID, []strata.Blob{{BlobHandle: bh, Length: 30, Offset: 0}})
	rtest.Assert(t, mIdx.Has(bh), "stored blob not reported by Has")
	rtest.Assert(t, !mIdx.AddPending(bh), "stored blob could be added as pending")
}
