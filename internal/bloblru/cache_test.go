package bloblru

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"
	rtest "github.com/strata-backup/strata/internal/test"
)

func TestCache(t *testing.T) {
	var id1, id2, id3 strata.ID
	id1[0] = 1
	id2[0] = 2
	id3[0] = 3

	const (
		kiB       = 1 << 10
		cacheSize = 64*kiB + 3*overhead
	)

	c := New(cacheSize)

	addAndCheck := func(id strata.ID, exp []byte) {
		c.Add(id, exp)
		blob, ok := c.Get(id)
		rtest.Assert(t, ok, "blob %v added but not found in cache", id)
		rtest.Equals(t, &exp[0], &blob[0])
		rtest.Equals(t, exp, blob)
	}

	addAndCheck(id1, make([]byte, 32*kiB))
	addAndCheck(id2, make([]byte, 30*kiB))
	addAndCheck(id3, make([]byte, 10*kiB))

	_, ok := c.Get(id2)
	rtest.Assert(t, ok, "blob %v not present", id2)
	_, ok = c.Get(id1)
	rtest.Assert(t, !ok, "blob %v still present", id1)

	// A blob as large as the cache should be rejected outright.
	old := c.Add(id1, make([]byte, 2*cacheSize))
	rtest.Equals(t, (*byte)(nil), sliceaddr(old))
	_, ok = c.Get(id1)
	rtest.Assert(t, !ok, "oversized blob %v present", id1)
}

func sliceaddr(b []byte) *byte {
	if len(b) == 0 {
		return nil
	}
	return &b[0]
}

func TestCacheGetOrCompute(t *testing.T) {
	var id1, id2 strata.ID
	id1[0] = 1
	id2[0] = 2

	const cacheSize = 64<<10 + 3*overhead
	c := New(cacheSize)

	e := errors.New("broken")
	_, err := c.GetOrCompute(id1, func() ([]byte, error) {
		return nil, e
	})
	rtest.Equals(t, e, err, "expected error was not returned")

	// fill buffer
	data1 := make([]byte, 10*1024)
	blob, err := c.GetOrCompute(id1, func() ([]byte, error) {
		return data1, nil
	})
	rtest.OK(t, err)
	rtest.Equals(t, &data1[0], &blob[0], "wrong buffer returned")

	// now the buffer should be returned without calling the compute function
	blob, err = c.GetOrCompute(id1, func() ([]byte, error) {
		return nil, e
	})
	rtest.OK(t, err)
	rtest.Equals(t, &data1[0], &blob[0], "wrong buffer returned")

	// parallel requests for the same id must return the same buffer
	var wg sync.WaitGroup
	wait := make(chan struct{})
	calls := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf, err := c.GetOrCompute(id2, func() ([]byte, error) {
				<-wait
				calls <- struct{}{}
				return make([]byte, 42), nil
			})
			rtest.OK(t, err)
			rtest.Equals(t, 42, len(buf))
		}()
	}
	close(wait)
	wg.Wait()
	close(calls)

	count := 0
	for range calls {
		count++
	}
	rtest.Equals(t, 1, count, "expected exactly one compute call")
}

func BenchmarkAdd(b *testing.B) {
	const (
		MiB       = 1 << 20
		blobSize  = 64 << 10
		cacheSize = 64 * MiB
	)

	c := New(cacheSize)
	blobs := make([][]byte, 0, b.N)
	for i := 0; i < b.N; i++ {
		blobs = append(blobs, rtest.Random(i, blobSize))
	}

	ids := make([]strata.ID, 0, b.N)
	for i := 0; i < b.N; i++ {
		var id strata.ID
		rand.Read(id[:])
		ids = append(ids, id)
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		c.Add(ids[i], blobs[i])
	}
}
