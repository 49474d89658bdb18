package retry

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/strata-backup/strata/internal/backend/mock"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"
	rtest "github.com/strata-backup/strata/internal/test"
)

func TestBackendSaveRetry(t *testing.T) {
	TestFastRetries(t)

	buf := bytes.NewBuffer(nil)
	errcount := 0
	be := mock.NewBackend()
	be.SaveFn = func(_ context.Context, _ strata.Handle, rd strata.RewindReader) error {
		if errcount == 0 {
			errcount++
			_, err := io.CopyN(io.Discard, rd, 120)
			if err != nil {
				return err
			}

			return errors.New("injected error")
		}

		_, err := io.Copy(buf, rd)
		return err
	}

	retryBackend := New(be, 10*time.Millisecond, nil, nil)

	data := rtest.Random(23, 5*1024*1024+11241)
	err := retryBackend.Save(context.TODO(), strata.Handle{}, strata.NewByteReader(data, nil))
	rtest.OK(t, err)

	rtest.Assert(t, len(data) == buf.Len(), "data size mismatch, want %v, got %v", len(data), buf.Len())
	rtest.Assert(t, bytes.Equal(data, buf.Bytes()), "data mismatch")
}

func TestBackendSaveRetryAtomic(t *testing.T) {
	TestFastRetries(t)

	errcount := 0
	calledRemove := false
	be := mock.NewBackend()
	be.SaveFn = func(_ context.Context, _ strata.Handle, _ strata.RewindReader) error {
		if errcount == 0 {
			errcount++
			return errors.New("injected error")
		}
		return nil
	}
	be.RemoveFn = func(_ context.Context, _ strata.Handle) error {
		calledRemove = true
		return nil
	}
	be.HasAtomicReplaceFn = func() bool { return true }

	retryBackend := New(be, 10*time.Millisecond, nil, nil)

	err := retryBackend.Save(context.TODO(), strata.Handle{}, strata.NewByteReader([]byte{1, 2, 3}, nil))
	rtest.OK(t, err)
	rtest.Assert(t, !calledRemove, "remove must not be called for a backend with atomic replace")
}

func TestBackendListRetry(t *testing.T) {
	TestFastRetries(t)

	const (
		ID1 = "id1"
		ID2 = "id2"
	)

	retry := 0
	be := mock.NewBackend()
	be.ListFn = func(_ context.Context, _ strata.FileType, fn func(strata.FileInfo) error) error {
		// fail during first retry, succeed during second
		retry++
		if retry == 1 {
			_ = fn(strata.FileInfo{Name: ID1})
			return errors.New("test list error")
		}
		_ = fn(strata.FileInfo{Name: ID1})
		_ = fn(strata.FileInfo{Name: ID2})
		return nil
	}

	retryBackend := New(be, 10*time.Millisecond, nil, nil)

	var listed []string
	err := retryBackend.List(context.TODO(), strata.PackFile, func(fi strata.FileInfo) error {
		listed = append(listed, fi.Name)
		return nil
	})
	rtest.OK(t, err)
	rtest.Equals(t, []string{ID1, ID2}, listed) // assert no duplicates
}

func TestBackendListRetryErrorFn(t *testing.T) {
	TestFastRetries(t)

	var names = []string{"id1", "id2", "foo", "bar"}

	be := mock.NewBackend()
	be.ListFn = func(_ context.Context, _ strata.FileType, fn func(strata.FileInfo) error) error {
		t.Logf("List called")
		for _, name := range names {
			err := fn(strata.FileInfo{Name: name})
			if err != nil {
				return err
			}
		}

		return nil
	}

	retryBackend := New(be, 10*time.Millisecond, nil, nil)

	var ErrTest = errors.New("test error")

	var listed []string
	run := 0
	err := retryBackend.List(context.TODO(), strata.PackFile, func(fi strata.FileInfo) error {
		t.Logf("fn called for %v", fi.Name)
		run++
		// return an error for the third item in the list
		if run == 3 {
			t.Log("returning an error")
			return ErrTest
		}
		listed = append(listed, fi.Name)
		return nil
	})

	if err != ErrTest {
		t.Fatalf("wrong error returned, want %v, got %v", ErrTest, err)
	}

	// processing should stop after the error was returned, so run should be 3
	if run != 3 {
		t.Fatalf("function was called %d times, wanted %v", run, 3)
	}

	rtest.Equals(t, []string{"id1", "id2"}, listed)
}

func TestBackendLoadCircuitBreaker(t *testing.T) {
	TestFastRetries(t)

	// retry should not retry permanent errors and the circuit breaker
	// must only be triggered for persistent errors
	notFound := errors.New("not found")
	otherError := errors.New("something")
	attempt := 0

	be := mock.NewBackend()
	be.IsPermanentErrorFn = func(err error) bool {
		return errors.Is(err, notFound)
	}
	be.OpenReaderFn = func(_ context.Context, _ strata.Handle, _ int, _ int64) (io.ReadCloser, error) {
		attempt++
		return nil, otherError
	}
	nilRd := func(rd io.Reader) (err error) {
		return nil
	}

	retryBackend := New(be, 2*time.Millisecond, nil, nil)
	// trip the circuit breaker for file "other"
	err := retryBackend.Load(context.TODO(), strata.Handle{Name: "other"}, 0, 0, nilRd)
	rtest.Equals(t, otherError, err, "unexpected error")
	rtest.Assert(t, attempt > 1, "Load was not retried")

	attempt = 0
	err = retryBackend.Load(context.TODO(), strata.Handle{Name: "other"}, 0, 0, nilRd)
	rtest.Assert(t, err != nil && err != otherError, "expected circuit breaker error, got %v", err)
	rtest.Equals(t, 0, attempt, "circuit breaker must not retry")

	// don't trip for permanent errors
	be.OpenReaderFn = func(_ context.Context, _ strata.Handle, _ int, _ int64) (io.ReadCloser, error) {
		attempt++
		return nil, notFound
	}
	err = retryBackend.Load(context.TODO(), strata.Handle{Name: "notfound"}, 0, 0, nilRd)
	rtest.Equals(t, notFound, err, "expected circuit breaker to only affect other file, got %v", err)
	err = retryBackend.Load(context.TODO(), strata.Handle{Name: "notfound"}, 0, 0, nilRd)
	rtest.Equals(t, notFound, err, "persistent error must not trigger circuit breaker, got %v", err)
}

func TestBackendStatNotExists(t *testing.T) {
	TestFastRetries(t)

	// stat should not retry if the error matches IsNotExist
	notFound := errors.New("not found")
	attempt := 0

	be := mock.NewBackend()
	be.IsNotExistFn = func(err error) bool {
		return errors.Is(err, notFound)
	}
	be.StatFn = func(_ context.Context, _ strata.Handle) (strata.FileInfo, error) {
		attempt++
		return strata.FileInfo{}, notFound
	}

	retryBackend := New(be, 10*time.Millisecond, nil, nil)

	_, err := retryBackend.Stat(context.TODO(), strata.Handle{})
	rtest.Assert(t, be.IsNotExist(err), "unexpected error %v", err)
	rtest.Equals(t, 1, attempt)
}

func TestBackendCanceledContext(t *testing.T) {
	TestFastRetries(t)

	// unimplemented mock backend functions return an error by default
	// check that we received the expected context canceled error instead
	be := mock.NewBackend()
	retryBackend := New(be, 2*time.Millisecond, nil, nil)
	h := strata.Handle{Type: strata.PackFile, Name: strata.NewRandomID().String()}

	// create an already canceled context
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := retryBackend.Stat(ctx, h)
	rtest.Assert(t, errors.Is(err, context.Canceled), "expected context canceled error, got %v", err)

	err = retryBackend.Save(ctx, h, strata.NewByteReader([]byte{}, nil))
	rtest.Assert(t, errors.Is(err, context.Canceled), "expected context canceled error, got %v", err)
}
