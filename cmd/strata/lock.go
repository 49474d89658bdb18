package main

import (
	"context"
	"sync"
	"time"

	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/repository"
	"github.com/strata-backup/strata/internal/strata"
)

// Locks are refreshed regularly so that other processes don't consider them
// stale. When a refresh fails the derived context is cancelled, so the
// command that holds the lock notices and aborts.
const refreshInterval = 5 * time.Minute

// retrySleep is the maximum pause between attempts to acquire a contended lock.
const retrySleep = 10 * time.Second

type repoLock struct {
	lock   *strata.Lock
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// lockRepo acquires a normal (read) lock on the repository.
func lockRepo(ctx context.Context, repo strata.Repository, retryLock time.Duration) (*repoLock, context.Context, error) {
	return lockRepository(ctx, repo, false, retryLock)
}

// lockRepoExclusive acquires an exclusive lock on the repository.
func lockRepoExclusive(ctx context.Context, repo strata.Repository, retryLock time.Duration) (*repoLock, context.Context, error) {
	return lockRepository(ctx, repo, true, retryLock)
}

func lockRepository(ctx context.Context, repo strata.Repository, exclusive bool, retryLock time.Duration) (*repoLock, context.Context, error) {
	lockFn := strata.NewLock
	if exclusive {
		lockFn = strata.NewExclusiveLock
	}

	var lock *strata.Lock
	var err error

	retryMessagePrinted := false
	deadline := time.Now().Add(retryLock)

	for {
		lock, err = lockFn(ctx, repo)
		if err == nil {
			break
		}
		if !strata.IsAlreadyLocked(err) || time.Now().After(deadline) {
			return nil, ctx, err
		}

		if !retryMessagePrinted {
			Verbosef("repo already locked, waiting up to %s for the lock\n", retryLock)
			retryMessagePrinted = true
		}

		debug.Log("repository is already locked, retrying in %v", retrySleep)
		select {
		case <-ctx.Done():
			return nil, ctx, ctx.Err()
		case <-time.After(retrySleep):
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	rl := &repoLock{lock: lock, cancel: cancel}

	rl.wg.Add(1)
	go func() {
		defer rl.wg.Done()
		rl.refresh(ctx)
	}()

	debug.Log("create lock %v (exclusive %v)", lock, exclusive)
	return rl, ctx, nil
}

// refresh periodically renews the lock until the context is cancelled. If a
// refresh fails the context is cancelled so the holder stops working on the
// repository.
func (rl *repoLock) refresh(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			debug.Log("refreshing lock %v", rl.lock)
			err := rl.lock.Refresh(ctx)
			if err != nil {
				Warnf("unable to refresh lock: %v\n", err)
				rl.cancel()
				return
			}
		}
	}
}

// Unlock removes the lock from the repository.
func (rl *repoLock) Unlock() {
	if rl == nil {
		return
	}

	rl.cancel()
	rl.wg.Wait()

	// use an independent context, the original one may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := rl.lock.Unlock(ctx); err != nil {
		debug.Log("error while unlocking: %v", err)
		Warnf("error while unlocking: %v\n", err)
	}
}

// openWithReadLock opens the repository and acquires a read lock unless
// locking is disabled.
func openWithReadLock(ctx context.Context, gopts GlobalOptions, noLock bool) (context.Context, *repoLock, *repository.Repository, error) {
	repo, err := OpenRepository(ctx, gopts)
	if err != nil {
		return nil, nil, nil, err
	}

	if noLock {
		return ctx, nil, repo, nil
	}

	lock, ctx, err := lockRepo(ctx, repo, gopts.RetryLock)
	return ctx, lock, repo, err
}

// openWithExclusiveLock opens the repository and acquires an exclusive lock.
func openWithExclusiveLock(ctx context.Context, gopts GlobalOptions, noLock bool) (context.Context, *repoLock, *repository.Repository, error) {
	repo, err := OpenRepository(ctx, gopts)
	if err != nil {
		return nil, nil, nil, err
	}

	if noLock {
		return ctx, nil, repo, nil
	}

	lock, ctx, err := lockRepoExclusive(ctx, repo, gopts.RetryLock)
	return ctx, lock, repo, err
}
