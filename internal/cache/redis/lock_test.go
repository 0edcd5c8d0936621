package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/wagerarena/stakelobby/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewWithClient(rdb), mr
}

func TestLockManagerAcquireAndRelease(t *testing.T) {
	client, mr := newTestClient(t)
	lm := NewLockManager(client)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "player-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, mr.Exists("stake-lock:player-1"))

	// A second acquire for the same player fails immediately.
	_, err = lm.Acquire(ctx, "player-1", 30*time.Second)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	// A different player is unaffected.
	unlock2, err := lm.Acquire(ctx, "player-2", 30*time.Second)
	require.NoError(t, err)
	unlock2()

	unlock()
	require.False(t, mr.Exists("stake-lock:player-1"))

	// Released lock can be re-acquired.
	unlock3, err := lm.Acquire(ctx, "player-1", 30*time.Second)
	require.NoError(t, err)
	unlock3()
}

func TestLockManagerUnlockIdempotent(t *testing.T) {
	client, _ := newTestClient(t)
	lm := NewLockManager(client)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "player-1", 30*time.Second)
	require.NoError(t, err)

	unlock()

	// Re-acquire between the two unlock calls; the stale unlock must not
	// release the new holder's lock.
	_, err = lm.Acquire(ctx, "player-1", 30*time.Second)
	require.NoError(t, err)

	unlock()

	_, err = lm.Acquire(ctx, "player-1", 30*time.Second)
	require.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestLockManagerStaleUnlockDoesNotReleaseNewHolder(t *testing.T) {
	client, mr := newTestClient(t)
	lm := NewLockManager(client)
	ctx := context.Background()

	unlockA, err := lm.Acquire(ctx, "player-1", time.Second)
	require.NoError(t, err)

	// Simulate the lease expiring while A still holds its unlock closure.
	mr.FastForward(2 * time.Second)

	unlockB, err := lm.Acquire(ctx, "player-1", 30*time.Second)
	require.NoError(t, err)

	// A's unlock token no longer matches; B's lock survives.
	unlockA()
	require.True(t, mr.Exists("stake-lock:player-1"))

	unlockB()
	require.False(t, mr.Exists("stake-lock:player-1"))
}

func TestLockManagerMutualExclusionUnderContention(t *testing.T) {
	client, _ := newTestClient(t)
	lm := NewLockManager(client)
	ctx := context.Background()

	const workers = 20

	var (
		wins  atomic.Int32
		busy  atomic.Int32
		start = make(chan struct{})
		wg    sync.WaitGroup
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			unlock, err := lm.Acquire(ctx, "player-1", 30*time.Second)
			if err != nil {
				require.ErrorIs(t, err, domain.ErrLockHeld)
				busy.Add(1)
				return
			}
			wins.Add(1)
			// Hold the lock until all workers have attempted.
			time.Sleep(50 * time.Millisecond)
			unlock()
		}()
	}

	close(start)
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(workers-1), busy.Load())
}
