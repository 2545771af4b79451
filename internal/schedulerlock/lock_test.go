package schedulerlock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/redisx"
)

// backends returns a Redis (miniredis) and an in-process Service, so the
// exactly-one-leader property (spec.md §8) is exercised identically
// across those two implementations; the Postgres backend is not covered
// here.
func backends(t *testing.T) map[string]Service {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := redisx.New(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return map[string]Service{
		"redis":      NewRedisLock(client),
		"in-process": NewInProcessLock(),
	}
}

func TestAcquire_ExactlyOneOwnerUnderContention(t *testing.T) {
	for name, svc := range backends(t) {
		t.Run(name, func(t *testing.T) {
			const contenders = 20
			var wins int32
			var wg sync.WaitGroup
			wg.Add(contenders)
			for i := 0; i < contenders; i++ {
				go func(i int) {
					defer wg.Done()
					_, ok, err := svc.Acquire(context.Background(), "polling:loop", ownerID(i), time.Minute)
					require.NoError(t, err)
					if ok {
						atomic.AddInt32(&wins, 1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins, "exactly one contender must win the lease")
		})
	}
}

func TestAcquire_ReleaseAllowsReacquisition(t *testing.T) {
	for name, svc := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			lease, ok, err := svc.Acquire(ctx, "polling:loop", "owner-a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			_, ok, err = svc.Acquire(ctx, "polling:loop", "owner-b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "resource is already held")

			require.NoError(t, svc.Release(ctx, lease))

			_, ok, err = svc.Acquire(ctx, "polling:loop", "owner-b", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "release must free the resource for the next owner")
		})
	}
}

func TestRelease_RefusesNonOwner(t *testing.T) {
	for name, svc := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			lease, ok, err := svc.Acquire(ctx, "polling:loop", "owner-a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			impostor := &Lease{Resource: lease.Resource, OwnerID: "owner-b", ExpiresAt: lease.ExpiresAt}
			err = svc.Release(ctx, impostor)
			assert.ErrorIs(t, err, ErrNotHeld)

			// the real owner can still release it
			assert.NoError(t, svc.Release(ctx, lease))
		})
	}
}

func TestRenew_RefusesNonOwnerAndExtendsOwner(t *testing.T) {
	for name, svc := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			lease, ok, err := svc.Acquire(ctx, "polling:loop", "owner-a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			impostor := &Lease{Resource: lease.Resource, OwnerID: "owner-b", ExpiresAt: lease.ExpiresAt}
			assert.ErrorIs(t, svc.Renew(ctx, impostor, time.Minute), ErrNotHeld)

			before := lease.ExpiresAt
			require.NoError(t, svc.Renew(ctx, lease, 2*time.Minute))
			assert.True(t, lease.ExpiresAt.After(before))
		})
	}
}

func TestNewFromStrategy_RefusesInProcessWithoutSingleProcessFlag(t *testing.T) {
	_, err := NewFromStrategy("in-process", Deps{SingleProcess: false})
	assert.Error(t, err)

	svc, err := NewFromStrategy("in-process", Deps{SingleProcess: true})
	assert.NoError(t, err)
	assert.IsType(t, &InProcessLock{}, svc)
}

func TestNewFromStrategy_UnknownStrategyErrors(t *testing.T) {
	_, err := NewFromStrategy("carrier-pigeon", Deps{})
	assert.Error(t, err)
}

func ownerID(i int) string {
	return fmt.Sprintf("owner-%d", i)
}
