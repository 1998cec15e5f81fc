/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/printradar/pkg/models"
	"github.com/carverauto/printradar/pkg/natsutil"
	"github.com/carverauto/printradar/pkg/natsutil/natstest"
)

func newNATSStore(t *testing.T, clock quartz.Clock) *NATSStore {
	t.Helper()

	nc := natstest.RunServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	js, err := natsutil.JetStream(nc, "")
	require.NoError(t, err)

	kv, err := natsutil.EnsureKeyValue(ctx, js, "printradar-leases-test")
	require.NoError(t, err)

	return NewNATSStore(kv, clock)
}

func forEachStore(t *testing.T, run func(t *testing.T, store Store, clock *quartz.Mock)) {
	t.Run("memory", func(t *testing.T) {
		clock := quartz.NewMock(t)
		run(t, NewMemoryStore(clock), clock)
	})

	t.Run("nats", func(t *testing.T) {
		clock := quartz.NewMock(t)
		run(t, newNATSStore(t, clock), clock)
	})
}

func TestAcquireIsExclusiveUntilExpiry(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *quartz.Mock) {
		ctx := context.Background()
		key := DeviceKey("d1")

		first, err := store.Acquire(ctx, key, "worker-a", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "worker-a", first.Holder)

		_, err = store.Acquire(ctx, key, "worker-b", time.Minute)
		require.ErrorIs(t, err, ErrHeld)
		require.ErrorIs(t, err, models.ErrRateLimited)

		held, err := store.Held(ctx, key)
		require.NoError(t, err)
		assert.True(t, held)

		clock.Advance(61 * time.Second).MustWait(ctx)

		held, err = store.Held(ctx, key)
		require.NoError(t, err)
		assert.False(t, held)

		second, err := store.Acquire(ctx, key, "worker-b", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "worker-b", second.Holder)

		// The original holder's lease was taken over.
		require.ErrorIs(t, store.Release(ctx, first), ErrLost)
		require.ErrorIs(t, store.Renew(ctx, first, time.Minute), ErrLost)
	})
}

func TestReleaseFreesKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, _ *quartz.Mock) {
		ctx := context.Background()
		key := DeviceKey("d2")

		l, err := store.Acquire(ctx, key, "a", time.Minute)
		require.NoError(t, err)
		require.NoError(t, store.Release(ctx, l))

		held, err := store.Held(ctx, key)
		require.NoError(t, err)
		assert.False(t, held)

		again, err := store.Acquire(ctx, key, "b", time.Minute)
		require.NoError(t, err)
		require.NoError(t, store.Release(ctx, again))
	})
}

func TestRenewExtendsLease(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *quartz.Mock) {
		ctx := context.Background()
		key := DeviceKey("d3")

		l, err := store.Acquire(ctx, key, "a", time.Minute)
		require.NoError(t, err)

		clock.Advance(50 * time.Second).MustWait(ctx)
		require.NoError(t, store.Renew(ctx, l, time.Minute))

		clock.Advance(50 * time.Second).MustWait(ctx)

		_, err = store.Acquire(ctx, key, "b", time.Minute)
		require.ErrorIs(t, err, ErrHeld)

		require.NoError(t, store.Release(ctx, l))
	})
}

func TestSameHolderReacquires(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, _ *quartz.Mock) {
		ctx := context.Background()

		_, err := store.Acquire(ctx, "k", "a", time.Minute)
		require.NoError(t, err)

		l, err := store.Acquire(ctx, "k", "a", 2*time.Minute)
		require.NoError(t, err)
		require.NoError(t, store.Release(ctx, l))
	})
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, _ *quartz.Mock) {
		ctx := context.Background()

		var (
			wins atomic.Int32
			wg   sync.WaitGroup
		)

		for i := 0; i < 8; i++ {
			wg.Add(1)

			go func(i int) {
				defer wg.Done()

				if _, err := store.Acquire(ctx, DeviceKey("race"), Key("holder", string(rune('a'+i))), time.Minute); err == nil {
					wins.Add(1)
				}
			}(i)
		}

		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestAcquireRejectsNonPositiveTTL(t *testing.T) {
	store := NewMemoryStore(quartz.NewMock(t))

	_, err := store.Acquire(context.Background(), "k", "a", 0)
	require.Error(t, err)
}

func TestKeySanitizes(t *testing.T) {
	assert.Equal(t, "actor.alice_example_com.slot.3", ActorSlotKey("alice@example com", 3))
	assert.Equal(t, "cooldown.manual.d-1", CooldownKey("manual", "d-1"))
	assert.Equal(t, "device.abc", DeviceKey("abc"))
}
