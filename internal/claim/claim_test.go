/*
 *    Copyright 2022 scailio GmbH
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package claim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ttl = 2 * time.Second

// storeSetup returns a fresh Store and a function that moves the store's notion of time forward.
type storeSetup func(t *testing.T) (Store, func(time.Duration))

func runStoreSuite(t *testing.T, setup storeSetup) {
	t.Run("AcquireRelease", func(t *testing.T) { testAcquireRelease(t, setup) })
	t.Run("ExpirySelfHeals", func(t *testing.T) { testExpirySelfHeals(t, setup) })
	t.Run("StaleTokenRejected", func(t *testing.T) { testStaleTokenRejected(t, setup) })
	t.Run("ConcurrentAcquireSingleHolder", func(t *testing.T) { testConcurrentAcquireSingleHolder(t, setup) })
}

func testAcquireRelease(t *testing.T, setup storeSetup) {
	// GIVEN
	s, _ := setup(t)
	ctx := context.Background()

	// WHEN
	token, ok, err := s.Acquire(ctx, "lock:room-1", ttl)

	// THEN
	require.NoError(t, err)
	assert.True(t, ok, "Expected to acquire the free key")
	assert.NotEmpty(t, token, "Expected a token")

	// WHEN
	_, ok2, err := s.Acquire(ctx, "lock:room-1", ttl)

	// THEN
	require.NoError(t, err)
	assert.False(t, ok2, "Expected key to be held")

	// WHEN
	wrong, err := s.Release(ctx, "lock:room-1", "not-the-token")
	released, err2 := s.Release(ctx, "lock:room-1", token)
	again, err3 := s.Release(ctx, "lock:room-1", token)

	// THEN
	assert.NoError(t, err)
	assert.False(t, wrong, "Expected release with a foreign token to be refused")
	assert.NoError(t, err2)
	assert.True(t, released, "Expected release with the own token")
	assert.NoError(t, err3)
	assert.False(t, again, "Expected second release to remove nothing")

	token2, ok3, err := s.Acquire(ctx, "lock:room-1", ttl)
	require.NoError(t, err)
	assert.True(t, ok3, "Expected key to be free after release")
	assert.NotEqual(t, token, token2, "Expected a new token per acquisition")
	assert.NoError(t, s.Check(ctx))
}

func testExpirySelfHeals(t *testing.T, setup storeSetup) {
	// GIVEN
	s, advance := setup(t)
	ctx := context.Background()
	_, ok, err := s.Acquire(ctx, "lock:crashed", ttl)
	require.NoError(t, err)
	require.True(t, ok)

	// WHEN
	advance(ttl / 2)
	_, okBefore, errBefore := s.Acquire(ctx, "lock:crashed", ttl)
	advance(ttl)
	_, okAfter, errAfter := s.Acquire(ctx, "lock:crashed", ttl)

	// THEN
	assert.NoError(t, errBefore)
	assert.False(t, okBefore, "Expected claim to be live before ttl")
	assert.NoError(t, errAfter)
	assert.True(t, okAfter, "Expected a never released claim to vanish after ttl")
}

func testStaleTokenRejected(t *testing.T, setup storeSetup) {
	// GIVEN
	s, advance := setup(t)
	ctx := context.Background()
	t1, ok, err := s.Acquire(ctx, "lock:K", ttl)
	require.NoError(t, err)
	require.True(t, ok)
	advance(ttl + time.Second)
	t2, ok, err := s.Acquire(ctx, "lock:K", ttl)
	require.NoError(t, err)
	require.True(t, ok, "Expected H2 to acquire after expiry")

	// WHEN
	released, err := s.Release(ctx, "lock:K", t1)

	// THEN
	assert.NoError(t, err)
	assert.False(t, released, "Expected the stale token not to release anything")
	_, ok, err = s.Acquire(ctx, "lock:K", ttl)
	assert.NoError(t, err)
	assert.False(t, ok, "Expected the claim of H2 to be still live")
	released, err = s.Release(ctx, "lock:K", t2)
	assert.NoError(t, err)
	assert.True(t, released, "Expected H2 to release its own claim")
}

func testConcurrentAcquireSingleHolder(t *testing.T, setup storeSetup) {
	// GIVEN
	s, _ := setup(t)
	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0

	// WHEN
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Acquire(context.Background(), "lock:contended", ttl)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// THEN
	assert.Equal(t, 1, acquired, "Expected exactly one live claim")
}
