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

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	error2 "github.com/scailio-oss/dreserve/error"
)

type ledgerFactory func(t *testing.T, clk clock.Clock) Ledger

// Runs the behaviour every Ledger implementation must show.
func runLedgerSuite(t *testing.T, newLedger ledgerFactory) {
	t.Run("ReserveThenConflict", func(t *testing.T) { testReserveThenConflict(t, newLedger) })
	t.Run("ConcurrentReserveSingleWinner", func(t *testing.T) { testConcurrentReserveSingleWinner(t, newLedger) })
	t.Run("ReleaseLifecycle", func(t *testing.T) { testReleaseLifecycle(t, newLedger) })
	t.Run("IdempotentRelease", func(t *testing.T) { testIdempotentRelease(t, newLedger) })
	t.Run("LookupUnknown", func(t *testing.T) { testLookupUnknown(t, newLedger) })
	t.Run("IndependentResources", func(t *testing.T) { testIndependentResources(t, newLedger) })
}

func testReserveThenConflict(t *testing.T, newLedger ledgerFactory) {
	// GIVEN
	clk := clock.NewMock()
	clk.Add(10 * time.Second)
	l := newLedger(t, clk)
	ctx := context.Background()

	// WHEN
	rec, err := l.Reserve(ctx, "room-1", "alice")

	// THEN
	require.NoError(t, err, "Expected first reservation to succeed")
	assert.Equal(t, "room-1", rec.ResourceId)
	assert.Equal(t, "alice", rec.OwnerId)
	assert.True(t, rec.Active, "Expected record to be active")
	assert.True(t, rec.CreatedAt.Equal(clk.Now()), "Expected createdAt from clock, got %v", rec.CreatedAt)

	// WHEN
	_, err = l.Reserve(ctx, "room-1", "bob")

	// THEN
	var conflict *error2.ConflictError
	require.ErrorAs(t, err, &conflict, "Expected conflict on second reservation")
	assert.Equal(t, "alice", conflict.Owner, "Expected conflict to name the holder")

	// WHEN
	_, err = l.Reserve(ctx, "room-1", "alice")

	// THEN
	assert.ErrorAs(t, err, &conflict, "Expected conflict even for the holder itself")
}

func testConcurrentReserveSingleWinner(t *testing.T, newLedger ledgerFactory) {
	// GIVEN
	l := newLedger(t, clock.NewMock())
	const n = 100

	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	conflictOwners := map[string]int{}
	var otherErrs []error

	// WHEN
	start := make(chan struct{})
	for i := 1; i <= n; i++ {
		owner := fmt.Sprintf("owner_%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := l.Reserve(context.Background(), "room-42", owner)

			mu.Lock()
			defer mu.Unlock()
			var conflict *error2.ConflictError
			switch {
			case err == nil:
				winners = append(winners, owner)
			case errors.As(err, &conflict):
				conflictOwners[conflict.Owner]++
			default:
				otherErrs = append(otherErrs, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	// THEN
	require.Len(t, winners, 1, "Expected exactly one winner")
	assert.Empty(t, otherErrs, "Expected only conflicts for the losers")
	assert.Equal(t, map[string]int{winners[0]: n - 1}, conflictOwners, "Expected all conflicts to name the winner")
}

func testReleaseLifecycle(t *testing.T, newLedger ledgerFactory) {
	// GIVEN
	l := newLedger(t, clock.NewMock())
	ctx := context.Background()
	first, err := l.Reserve(ctx, "room-1", "alice")
	require.NoError(t, err)

	// WHEN
	released, err := l.Release(ctx, "room-1", "bob")

	// THEN
	var forbidden *error2.ForbiddenError
	require.ErrorAs(t, err, &forbidden, "Expected bob to be forbidden to release")
	assert.Equal(t, "alice", forbidden.Holder)
	assert.False(t, released)
	current, err := l.Lookup(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", current.OwnerId, "Expected alice to still hold the room")
	assert.True(t, current.Active)

	// WHEN
	released, err = l.Release(ctx, "room-1", "alice")

	// THEN
	assert.NoError(t, err)
	assert.True(t, released, "Expected alice to release")
	past, err := l.Lookup(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, past, "Expected released record to be retained")
	assert.False(t, past.Active, "Expected retained record to be inactive")
	assert.Equal(t, first.Id, past.Id)

	// WHEN
	second, err := l.Reserve(ctx, "room-1", "carol")

	// THEN
	require.NoError(t, err, "Expected carol to reserve after release")
	assert.Greater(t, second.Id, first.Id, "Expected increasing record ids")
	current, err = l.Lookup(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "carol", current.OwnerId)
	assert.True(t, current.Active)
}

func testIdempotentRelease(t *testing.T, newLedger ledgerFactory) {
	// GIVEN
	l := newLedger(t, clock.NewMock())
	ctx := context.Background()
	_, err := l.Reserve(ctx, "room-7", "alice")
	require.NoError(t, err)

	// WHEN
	first, err1 := l.Release(ctx, "room-7", "alice")
	second, err2 := l.Release(ctx, "room-7", "alice")

	// THEN
	assert.NoError(t, err1)
	assert.True(t, first, "Expected first release to release")
	assert.NoError(t, err2, "Expected second release not to fail")
	assert.False(t, second, "Expected second release to be a no-op")
}

func testLookupUnknown(t *testing.T, newLedger ledgerFactory) {
	// GIVEN
	l := newLedger(t, clock.NewMock())

	// WHEN
	rec, err := l.Lookup(context.Background(), "never-reserved")

	// THEN
	assert.NoError(t, err)
	assert.Nil(t, rec, "Expected no record")
	released, err := l.Release(context.Background(), "never-reserved", "alice")
	assert.NoError(t, err)
	assert.False(t, released)
}

func testIndependentResources(t *testing.T, newLedger ledgerFactory) {
	// GIVEN
	l := newLedger(t, clock.NewMock())
	ctx := context.Background()

	// WHEN
	a, errA := l.Reserve(ctx, "room-a", "alice")
	b, errB := l.Reserve(ctx, "room-b", "bob")

	// THEN
	assert.NoError(t, errA)
	assert.NoError(t, errB)
	assert.NotEqual(t, a.Id, b.Id, "Expected distinct record ids")
	assert.NoError(t, l.Check(ctx))
}
