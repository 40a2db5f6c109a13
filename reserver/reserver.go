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

package reserver

import (
	"context"
	"time"
)

// Record is one binding of a resource to an owner in the ledger. Records are never deleted: releasing a
// reservation only flips Active, and a later reservation of the same resource creates a new Record with a higher Id.
type Record struct {
	// Monotonically increasing across the ledger, not necessarily dense.
	Id         int64
	ResourceId string
	OwnerId    string
	CreatedAt  time.Time
	Active     bool
}

// Reservation is the confirmation handed out to the single winner of a Reserve call.
type Reservation struct {
	Record Record
	// True if the lock claim in front of the ledger expired before the ledger answered. The reservation is valid
	// nonetheless, since only the ledger decides.
	LockExpired bool
}

// Health is the result of probing the backends. A nil field means the backend answered.
type Health struct {
	Ledger error
	Locks  error
}

func (h Health) Healthy() bool {
	return h.Ledger == nil && h.Locks == nil
}

// Reserver hands out exclusive ownership of named resources. It is safe for concurrent use by many goroutines and
// many processes sharing the same backends.
type Reserver interface {
	// Reserve tries to make ownerId the single holder of resourceId.
	//
	// On success the caller is the unique holder. Errors are classified by package error: ConflictError names the
	// current holder, BusyError means the lock in front of the ledger is taken (retry later), UnavailableError means
	// the ledger could not tell, InvalidError rejects malformed ids. In every error case the caller must assume that
	// it does NOT hold the resource.
	Reserve(ctx context.Context, resourceId string, ownerId string) (*Reservation, error)

	// Release ends the active reservation of ownerId on resourceId. Returns false without error if there was nothing
	// to release, and a ForbiddenError if someone else holds the resource.
	Release(ctx context.Context, resourceId string, ownerId string) (bool, error)

	// Lookup returns the active record of the resource, or the most recent released one, or nil if the resource was
	// never reserved. Read-only, not part of the mutual exclusion.
	Lookup(ctx context.Context, resourceId string) (*Record, error)

	// Health probes ledger and lock store.
	Health(ctx context.Context) Health
}
