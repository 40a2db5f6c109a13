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

	error2 "github.com/scailio-oss/dreserve/error"
	"github.com/scailio-oss/dreserve/reserver"
)

// Ledger is the authoritative store of resource ownership. Implementations must enforce "at most one active record
// per resourceId" with a single atomic storage primitive (conditional insert / unique constraint), never with a read
// followed by a separate write.
//
// Callers must have validated the ids already.
type Ledger interface {
	// Creates a new active record iff there is no active record for resourceId. Returns a *error.ConflictError naming
	// the current holder otherwise, or an *error.UnavailableError if the storage could not tell.
	Reserve(ctx context.Context, resourceId string, ownerId string) (*reserver.Record, error)

	// Deactivates the active record of resourceId iff it is held by ownerId. Returns false if there is no active
	// record, *error.ForbiddenError if someone else holds it, *error.UnavailableError on storage errors.
	Release(ctx context.Context, resourceId string, ownerId string) (bool, error)

	// The active record, or the newest released record, or nil.
	Lookup(ctx context.Context, resourceId string) (*reserver.Record, error)

	// Check returns an error if the storage cannot be reached.
	Check(ctx context.Context) error
}

// maxAttempts bounds retries of operations whose decisive read raced with a concurrent change on the same resource.
const maxAttempts = 3

func unavailable(op string, err error) error {
	return &error2.UnavailableError{Op: op, Cause: err}
}
