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

// Package claim holds the advisory, expiring lock claims placed in front of the ledger. A claim reduces contention on
// the ledger, it never decides ownership.
package claim

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store provides set-if-absent claims with an expiry enforced by the store itself.
type Store interface {
	// Acquire creates a claim on key iff there is no live claim, in a single atomic operation. The claim vanishes
	// after ttl even if it is never released. Returns the token identifying this acquisition and true on success,
	// false if the key is claimed by someone else.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error)

	// Release removes the claim on key iff it still carries token. Returns whether a claim was removed. A claim that
	// expired and was acquired by someone else in the meantime is left alone.
	Release(ctx context.Context, key string, token string) (bool, error)

	// Check returns an error if the store cannot be reached.
	Check(ctx context.Context) error
}

func newToken() string {
	return uuid.NewString()
}
