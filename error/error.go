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

// Package error contains the error taxonomy of reservations. Conflict and Forbidden are terminal, Busy and
// Unavailable are transient and should be retried by the caller with a backoff.
package error

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindConflict
	KindForbidden
	KindBusy
	KindUnavailable
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindBusy:
		return "busy"
	case KindUnavailable:
		return "unavailable"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ConflictError is returned if the resource is already held by an active reservation of Owner.
type ConflictError struct {
	ResourceId string
	Owner      string
	Cause      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resource %q is already reserved by %q", e.ResourceId, e.Owner)
}

func (e *ConflictError) Unwrap() error {
	return e.Cause
}

// ForbiddenError is returned if a release is attempted by someone who does not hold the resource.
type ForbiddenError struct {
	ResourceId string
	Owner      string
	Holder     string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%q may not release resource %q held by %q", e.Owner, e.ResourceId, e.Holder)
}

// BusyError is returned if the lock in front of the ledger could not be obtained. The ledger was not consulted.
type BusyError struct {
	LockKey string
	Cause   error
}

func (e *BusyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("lock %q unavailable: %v", e.LockKey, e.Cause)
	}
	return fmt.Sprintf("lock %q is held by someone else", e.LockKey)
}

func (e *BusyError) Unwrap() error {
	return e.Cause
}

// UnavailableError is returned if the ledger could not be reached or did not answer in time. The outcome of the
// operation is unknown.
type UnavailableError struct {
	Op    string
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("ledger unavailable during %s: %v", e.Op, e.Cause)
}

func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// InvalidError is returned for malformed identifiers.
type InvalidError struct {
	Field  string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// KindOf classifies err. Wrapped errors are unwrapped.
func KindOf(err error) Kind {
	var conflict *ConflictError
	var forbidden *ForbiddenError
	var busy *BusyError
	var unavailable *UnavailableError
	var invalid *InvalidError

	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &conflict):
		return KindConflict
	case errors.As(err, &forbidden):
		return KindForbidden
	case errors.As(err, &busy):
		return KindBusy
	case errors.As(err, &unavailable):
		return KindUnavailable
	case errors.As(err, &invalid):
		return KindInvalid
	}
	return KindUnknown
}

// IsTransient returns true if retrying the same call later might lead to a different outcome.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == KindBusy || k == KindUnavailable
}
