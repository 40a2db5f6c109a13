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
	"fmt"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	error2 "github.com/scailio-oss/dreserve/error"
	"github.com/scailio-oss/dreserve/internal/claim"
	"github.com/scailio-oss/dreserve/internal/ledger"
	"github.com/scailio-oss/dreserve/internal/metrics"
	"github.com/scailio-oss/dreserve/logger"
	"github.com/scailio-oss/dreserve/reserver"
)

const maxIdLength = 255

var tracer = otel.Tracer("github.com/scailio-oss/dreserve/internal/reserver")

type reserverImpl struct {
	logger        logger.Logger
	ledger        ledger.Ledger
	claims        claim.Store
	clock         clock.Clock
	metrics       *metrics.Metrics
	lockTtl       time.Duration
	lockKeyPrefix string
}

// Create a new Reserver serializing Reserve calls per resource through claims and deciding them in ledger. metrics
// may be nil. Other params: See dreserve.NewReserver.
func New(ledger ledger.Ledger, claims claim.Store, clock clock.Clock, logger logger.Logger, metrics *metrics.Metrics,
	lockTtl time.Duration, lockKeyPrefix string) reserver.Reserver {
	return &reserverImpl{
		logger:        logger,
		ledger:        ledger,
		claims:        claims,
		clock:         clock,
		metrics:       metrics,
		lockTtl:       lockTtl,
		lockKeyPrefix: lockKeyPrefix,
	}
}

func (r *reserverImpl) Reserve(ctx context.Context, resourceId string, ownerId string) (res *reserver.Reservation, err error) {
	ctx, span := tracer.Start(ctx, "Reserver.Reserve", trace.WithAttributes(
		attribute.String("dreserve.resource_id", resourceId),
		attribute.String("dreserve.owner_id", ownerId)))
	defer func() { endSpan(span, err) }()

	if err := validateIds(resourceId, ownerId); err != nil {
		r.metrics.Reserve(metrics.OutcomeInvalid)
		return nil, err
	}

	lockKey := r.lockKeyPrefix + resourceId
	acquiredAt := r.clock.Now()

	token, ok, err := r.claims.Acquire(ctx, lockKey, r.lockTtl)
	if err != nil {
		r.logger.Warn(ctx, "Could not acquire lock", "lockKey", lockKey, "err", err)
		r.metrics.LockAcquire(metrics.OutcomeError)
		r.metrics.Reserve(metrics.OutcomeBusy)
		return nil, &error2.BusyError{LockKey: lockKey, Cause: err}
	}
	if !ok {
		r.logger.Debug(ctx, "Lock is held by someone else", "lockKey", lockKey)
		r.metrics.LockAcquire(metrics.OutcomeHeld)
		r.metrics.Reserve(metrics.OutcomeBusy)
		return nil, &error2.BusyError{LockKey: lockKey}
	}
	r.metrics.LockAcquire(metrics.OutcomeAcquired)
	defer r.releaseClaim(ctx, lockKey, token)

	start := r.clock.Now()
	record, err := r.ledger.Reserve(ctx, resourceId, ownerId)
	r.metrics.LedgerDuration("reserve", r.clock.Since(start))

	// The ledger decided regardless, but a second caller may have been inside the critical section concurrently.
	lockExpired := !r.clock.Now().Before(acquiredAt.Add(r.lockTtl))
	if lockExpired {
		r.logger.Warn(ctx, "Lock expired before the ledger answered", "lockKey", lockKey, "ttl", r.lockTtl)
		r.metrics.LockExpired()
		span.SetAttributes(attribute.Bool("dreserve.lock_expired", true))
	}

	if err != nil {
		r.metrics.Reserve(outcomeOf(err))
		r.logger.Info(ctx, "Reservation refused", "resourceId", resourceId, "ownerId", ownerId, "err", err)
		return nil, err
	}

	r.metrics.Reserve(metrics.OutcomeGranted)
	r.logger.Info(ctx, "Reserved", "resourceId", resourceId, "ownerId", ownerId, "reservationId", record.Id)
	return &reserver.Reservation{Record: *record, LockExpired: lockExpired}, nil
}

// Release the claim. Failures are logged and ignored: the claim expires on its own.
func (r *reserverImpl) releaseClaim(ctx context.Context, lockKey string, token string) {
	released, err := r.claims.Release(context.WithoutCancel(ctx), lockKey, token)
	if err != nil {
		r.logger.Warn(ctx, "Error while releasing lock, ignoring", "lockKey", lockKey, "err", err)
		return
	}
	if !released {
		r.logger.Debug(ctx, "Lock was gone already at release", "lockKey", lockKey)
	}
}

func (r *reserverImpl) Release(ctx context.Context, resourceId string, ownerId string) (released bool, err error) {
	ctx, span := tracer.Start(ctx, "Reserver.Release", trace.WithAttributes(
		attribute.String("dreserve.resource_id", resourceId),
		attribute.String("dreserve.owner_id", ownerId)))
	defer func() { endSpan(span, err) }()

	if err := validateIds(resourceId, ownerId); err != nil {
		r.metrics.Release(metrics.OutcomeInvalid)
		return false, err
	}

	start := r.clock.Now()
	released, err = r.ledger.Release(ctx, resourceId, ownerId)
	r.metrics.LedgerDuration("release", r.clock.Since(start))

	switch {
	case err != nil:
		r.metrics.Release(outcomeOf(err))
		r.logger.Info(ctx, "Release refused", "resourceId", resourceId, "ownerId", ownerId, "err", err)
	case released:
		r.metrics.Release(metrics.OutcomeReleased)
		r.logger.Info(ctx, "Released", "resourceId", resourceId, "ownerId", ownerId)
	default:
		r.metrics.Release(metrics.OutcomeNotHeld)
	}
	return released, err
}

func (r *reserverImpl) Lookup(ctx context.Context, resourceId string) (rec *reserver.Record, err error) {
	ctx, span := tracer.Start(ctx, "Reserver.Lookup", trace.WithAttributes(
		attribute.String("dreserve.resource_id", resourceId)))
	defer func() { endSpan(span, err) }()

	if err := validateId("resourceId", resourceId); err != nil {
		return nil, err
	}

	start := r.clock.Now()
	rec, err = r.ledger.Lookup(ctx, resourceId)
	r.metrics.LedgerDuration("lookup", r.clock.Since(start))
	return rec, err
}

func (r *reserverImpl) Health(ctx context.Context) reserver.Health {
	ctx, span := tracer.Start(ctx, "Reserver.Health")
	defer span.End()

	h := reserver.Health{
		Ledger: r.ledger.Check(ctx),
		Locks:  r.claims.Check(ctx),
	}
	if !h.Healthy() {
		r.logger.Warn(ctx, "Health check failed", "ledger", h.Ledger, "locks", h.Locks)
		span.SetStatus(codes.Error, "unhealthy")
	}
	return h
}

func validateIds(resourceId string, ownerId string) error {
	if err := validateId("resourceId", resourceId); err != nil {
		return err
	}
	return validateId("ownerId", ownerId)
}

func validateId(field string, id string) error {
	if id == "" {
		return &error2.InvalidError{Field: field, Reason: "must not be empty"}
	}
	if len(id) > maxIdLength {
		return &error2.InvalidError{Field: field, Reason: fmt.Sprintf("must be at most %d bytes", maxIdLength)}
	}
	if !utf8.ValidString(id) {
		return &error2.InvalidError{Field: field, Reason: "must be valid UTF-8"}
	}
	for _, c := range id {
		if unicode.IsControl(c) {
			return &error2.InvalidError{Field: field, Reason: "must not contain control characters"}
		}
	}
	return nil
}

func outcomeOf(err error) string {
	switch error2.KindOf(err) {
	case error2.KindConflict:
		return metrics.OutcomeConflict
	case error2.KindForbidden:
		return metrics.OutcomeForbidden
	case error2.KindBusy:
		return metrics.OutcomeBusy
	case error2.KindUnavailable:
		return metrics.OutcomeUnavailable
	case error2.KindInvalid:
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeError
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("dreserve.outcome", error2.KindOf(err).String()))
	}
	span.End()
}
