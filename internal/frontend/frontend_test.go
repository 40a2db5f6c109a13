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

package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scailio-oss/dreserve"
	error2 "github.com/scailio-oss/dreserve/error"
	"github.com/scailio-oss/dreserve/internal/config"
	"github.com/scailio-oss/dreserve/reserver"
)

func frontendSetup(t *testing.T) http.Handler {
	t.Helper()
	c := config.NewConfig()
	c.Version = "test"
	c.Runtime.Registry = prometheus.NewRegistry()
	r, err := dreserve.NewReserver(dreserve.WithMemoryLedger(), dreserve.WithMemoryLocks(),
		dreserve.WithMetricsRegisterer(c.Runtime.Registry))
	require.NoError(t, err)
	fe, err := NewFrontend(c, r)
	require.NoError(t, err)
	return fe.Handler()
}

func do(t *testing.T, h http.Handler, method string, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	body := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "Expected a JSON body")
	}
	return rec, body
}

func TestReserveEndpoints(t *testing.T) {
	// GIVEN
	h := frontendSetup(t)

	// WHEN
	granted, grantedBody := do(t, h, http.MethodPost, "/api/reserve/room-1?user_id=alice")
	conflict, conflictBody := do(t, h, http.MethodPost, "/api/reserve/room-1?user_id=bob")
	lookup, lookupBody := do(t, h, http.MethodGet, "/api/reserve/room-1")
	forbidden, forbiddenBody := do(t, h, http.MethodDelete, "/api/reserve/room-1?user_id=bob")
	released, releasedBody := do(t, h, http.MethodDelete, "/api/reserve/room-1?user_id=alice")
	again, againBody := do(t, h, http.MethodDelete, "/api/reserve/room-1?user_id=alice")

	// THEN
	assert.Equal(t, http.StatusOK, granted.Code)
	assert.Equal(t, "room-1", grantedBody["resource_id"])
	assert.Equal(t, "alice", grantedBody["owner_id"])
	assert.NotZero(t, grantedBody["reservation_id"])
	assert.NotEmpty(t, grantedBody["created_at"])

	assert.Equal(t, http.StatusConflict, conflict.Code)
	assert.Equal(t, "conflict", conflictBody["error"])
	assert.Equal(t, "alice", conflictBody["owner_id"], "Expected conflict to name the holder")

	assert.Equal(t, http.StatusOK, lookup.Code)
	assert.Equal(t, "alice", lookupBody["owner_id"])
	assert.Equal(t, true, lookupBody["active"])

	assert.Equal(t, http.StatusForbidden, forbidden.Code)
	assert.Equal(t, "forbidden", forbiddenBody["error"])

	assert.Equal(t, http.StatusOK, released.Code)
	assert.Equal(t, true, releasedBody["released"])
	assert.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, false, againBody["released"])
}

func TestLookupUnknown(t *testing.T) {
	h := frontendSetup(t)

	rec, body := do(t, h, http.MethodGet, "/api/reserve/never")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["error"])
}

func TestReserveWithoutUser(t *testing.T) {
	h := frontendSetup(t)

	rec, body := do(t, h, http.MethodPost, "/api/reserve/room-1")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid", body["error"])
}

func TestWriteErrorTransient(t *testing.T) {
	for _, err := range []error{
		&error2.BusyError{LockKey: "lock:room-1"},
		&error2.UnavailableError{Op: "reserve", Cause: context.DeadlineExceeded},
	} {
		// GIVEN
		rec := httptest.NewRecorder()

		// WHEN
		writeError(rec, err)

		// THEN
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, retryAfter, rec.Header().Get("Retry-After"), "Expected a retry hint")
		assert.Contains(t, rec.Body.String(), error2.KindOf(err).String(), "Expected busy and unavailable to differ")
	}
}

func TestWriteErrorUnknown(t *testing.T) {
	rec := httptest.NewRecorder()

	writeError(rec, errors.New("secret detail"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret detail")
}

type unhealthyReserver struct {
	reserver.Reserver
}

func (unhealthyReserver) Health(context.Context) reserver.Health {
	return reserver.Health{Locks: errors.New("redis down")}
}

func TestHealth(t *testing.T) {
	// GIVEN
	healthy := frontendSetup(t)
	fe, err := NewFrontend(config.NewConfig(), unhealthyReserver{})
	require.NoError(t, err)

	// WHEN
	ok, okBody := do(t, healthy, http.MethodGet, "/health")
	bad, badBody := do(t, fe.Handler(), http.MethodGet, "/health")

	// THEN
	assert.Equal(t, http.StatusOK, ok.Code)
	assert.Equal(t, "healthy", okBody["status"])
	assert.NotEmpty(t, okBody["timestamp"])
	assert.Equal(t, map[string]any{"ledger": "ok", "locks": "ok"}, okBody["services"])
	assert.Equal(t, http.StatusServiceUnavailable, bad.Code)
	assert.Equal(t, "unhealthy", badBody["status"])
	assert.Equal(t, map[string]any{"ledger": "ok", "locks": "redis down"}, badBody["services"])
}

func TestBannerAndMetrics(t *testing.T) {
	// GIVEN
	h := frontendSetup(t)
	do(t, h, http.MethodPost, "/api/reserve/room-1?user_id=alice")

	// WHEN
	banner, bannerBody := do(t, h, http.MethodGet, "/")
	metrics, _ := do(t, h, http.MethodGet, "/metrics")
	unknown, _ := do(t, h, http.MethodGet, "/api/unknown")

	// THEN
	assert.Equal(t, http.StatusOK, banner.Code)
	assert.Equal(t, "running", bannerBody["status"])
	assert.Equal(t, "test", bannerBody["version"])
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), `dreserve_reserve_total{outcome="granted"} 1`)
	assert.Equal(t, http.StatusNotFound, unknown.Code)
}
