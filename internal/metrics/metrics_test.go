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

package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	// GIVEN
	reg := prometheus.NewRegistry()
	m := New()

	// WHEN
	err := m.Register(reg)
	m.Reserve(OutcomeGranted)
	m.Release(OutcomeReleased)
	m.LockAcquire(OutcomeAcquired)
	m.LockExpired()
	m.LedgerDuration("reserve", 10*time.Millisecond)

	// THEN
	require.NoError(t, err)
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, mfs, 5, "Expected all collectors to be registered")
}

func TestRegisterTwice(t *testing.T) {
	// GIVEN
	reg := prometheus.NewRegistry()
	m := New()
	require.NoError(t, m.Register(reg))

	// WHEN
	err := m.Register(reg)

	// THEN
	assert.NoError(t, err, "Expected re-registration of the same collectors to be accepted")
}

func TestTwoInstancesShareRegistry(t *testing.T) {
	// GIVEN
	reg := prometheus.NewRegistry()
	first, second := New(), New()
	require.NoError(t, first.Register(reg))

	// WHEN
	err := second.Register(reg)
	second.Reserve(OutcomeGranted)
	second.Reserve(OutcomeGranted)
	second.LockExpired()
	first.Reserve(OutcomeGranted)

	// THEN
	require.NoError(t, err, "Expected the second instance to be accepted")
	expected := `
# HELP dreserve_reserve_total Total number of Reserve operations by outcome
# TYPE dreserve_reserve_total counter
dreserve_reserve_total{outcome="granted"} 3
# HELP dreserve_lock_expired_in_critical_section_total Number of lock claims that expired before the ledger call returned
# TYPE dreserve_lock_expired_in_critical_section_total counter
dreserve_lock_expired_in_critical_section_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"dreserve_reserve_total", "dreserve_lock_expired_in_critical_section_total"),
		"Expected counts of both instances to be exported")
}

func TestCountsByOutcome(t *testing.T) {
	// GIVEN
	m := New()

	// WHEN
	m.Reserve(OutcomeGranted)
	m.Reserve(OutcomeConflict)
	m.Reserve(OutcomeConflict)
	m.LockExpired()

	// THEN
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reserve.WithLabelValues(OutcomeGranted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reserve.WithLabelValues(OutcomeConflict)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockExpired))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Reserve(OutcomeGranted)
		m.Release(OutcomeReleased)
		m.LockAcquire(OutcomeHeld)
		m.LockExpired()
		m.LedgerDuration("lookup", time.Second)
	})
}
