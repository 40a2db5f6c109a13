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
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeGranted     = "granted"
	OutcomeConflict    = "conflict"
	OutcomeBusy        = "busy"
	OutcomeUnavailable = "unavailable"
	OutcomeInvalid     = "invalid"
	OutcomeError       = "error"
	OutcomeReleased    = "released"
	OutcomeNotHeld     = "not_held"
	OutcomeForbidden   = "forbidden"
	OutcomeAcquired    = "acquired"
	OutcomeHeld        = "held"
)

// Metrics holds the collectors of a single reserver. All methods are safe to call on a nil *Metrics.
type Metrics struct {
	reserve       *prometheus.CounterVec
	release       *prometheus.CounterVec
	lockAcquire   *prometheus.CounterVec
	lockExpired   prometheus.Counter
	ledgerLatency *prometheus.HistogramVec
}

func New() *Metrics {
	return &Metrics{
		reserve: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dreserve_reserve_total",
			Help: "Total number of Reserve operations by outcome",
		}, []string{"outcome"}),
		release: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dreserve_release_total",
			Help: "Total number of Release operations by outcome",
		}, []string{"outcome"}),
		lockAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dreserve_lock_acquire_total",
			Help: "Total number of lock acquisitions by outcome",
		}, []string{"outcome"}),
		lockExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dreserve_lock_expired_in_critical_section_total",
			Help: "Number of lock claims that expired before the ledger call returned",
		}),
		ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dreserve_ledger_duration_seconds",
			Help:    "Latency of ledger calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

// Register registers all collectors on reg. If reg already holds collectors of the same name, e.g. from another
// Metrics, those are used from then on so that counts of all instances end up in reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	var err error
	if m.reserve, err = registerCounterVec(reg, m.reserve); err != nil {
		return err
	}
	if m.release, err = registerCounterVec(reg, m.release); err != nil {
		return err
	}
	if m.lockAcquire, err = registerCounterVec(reg, m.lockAcquire); err != nil {
		return err
	}
	if m.lockExpired, err = registerCounter(reg, m.lockExpired); err != nil {
		return err
	}
	if m.ledgerLatency, err = registerHistogramVec(reg, m.ledgerLatency); err != nil {
		return err
	}
	return nil
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	existing, err := register(reg, c)
	if err != nil {
		return c, err
	}
	if e, ok := existing.(*prometheus.CounterVec); ok {
		return e, nil
	}
	return c, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter) (prometheus.Counter, error) {
	existing, err := register(reg, c)
	if err != nil {
		return c, err
	}
	if e, ok := existing.(prometheus.Counter); ok {
		return e, nil
	}
	return c, nil
}

func registerHistogramVec(reg prometheus.Registerer, h *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	existing, err := register(reg, h)
	if err != nil {
		return h, err
	}
	if e, ok := existing.(*prometheus.HistogramVec); ok {
		return e, nil
	}
	return h, nil
}

// Returns the collector already registered under the same descriptor, or nil if c was registered.
func register(reg prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	err := reg.Register(c)
	if err == nil {
		return nil, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return are.ExistingCollector, nil
	}
	return nil, err
}

func (m *Metrics) Reserve(outcome string) {
	if m == nil {
		return
	}
	m.reserve.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Release(outcome string) {
	if m == nil {
		return
	}
	m.release.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LockAcquire(outcome string) {
	if m == nil {
		return
	}
	m.lockAcquire.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LockExpired() {
	if m == nil {
		return
	}
	m.lockExpired.Inc()
}

func (m *Metrics) LedgerDuration(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.ledgerLatency.WithLabelValues(op).Observe(d.Seconds())
}
