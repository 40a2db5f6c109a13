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

package dreserve

import (
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/scailio-oss/dreserve/internal/claim"
	"github.com/scailio-oss/dreserve/internal/ledger"
	internallogger "github.com/scailio-oss/dreserve/internal/logger"
	"github.com/scailio-oss/dreserve/internal/metrics"
	internalreserver "github.com/scailio-oss/dreserve/internal/reserver"
	"github.com/scailio-oss/dreserve/logger"
	"github.com/scailio-oss/dreserve/reserver"
)

const DefaultLedgerTableName = "dreserve"
const DefaultLockTableName = "dreserve-locks"
const defaultLockTtl = 10 * time.Second
const defaultLockKeyPrefix = "lock:"
const defaultMaxClockSkew = 1 * time.Second
const defaultBackendTimeout = 1 * time.Second

// NewReserver creates a new Reserver. Exactly one ledger option (WithDynamoDbLedger, WithSqlLedger, WithMemoryLedger)
// and one lock option (WithRedisLocks, WithDynamoDbLocks, WithMemoryLocks) must be given.
// All Reservers that share a resource must be configured with the same ledger, lock store and lock key prefix.
func NewReserver(options ...ReserverOption) (reserver.Reserver, error) {
	params := &ReserverParams{}
	for _, opt := range options {
		opt(params)
	}

	if params.newLedger == nil {
		return nil, errors.New("no ledger configured")
	}
	if params.newLocks == nil {
		return nil, errors.New("no lock store configured")
	}
	if params.lockTtl < 0 || params.backendTimeout < 0 || params.maxClockSkew < 0 {
		return nil, errors.New("durations must not be negative")
	}

	if params.logger == nil {
		params.logger = internallogger.Default()
	}
	if params.lockTtl == 0 {
		params.lockTtl = defaultLockTtl
	}
	if params.lockKeyPrefix == nil {
		prefix := defaultLockKeyPrefix
		params.lockKeyPrefix = &prefix
	}
	if params.maxClockSkew == 0 {
		params.maxClockSkew = defaultMaxClockSkew
	}
	if params.backendTimeout == 0 {
		params.backendTimeout = defaultBackendTimeout
	}
	if params.clock == nil {
		params.clock = clock.New()
	}

	ldg, err := params.newLedger(params)
	if err != nil {
		return nil, err
	}
	locks := params.newLocks(params)

	m := metrics.New()
	if params.registerer != nil {
		if err := m.Register(params.registerer); err != nil {
			return nil, err
		}
	}

	return internalreserver.New(ldg, locks, params.clock, params.logger, m, params.lockTtl, *params.lockKeyPrefix), nil
}

type ReserverParams struct {
	logger         logger.Logger
	lockTtl        time.Duration
	lockKeyPrefix  *string
	maxClockSkew   time.Duration
	backendTimeout time.Duration
	registerer     prometheus.Registerer
	clock          clock.Clock

	newLedger func(params *ReserverParams) (ledger.Ledger, error)
	newLocks  func(params *ReserverParams) claim.Store
}

type ReserverOption func(params *ReserverParams)

// Use the given Logger instead of a default one
func WithLogger(logger logger.Logger) ReserverOption {
	return func(params *ReserverParams) {
		params.logger = logger
	}
}

// Use the given lock TTL instead of the default defaultLockTtl.
// The lock in front of the ledger vanishes after this duration even if the process holding it crashed. It should be
// well above the expected latency of a single ledger call: if the ledger answers after the TTL, the reservation is
// still valid (the ledger decides), though it is flagged with LockExpired and a warning is logged.
func WithLockTTL(ttl time.Duration) ReserverOption {
	return func(params *ReserverParams) {
		params.lockTtl = ttl
	}
}

// Use this prefix for lock keys instead of the default defaultLockKeyPrefix. The lock key of a resource is
// prefix + resourceId. An empty prefix is allowed.
func WithLockKeyPrefix(prefix string) ReserverOption {
	return func(params *ReserverParams) {
		params.lockKeyPrefix = &prefix
	}
}

// Use this timeout for every call to the ledger and the lock store instead of the default.
func WithBackendTimeout(timeout time.Duration) ReserverOption {
	return func(params *ReserverParams) {
		params.backendTimeout = timeout
	}
}

// Register the Prometheus collectors of the Reserver on reg. Without this option, metrics are collected but not
// exposed.
func WithMetricsRegisterer(reg prometheus.Registerer) ReserverOption {
	return func(params *ReserverParams) {
		params.registerer = reg
	}
}

// Use this maximum clock skew instead of the default defaultMaxClockSkew. Only used by WithDynamoDbLocks: an expired
// lock is taken over only maxClockSkew after its expiry as seen by the local clock.
func WithMaxClockSkew(maxClockSkew time.Duration) ReserverOption {
	return func(params *ReserverParams) {
		params.maxClockSkew = maxClockSkew
	}
}

// Keep the ledger in the given DynamoDB table. The table needs a String hash key "key" and a String range key "sk",
// see the create-tables command.
func WithDynamoDbLedger(client *dynamodb.Client, tableName string) ReserverOption {
	return func(params *ReserverParams) {
		params.newLedger = func(p *ReserverParams) (ledger.Ledger, error) {
			return ledger.NewDynamoDb(client, tableName, p.backendTimeout, p.clock), nil
		}
	}
}

// Keep the ledger in the "reservations" table of the given database. The table and its indexes are migrated when the
// Reserver is created. The database must support partial unique indexes (PostgreSQL, SQLite).
func WithSqlLedger(db *gorm.DB) ReserverOption {
	return func(params *ReserverParams) {
		params.newLedger = func(p *ReserverParams) (ledger.Ledger, error) {
			return ledger.NewSql(db, p.backendTimeout, p.clock)
		}
	}
}

// Keep the ledger in memory. Only usable within a single process.
func WithMemoryLedger() ReserverOption {
	return func(params *ReserverParams) {
		params.newLedger = func(p *ReserverParams) (ledger.Ledger, error) {
			return ledger.NewMemory(p.clock), nil
		}
	}
}

// Take locks in Redis.
func WithRedisLocks(client redis.UniversalClient) ReserverOption {
	return func(params *ReserverParams) {
		params.newLocks = func(p *ReserverParams) claim.Store {
			return claim.NewRedis(client, p.backendTimeout)
		}
	}
}

// Take locks in the given DynamoDB table. The table needs a String hash key "key", see the create-tables command.
func WithDynamoDbLocks(client *dynamodb.Client, tableName string) ReserverOption {
	return func(params *ReserverParams) {
		params.newLocks = func(p *ReserverParams) claim.Store {
			return claim.NewDynamoDb(client, tableName, p.backendTimeout, p.clock, p.maxClockSkew)
		}
	}
}

// Take locks in memory. Only usable within a single process.
func WithMemoryLocks() ReserverOption {
	return func(params *ReserverParams) {
		params.newLocks = func(p *ReserverParams) claim.Store {
			return claim.NewMemory(p.clock)
		}
	}
}

func withClock(clk clock.Clock) ReserverOption {
	return func(params *ReserverParams) {
		params.clock = clk
	}
}
