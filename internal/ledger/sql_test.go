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
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	error2 "github.com/scailio-oss/dreserve/error"
)

func openSqlite(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "Expected sqlite to open")

	sqlDb, err := db.DB()
	require.NoError(t, err)
	// a single connection serializes statements, the unique index still decides
	sqlDb.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDb.Close() })
	return db
}

func newSqlLedger(t *testing.T, clk clock.Clock) Ledger {
	l, err := NewSql(openSqlite(t), time.Second, clk)
	require.NoError(t, err, "Expected migration to succeed")
	return l
}

func TestSqlLedger(t *testing.T) {
	runLedgerSuite(t, newSqlLedger)
}

func TestSqlPartialUniqueIndex(t *testing.T) {
	// GIVEN
	db := openSqlite(t)
	_, err := NewSql(db, time.Second, clock.NewMock())
	require.NoError(t, err)

	// WHEN
	inactive := []reservationRow{
		{ResourceId: "room-1", OwnerId: "alice", CreatedAt: time.Unix(1, 0), Active: false},
		{ResourceId: "room-1", OwnerId: "bob", CreatedAt: time.Unix(2, 0), Active: false},
	}
	errInactive := db.Create(&inactive).Error
	errFirstActive := db.Create(&reservationRow{ResourceId: "room-1", OwnerId: "carol", CreatedAt: time.Unix(3, 0), Active: true}).Error
	errSecondActive := db.Create(&reservationRow{ResourceId: "room-1", OwnerId: "dave", CreatedAt: time.Unix(4, 0), Active: true}).Error

	// THEN
	assert.NoError(t, errInactive, "Expected any number of inactive rows")
	assert.NoError(t, errFirstActive, "Expected one active row")
	assert.Error(t, errSecondActive, "Expected the index to reject a second active row")
}

func TestSqlIsDuplicatePostgresErrors(t *testing.T) {
	// GIVEN
	s := &Sql{db: openSqlite(t), timeout: time.Second, clock: clock.NewMock()}

	// WHEN
	unique := s.isDuplicate(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "idx_reservations_active"}))
	foreignKeyViolation := s.isDuplicate(&pgconn.PgError{Code: "23503"})

	// THEN
	assert.True(t, unique, "Expected a wrapped unique violation to be a duplicate")
	assert.False(t, foreignKeyViolation, "Expected other constraint violations not to be duplicates")
}

func TestSqlUnavailable(t *testing.T) {
	// GIVEN
	db := openSqlite(t)
	l, err := NewSql(db, time.Second, clock.NewMock())
	require.NoError(t, err)
	sqlDb, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDb.Close())

	// WHEN
	_, errReserve := l.Reserve(context.Background(), "room-1", "alice")
	_, errRelease := l.Release(context.Background(), "room-1", "alice")
	_, errLookup := l.Lookup(context.Background(), "room-1")

	// THEN
	var unavailable *error2.UnavailableError
	assert.ErrorAs(t, errReserve, &unavailable, "Expected reserve to be unavailable, not a conflict")
	assert.ErrorAs(t, errRelease, &unavailable, "Expected release to be unavailable")
	assert.ErrorAs(t, errLookup, &unavailable, "Expected lookup to be unavailable")
	assert.Error(t, l.Check(context.Background()))
}
