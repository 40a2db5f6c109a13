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
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	error2 "github.com/scailio-oss/dreserve/error"
	"github.com/scailio-oss/dreserve/reserver"
)

// SQLSTATE of a unique constraint violation in PostgreSQL.
const uniqueViolation = "23505"

// reservationRow is one record of the ledger. The partial unique index only covers active rows, so released rows are
// kept as history while at most one active row per resource can exist.
type reservationRow struct {
	Id         int64      `gorm:"primaryKey;autoIncrement;column:id"`
	ResourceId string     `gorm:"column:resource_id;size:255;not null;index:idx_reservations_resource;uniqueIndex:idx_reservations_active,where:active = true"`
	OwnerId    string     `gorm:"column:owner_id;size:255;not null"`
	CreatedAt  time.Time  `gorm:"column:created_at;not null"`
	ReleasedAt *time.Time `gorm:"column:released_at"`
	Active     bool       `gorm:"column:active;not null"`
}

func (reservationRow) TableName() string {
	return "reservations"
}

func (r reservationRow) record() *reserver.Record {
	return &reserver.Record{
		Id:         r.Id,
		ResourceId: r.ResourceId,
		OwnerId:    r.OwnerId,
		CreatedAt:  r.CreatedAt.UTC(),
		Active:     r.Active,
	}
}

// Sql implements Ledger on a relational database through GORM.
type Sql struct {
	db      *gorm.DB
	timeout time.Duration
	clock   clock.Clock
}

// Creates a new Ledger on the given database, migrating the reservations table if needed. The given timeout is
// applied to every statement.
func NewSql(db *gorm.DB, timeout time.Duration, clk clock.Clock) (Ledger, error) {
	if err := db.AutoMigrate(&reservationRow{}); err != nil {
		return nil, err
	}
	return &Sql{
		db:      db,
		timeout: timeout,
		clock:   clk,
	}, nil
}

func (s *Sql) Reserve(ctx context.Context, resourceId string, ownerId string) (*reserver.Record, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		row := reservationRow{
			ResourceId: resourceId,
			OwnerId:    ownerId,
			CreatedAt:  s.clock.Now().UTC(),
			Active:     true,
		}

		sqlCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.db.WithContext(sqlCtx).Create(&row).Error
		cancel()

		if err == nil {
			return row.record(), nil
		}
		if !s.isDuplicate(err) {
			return nil, unavailable("reserve", err)
		}

		holder, err2 := s.active(ctx, resourceId)
		if err2 != nil {
			return nil, unavailable("reserve", err2)
		}
		if holder != nil {
			return nil, &error2.ConflictError{ResourceId: resourceId, Owner: holder.OwnerId, Cause: err}
		}
		lastErr = err
	}

	return nil, unavailable("reserve", lastErr)
}

func (s *Sql) Release(ctx context.Context, resourceId string, ownerId string) (bool, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		sqlCtx, cancel := context.WithTimeout(ctx, s.timeout)
		res := s.db.WithContext(sqlCtx).
			Model(&reservationRow{}).
			Where("resource_id = ? AND owner_id = ? AND active = ?", resourceId, ownerId, true).
			Updates(map[string]any{
				"active":      false,
				"released_at": s.clock.Now().UTC(),
			})
		cancel()

		if res.Error != nil {
			return false, unavailable("release", res.Error)
		}
		if res.RowsAffected > 0 {
			return true, nil
		}

		holder, err := s.active(ctx, resourceId)
		if err != nil {
			return false, unavailable("release", err)
		}
		if holder == nil {
			return false, nil
		}
		if holder.OwnerId != ownerId {
			return false, &error2.ForbiddenError{ResourceId: resourceId, Owner: ownerId, Holder: holder.OwnerId}
		}
		// ownerId reserved again right after our update, go again.
	}

	return false, unavailable("release", errors.New("resource kept changing hands"))
}

func (s *Sql) Lookup(ctx context.Context, resourceId string) (*reserver.Record, error) {
	sqlCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []reservationRow
	err := s.db.WithContext(sqlCtx).
		Where("resource_id = ?", resourceId).
		Order("active DESC, id DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, unavailable("lookup", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].record(), nil
}

func (s *Sql) Check(ctx context.Context) error {
	sqlDb, err := s.db.DB()
	if err != nil {
		return err
	}
	sqlCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return sqlDb.PingContext(sqlCtx)
}

func (s *Sql) active(ctx context.Context, resourceId string) (*reserver.Record, error) {
	sqlCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []reservationRow
	err := s.db.WithContext(sqlCtx).
		Where("resource_id = ? AND active = ?", resourceId, true).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].record(), nil
}

// Unique violations only become gorm.ErrDuplicatedKey if the connection was opened with TranslateError, so also look
// at the native errors of the supported drivers.
func (s *Sql) isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if t, ok := s.db.Dialector.(gorm.ErrorTranslator); ok && errors.Is(t.Translate(err), gorm.ErrDuplicatedKey) {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}
