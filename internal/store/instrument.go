package store

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"coldwatch.dev/telemetry/pkg/metrics"
)

const instrumentStartKey = "coldwatch:op_started_at"

// Instrument registers callbacks on db that count every operation and record
// its latency per table. A record-not-found result is still a successful
// operation.
func Instrument(db *gorm.DB, m *metrics.TelemetryMetrics) error {
	if db == nil {
		return errors.New("db cannot be nil")
	}
	if m == nil {
		return errors.New("metrics cannot be nil")
	}

	before := func(tx *gorm.DB) {
		tx.InstanceSet(instrumentStartKey, time.Now())
	}
	after := func(op string) func(tx *gorm.DB) {
		return func(tx *gorm.DB) {
			table := tx.Statement.Table
			if table == "" {
				table = "unknown"
			}
			status := "success"
			if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
				status = "error"
			}
			m.DBOperationsTotal.WithLabelValues(op, table, status).Inc()

			if v, ok := tx.InstanceGet(instrumentStartKey); ok {
				if started, ok := v.(time.Time); ok {
					m.DBOperationDuration.WithLabelValues(op, table).Observe(time.Since(started).Seconds())
				}
			}
		}
	}

	if err := db.Callback().Create().Before("gorm:create").Register("metrics:before_create", before); err != nil {
		return err
	}
	if err := db.Callback().Create().After("gorm:create").Register("metrics:after_create", after("create")); err != nil {
		return err
	}
	if err := db.Callback().Query().Before("gorm:query").Register("metrics:before_query", before); err != nil {
		return err
	}
	if err := db.Callback().Query().After("gorm:query").Register("metrics:after_query", after("query")); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("metrics:before_update", before); err != nil {
		return err
	}
	if err := db.Callback().Update().After("gorm:update").Register("metrics:after_update", after("update")); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("metrics:before_delete", before); err != nil {
		return err
	}
	if err := db.Callback().Delete().After("gorm:delete").Register("metrics:after_delete", after("delete")); err != nil {
		return err
	}
	if err := db.Callback().Row().Before("gorm:row").Register("metrics:before_row", before); err != nil {
		return err
	}
	if err := db.Callback().Row().After("gorm:row").Register("metrics:after_row", after("row")); err != nil {
		return err
	}
	if err := db.Callback().Raw().Before("gorm:raw").Register("metrics:before_raw", before); err != nil {
		return err
	}
	return db.Callback().Raw().After("gorm:raw").Register("metrics:after_raw", after("raw"))
}
