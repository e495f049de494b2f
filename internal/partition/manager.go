package partition

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"coldwatch.dev/telemetry/pkg/errs"
	"coldwatch.dev/telemetry/pkg/metrics"
)

// Registrar is notified whenever a partition is created, so newly attached
// segments never bypass tenant isolation.
type Registrar interface {
	RegisterPartition(name string)
}

// Manager maps timestamps to monthly partitions of the readings relation and
// creates missing ones. All creation paths are create-if-absent: two
// concurrent first-writers into a new month never both fail and never
// produce divergent index sets.
type Manager struct {
	db        *gorm.DB
	logger    *slog.Logger
	registrar Registrar
	metrics   *metrics.TelemetryMetrics
}

// NewManager creates a partition manager. registrar may not be nil; a
// partition outside the isolation registry would be reachable unscoped.
func NewManager(db *gorm.DB, logger *slog.Logger, registrar Registrar) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if registrar == nil {
		return nil, fmt.Errorf("registrar cannot be nil")
	}
	return &Manager{db: db, logger: logger, registrar: registrar}, nil
}

// SetMetrics attaches partition metrics.
func (m *Manager) SetMetrics(tm *metrics.TelemetryMetrics) {
	m.metrics = tm
}

// ResolveOrCreate resolves the partition covering ts, creating it (and its
// indexes) if absent. Returns the partition name. Safe under concurrent
// first-writers for the same month.
func (m *Manager) ResolveOrCreate(ctx context.Context, ts time.Time) (string, error) {
	key := KeyFor(ts)

	exists, err := m.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		return key.Name(), nil
	}

	if err := m.create(ctx, key); err != nil {
		return "", err
	}
	return key.Name(), nil
}

// EnsureFuture eagerly creates partitions for the current month through
// horizonMonths ahead. Idempotent; safe to run repeatedly from the
// maintenance scheduler. Returns the names of all partitions in the horizon.
func (m *Manager) EnsureFuture(ctx context.Context, horizonMonths int) ([]string, error) {
	if horizonMonths < 0 {
		return nil, errs.Validation("partition", "horizon_months", "must be >= 0, got %d", horizonMonths)
	}

	key := KeyFor(time.Now().UTC())
	names := make([]string, 0, horizonMonths+1)
	for i := 0; i <= horizonMonths; i++ {
		if err := m.create(ctx, key); err != nil {
			return names, err
		}
		names = append(names, key.Name())
		key = key.Next()
	}
	return names, nil
}

// Exists reports whether the live partition for key is attached.
func (m *Manager) Exists(ctx context.Context, key Key) (bool, error) {
	var count int64
	err := m.db.WithContext(ctx).
		Raw(`SELECT count(*) FROM information_schema.tables WHERE table_schema = 'public' AND table_name = ?`, key.Name()).
		Scan(&count).Error
	if err != nil {
		return false, errs.Storage(fmt.Sprintf("partition lookup for %s", key.Name()), err)
	}
	return count > 0, nil
}

// LiveKeys lists the months that currently have an attached live partition,
// oldest first.
func (m *Manager) LiveKeys(ctx context.Context) ([]Key, error) {
	var names []string
	err := m.db.WithContext(ctx).
		Raw(`SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename LIKE 'readings\_2%' ORDER BY tablename`).
		Scan(&names).Error
	if err != nil {
		return nil, errs.Storage("partition listing", err)
	}

	keys := make([]Key, 0, len(names))
	for _, name := range names {
		if IsArchiveTable(name) {
			continue
		}
		if key, ok := ParseTableName(name); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// create builds the partition and its indexes. Every statement is
// IF NOT EXISTS, so losing a creation race to a concurrent writer is not an
// error; a creation failure is re-checked against the catalog before being
// surfaced, because the loser of a same-instant race can still observe a
// transient duplicate-object error from the engine.
func (m *Manager) create(ctx context.Context, key Key) error {
	name := key.Name()
	if err := ValidateTableName(name); err != nil {
		return err
	}

	existed, err := m.Exists(ctx, key)
	if err != nil {
		return err
	}

	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF readings FOR VALUES FROM ('%s') TO ('%s')`,
		name,
		key.Start().Format("2006-01-02"),
		key.End().Format("2006-01-02"),
	)

	if err := m.db.WithContext(ctx).Exec(ddl).Error; err != nil {
		if exists, checkErr := m.Exists(ctx, key); checkErr == nil && exists {
			m.logger.Debug("lost partition creation race, partition exists", "partition", name)
		} else {
			return errs.Storage(fmt.Sprintf("create partition %s", name), err)
		}
	}

	for idxName, idx := range partitionIndexes(name) {
		if err := m.db.WithContext(ctx).Exec(idx).Error; err != nil {
			// Same transient duplicate-object race as the table itself.
			if exists, checkErr := m.indexExists(ctx, idxName); checkErr != nil || !exists {
				return errs.Storage(fmt.Sprintf("create index %s for partition %s", idxName, name), err)
			}
		}
	}

	m.registrar.RegisterPartition(name)
	if !existed {
		if m.metrics != nil {
			m.metrics.PartitionsCreated.Inc()
		}
		m.logger.Info("partition created", "partition", name, "from", key.Start(), "to", key.End())
	}
	return nil
}

func (m *Manager) indexExists(ctx context.Context, idxName string) (bool, error) {
	var count int64
	err := m.db.WithContext(ctx).
		Raw(`SELECT count(*) FROM pg_indexes WHERE schemaname = 'public' AND indexname = ?`, idxName).
		Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// partitionIndexes returns the per-partition index DDL keyed by index name:
// sensor+time and tenant+time for the hot query paths, plus a partial index
// over the deviation predicate for compliance reporting.
func partitionIndexes(name string) map[string]string {
	return map[string]string{
		fmt.Sprintf("idx_%s_sensor_timestamp", name): fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_sensor_timestamp ON %s (sensor_id, timestamp DESC)`, name, name),
		fmt.Sprintf("idx_%s_org_timestamp", name): fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_org_timestamp ON %s (organization_id, timestamp DESC)`, name, name),
		fmt.Sprintf("idx_%s_deviations", name): fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_deviations ON %s (timestamp, deviation_detected) WHERE deviation_detected = TRUE`, name, name),
	}
}
