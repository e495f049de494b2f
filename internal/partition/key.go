// Package partition manages the monthly partitions of the readings
// relation: deterministic naming, lazy create-if-absent creation with
// per-partition indexes, and eager pre-creation of a rolling future horizon.
package partition

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"coldwatch.dev/telemetry/pkg/errs"
)

// Key identifies one calendar month partition. Names derive purely from the
// key so any partition is addressable by date without a lookup table.
type Key struct {
	Year  int
	Month time.Month
}

// KeyFor returns the partition key covering ts (UTC calendar month).
func KeyFor(ts time.Time) Key {
	u := ts.UTC()
	return Key{Year: u.Year(), Month: u.Month()}
}

// KeyMonthsAgo returns the key for the month monthsAgo before now's month.
func KeyMonthsAgo(now time.Time, monthsAgo int) Key {
	return KeyFor(KeyFor(now).Start().AddDate(0, -monthsAgo, 0))
}

// MonthsBetween returns how many whole months newer is ahead of older.
// Negative when older is actually the newer key.
func MonthsBetween(older, newer Key) int {
	return (newer.Year-older.Year)*12 + int(newer.Month) - int(older.Month)
}

// Start returns the inclusive lower bound of the partition range.
func (k Key) Start() time.Time {
	return time.Date(k.Year, k.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the exclusive upper bound (start of the next month).
func (k Key) End() time.Time {
	return k.Start().AddDate(0, 1, 0)
}

// Next returns the key of the following month.
func (k Key) Next() Key {
	return KeyFor(k.End())
}

// Name returns the live partition name, readings_YYYY_MM.
func (k Key) Name() string {
	return fmt.Sprintf("readings_%04d_%02d", k.Year, int(k.Month))
}

// ArchiveName returns the cold-storage relation name,
// readings_archive_YYYY_MM.
func (k Key) ArchiveName() string {
	return fmt.Sprintf("readings_archive_%04d_%02d", k.Year, int(k.Month))
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("%04d-%02d", k.Year, int(k.Month))
}

// tablePattern is the allow-list every partition or archive table name must
// match before it is interpolated into DDL. Names are generated internally,
// but maintenance paths also read them back from the catalog, so both ends
// are validated.
var tablePattern = regexp.MustCompile(`^readings(_archive)?_([0-9]{4})_(0[1-9]|1[0-2])$`)

// ValidateTableName rejects any relation name outside the deterministic
// naming convention.
func ValidateTableName(name string) error {
	if !tablePattern.MatchString(name) {
		return errs.Validation("partition", "table", "name %q outside naming convention", name)
	}
	return nil
}

// ParseTableName recovers the key from a live or archive table name.
// Returns false for names outside the convention.
func ParseTableName(name string) (Key, bool) {
	m := tablePattern.FindStringSubmatch(name)
	if m == nil {
		return Key{}, false
	}
	year, err := strconv.Atoi(m[2])
	if err != nil {
		return Key{}, false
	}
	month, err := strconv.Atoi(m[3])
	if err != nil {
		return Key{}, false
	}
	return Key{Year: year, Month: time.Month(month)}, true
}

// IsArchiveTable reports whether name refers to a cold-storage relation.
func IsArchiveTable(name string) bool {
	m := tablePattern.FindStringSubmatch(name)
	return m != nil && m[1] == "_archive"
}
