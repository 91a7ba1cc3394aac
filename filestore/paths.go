package filestore

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"ledgersink/types"
	"ledgersink/utils"
)

// Partition identifies the directory a record lands in.
type Partition struct {
	MigrationID int64
	Date        time.Time // truncated to the UTC day
}

// PartitionOf derives the partition from a record's logical timestamp and migration.
func PartitionOf(kind types.RecordKind, rec types.Record) Partition {
	t := rec.LogicalTime(kind)
	return Partition{
		MigrationID: rec.MigrationID(),
		Date:        time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC),
	}
}

// Dir renders migration=<id>/year=YYYY/month=MM/day=DD.
func (p Partition) Dir() string {
	return fmt.Sprintf("migration=%d/year=%04d/month=%02d/day=%02d",
		p.MigrationID, p.Date.Year(), int(p.Date.Month()), p.Date.Day())
}

func (p Partition) String() string {
	return p.Dir()
}

// FileName builds "<kind>-<stamp><ext>" inside the partition, slash separated so it can be
// used both as a relative local path and as a remote object key.
func (p Partition) FileName(kind types.RecordKind, stamp int64, ext string) string {
	return path.Join(p.Dir(), fmt.Sprintf("%s-%s%s", kind, utils.FormatStamp(stamp), ext))
}

var partitionPattern = regexp.MustCompile(`migration=(\d+)/year=(\d{4})/month=(\d{2})/day=(\d{2})(?:/|$)`)

// ParsePartition recovers the partition from a path or object key containing Dir().
func ParsePartition(p string) (Partition, bool) {
	m := partitionPattern.FindStringSubmatch(filepath.ToSlash(p))
	if m == nil {
		return Partition{}, false
	}
	id, _ := strconv.ParseInt(m[1], 10, 64)
	year, _ := strconv.Atoi(m[2])
	month, _ := strconv.Atoi(m[3])
	day, _ := strconv.Atoi(m[4])
	return Partition{
		MigrationID: id,
		Date:        time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC),
	}, true
}
