// Package index maintains the time-partitioned label index mapping streams to
// chunk locations. Index files are bbolt databases, one per day, written
// locally and periodically shipped to the object store.
package index

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/promql/parser"
	"go.etcd.io/bbolt"
)

const (
	// FilePrefix names the per-period index files: index_<day number>.
	FilePrefix = "index_"

	// Period is the width of one index partition.
	Period = 24 * time.Hour
)

var bucketName = []byte("index")

// PeriodNumber returns the index partition a timestamp falls into.
func PeriodNumber(t time.Time) int64 {
	return t.UnixNano() / int64(Period)
}

// FileNameForPeriod returns the index file name for a partition.
func FileNameForPeriod(period int64) string {
	return fmt.Sprintf("%s%d", FilePrefix, period)
}

// PeriodsInRange returns every partition overlapping [from, through].
func PeriodsInRange(from, through time.Time) []int64 {
	var periods []int64
	for p := PeriodNumber(from); p <= PeriodNumber(through); p++ {
		periods = append(periods, p)
	}
	return periods
}

// Key layout inside the bucket:
//
//	s/<tenant>/<fingerprint>                            -> labels string
//	c/<tenant>/<fingerprint>/<from>-<through>-<crc>     -> chunk external key
//
// Series rows resolve label selectors to fingerprints; chunk rows resolve a
// fingerprint and time range to chunk locations. Both are append-only. The
// checksum keeps distinct chunks with identical bounds (two chunks cut from
// one burst of same-timestamp entries) from overwriting each other.
func seriesKey(tenantID string, fp uint64) []byte {
	return []byte(fmt.Sprintf("s/%s/%016x", tenantID, fp))
}

func seriesPrefix(tenantID string) []byte {
	return []byte(fmt.Sprintf("s/%s/", tenantID))
}

func chunkKey(tenantID string, fp uint64, from, through time.Time, checksum uint32) []byte {
	return []byte(fmt.Sprintf("c/%s/%016x/%016x-%016x-%08x", tenantID, fp, from.UnixNano(), through.UnixNano(), checksum))
}

func chunkPrefix(tenantID string, fp uint64) []byte {
	return []byte(fmt.Sprintf("c/%s/%016x/", tenantID, fp))
}

// File is one open per-period index database.
type File struct {
	db   *bbolt.DB
	path string
}

// OpenFile opens (or creates) the index file at path.
func OpenFile(path string) (*File, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening index file %s", path)
	}
	return &File{db: db, path: path}, nil
}

// Path returns the file's location on disk.
func (f *File) Path() string { return f.path }

// Close closes the underlying database.
func (f *File) Close() error { return f.db.Close() }

// Publish records a flushed chunk under its stream's fingerprint. The series
// row is written on every publish; bbolt overwrites it in place so repeated
// publishes for one stream are harmless.
func (f *File) Publish(tenantID string, fp uint64, metric labels.Labels, from, through time.Time, checksum uint32, chunkExternalKey string) error {
	return f.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		if err := b.Put(seriesKey(tenantID, fp), []byte(metric.String())); err != nil {
			return err
		}
		return b.Put(chunkKey(tenantID, fp, from, through, checksum), []byte(chunkExternalKey))
	})
}

// Series returns the fingerprints of every stream of the tenant whose labels
// satisfy all matchers.
func (f *File) Series(tenantID string, matchers []*labels.Matcher) (map[uint64]labels.Labels, error) {
	result := map[uint64]labels.Labels{}
	err := f.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}

		prefix := seriesPrefix(tenantID)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			lbls, err := parser.ParseMetric(string(v))
			if err != nil {
				return errors.Wrapf(err, "parsing labels for series %s", k)
			}
			if !matchersMatch(matchers, lbls) {
				continue
			}
			var fp uint64
			if _, err := fmt.Sscanf(string(k[len(prefix):]), "%016x", &fp); err != nil {
				return errors.Wrapf(err, "parsing fingerprint in series key %s", k)
			}
			result[fp] = lbls
		}
		return nil
	})
	return result, err
}

// Chunks returns external keys of the fingerprint's chunks overlapping
// [from, through].
func (f *File) Chunks(tenantID string, fp uint64, from, through time.Time) ([]string, error) {
	var keys []string
	err := f.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}

		prefix := chunkPrefix(tenantID, fp)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var (
				chunkFrom, chunkThrough int64
				checksum                uint32
			)
			if _, err := fmt.Sscanf(string(k[len(prefix):]), "%016x-%016x-%08x", &chunkFrom, &chunkThrough, &checksum); err != nil {
				return errors.Wrapf(err, "parsing time range in chunk key %s", k)
			}
			if chunkThrough < from.UnixNano() || chunkFrom > through.UnixNano() {
				continue
			}
			keys = append(keys, string(v))
		}
		return nil
	})
	return keys, err
}

// WriteTo writes a consistent snapshot of the database, for upload while
// writes continue.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	var n int64
	err := f.db.View(func(tx *bbolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	return n, err
}

func matchersMatch(matchers []*labels.Matcher, lbls labels.Labels) bool {
	for _, m := range matchers {
		if !m.Matches(lbls.Get(m.Name)) {
			return false
		}
	}
	return true
}
