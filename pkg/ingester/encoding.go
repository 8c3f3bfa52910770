package ingester

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/tsdb/encoding"

	"github.com/loghive/loghive/pkg/logproto"
)

// RecordType represents the type of the WAL record.
type RecordType byte

const (
	// WALRecordSeries declares a stream: tenant, fingerprint and labels.
	WALRecordSeries RecordType = iota + 1
	// WALRecordEntries carries accepted entries for one stream.
	WALRecordEntries
)

// RecordSeries is one stream declaration in a WAL record.
type RecordSeries struct {
	Fingerprint uint64
	Labels      labels.Labels
}

// RefEntries are the accepted entries of one stream, keyed by its
// fingerprint.
type RefEntries struct {
	Ref     uint64
	Entries []logproto.Entry
}

// WALRecord accumulates everything a push accepted, so a single Log call
// covers the whole request.
type WALRecord struct {
	UserID  string
	Series  []RecordSeries
	Entries []RefEntries
}

// IsEmpty reports whether the record carries no data.
func (r *WALRecord) IsEmpty() bool {
	return len(r.Series) == 0 && len(r.Entries) == 0
}

// AddSeries declares a newly created stream.
func (r *WALRecord) AddSeries(fp uint64, lbls labels.Labels) {
	r.Series = append(r.Series, RecordSeries{Fingerprint: fp, Labels: lbls})
}

// AddEntries appends accepted entries for a stream.
func (r *WALRecord) AddEntries(fp uint64, entries ...logproto.Entry) {
	for i := range r.Entries {
		if r.Entries[i].Ref == fp {
			r.Entries[i].Entries = append(r.Entries[i].Entries, entries...)
			return
		}
	}
	r.Entries = append(r.Entries, RefEntries{Ref: fp, Entries: entries})
}

// EncodeSeries encodes the record's series declarations into b.
func (r *WALRecord) EncodeSeries(b []byte) []byte {
	buf := encoding.Encbuf{B: b}
	buf.PutByte(byte(WALRecordSeries))
	buf.PutUvarintStr(r.UserID)

	for _, s := range r.Series {
		buf.PutBE64(s.Fingerprint)
		buf.PutUvarint(len(s.Labels))
		for _, l := range s.Labels {
			buf.PutUvarintStr(l.Name)
			buf.PutUvarintStr(l.Value)
		}
	}
	return buf.Get()
}

// EncodeEntries encodes the record's entries into b. Timestamps are delta
// encoded against the first entry of each stream.
func (r *WALRecord) EncodeEntries(b []byte) []byte {
	buf := encoding.Encbuf{B: b}
	buf.PutByte(byte(WALRecordEntries))
	buf.PutUvarintStr(r.UserID)

	for _, re := range r.Entries {
		if len(re.Entries) == 0 {
			continue
		}
		buf.PutBE64(re.Ref)
		buf.PutUvarint(len(re.Entries))

		first := re.Entries[0].Timestamp.UnixNano()
		buf.PutBE64int64(first)
		for _, e := range re.Entries {
			buf.PutVarint64(e.Timestamp.UnixNano() - first)
			buf.PutUvarintStr(e.Line)
		}
	}
	return buf.Get()
}

// DecodeRecord decodes a WAL record previously produced by EncodeSeries or
// EncodeEntries.
func DecodeRecord(b []byte, rec *WALRecord) error {
	if len(b) == 0 {
		return errors.New("empty wal record")
	}

	buf := encoding.Decbuf{B: b}
	t := RecordType(buf.Byte())
	rec.UserID = buf.UvarintStr()

	switch t {
	case WALRecordSeries:
		for len(buf.B) > 0 && buf.Err() == nil {
			fp := buf.Be64()
			n := buf.Uvarint()
			lbls := make(labels.Labels, 0, n)
			for i := 0; i < n; i++ {
				name := buf.UvarintStr()
				value := buf.UvarintStr()
				lbls = append(lbls, labels.Label{Name: name, Value: value})
			}
			rec.Series = append(rec.Series, RecordSeries{Fingerprint: fp, Labels: lbls})
		}
	case WALRecordEntries:
		for len(buf.B) > 0 && buf.Err() == nil {
			fp := buf.Be64()
			n := buf.Uvarint()
			first := buf.Be64int64()
			entries := make([]logproto.Entry, 0, n)
			for i := 0; i < n && buf.Err() == nil; i++ {
				delta := buf.Varint64()
				line := buf.UvarintStr()
				entries = append(entries, logproto.Entry{
					Timestamp: time.Unix(0, first+delta),
					Line:      line,
				})
			}
			rec.Entries = append(rec.Entries, RefEntries{Ref: fp, Entries: entries})
		}
	default:
		return errors.Errorf("unknown wal record type %d", t)
	}

	return errors.Wrap(buf.Err(), "decoding wal record")
}
