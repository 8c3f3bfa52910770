// Package storage persists immutable chunks to an object store and fetches
// them back for queries.
package storage

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/model/labels"

	"github.com/loghive/loghive/pkg/chunkenc"
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Chunk is one immutable compressed block of a stream's entries, together
// with the identity it is stored and indexed under.
type Chunk struct {
	TenantID    string
	Fingerprint uint64
	From        time.Time
	Through     time.Time
	Metric      labels.Labels

	// Data is the in-memory chunk; nil when only the identity is known.
	Data chunkenc.Chunk

	// Encoded and Checksum are populated by Encode.
	Encoded  []byte
	Checksum uint32
}

// NewChunk wraps an in-memory chunk with its stream identity.
func NewChunk(tenantID string, fp uint64, metric labels.Labels, data chunkenc.Chunk) Chunk {
	from, through := data.Bounds()
	return Chunk{
		TenantID:    tenantID,
		Fingerprint: fp,
		From:        from,
		Through:     through,
		Metric:      metric,
		Data:        data,
	}
}

// Encode serialises the chunk data and computes its checksum. The checksum is
// part of the external key, which makes flushes content addressed: retrying a
// flush of the same entries produces the same key.
func (c *Chunk) Encode() error {
	if c.Data == nil {
		return errors.New("chunk has no data to encode")
	}
	b, err := c.Data.Bytes()
	if err != nil {
		return errors.Wrap(err, "encoding chunk")
	}
	c.Encoded = b
	c.Checksum = crc32.Checksum(b, castagnoliTable)
	return nil
}

// ExternalKey returns the object-store key for the chunk:
// <tenant>/<fingerprint>:<from>:<through>:<checksum>, times in unix nanos.
func (c *Chunk) ExternalKey() string {
	return fmt.Sprintf("%s/%x:%x:%x:%x", c.TenantID, c.Fingerprint, c.From.UnixNano(), c.Through.UnixNano(), c.Checksum)
}

// ParseExternalKey reverses ExternalKey, recovering the chunk identity
// without its data.
func ParseExternalKey(key string) (Chunk, error) {
	tenant, rest, ok := strings.Cut(key, "/")
	if !ok {
		return Chunk{}, errors.Errorf("invalid chunk key %q", key)
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 4 {
		return Chunk{}, errors.Errorf("invalid chunk key %q", key)
	}

	fp, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return Chunk{}, errors.Wrapf(err, "invalid fingerprint in chunk key %q", key)
	}
	from, err := strconv.ParseInt(parts[1], 16, 64)
	if err != nil {
		return Chunk{}, errors.Wrapf(err, "invalid from time in chunk key %q", key)
	}
	through, err := strconv.ParseInt(parts[2], 16, 64)
	if err != nil {
		return Chunk{}, errors.Wrapf(err, "invalid through time in chunk key %q", key)
	}
	checksum, err := strconv.ParseUint(parts[3], 16, 32)
	if err != nil {
		return Chunk{}, errors.Wrapf(err, "invalid checksum in chunk key %q", key)
	}

	return Chunk{
		TenantID:    tenant,
		Fingerprint: fp,
		From:        time.Unix(0, from),
		Through:     time.Unix(0, through),
		Checksum:    uint32(checksum),
	}, nil
}
