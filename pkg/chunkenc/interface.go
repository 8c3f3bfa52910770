// Package chunkenc implements the compressed immutable chunk format for log
// entries: a chunk is a sequence of compressed blocks plus an in-memory head
// block, serialised with CRC32-framed block data and a trailing metadata
// section.
package chunkenc

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loghive/loghive/pkg/iter"
	"github.com/loghive/loghive/pkg/logproto"
)

// Errors returned by the chunk interface.
var (
	ErrChunkFull       = errors.New("chunk full")
	ErrOutOfOrder      = errors.New("entry out of order")
	ErrInvalidSize     = errors.New("invalid size")
	ErrInvalidChecksum = errors.New("invalid chunk checksum")
)

// Encoding is the identifier for a chunk encoding.
type Encoding byte

// The different available encodings.
const (
	EncNone Encoding = iota
	EncGZIP
	EncSnappy
	EncLZ4
	EncZstd
)

var supportedEncodings = []Encoding{EncNone, EncGZIP, EncSnappy, EncLZ4, EncZstd}

func (e Encoding) String() string {
	switch e {
	case EncNone:
		return "none"
	case EncGZIP:
		return "gzip"
	case EncSnappy:
		return "snappy"
	case EncLZ4:
		return "lz4"
	case EncZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseEncoding parses a chunk encoding from its name.
func ParseEncoding(enc string) (Encoding, error) {
	for _, e := range supportedEncodings {
		if strings.EqualFold(e.String(), enc) {
			return e, nil
		}
	}
	return 0, fmt.Errorf("invalid encoding: %s, supported: %s", enc, SupportedEncoding())
}

// SupportedEncoding returns the list of supported encodings.
func SupportedEncoding() string {
	var sb strings.Builder
	for i := range supportedEncodings {
		sb.WriteString(supportedEncodings[i].String())
		if i != len(supportedEncodings)-1 {
			sb.WriteString(", ")
		}
	}
	return sb.String()
}

// Chunk is the interface for the compressed log chunk format.
type Chunk interface {
	Bounds() (time.Time, time.Time)
	SpaceFor(*logproto.Entry) bool
	Append(*logproto.Entry) error
	Iterator(from, through time.Time, direction logproto.Direction) (iter.EntryIterator, error)
	Size() int
	Bytes() ([]byte, error)
	Encoding() Encoding
	UncompressedSize() int
	CompressedSize() int
	Utilization() float64
	Close() error
}

// CompressionWriter is the writer that compresses the data passed to it.
type CompressionWriter interface {
	Write(p []byte) (int, error)
	Close() error
}

// CompressionReader reads the compressed data.
type CompressionReader interface {
	Read(p []byte) (int, error)
}

// WriterPool is a pool of io.Writer.
type WriterPool interface {
	GetWriter(io.Writer) CompressionWriter
	PutWriter(CompressionWriter)
}

// ReaderPool is a pool of io.Reader.
type ReaderPool interface {
	GetReader(io.Reader) (CompressionReader, error)
	PutReader(CompressionReader)
}
