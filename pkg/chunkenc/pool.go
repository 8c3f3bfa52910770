package chunkenc

import (
	"bufio"
	"compress/gzip"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Pools of compression writers and readers, keyed by encoding. Compression
// objects are expensive to allocate so they are reused across blocks.
var (
	Gzip   = GzipPool{}
	Snappy = SnappyPool{}
	LZ4    = LZ4Pool{}
	Zstd   = ZstdPool{}
	Noop   = NoopPool{}
)

func getWriterPool(enc Encoding) WriterPool {
	return getPool(enc).(WriterPool)
}

func getReaderPool(enc Encoding) ReaderPool {
	return getPool(enc).(ReaderPool)
}

func getPool(enc Encoding) interface{} {
	switch enc {
	case EncGZIP:
		return &Gzip
	case EncSnappy:
		return &Snappy
	case EncLZ4:
		return &LZ4
	case EncZstd:
		return &Zstd
	case EncNone:
		return &Noop
	default:
		panic("unknown encoding")
	}
}

// GzipPool is a gzip compression pool.
type GzipPool struct {
	readers sync.Pool
	writers sync.Pool
}

// GetReader gets or creates a new CompressionReader and reset it to read from src.
func (pool *GzipPool) GetReader(src io.Reader) (CompressionReader, error) {
	if r := pool.readers.Get(); r != nil {
		reader := r.(*gzip.Reader)
		if err := reader.Reset(src); err != nil {
			return nil, err
		}
		return reader, nil
	}
	return gzip.NewReader(src)
}

// PutReader places back in the pool a CompressionReader.
func (pool *GzipPool) PutReader(reader CompressionReader) {
	pool.readers.Put(reader)
}

// GetWriter gets or creates a new CompressionWriter and reset it to write to dst.
func (pool *GzipPool) GetWriter(dst io.Writer) CompressionWriter {
	if w := pool.writers.Get(); w != nil {
		writer := w.(*gzip.Writer)
		writer.Reset(dst)
		return writer
	}
	return gzip.NewWriter(dst)
}

// PutWriter places back in the pool a CompressionWriter.
func (pool *GzipPool) PutWriter(writer CompressionWriter) {
	pool.writers.Put(writer)
}

// SnappyPool is a snappy compression pool.
type SnappyPool struct {
	readers sync.Pool
	writers sync.Pool
}

// GetReader gets or creates a new CompressionReader and reset it to read from src.
func (pool *SnappyPool) GetReader(src io.Reader) (CompressionReader, error) {
	if r := pool.readers.Get(); r != nil {
		reader := r.(*snappy.Reader)
		reader.Reset(src)
		return reader, nil
	}
	return snappy.NewReader(src), nil
}

// PutReader places back in the pool a CompressionReader.
func (pool *SnappyPool) PutReader(reader CompressionReader) {
	pool.readers.Put(reader)
}

// GetWriter gets or creates a new CompressionWriter and reset it to write to dst.
func (pool *SnappyPool) GetWriter(dst io.Writer) CompressionWriter {
	if w := pool.writers.Get(); w != nil {
		writer := w.(*snappy.Writer)
		writer.Reset(dst)
		return writer
	}
	return snappy.NewBufferedWriter(dst)
}

// PutWriter places back in the pool a CompressionWriter.
func (pool *SnappyPool) PutWriter(writer CompressionWriter) {
	pool.writers.Put(writer)
}

// LZ4Pool is an lz4 compression pool.
type LZ4Pool struct {
	readers sync.Pool
	writers sync.Pool
}

// GetReader gets or creates a new CompressionReader and reset it to read from src.
func (pool *LZ4Pool) GetReader(src io.Reader) (CompressionReader, error) {
	if r := pool.readers.Get(); r != nil {
		reader := r.(*lz4.Reader)
		reader.Reset(src)
		return reader, nil
	}
	return lz4.NewReader(src), nil
}

// PutReader places back in the pool a CompressionReader.
func (pool *LZ4Pool) PutReader(reader CompressionReader) {
	pool.readers.Put(reader)
}

// GetWriter gets or creates a new CompressionWriter and reset it to write to dst.
func (pool *LZ4Pool) GetWriter(dst io.Writer) CompressionWriter {
	if w := pool.writers.Get(); w != nil {
		writer := w.(*lz4.Writer)
		writer.Reset(dst)
		return writer
	}
	return lz4.NewWriter(dst)
}

// PutWriter places back in the pool a CompressionWriter.
func (pool *LZ4Pool) PutWriter(writer CompressionWriter) {
	pool.writers.Put(writer)
}

// ZstdPool is a zstd compression pool.
type ZstdPool struct {
	readers sync.Pool
	writers sync.Pool
}

// GetReader gets or creates a new CompressionReader and reset it to read from src.
func (pool *ZstdPool) GetReader(src io.Reader) (CompressionReader, error) {
	if r := pool.readers.Get(); r != nil {
		reader := r.(*zstd.Decoder)
		if err := reader.Reset(src); err != nil {
			return nil, err
		}
		return reader, nil
	}
	return zstd.NewReader(src)
}

// PutReader places back in the pool a CompressionReader.
func (pool *ZstdPool) PutReader(reader CompressionReader) {
	pool.readers.Put(reader)
}

// GetWriter gets or creates a new CompressionWriter and reset it to write to dst.
func (pool *ZstdPool) GetWriter(dst io.Writer) CompressionWriter {
	if w := pool.writers.Get(); w != nil {
		writer := w.(*zstd.Encoder)
		writer.Reset(dst)
		return writer
	}
	w, err := zstd.NewWriter(dst)
	if err != nil {
		panic(err)
	}
	return w
}

// PutWriter places back in the pool a CompressionWriter.
func (pool *ZstdPool) PutWriter(writer CompressionWriter) {
	pool.writers.Put(writer)
}

// NoopPool passes bytes through uncompressed.
type NoopPool struct{}

type noopCloser struct {
	io.Writer
}

func (noopCloser) Close() error { return nil }

// GetReader returns src unchanged.
func (pool *NoopPool) GetReader(src io.Reader) (CompressionReader, error) {
	return bufio.NewReader(src), nil
}

// PutReader is a no-op.
func (pool *NoopPool) PutReader(CompressionReader) {}

// GetWriter returns dst unchanged.
func (pool *NoopPool) GetWriter(dst io.Writer) CompressionWriter {
	return noopCloser{dst}
}

// PutWriter is a no-op.
func (pool *NoopPool) PutWriter(CompressionWriter) {}
