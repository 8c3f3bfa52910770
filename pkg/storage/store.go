package storage

import (
	"context"
	"flag"
	"hash/crc32"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/loghive/loghive/pkg/chunkenc"
)

var (
	// ErrChunkNotFound is returned when a referenced chunk is missing from
	// the store.
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrCorruptChunk is returned when a stored chunk fails its checksum or
	// cannot be decoded.
	ErrCorruptChunk = errors.New("corrupt chunk")
)

// StoreConfig configures the chunk store.
type StoreConfig struct {
	FSConfig FSConfig `yaml:"filesystem"`

	MaxGetChunkConcurrency int            `yaml:"max_get_chunk_concurrency"`
	GetChunkBackoff        backoff.Config `yaml:"get_chunk_backoff"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *StoreConfig) RegisterFlags(f *flag.FlagSet) {
	cfg.FSConfig.RegisterFlags(f)
	f.IntVar(&cfg.MaxGetChunkConcurrency, "store.max-get-chunk-concurrency", 16, "Maximum number of chunks fetched from the store in parallel.")
	f.DurationVar(&cfg.GetChunkBackoff.MinBackoff, "store.get-chunk-backoff-min-period", 100*time.Millisecond, "Minimum backoff period when fetching a chunk fails transiently.")
	f.DurationVar(&cfg.GetChunkBackoff.MaxBackoff, "store.get-chunk-backoff-max-period", 5*time.Second, "Maximum backoff period when fetching a chunk fails transiently.")
	f.IntVar(&cfg.GetChunkBackoff.MaxRetries, "store.get-chunk-backoff-retries", 3, "Number of times to retry a transiently failing chunk fetch.")
}

type storeMetrics struct {
	chunksStored     prometheus.Counter
	chunksSkipped    prometheus.Counter
	chunkStoredBytes prometheus.Counter
	chunksFetched    prometheus.Counter
	chunkFetchFails  prometheus.Counter
}

func newStoreMetrics(r prometheus.Registerer) *storeMetrics {
	return &storeMetrics{
		chunksStored: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "chunk_store_stored_chunks_total",
			Help:      "Total chunks written to the object store.",
		}),
		chunksSkipped: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "chunk_store_deduped_chunks_total",
			Help:      "Total chunk writes skipped because the chunk already existed.",
		}),
		chunkStoredBytes: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "chunk_store_stored_bytes_total",
			Help:      "Total compressed bytes written to the object store.",
		}),
		chunksFetched: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "chunk_store_fetched_chunks_total",
			Help:      "Total chunks fetched from the object store.",
		}),
		chunkFetchFails: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "chunk_store_fetch_failures_total",
			Help:      "Total chunk fetches that failed after retries.",
		}),
	}
}

// Store writes and reads immutable chunks against an ObjectClient. Chunks are
// content addressed, so Put is idempotent and a retried flush after a crash
// never duplicates data.
type Store struct {
	cfg     StoreConfig
	client  ObjectClient
	logger  log.Logger
	metrics *storeMetrics
}

// NewStore creates a chunk store on top of the given object client.
func NewStore(cfg StoreConfig, client ObjectClient, logger log.Logger, r prometheus.Registerer) *Store {
	return &Store{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		metrics: newStoreMetrics(r),
	}
}

// Put encodes and persists the chunk. If an object already exists under the
// chunk's key the write is skipped, which makes re-flushing after a replay a
// no-op.
func (s *Store) Put(ctx context.Context, c Chunk) error {
	if c.Encoded == nil {
		if err := c.Encode(); err != nil {
			return err
		}
	}

	key := c.ExternalKey()
	exists, err := s.client.ObjectExists(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "checking existence of chunk %s", key)
	}
	if exists {
		s.metrics.chunksSkipped.Inc()
		level.Debug(s.logger).Log("msg", "chunk already stored, skipping", "key", key)
		return nil
	}

	if err := s.client.PutObject(ctx, key, c.Encoded); err != nil {
		return errors.Wrapf(err, "storing chunk %s", key)
	}
	s.metrics.chunksStored.Inc()
	s.metrics.chunkStoredBytes.Add(float64(len(c.Encoded)))
	return nil
}

// Get fetches and decodes a single chunk by its external key, verifying the
// checksum embedded in the key.
func (s *Store) Get(ctx context.Context, key string) (Chunk, error) {
	c, err := ParseExternalKey(key)
	if err != nil {
		return Chunk{}, err
	}

	data, err := s.client.GetObject(ctx, key)
	if err != nil {
		return Chunk{}, err
	}
	if crc32.Checksum(data, castagnoliTable) != c.Checksum {
		return Chunk{}, errors.Wrapf(ErrCorruptChunk, "checksum mismatch for %s", key)
	}

	mc, err := chunkenc.NewByteChunk(data)
	if err != nil {
		return Chunk{}, errors.Wrapf(ErrCorruptChunk, "decoding %s: %s", key, err)
	}
	c.Data = mc
	c.Encoded = data
	s.metrics.chunksFetched.Inc()
	return c, nil
}

// FetchError records a chunk that could not be fetched.
type FetchError struct {
	Key string
	Err error
}

// GetParallel fetches many chunks with bounded concurrency. Transient errors
// are retried with backoff; chunks that still fail are reported in the
// returned FetchError slice so the caller can serve a partial result, except
// when every chunk fails, which is an error.
func (s *Store) GetParallel(ctx context.Context, keys []string) ([]Chunk, []FetchError, error) {
	var (
		mtx    sync.Mutex
		chunks []Chunk
		failed []FetchError
		wg     sync.WaitGroup
		sem    = make(chan struct{}, s.cfg.MaxGetChunkConcurrency)
	)

	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			c, err := s.getWithRetries(ctx, key)
			mtx.Lock()
			defer mtx.Unlock()
			if err != nil {
				s.metrics.chunkFetchFails.Inc()
				failed = append(failed, FetchError{Key: key, Err: err})
				return
			}
			chunks = append(chunks, c)
		}(key)
	}
	wg.Wait()

	if len(chunks) == 0 && len(failed) > 0 {
		return nil, failed, errors.Wrapf(failed[0].Err, "fetching chunks")
	}
	return chunks, failed, nil
}

func (s *Store) getWithRetries(ctx context.Context, key string) (Chunk, error) {
	retries := backoff.New(ctx, s.cfg.GetChunkBackoff)
	var lastErr error
	for retries.Ongoing() {
		c, err := s.Get(ctx, key)
		if err == nil {
			return c, nil
		}
		// Missing and corrupt chunks will not get better with retries.
		if errors.Is(err, ErrChunkNotFound) || errors.Is(err, ErrCorruptChunk) {
			return Chunk{}, err
		}
		lastErr = err
		retries.Wait()
	}
	if lastErr == nil {
		lastErr = retries.Err()
	}
	return Chunk{}, lastErr
}
