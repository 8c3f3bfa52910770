// Package ingester buffers accepted log entries in per-stream chunks, makes
// them durable through a write-ahead log, and flushes them to the chunk store
// and index when they fill or go idle.
package ingester

import (
	"context"
	"flag"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/httpgrpc"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/model/labels"

	"github.com/loghive/loghive/pkg/chunkenc"
	"github.com/loghive/loghive/pkg/iter"
	"github.com/loghive/loghive/pkg/logproto"
	"github.com/loghive/loghive/pkg/storage"
	"github.com/loghive/loghive/pkg/util"
)

// ChunkStore is the interface the ingester flushes chunks into.
type ChunkStore interface {
	Put(ctx context.Context, c storage.Chunk) error
}

// IndexWriter records flushed chunks in the index.
type IndexWriter interface {
	Publish(tenantID string, fp uint64, metric labels.Labels, from, through time.Time, checksum uint32, chunkExternalKey string) error
}

// Config for an ingester.
type Config struct {
	WAL WALConfig `yaml:"wal"`

	ConcurrentFlushes int            `yaml:"concurrent_flushes"`
	FlushCheckPeriod  time.Duration  `yaml:"flush_check_period"`
	FlushOpTimeout    time.Duration  `yaml:"flush_op_timeout"`
	FlushOpBackoff    backoff.Config `yaml:"flush_op_backoff"`

	RetainPeriod time.Duration `yaml:"chunk_retain_period"`
	MaxChunkIdle time.Duration `yaml:"chunk_idle_period"`
	MaxChunkAge  time.Duration `yaml:"max_chunk_age"`

	BlockSize       int    `yaml:"chunk_block_size"`
	TargetChunkSize int    `yaml:"chunk_target_size"`
	ChunkEncoding   string `yaml:"chunk_encoding"`

	parsedEncoding chunkenc.Encoding `yaml:"-"`
}

// RegisterFlags registers the flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.WAL.RegisterFlags(f)

	f.IntVar(&cfg.ConcurrentFlushes, "ingester.concurrent-flushes", 16, "How many flushes can happen concurrently.")
	f.DurationVar(&cfg.FlushCheckPeriod, "ingester.flush-check-period", 30*time.Second, "Period with which to attempt to flush chunks.")
	f.DurationVar(&cfg.FlushOpTimeout, "ingester.flush-op-timeout", 10*time.Minute, "The timeout for an individual flush operation.")
	f.DurationVar(&cfg.FlushOpBackoff.MinBackoff, "ingester.flush-op-backoff-min-period", 10*time.Second, "Minimum backoff period when a flush fails.")
	f.DurationVar(&cfg.FlushOpBackoff.MaxBackoff, "ingester.flush-op-backoff-max-period", time.Minute, "Maximum backoff period when a flush fails.")
	f.IntVar(&cfg.FlushOpBackoff.MaxRetries, "ingester.flush-op-backoff-retries", 10, "Number of times to retry a failing flush.")
	f.DurationVar(&cfg.RetainPeriod, "ingester.chunks-retain-period", 5*time.Minute, "How long chunks should be retained in memory after flushing.")
	f.DurationVar(&cfg.MaxChunkIdle, "ingester.chunks-idle-period", 30*time.Minute, "How long chunks should sit in memory with no updates before being flushed.")
	f.DurationVar(&cfg.MaxChunkAge, "ingester.max-chunk-age", 2*time.Hour, "The maximum duration of a chunk before it is flushed regardless of activity.")
	f.IntVar(&cfg.BlockSize, "ingester.chunks-block-size", 256*1024, "The targeted uncompressed size in bytes of a chunk block.")
	f.IntVar(&cfg.TargetChunkSize, "ingester.chunk-target-size", 1572864, "A target compressed size in bytes for chunks.")
	f.StringVar(&cfg.ChunkEncoding, "ingester.chunk-encoding", chunkenc.EncGZIP.String(), "The algorithm to use for compressing chunks.")
}

// Validate the config, parsing the chunk encoding.
func (cfg *Config) Validate() error {
	enc, err := chunkenc.ParseEncoding(cfg.ChunkEncoding)
	if err != nil {
		return err
	}
	cfg.parsedEncoding = enc
	return nil
}

// Ingester builds chunks for incoming log streams. Each tenant gets an
// instance; each instance holds streams; each stream holds chunks.
type Ingester struct {
	*services.BasicService

	cfg     Config
	logger  log.Logger
	metrics *ingesterMetrics

	store   ChunkStore
	index   IndexWriter
	limiter *Limiter
	wal     WAL

	instancesMtx sync.RWMutex
	instances    map[string]*instance

	flushQueues     []*util.PriorityQueue
	flushQueuesDone sync.WaitGroup
}

// New makes a new Ingester.
func New(cfg Config, store ChunkStore, index IndexWriter, limiter *Limiter, logger log.Logger, registerer prometheus.Registerer) (*Ingester, error) {
	metrics := newIngesterMetrics(registerer)

	wal, err := newWAL(cfg.WAL, logger, registerer, metrics)
	if err != nil {
		return nil, err
	}

	i := &Ingester{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		store:       store,
		index:       index,
		limiter:     limiter,
		wal:         wal,
		instances:   map[string]*instance{},
		flushQueues: make([]*util.PriorityQueue, cfg.ConcurrentFlushes),
	}
	i.BasicService = services.NewBasicService(i.starting, i.running, i.stopping)
	return i, nil
}

func (i *Ingester) starting(ctx context.Context) error {
	// Replay the WAL before accepting traffic, so in-flight data from the
	// previous run is back in memory and readiness can be gated on it.
	if i.cfg.WAL.Enabled {
		start := time.Now()
		if err := i.replayWAL(); err != nil {
			return err
		}
		elapsed := time.Since(start)
		i.metrics.walReplayDuration.Set(elapsed.Seconds())
		level.Info(i.logger).Log("msg", "wal replay complete", "duration", elapsed)
	}

	i.flushQueuesDone.Add(i.cfg.ConcurrentFlushes)
	for j := 0; j < i.cfg.ConcurrentFlushes; j++ {
		i.flushQueues[j] = util.NewPriorityQueue(i.metrics.flushQueueLength)
		go i.flushLoop(j)
	}
	return nil
}

func (i *Ingester) running(ctx context.Context) error {
	flushTicker := time.NewTicker(i.cfg.FlushCheckPeriod)
	defer flushTicker.Stop()

	checkpointTicker := time.NewTicker(i.cfg.WAL.CheckpointDuration)
	defer checkpointTicker.Stop()

	for {
		select {
		case <-flushTicker.C:
			i.sweepUsers(false)
		case <-checkpointTicker.C:
			if !i.cfg.WAL.Enabled {
				continue
			}
			if err := i.checkpoint(ctx); err != nil {
				i.metrics.checkpointFailures.Inc()
				level.Error(i.logger).Log("msg", "failed to write checkpoint", "err", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (i *Ingester) stopping(_ error) error {
	// Flush everything so a graceful shutdown leaves no data only in
	// memory, then drain the queues before closing the WAL.
	i.sweepUsers(true)
	for _, q := range i.flushQueues {
		q.Close()
	}
	i.flushQueuesDone.Wait()

	return i.wal.Stop()
}

// Push implements the write path for one tenant.
func (i *Ingester) Push(ctx context.Context, tenantID string, req *logproto.PushRequest) error {
	inst := i.getOrCreateInstance(tenantID)

	record := &WALRecord{UserID: tenantID}
	pushErr := inst.Push(ctx, req, record)

	// Entries accepted into memory must be durable even when part of the
	// request was rejected, so the record is logged regardless.
	if err := i.wal.Log(record); err != nil {
		return httpgrpc.Errorf(http.StatusInternalServerError, "wal write failed: %s", err)
	}
	if i.cfg.WAL.SyncOnPush {
		if err := i.wal.Sync(); err != nil {
			return httpgrpc.Errorf(http.StatusInternalServerError, "wal sync failed: %s", err)
		}
	}
	return pushErr
}

// Iterators returns in-memory iterators over all the tenant's streams
// matching the selector.
func (i *Ingester) Iterators(tenantID string, from, through time.Time, matchers []*labels.Matcher, direction logproto.Direction) ([]iter.EntryIterator, error) {
	i.instancesMtx.RLock()
	inst, ok := i.instances[tenantID]
	i.instancesMtx.RUnlock()
	if !ok {
		return nil, nil
	}
	return inst.Iterators(from, through, matchers, direction)
}

// CheckReady reports whether the ingester finished WAL replay and is
// accepting traffic.
func (i *Ingester) CheckReady() error {
	if s := i.State(); s != services.Running {
		return httpgrpc.Errorf(http.StatusServiceUnavailable, "ingester not ready: %s", s)
	}
	return nil
}

func (i *Ingester) getOrCreateInstance(tenantID string) *instance {
	i.instancesMtx.RLock()
	inst, ok := i.instances[tenantID]
	i.instancesMtx.RUnlock()
	if ok {
		return inst
	}

	i.instancesMtx.Lock()
	defer i.instancesMtx.Unlock()
	if inst, ok := i.instances[tenantID]; ok {
		return inst
	}
	inst = newInstance(&i.cfg, tenantID, i.limiter, i.metrics)
	i.instances[tenantID] = inst
	return inst
}

func (i *Ingester) allInstances() map[string]*instance {
	i.instancesMtx.RLock()
	defer i.instancesMtx.RUnlock()

	out := make(map[string]*instance, len(i.instances))
	for id, inst := range i.instances {
		out[id] = inst
	}
	return out
}

// FlushAll flushes every chunk of every stream immediately. Exposed on the
// admin API.
func (i *Ingester) FlushAll() {
	i.sweepUsers(true)
}
