package index

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/prometheus/model/labels"

	"github.com/loghive/loghive/pkg/storage"
)

const storagePrefix = "index/"

// Config configures the index shipper.
type Config struct {
	ActiveIndexDirectory string        `yaml:"active_index_directory"`
	CacheLocation        string        `yaml:"cache_location"`
	CacheTTL             time.Duration `yaml:"cache_ttl"`
	UploadInterval       time.Duration `yaml:"upload_interval"`
	ResyncInterval       time.Duration `yaml:"resync_interval"`
	UploaderName         string        `yaml:"-"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.ActiveIndexDirectory, "index.active-index-directory", "", "Directory where the active index files are written.")
	f.StringVar(&cfg.CacheLocation, "index.cache-location", "", "Directory where downloaded index files are cached.")
	f.DurationVar(&cfg.CacheTTL, "index.cache-ttl", 24*time.Hour, "TTL for index files in the cache before they are removed.")
	f.DurationVar(&cfg.UploadInterval, "index.upload-interval", 15*time.Minute, "How often to upload active index files to the store.")
	f.DurationVar(&cfg.ResyncInterval, "index.resync-interval", 5*time.Minute, "How often to check the store for newer versions of cached index files.")
}

type downloadedFile struct {
	file       *File
	modifiedAt time.Time
	lastUsed   time.Time
}

type shipperMetrics struct {
	uploads        prometheus.Counter
	uploadFailures prometheus.Counter
	downloads      prometheus.Counter
	cacheEvictions prometheus.Counter
}

func newShipperMetrics(r prometheus.Registerer) *shipperMetrics {
	return &shipperMetrics{
		uploads: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "index_shipper_uploads_total",
			Help:      "Total index file uploads to the store.",
		}),
		uploadFailures: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "index_shipper_upload_failures_total",
			Help:      "Total index file uploads that failed.",
		}),
		downloads: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "index_shipper_downloads_total",
			Help:      "Total index files downloaded from the store.",
		}),
		cacheEvictions: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "index_shipper_cache_evictions_total",
			Help:      "Total cached index files evicted after their TTL.",
		}),
	}
}

// Shipper owns the active per-period index files, uploads them to the object
// store on a cadence, and serves lookups by merging the active files with
// cached downloads of files uploaded by other instances. Querying the active
// files directly gives read-your-writes on a single node: a just-flushed
// chunk is visible before any upload happens.
type Shipper struct {
	*services.BasicService

	cfg           Config
	storageClient storage.ObjectClient
	logger        log.Logger
	metrics       *shipperMetrics

	mtx         sync.Mutex
	activeFiles map[int64]*File
	downloaded  map[string]*downloadedFile
}

// NewShipper creates a Shipper writing active files under the configured
// directory and caching downloads under the cache location.
func NewShipper(cfg Config, storageClient storage.ObjectClient, logger log.Logger, r prometheus.Registerer) (*Shipper, error) {
	for _, dir := range []string{cfg.ActiveIndexDirectory, cfg.CacheLocation} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating index directory %s", dir)
		}
	}

	s := &Shipper{
		cfg:           cfg,
		storageClient: storageClient,
		logger:        logger,
		metrics:       newShipperMetrics(r),
		activeFiles:   map[int64]*File{},
		downloaded:    map[string]*downloadedFile{},
	}
	if err := s.openExistingActiveFiles(); err != nil {
		return nil, err
	}
	s.BasicService = services.NewBasicService(nil, s.loop, s.stopping)
	return s, nil
}

// openExistingActiveFiles reopens active index files left over from a
// previous run so their entries stay queryable and uploadable.
func (s *Shipper) openExistingActiveFiles() error {
	entries, err := os.ReadDir(s.cfg.ActiveIndexDirectory)
	if err != nil {
		return err
	}
	for _, e := range entries {
		var period int64
		if _, err := fmt.Sscanf(e.Name(), FilePrefix+"%d", &period); err != nil {
			continue
		}
		f, err := OpenFile(filepath.Join(s.cfg.ActiveIndexDirectory, e.Name()))
		if err != nil {
			return err
		}
		s.activeFiles[period] = f
	}
	return nil
}

// Publish records a flushed chunk in the active index file for its period.
func (s *Shipper) Publish(tenantID string, fp uint64, metric labels.Labels, from, through time.Time, checksum uint32, chunkExternalKey string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	period := PeriodNumber(through)
	f, ok := s.activeFiles[period]
	if !ok {
		var err error
		f, err = OpenFile(filepath.Join(s.cfg.ActiveIndexDirectory, FileNameForPeriod(period)))
		if err != nil {
			return err
		}
		s.activeFiles[period] = f
	}
	return f.Publish(tenantID, fp, metric, from, through, checksum, chunkExternalKey)
}

// ChunkRef points at one stored chunk and carries its stream's labels.
type ChunkRef struct {
	ExternalKey string
	Fingerprint uint64
	Labels      labels.Labels
}

// Lookup resolves a label selector and time range to chunk references,
// merging active and downloaded index files for every overlapping period.
func (s *Shipper) Lookup(ctx context.Context, tenantID string, matchers []*labels.Matcher, from, through time.Time) ([]ChunkRef, error) {
	seen := map[string]struct{}{}
	var refs []ChunkRef

	for _, period := range PeriodsInRange(from, through) {
		files, err := s.filesForPeriod(ctx, period)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			series, err := f.Series(tenantID, matchers)
			if err != nil {
				return nil, err
			}
			for fp, lbls := range series {
				chunkKeys, err := f.Chunks(tenantID, fp, from, through)
				if err != nil {
					return nil, err
				}
				for _, k := range chunkKeys {
					if _, ok := seen[k]; ok {
						continue
					}
					seen[k] = struct{}{}
					refs = append(refs, ChunkRef{ExternalKey: k, Fingerprint: fp, Labels: lbls})
				}
			}
		}
	}
	return refs, nil
}

// filesForPeriod returns the active file for the period plus cached downloads
// of files other instances uploaded for it.
func (s *Shipper) filesForPeriod(ctx context.Context, period int64) ([]*File, error) {
	var files []*File

	s.mtx.Lock()
	if f, ok := s.activeFiles[period]; ok {
		files = append(files, f)
	}
	s.mtx.Unlock()

	objects, err := s.storageClient.List(ctx, storagePrefix+FileNameForPeriod(period)+"/")
	if err != nil {
		return nil, errors.Wrap(err, "listing index files")
	}
	for _, obj := range objects {
		if filepath.Base(obj.Key) == s.cfg.UploaderName+".db" {
			// Our own upload; the active file already covers it.
			continue
		}
		f, err := s.ensureDownloaded(ctx, obj)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func (s *Shipper) ensureDownloaded(ctx context.Context, obj storage.StorageObject) (*File, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if df, ok := s.downloaded[obj.Key]; ok && !obj.ModifiedAt.After(df.modifiedAt) {
		df.lastUsed = time.Now()
		return df.file, nil
	}

	data, err := s.storageClient.GetObject(ctx, obj.Key)
	if err != nil {
		return nil, errors.Wrapf(err, "downloading index file %s", obj.Key)
	}

	localPath := filepath.Join(s.cfg.CacheLocation, filepath.FromSlash(obj.Key))
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return nil, err
	}

	if df, ok := s.downloaded[obj.Key]; ok {
		_ = df.file.Close()
	}
	f, err := OpenFile(localPath)
	if err != nil {
		return nil, err
	}
	s.downloaded[obj.Key] = &downloadedFile{file: f, modifiedAt: obj.ModifiedAt, lastUsed: time.Now()}
	s.metrics.downloads.Inc()
	return f, nil
}

func (s *Shipper) loop(ctx context.Context) error {
	upload := time.NewTicker(s.cfg.UploadInterval)
	defer upload.Stop()
	cleanup := time.NewTicker(s.cfg.ResyncInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-upload.C:
			if err := s.uploadFiles(ctx); err != nil {
				s.metrics.uploadFailures.Inc()
				level.Error(s.logger).Log("msg", "failed to upload index files", "err", err)
			}
		case <-cleanup.C:
			s.cleanupCache()
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Shipper) stopping(_ error) error {
	// One final upload so index entries published since the last tick are
	// not lost to other instances.
	if err := s.uploadFiles(context.Background()); err != nil {
		level.Error(s.logger).Log("msg", "final index upload failed", "err", err)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, f := range s.activeFiles {
		_ = f.Close()
	}
	for _, df := range s.downloaded {
		_ = df.file.Close()
	}
	return nil
}

// uploadFiles ships a consistent snapshot of every active index file.
func (s *Shipper) uploadFiles(ctx context.Context) error {
	s.mtx.Lock()
	files := make(map[int64]*File, len(s.activeFiles))
	for period, f := range s.activeFiles {
		files[period] = f
	}
	s.mtx.Unlock()

	for period, f := range files {
		var buf bytes.Buffer
		if _, err := f.WriteTo(&buf); err != nil {
			return errors.Wrapf(err, "snapshotting index file for period %d", period)
		}

		key := storagePrefix + FileNameForPeriod(period) + "/" + s.cfg.UploaderName + ".db"
		if err := s.storageClient.PutObject(ctx, key, buf.Bytes()); err != nil {
			return errors.Wrapf(err, "uploading index file %s", key)
		}
		s.metrics.uploads.Inc()
		level.Debug(s.logger).Log("msg", "uploaded index file", "key", key, "size", buf.Len())
	}
	return nil
}

// cleanupCache closes and deletes downloaded files not used within the TTL.
func (s *Shipper) cleanupCache() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	cutoff := time.Now().Add(-s.cfg.CacheTTL)
	for key, df := range s.downloaded {
		if df.lastUsed.After(cutoff) {
			continue
		}
		_ = df.file.Close()
		_ = os.Remove(df.file.Path())
		delete(s.downloaded, key)
		s.metrics.cacheEvictions.Inc()
		level.Debug(s.logger).Log("msg", "evicted cached index file", "key", key)
	}
}
