package loghive

import (
	"context"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/loghive/loghive/pkg/distributor"
	"github.com/loghive/loghive/pkg/ingester"
	"github.com/loghive/loghive/pkg/logproto"
	"github.com/loghive/loghive/pkg/querier"
	"github.com/loghive/loghive/pkg/querier/queryrange"
	"github.com/loghive/loghive/pkg/ring"
	"github.com/loghive/loghive/pkg/storage"
	"github.com/loghive/loghive/pkg/storage/index"
	"github.com/loghive/loghive/pkg/validation"
)

// App is the assembled process.
type App struct {
	cfg    Config
	logger log.Logger

	membership  ring.MembershipStore
	ring        *ring.Ring
	lifecycler  *ring.Lifecycler
	distributor *distributor.Distributor
	ingester    *ingester.Ingester
	querier     *querier.Querier
	frontend    queryrange.Handler
	shipper     *index.Shipper
	sweeper     *storage.RetentionSweeper

	server *http.Server

	// ready flips once every service is healthy; the readiness endpoint
	// also checks the ingester and ring directly.
	ready atomic.Bool
}

// New builds the full component graph from the config.
func New(cfg Config, logger log.Logger, registerer prometheus.Registerer) (*App, error) {
	overrides, err := validation.NewOverrides(cfg.Limits, cfg.Overrides)
	if err != nil {
		return nil, err
	}

	membership := ring.NewInMemoryStore()
	lifecyclerRing := ring.New(cfg.Lifecycler.RingConfig, membership)
	lifecycler := ring.NewLifecycler(cfg.Lifecycler, membership, logger)

	objectClient, err := storage.NewFSObjectClient(cfg.Storage.FSConfig)
	if err != nil {
		return nil, errors.Wrap(err, "creating object client")
	}
	store := storage.NewStore(cfg.Storage, objectClient, logger, registerer)

	indexCfg := cfg.Index
	indexCfg.UploaderName = cfg.Lifecycler.ID
	shipper, err := index.NewShipper(indexCfg, objectClient, logger, registerer)
	if err != nil {
		return nil, errors.Wrap(err, "creating index shipper")
	}

	limiter := ingester.NewLimiter(overrides, singleInstanceRing{}, cfg.Lifecycler.RingConfig.ReplicationFactor)
	ing, err := ingester.New(cfg.Ingester, store, shipper, limiter, logger, registerer)
	if err != nil {
		return nil, errors.Wrap(err, "creating ingester")
	}

	dist := distributor.New(cfg.Distributor, ingesterPusher{ing}, lifecyclerRing, overrides, logger, registerer)
	q := querier.New(cfg.Querier, ing, shipper, store, logger)
	frontend := queryrange.NewMiddleware(cfg.QueryRange, overrides, logger, registerer).
		Wrap(queryrange.HandlerFunc(func(ctx context.Context, req *queryrange.Request) (*logproto.QueryResponse, error) {
			return q.Query(ctx, req.TenantID, &logproto.QueryRequest{
				Selector:  req.Selector,
				Start:     req.Start,
				End:       req.End,
				Step:      req.Step,
				Limit:     req.Limit,
				Direction: req.Direction,
			})
		}))

	sweeper := storage.NewRetentionSweeper(cfg.Retention, objectClient, logger, registerer)

	app := &App{
		cfg:         cfg,
		logger:      logger,
		membership:  membership,
		ring:        lifecyclerRing,
		lifecycler:  lifecycler,
		distributor: dist,
		ingester:    ing,
		querier:     q,
		frontend:    frontend,
		shipper:     shipper,
		sweeper:     sweeper,
	}

	app.server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: app.router(),
	}
	return app, nil
}

// Run starts all services and the HTTP server, and blocks until ctx is
// cancelled, then shuts everything down in order.
func (a *App) Run(ctx context.Context) error {
	// Start the ingester first; its starting phase replays the WAL. Only
	// then let the lifecycler mark the node ACTIVE.
	if err := services.StartAndAwaitRunning(ctx, a.ingester); err != nil {
		return errors.Wrap(err, "starting ingester")
	}
	for _, s := range []services.Service{a.shipper, a.sweeper, a.lifecycler.BasicService} {
		if err := services.StartAndAwaitRunning(ctx, s); err != nil {
			return errors.Wrap(err, "starting services")
		}
	}
	a.ready.Store(true)
	level.Info(a.logger).Log("msg", "all services started", "addr", a.cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	a.ready.Store(false)
	level.Info(a.logger).Log("msg", "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = a.server.Shutdown(shutdownCtx)

	// Stop in reverse order: stop accepting, leave the ring (with its
	// final sleep), then flush and close the rest.
	for _, s := range []services.Service{a.lifecycler.BasicService, a.ingester, a.shipper, a.sweeper} {
		if err := services.StopAndAwaitTerminated(context.Background(), s); err != nil {
			level.Error(a.logger).Log("msg", "failed to stop service", "err", err)
		}
	}
	return nil
}

// checkReady implements the readiness probe: WAL replay done (ingester
// running) and the node registered ACTIVE in the ring.
func (a *App) checkReady() error {
	if !a.ready.Load() {
		return errors.New("startup in progress")
	}
	if err := a.ingester.CheckReady(); err != nil {
		return err
	}
	if state := a.lifecycler.State(); state != ring.ACTIVE {
		return errors.Errorf("instance not ACTIVE in the ring: %s", state)
	}
	return nil
}

// ingesterPusher adapts the ingester to the distributor's client interface.
type ingesterPusher struct {
	ing *ingester.Ingester
}

func (p ingesterPusher) Push(ctx context.Context, tenantID string, req *logproto.PushRequest) error {
	return p.ing.Push(ctx, tenantID, req)
}

// singleInstanceRing reports this process as the only ingester, which is what
// the stream-count limiter needs on a single node.
type singleInstanceRing struct{}

func (singleInstanceRing) HealthyInstancesCount() int { return 1 }
