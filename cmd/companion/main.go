package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/scanshop/companion-sync/api/routes"
	"github.com/scanshop/companion-sync/internal/backend"
	"github.com/scanshop/companion-sync/internal/cart"
	"github.com/scanshop/companion-sync/internal/catalog"
	"github.com/scanshop/companion-sync/internal/checkout"
	"github.com/scanshop/companion-sync/internal/coordinator"
	"github.com/scanshop/companion-sync/internal/delivery"
	"github.com/scanshop/companion-sync/internal/erp"
	"github.com/scanshop/companion-sync/internal/history"
	"github.com/scanshop/companion-sync/internal/offline"
	"github.com/scanshop/companion-sync/internal/orders"
	"github.com/scanshop/companion-sync/internal/store"
	"github.com/scanshop/companion-sync/pkg/config"
	"github.com/scanshop/companion-sync/pkg/db"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
	"github.com/scanshop/companion-sync/pkg/idempotency"
	"github.com/scanshop/companion-sync/pkg/logger"
	"github.com/scanshop/companion-sync/pkg/metrics"
	"github.com/scanshop/companion-sync/pkg/migrate"
	pkgredis "github.com/scanshop/companion-sync/pkg/redis"
)

const (
	serviceName     = "companion"
	referenceScope  = "erp_reference"
	shutdownTimeout = 10 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"port": cfg.App.Port,
	})

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(ctx, "companion stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "companion shutting down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) (err error) {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	if err := migrate.EnsureLocalDir(cfg.Local.Path); err != nil {
		return err
	}
	localClient, err := db.NewLocal(ctx, cfg.Local, logg)
	if err != nil {
		return err
	}
	closers = append(closers, localClient.Close)

	if err := migrate.MaybeRunLocal(ctx, cfg, logg, localClient); err != nil {
		return err
	}

	local, err := store.New(localClient, store.WithChunkSize(cfg.Local.ChunkSize), store.WithLogger(logg))
	if err != nil {
		return err
	}

	backendClient, err := db.New(ctx, cfg.Backend, logg)
	if err != nil {
		return err
	}
	closers = append(closers, backendClient.Close)

	remote, err := backend.NewPostgres(backendClient, logg, backend.WithQueryTimeout(cfg.Backend.QueryTimeout))
	if err != nil {
		return err
	}
	if cfg.App.IsDev() {
		if err := remote.EnsureSchema(ctx); err != nil {
			logg.Warn(logg.WithField(ctx, "error", err.Error()), "backend schema check skipped")
		}
	}

	remotes := map[string]db.Pinger{"backend": backendClient}
	var (
		cacheTier idempotency.Store
		replay    pkgredis.IdempotencyStore
	)
	if cfg.Redis.Enabled() {
		redisClient, err := pkgredis.New(ctx, cfg.Redis, logg)
		if err != nil {
			// The on-device reference ledger stays authoritative.
			logg.Warn(logg.WithField(ctx, "error", err.Error()), "redis unavailable, dedup runs without the shared cache")
		} else {
			closers = append(closers, redisClient.Close)
			remotes["redis"] = redisClient
			replay = redisClient
			redisStore, err := idempotency.NewRedisStore(redisClient, referenceScope, cfg.Eventing.ReferenceTTL)
			if err != nil {
				return err
			}
			cacheTier = redisStore
		}
	}
	guard, err := idempotency.NewTiered(store.NewReferenceLedger(local), cacheTier, remote.References())
	if err != nil {
		return err
	}

	submitter, err := newSubmitter(cfg, local, guard, logg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	syncMetrics := metrics.NewSyncMetrics(registry)

	historyCache, err := history.NewCache(history.Params{
		Fetcher: remote,
		Config:  cfg.History,
		Logger:  logg,
		Metrics: syncMetrics,
	})
	if err != nil {
		return err
	}
	closers = append(closers, func() error {
		historyCache.Wait()
		return nil
	})

	recorder, err := orders.NewRecorder(orders.RecorderParams{
		Backend: remote,
		Store:   local,
		Cache:   historyCache,
		Logger:  logg,
	})
	if err != nil {
		return err
	}

	catalogService, err := catalog.NewService(catalog.Params{
		Backend: remote,
		Store:   local,
		Config:  cfg.Sync,
		Logger:  logg,
		Metrics: syncMetrics,
	})
	if err != nil {
		return err
	}

	deliveryQueue, err := delivery.NewQueue(delivery.Params{
		Store:     local,
		Submitter: submitter,
		Recorder:  recorder,
		Logger:    logg,
		Metrics:   syncMetrics,
	})
	if err != nil {
		return err
	}

	bgSync := coordinator.NewBackgroundSync(cfg.Queues.BackgroundSyncDelay)
	closers = append(closers, func() error {
		bgSync.Stop()
		return nil
	})

	offlineQueue, err := offline.NewQueue(offline.Params{
		Store:           local,
		Backend:         remote,
		Submitter:       submitter,
		Recorder:        recorder,
		Delivery:        deliveryQueue,
		Sync:            bgSync,
		DuplicateWindow: cfg.Queues.DuplicateWindow,
		Logger:          logg,
		Metrics:         syncMetrics,
	})
	if err != nil {
		return err
	}

	carts, err := cart.NewService(local)
	if err != nil {
		return err
	}

	checkoutService, err := checkout.NewService(remote, submitter, recorder, deliveryQueue, offlineQueue, carts, logg)
	if err != nil {
		return err
	}

	coord, err := coordinator.New(coordinator.Params{
		Offline:       offlineQueue,
		Delivery:      deliveryQueue,
		Catalog:       catalogService,
		Logger:        logg,
		AutoSync:      cfg.Sync.AutoSyncInterval,
		MinTimerDelay: cfg.Queues.MinTimerDelay,
		ClaimLease:    cfg.Queues.ClaimLease,
	})
	if err != nil {
		return err
	}
	bgSync.Bind(coord)
	deliveryQueue.Bind(coord)

	server := &http.Server{
		Addr: "127.0.0.1:" + cfg.App.Port,
		Handler: routes.NewRouter(routes.Params{
			Config:   cfg,
			Logger:   logg,
			Gatherer: registry,
			Local:    local,
			Remotes:  remotes,
			Replay:   replay,
			Triggers: coord,
			Cycles:   coord,
			Delivery: deliveryQueue,
			Offline:  offlineQueue,
			Checkout: checkoutService,
			History:  historyCache,
			Catalog:  catalogService,
			Products: catalogService,
			Carts:    carts,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := coord.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logg.Info(logg.WithField(gctx, "addr", server.Addr), "starting loopback api")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newSubmitter(cfg *config.Config, local *store.Store, guard idempotency.Store, logg *logger.Logger) (erp.Submitter, error) {
	var next erp.Submitter = unconfiguredERP{}
	if cfg.ERP.BaseURL != "" {
		client, err := erp.NewClient(cfg.ERP,
			erp.WithTokenStore(erp.NewSettingsTokenStore(local)),
			erp.WithLogger(logg),
		)
		if err != nil {
			return nil, err
		}
		next = client
	}
	return erp.NewGuardedSubmitter(next, guard, logg)
}

// unconfiguredERP keeps orders in the retry queue until an ERP endpoint is
// configured.
type unconfiguredERP struct{}

func (unconfiguredERP) SubmitOrder(context.Context, erp.Payload) (erp.Result, error) {
	return erp.Result{}, pkgerrors.New(pkgerrors.CodeDependency, "erp endpoint not configured")
}
