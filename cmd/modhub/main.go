// Command modhub runs the ERP module registry: module registration and
// validation, tenant installs, dynamic module endpoints, durable event
// streams and API gateway mirroring.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"github.com/stackbound/modhub/pkg/api"
	"github.com/stackbound/modhub/pkg/config"
	"github.com/stackbound/modhub/pkg/endpoints"
	"github.com/stackbound/modhub/pkg/eventbus"
	"github.com/stackbound/modhub/pkg/gateway"
	"github.com/stackbound/modhub/pkg/loader"
	"github.com/stackbound/modhub/pkg/manifest"
	"github.com/stackbound/modhub/pkg/observability"
	"github.com/stackbound/modhub/pkg/registry"
	"github.com/stackbound/modhub/pkg/resolver"
	"github.com/stackbound/modhub/pkg/security"
	"github.com/stackbound/modhub/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("modhub: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format, nil)

	store, err := storage.OpenSQL(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		log.WithError(err).Fatal("failed to open storage")
	}
	defer store.Close()
	log.WithField("driver", cfg.Storage.Driver).Info("storage ready")

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		log.WithField("addr", cfg.Redis.Addr).Info("event streams enabled")
	} else {
		log.Info("no redis configured, event bus runs local-only")
	}

	var busClient redis.Cmdable
	if rdb != nil {
		busClient = rdb
	}
	bus := eventbus.NewBus(busClient, log)

	metrics := observability.NewMetrics()
	bus.SetErrorCounter(metrics.HandlerErrors)
	ldr := loader.New(cfg.Loader.WorkDir, bus, log)
	eps := endpoints.NewRegistry(log)
	gw := gateway.New(cfg.Gateway.AdminURL, cfg.Gateway.UpstreamURL, log)
	gw.SetSyncErrorCounter(metrics.GatewaySyncErrors)
	res := resolver.New(store, log)

	service := registry.New(registry.Config{
		Store:          store,
		Validator:      security.NewValidator(log),
		Loader:         ldr,
		Endpoints:      eps,
		Gateway:        gw,
		Resolver:       res,
		Bus:            bus,
		Metrics:        metrics,
		Log:            log,
		MaxPackageSize: cfg.Loader.MaxPackageSize,
	})

	health := observability.NewHealthChecker(store, busClient, log)
	server := api.NewServer(service, eps, health, metrics, log)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("addr", httpServer.Addr).Info("modhub listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if rdb != nil {
		consumer := eventbus.NewConsumer(rdb, bus, log)
		g.Go(func() error {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	var reconciler *gateway.Reconciler
	if gw.Enabled() {
		source := func(ctx context.Context) ([]*manifest.ModuleManifest, error) {
			return eps.Manifests(), nil
		}
		reconciler, err = gateway.NewReconciler(gw, source, cfg.Gateway.ReconcileSpec, log)
		if err != nil {
			log.WithError(err).Fatal("invalid gateway reconcile schedule")
		}
		reconciler.Start()
		log.WithField("schedule", cfg.Gateway.ReconcileSpec).Info("gateway reconciler started")
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if reconciler != nil {
			reconciler.Stop()
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("modhub exited with error")
	}
	log.Info("modhub stopped")
}
