/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */


// Package app wires the printradar service together.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/carverauto/printradar/pkg/api"
	"github.com/carverauto/printradar/pkg/billing"
	"github.com/carverauto/printradar/pkg/catalog"
	"github.com/carverauto/printradar/pkg/config"
	"github.com/carverauto/printradar/pkg/db"
	"github.com/carverauto/printradar/pkg/events"
	"github.com/carverauto/printradar/pkg/lease"
	"github.com/carverauto/printradar/pkg/lifecycle"
	"github.com/carverauto/printradar/pkg/logger"
	"github.com/carverauto/printradar/pkg/models"
	"github.com/carverauto/printradar/pkg/natsutil"
	"github.com/carverauto/printradar/pkg/pipeline"
	"github.com/carverauto/printradar/pkg/poller"
	"github.com/carverauto/printradar/pkg/scheduler"
)

const (
	serviceName    = "printradar"
	serviceVersion = "1.0.0"

	catalogLoadTimeout = 30 * time.Second
)

var errNATSRequired = errors.New("nats configuration is required to reach the poller")

// Options contains runtime configuration derived from CLI flags.
type Options struct {
	ConfigPath string
}

// Run boots the service and blocks until it is told to stop.
func Run(ctx context.Context, opts Options) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var cfg models.ServiceConfig
	if err := config.NewConfig(nil).LoadAndValidate(ctx, opts.ConfigPath, &cfg); err != nil {
		return err
	}

	mainLogger, err := lifecycle.CreateComponentLogger(ctx, "printradar-main", cfg.Logging)
	if err != nil {
		return err
	}

	defer func() {
		if shutdownErr := lifecycle.ShutdownLogger(); shutdownErr != nil {
			mainLogger.Error().Err(shutdownErr).Msg("Error shutting down logger")
		}
	}()

	tp, err := logger.InitializeTracing(ctx, logger.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Logger:         mainLogger,
		OTel:           &cfg.Logging.OTel,
	})
	if err != nil {
		return err
	}

	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			mainLogger.Error().Err(err).Msg("Error shutting down tracer provider")
		}
	}()

	if _, metricsErr := logger.InitializeMetrics(ctx, logger.MetricsConfig{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		OTel:           &cfg.Logging.OTel,
	}); metricsErr != nil && !errors.Is(metricsErr, logger.ErrOTelMetricsDisabled) {
		return metricsErr
	}

	svc, err := build(ctx, &cfg, mainLogger)
	if err != nil {
		return err
	}

	return lifecycle.RunServer(ctx, &lifecycle.ServerOptions{
		ServiceName: serviceName,
		Service:     svc,
		Logger:      mainLogger,
		Reload: func(ctx context.Context) error {
			var next models.ServiceConfig
			if err := config.NewConfig(mainLogger).LoadAndValidate(ctx, opts.ConfigPath, &next); err != nil {
				return err
			}

			return svc.apply(&next)
		},
	})
}

// build constructs every component from cfg. Anything opened here is closed
// by service.Stop.
func build(ctx context.Context, cfg *models.ServiceConfig, log logger.Logger) (*service, error) {
	if cfg.NATS == nil {
		return nil, errNATSRequired
	}

	svc := &service{cfg: cfg, logger: log}

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	svc.store = store

	if err := registerStoreMetrics(); err != nil {
		log.Warn().Err(err).Msg("failed to register store retry metrics")
	}

	nc, err := natsutil.Connect(cfg.NATS, log)
	if err != nil {
		svc.closeAll()
		return nil, err
	}

	svc.nc = nc

	leases, err := openLeases(ctx, cfg, nc)
	if err != nil {
		svc.closeAll()
		return nil, err
	}

	cache, err := catalog.NewRistrettoCache(cfg.Catalog.CacheEntries)
	if err != nil {
		svc.closeAll()
		return nil, err
	}

	svc.cache = cache
	svc.matcher = catalog.NewMatcher(store, cache, cfg.Catalog.MatchThreshold, log)

	loadCtx, cancel := context.WithTimeout(ctx, catalogLoadTimeout)
	defer cancel()

	if err := svc.matcher.Reload(loadCtx); err != nil {
		svc.closeAll()
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	publisher, err := openPublisher(ctx, cfg, nc, log)
	if err != nil {
		svc.closeAll()
		return nil, err
	}

	reconciler := billing.NewReconciler(store, nil, log)

	svc.pipeline = pipeline.New(store, log,
		pipeline.WithMatcher(svc.matcher),
		pipeline.WithPublisher(publisher),
		pipeline.WithBillingSync(reconciler),
		pipeline.WithTolerance(cfg.Counters.TolerancePages()),
	)
	svc.pipeline.SetAutoSync(cfg.Billing.AutoSync)

	svc.scheduler, err = scheduler.New(
		cfg.Scheduler,
		store,
		poller.NewNATSPoller(nc, cfg.Poller, log),
		svc.pipeline,
		leases,
		log,
	)
	if err != nil {
		svc.closeAll()
		return nil, err
	}

	svc.api = api.NewAPIServer(store,
		api.WithScheduler(svc.scheduler),
		api.WithResetAcknowledger(svc.pipeline),
		api.WithReports(reconciler),
		api.WithAPIKey(os.Getenv("API_KEY")),
		api.WithLogger(log),
	)

	return svc, nil
}

func openStore(ctx context.Context, cfg *models.ServiceConfig, log logger.Logger) (db.Service, error) {
	if cfg.CNPG == nil {
		log.Warn().Msg("no cnpg database configured, state is kept in memory and lost on restart")
		return db.NewMemoryStore(), nil
	}

	store, err := db.New(ctx, cfg.CNPG, log)
	if err != nil {
		return nil, fmt.Errorf("connect to cnpg: %w", err)
	}

	return store, nil
}

func openLeases(ctx context.Context, cfg *models.ServiceConfig, nc *nats.Conn) (lease.Store, error) {
	if cfg.Leases.Backend != models.LeaseBackendNATS {
		return lease.NewMemoryStore(nil), nil
	}

	js, err := natsutil.JetStream(nc, cfg.NATS.Domain)
	if err != nil {
		return nil, err
	}

	kv, err := natsutil.EnsureKeyValue(ctx, js, cfg.Leases.Bucket)
	if err != nil {
		return nil, err
	}

	return lease.NewNATSStore(kv, nil), nil
}

func openPublisher(ctx context.Context, cfg *models.ServiceConfig, nc *nats.Conn, log logger.Logger) (events.Publisher, error) {
	if !cfg.Events.Enabled {
		return events.NopPublisher{}, nil
	}

	js, err := natsutil.JetStream(nc, cfg.NATS.Domain)
	if err != nil {
		return nil, err
	}

	return events.NewNATSPublisher(ctx, js, cfg.Events, log)
}
