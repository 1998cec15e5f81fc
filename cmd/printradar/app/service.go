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


package app

import (
	"context"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/carverauto/printradar/pkg/api"
	"github.com/carverauto/printradar/pkg/catalog"
	"github.com/carverauto/printradar/pkg/config"
	"github.com/carverauto/printradar/pkg/db"
	"github.com/carverauto/printradar/pkg/logger"
	"github.com/carverauto/printradar/pkg/models"
	"github.com/carverauto/printradar/pkg/pipeline"
	"github.com/carverauto/printradar/pkg/scheduler"
)

// service owns the running components and implements lifecycle.Service.
type service struct {
	cfg    *models.ServiceConfig
	logger logger.Logger

	store     db.Service
	nc        *nats.Conn
	cache     *catalog.RistrettoCache
	matcher   *catalog.Matcher
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	api       *api.APIServer

	cancel  context.CancelFunc
	apiDone chan error
	mu      sync.Mutex
}

func (s *service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if _, err := s.matcher.WatchChanges(runCtx, s.nc, s.cfg.Catalog.ChangeSubject); err != nil {
		cancel()
		return err
	}

	if err := s.scheduler.Start(runCtx); err != nil {
		cancel()
		return err
	}

	s.apiDone = make(chan error, 1)

	go func() {
		s.apiDone <- s.api.Start(s.cfg.ListenAddr)
	}()

	return nil
}

func (s *service) Stop(ctx context.Context) error {
	var errs []error

	if err := s.api.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if s.apiDone != nil {
		if err := <-s.apiDone; err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	if s.cancel != nil {
		s.cancel()
	}

	s.closeAll()

	return errors.Join(errs...)
}

// apply hot-swaps the tunables that can change without a restart.
func (s *service) apply(next *models.ServiceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if changed := config.RestartRequired(s.cfg, next); len(changed) > 0 {
		s.logger.Warn().Strs("fields", changed).Msg("configuration changes need a restart to take effect")
	}

	if err := s.scheduler.UpdateConfig(next.Scheduler); err != nil {
		return err
	}

	s.matcher.SetThreshold(next.Catalog.MatchThreshold)
	s.pipeline.SetTolerance(next.Counters.TolerancePages())
	s.pipeline.SetAutoSync(next.Billing.AutoSync)

	s.cfg.Scheduler = s.scheduler.Config()
	s.cfg.Catalog.MatchThreshold = next.Catalog.MatchThreshold
	s.cfg.Counters.Tolerance = next.Counters.Tolerance
	s.cfg.Billing.AutoSync = next.Billing.AutoSync

	s.logger.Info().
		Float64("match_threshold", next.Catalog.MatchThreshold).
		Int64("tolerance", next.Counters.TolerancePages()).
		Bool("auto_sync", next.Billing.AutoSync).
		Msg("runtime configuration applied")

	return nil
}

func (s *service) closeAll() {
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("error draining nats connection")
		}

		s.nc = nil
	}

	if s.cache != nil {
		s.cache.Close()
		s.cache = nil
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("error closing store")
		}

		s.store = nil
	}
}
