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

// Package scheduler fans polls out across the fleet with per-device
// exclusion, per-actor limits and retries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/carverauto/printradar/pkg/db"
	"github.com/carverauto/printradar/pkg/lease"
	"github.com/carverauto/printradar/pkg/logger"
	"github.com/carverauto/printradar/pkg/models"
	"github.com/carverauto/printradar/pkg/pipeline"
	"github.com/carverauto/printradar/pkg/poller"
)

var (
	errAlreadyStarted = errors.New("scheduler already started")
	errNotStarted     = errors.New("scheduler not started")
	errDeviceInactive = fmt.Errorf("%w: device is not active", models.ErrNotFound)
	errStopped        = fmt.Errorf("%w: scheduler stopped before the poll ran", models.ErrTransient)
	errLeaseLost      = fmt.Errorf("%w: device lease lost while queued", models.ErrAlreadyRunning)
)

// Ingester turns telemetry into persisted snapshots.
type Ingester interface {
	Ingest(ctx context.Context, req pipeline.Request, tel *models.Telemetry) (*pipeline.Result, error)
	Record(ctx context.Context, req pipeline.Request, outcome models.Outcome, kind, detail string) (*models.PollSnapshot, error)
}

// Status is the immediate answer to a poll request.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusAlreadyRunning Status = "already_running"
	StatusRateLimited    Status = "rate_limited"
	StatusRejected       Status = "rejected"
)

// SweepReport summarises one background sweep.
type SweepReport struct {
	Total   int `json:"total"`
	Queued  int `json:"queued"`
	Skipped int `json:"skipped"`
}

type job struct {
	req    pipeline.Request
	lease  *lease.Lease
	queued time.Time
}

// Scheduler owns the worker pool and the periodic jobs.
type Scheduler struct {
	store    db.Service
	poller   poller.Poller
	ingester Ingester
	leases   lease.Store
	clock    quartz.Clock
	logger   logger.Logger

	mu  sync.RWMutex
	cfg models.SchedulerConfig

	interactive chan *job
	background  chan *job

	cron           *cron.Cron
	sweepEntry     cron.EntryID
	retentionEntry cron.EntryID

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	workers   *errgroup.Group
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock used for windows and snapshots.
func WithClock(c quartz.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New builds a scheduler. Queue sizes and the worker count are fixed for
// its lifetime; every other tunable can be changed with UpdateConfig.
func New(
	cfg models.SchedulerConfig,
	store db.Service,
	p poller.Poller,
	ingester Ingester,
	leases lease.Store,
	log logger.Logger,
	opts ...Option,
) (*Scheduler, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	s := &Scheduler{
		store:       store,
		poller:      p,
		ingester:    ingester,
		leases:      leases,
		clock:       quartz.NewReal(),
		logger:      log,
		cfg:         cfg,
		interactive: make(chan *job, cfg.InteractiveQueue),
		background:  make(chan *job, cfg.BackgroundQueue),
	}

	for _, o := range opts {
		o(s)
	}

	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{log}),
		cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})),
	)

	if err := s.schedule(cfg); err != nil {
		return nil, err
	}

	return s, nil
}

// Config returns the active configuration.
func (s *Scheduler) Config() models.SchedulerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cfg
}

// UpdateConfig swaps the tunables in place. Changes to the worker count or
// queue sizes are ignored until restart.
func (s *Scheduler) UpdateConfig(cfg models.SchedulerConfig) error {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return err
	}

	old := s.Config()

	if cfg.Workers != old.Workers || cfg.InteractiveQueue != old.InteractiveQueue || cfg.BackgroundQueue != old.BackgroundQueue {
		s.logger.Warn().
			Int("workers", old.Workers).
			Int("requested_workers", cfg.Workers).
			Msg("worker pool and queue sizes change on restart only")

		cfg.Workers = old.Workers
		cfg.InteractiveQueue = old.InteractiveQueue
		cfg.BackgroundQueue = old.BackgroundQueue
	}

	if cfg.SweepSchedule != old.SweepSchedule || cfg.RetentionSchedule != old.RetentionSchedule {
		s.lifecycle.Lock()
		err := s.schedule(cfg)
		s.lifecycle.Unlock()

		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.logger.Info().
		Int("actor_limit", cfg.ActorLimit).
		Dur("actor_cooldown", time.Duration(cfg.ActorCooldown)).
		Int("max_attempts", cfg.MaxAttempts).
		Dur("job_timeout", time.Duration(cfg.JobTimeout)).
		Msg("scheduler configuration updated")

	return nil
}

// Start launches the workers and the cron jobs. They run until Stop or
// until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.cancel != nil {
		return errAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g := &errgroup.Group{}
	workers := s.Config().Workers

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			s.worker(runCtx, i)
			return nil
		})
	}

	s.workers = g
	s.cron.Start()

	s.logger.Info().Int("workers", workers).Msg("scheduler started")

	return nil
}

// Stop halts the cron jobs, cancels in-flight polls and waits for the
// workers to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.cancel == nil {
		return errNotStarted
	}

	cronDone := s.cron.Stop()
	s.cancel()

	done := make(chan error, 1)
	go func() { done <- s.workers.Wait() }()

	var err error

	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	if err == nil {
		s.drain()
	}

	s.cancel = nil
	s.logger.Info().Msg("scheduler stopped")

	return err
}

// drain records a failure for every job still queued once the workers have
// exited and frees their devices.
func (s *Scheduler) drain() {
	for {
		var j *job

		select {
		case j = <-s.interactive:
		case j = <-s.background:
		default:
			return
		}

		s.abandon(j, errStopped)
	}
}

// QueueDepth reports the number of queued interactive and background jobs.
func (s *Scheduler) QueueDepth() (interactive, background int) {
	return len(s.interactive), len(s.background)
}

func (s *Scheduler) holder() string {
	return uuid.NewString()
}

func (s *Scheduler) now() time.Time {
	return s.clock.Now().UTC()
}
