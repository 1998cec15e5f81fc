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

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/carverauto/printradar/pkg/logger"
	"github.com/carverauto/printradar/pkg/models"
)

const cleanupTimeout = 5 * time.Minute

// cronLogger routes cron's own messages to the service logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

// schedule (re)registers the sweep and retention jobs for cfg. The new
// expressions are parsed before anything is removed, so a bad expression
// leaves the current schedule in place.
func (s *Scheduler) schedule(cfg models.SchedulerConfig) error {
	sweepSched, err := cron.ParseStandard(cfg.SweepSchedule)
	if err != nil {
		return fmt.Errorf("%w: sweep schedule %q: %w", models.ErrValidation, cfg.SweepSchedule, err)
	}

	retentionSched, err := cron.ParseStandard(cfg.RetentionSchedule)
	if err != nil {
		return fmt.Errorf("%w: retention schedule %q: %w", models.ErrValidation, cfg.RetentionSchedule, err)
	}

	if s.sweepEntry != 0 {
		s.cron.Remove(s.sweepEntry)
	}

	if s.retentionEntry != 0 {
		s.cron.Remove(s.retentionEntry)
	}

	s.sweepEntry = s.cron.Schedule(sweepSched, cron.FuncJob(s.scheduledSweep))
	s.retentionEntry = s.cron.Schedule(retentionSched, cron.FuncJob(s.scheduledCleanup))

	return nil
}

func (s *Scheduler) scheduledSweep() {
	report, err := s.Sweep(context.Background())
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled sweep failed")
		return
	}

	s.logger.Info().
		Int("total", report.Total).
		Int("queued", report.Queued).
		Int("skipped", report.Skipped).
		Msg("scheduled sweep dispatched")
}

func (s *Scheduler) scheduledCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if _, err := s.Cleanup(ctx); err != nil {
		s.logger.Error().Err(err).Msg("snapshot retention cleanup failed")
	}
}

// Cleanup deletes snapshots older than the retention window, keeping each
// device's latest good snapshot.
func (s *Scheduler) Cleanup(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-time.Duration(s.Config().Retention))

	deleted, err := s.store.DeleteSnapshotsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	s.logger.Info().
		Time("cutoff", cutoff).
		Int64("deleted", deleted).
		Msg("snapshot retention cleanup finished")

	return deleted, nil
}
