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
	"errors"
	"time"

	"github.com/carverauto/printradar/pkg/lease"
	"github.com/carverauto/printradar/pkg/models"
	"github.com/carverauto/printradar/pkg/pipeline"
)

// Sweep queues a background poll for every eligible device and returns
// without waiting for them. Devices polled successfully within the
// recently-polled window, devices with a held lease and devices that do not
// fit in the background queue are skipped.
func (s *Scheduler) Sweep(ctx context.Context) (SweepReport, error) {
	devices, err := s.store.ListSweepCandidates(ctx)
	if err != nil {
		return SweepReport{}, err
	}

	cfg := s.Config()
	now := s.now()
	recent := now.Add(-time.Duration(cfg.RecentlyPolled))

	report := SweepReport{Total: len(devices)}
	full := false

	for _, d := range devices {
		if ctx.Err() != nil {
			report.Skipped += report.Total - report.Queued - report.Skipped
			break
		}

		if full || (d.LastSuccessAt != nil && d.LastSuccessAt.After(recent)) {
			report.Skipped++
			continue
		}

		l, err := s.leases.Acquire(ctx, lease.DeviceKey(d.ID.String()), s.holder(), time.Duration(cfg.LeaseTTL))
		if err != nil {
			if !errors.Is(err, lease.ErrHeld) {
				s.logger.Warn().Err(err).Str("device_id", d.ID.String()).Msg("failed to take device lease")
			}

			report.Skipped++

			continue
		}

		j := &job{
			req: pipeline.Request{
				DeviceID: d.ID,
				Address:  d.Address,
				Actor:    models.ActorAutomaticPoll,
				Priority: models.PriorityBackground,
			},
			lease:  l,
			queued: now,
		}

		select {
		case s.background <- j:
			report.Queued++
		default:
			s.release(l)
			recordRejection(ctx, "queue_full")

			full = true
			report.Skipped++
		}
	}

	if full {
		s.logger.Warn().
			Int("queued", report.Queued).
			Int("capacity", cap(s.background)).
			Msg("background queue full, remaining devices skipped")
	}

	recordSweep(ctx, report)

	return report, nil
}
