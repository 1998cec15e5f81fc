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

	"github.com/google/uuid"

	"github.com/carverauto/printradar/pkg/lease"
	"github.com/carverauto/printradar/pkg/models"
	"github.com/carverauto/printradar/pkg/pipeline"
)

// PollNow queues an interactive poll of deviceID on behalf of actor.
//
// A poll already running or queued for the device returns
// StatusAlreadyRunning with models.ErrAlreadyRunning. An actor over its
// rolling limit or inside its per-device cool-down gets StatusRateLimited
// with models.ErrActorLimit or models.ErrCooldown. Every rejection is
// recorded as a snapshot.
func (s *Scheduler) PollNow(ctx context.Context, deviceID uuid.UUID, actor string) (Status, error) {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return StatusRejected, err
	}

	if !device.Active {
		return StatusRejected, errDeviceInactive
	}

	cfg := s.Config()
	req := pipeline.Request{
		DeviceID: device.ID,
		Address:  device.Address,
		Actor:    models.ActorManual,
		Priority: models.PriorityInteractive,
	}

	devLease, err := s.leases.Acquire(ctx, lease.DeviceKey(device.ID.String()), s.holder(), time.Duration(cfg.LeaseTTL))
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			s.reject(ctx, req, models.ErrAlreadyRunning, "already_running")
			return StatusAlreadyRunning, models.ErrAlreadyRunning
		}

		return StatusRejected, err
	}

	admitted, err := s.admit(ctx, actor, device.ID, cfg)
	if err != nil {
		s.release(devLease)

		if errors.Is(err, models.ErrRateLimited) {
			s.reject(ctx, req, err, rejectionReason(err))
			return StatusRateLimited, err
		}

		return StatusRejected, err
	}

	j := &job{req: req, lease: devLease, queued: s.now()}

	select {
	case s.interactive <- j:
	default:
		s.release(devLease)

		// a request that never queued does not count against the actor
		for _, l := range admitted {
			s.release(l)
		}

		s.reject(ctx, req, models.ErrQueueFull, "queue_full")

		return StatusRateLimited, models.ErrQueueFull
	}

	s.logger.Info().
		Str("device_id", device.ID.String()).
		Str("address", device.Address).
		Str("actor", actor).
		Msg("interactive poll queued")

	return StatusQueued, nil
}

// admit enforces the per-(actor, device) cool-down and the per-actor
// rolling limit. The cool-down lease is taken first; each admitted poll
// then takes one of ActorLimit slot leases that live for ActorWindow. The
// returned cool-down and slot leases are only released when the poll
// fails to queue.
func (s *Scheduler) admit(ctx context.Context, actor string, deviceID uuid.UUID, cfg models.SchedulerConfig) ([]*lease.Lease, error) {
	if actor == "" {
		actor = models.ActorManual
	}

	holder := s.holder()

	cool, err := s.leases.Acquire(ctx, lease.CooldownKey(actor, deviceID.String()), holder, time.Duration(cfg.ActorCooldown))
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return nil, models.ErrCooldown
		}

		return nil, err
	}

	for slot := 0; slot < cfg.ActorLimit; slot++ {
		l, err := s.leases.Acquire(ctx, lease.ActorSlotKey(actor, slot), holder, time.Duration(cfg.ActorWindow))
		if err == nil {
			return []*lease.Lease{cool, l}, nil
		}

		if !errors.Is(err, lease.ErrHeld) {
			s.release(cool)
			return nil, err
		}
	}

	s.release(cool)

	return nil, models.ErrActorLimit
}

func (s *Scheduler) release(l *lease.Lease) {
	if l == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := s.leases.Release(ctx, l); err != nil && !errors.Is(err, lease.ErrLost) {
		s.logger.Warn().Err(err).Str("key", l.Key).Msg("failed to release lease")
	}
}

// reject records the snapshot for a poll that was turned away.
func (s *Scheduler) reject(ctx context.Context, req pipeline.Request, err error, reason string) {
	recordRejection(ctx, reason)

	if _, recErr := s.ingester.Record(ctx, req, models.OutcomeFailure, models.ErrorKind(err), err.Error()); recErr != nil {
		s.logger.Warn().Err(recErr).Str("device_id", req.DeviceID.String()).Msg("failed to record rejected poll")
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, models.ErrCooldown):
		return "cooldown"
	case errors.Is(err, models.ErrActorLimit):
		return "actor_limit"
	case errors.Is(err, models.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, models.ErrAlreadyRunning):
		return "already_running"
	default:
		return "other"
	}
}
