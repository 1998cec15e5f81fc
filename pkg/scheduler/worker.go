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
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/carverauto/printradar/pkg/lease"
	"github.com/carverauto/printradar/pkg/models"
	"github.com/carverauto/printradar/pkg/pipeline"
)

const (
	releaseTimeout = 5 * time.Second
	recordTimeout  = 10 * time.Second
)

// worker drains the interactive queue before taking background work.
func (s *Scheduler) worker(ctx context.Context, id int) {
	log := s.logger.With().Int("worker", id).Logger()
	log.Debug().Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.interactive:
			s.run(ctx, j)

			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case j := <-s.interactive:
			s.run(ctx, j)
		case j := <-s.background:
			s.run(ctx, j)
		}
	}
}

type pollOutcome struct {
	tel      *models.Telemetry
	attempts int
	err      error
}

// run executes one job under the hard job timeout. The device lease is
// released when the job ends, whatever its outcome.
func (s *Scheduler) run(ctx context.Context, j *job) {
	defer s.release(j.lease)

	cfg := s.Config()
	timeout := time.Duration(cfg.JobTimeout)

	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.leases.Renew(jobCtx, j.lease, time.Duration(cfg.LeaseTTL)); err != nil {
		if errors.Is(err, lease.ErrLost) {
			s.logger.Warn().Str("device_id", j.req.DeviceID.String()).Msg("device lease lost while queued, dropping job")
			recordRejection(ctx, "lease_lost")
			s.abandon(j, errLeaseLost)

			return
		}

		s.logger.Warn().Err(err).Str("device_id", j.req.DeviceID.String()).Msg("failed to renew device lease")
	}

	start := s.now()
	recordJobStarted(ctx, j.req.Priority, start.Sub(j.queued))

	done := make(chan pollOutcome, 1)

	go func() {
		tel, attempts, err := s.pollWithRetry(jobCtx, j, cfg)
		done <- pollOutcome{tel: tel, attempts: attempts, err: err}
	}()

	var out pollOutcome

	select {
	case out = <-done:
	case <-jobCtx.Done():
		out = pollOutcome{err: jobCtx.Err()}
	}

	req := j.req
	req.Attempts = out.attempts

	if out.err == nil && jobCtx.Err() == nil {
		res, err := s.ingester.Ingest(jobCtx, req, out.tel)
		if err == nil {
			s.logger.Debug().
				Str("device_id", req.DeviceID.String()).
				Str("outcome", string(res.Snapshot.Outcome)).
				Int("attempts", req.Attempts).
				Msg("poll finished")

			return
		}

		out.err = err
	}

	if ctx.Err() != nil && jobCtx.Err() != nil && !errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		// shutting down; the poll never completed
		out.err = errStopped
	}

	s.fail(jobCtx, req, out.err, timeout)
}

// abandon records a failure for a job that never reached the poller. The
// caller was already told the poll was queued.
func (s *Scheduler) abandon(j *job, err error) {
	s.release(j.lease)

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	req := j.req
	req.Attempts = 0

	if _, recErr := s.ingester.Record(ctx, req, models.OutcomeFailure, models.ErrorKind(err), err.Error()); recErr != nil {
		s.logger.Error().Err(recErr).Str("device_id", req.DeviceID.String()).Msg("failed to record abandoned poll")
	}

	s.logger.Warn().
		Err(err).
		Str("device_id", req.DeviceID.String()).
		Str("address", req.Address).
		Msg("queued poll abandoned")
}

func (s *Scheduler) fail(jobCtx context.Context, req pipeline.Request, err error, timeout time.Duration) {
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: job exceeded %s", models.ErrTimeout, timeout)
	}

	if req.Attempts == 0 {
		req.Attempts = 1
	}

	// the job context may already be done
	ctx, cancel := context.WithTimeout(context.WithoutCancel(jobCtx), recordTimeout)
	defer cancel()

	if _, recErr := s.ingester.Record(ctx, req, models.OutcomeFailure, models.ErrorKind(err), err.Error()); recErr != nil {
		s.logger.Error().Err(recErr).Str("device_id", req.DeviceID.String()).Msg("failed to record failed poll")
	}

	recordJobFailed(ctx, models.ErrorKind(err))

	s.logger.Warn().
		Err(err).
		Str("device_id", req.DeviceID.String()).
		Str("address", req.Address).
		Int("attempts", req.Attempts).
		Msg("poll failed")
}

// pollWithRetry calls the poller, retrying transient errors with
// exponential backoff up to MaxAttempts.
func (s *Scheduler) pollWithRetry(ctx context.Context, j *job, cfg models.SchedulerConfig) (*models.Telemetry, int, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(cfg.BackoffBase)
	bo.MaxInterval = time.Duration(cfg.BackoffMax)
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	target := models.PollTarget{DeviceID: j.req.DeviceID, Address: j.req.Address}
	attempts := 0

	operation := func() (*models.Telemetry, error) {
		attempts++

		tel, err := s.poller.Poll(ctx, target)
		if err == nil {
			return tel, nil
		}

		if models.IsRetryable(err) {
			return nil, err
		}

		return nil, backoff.Permanent(err)
	}

	notify := func(err error, next time.Duration) {
		s.logger.Debug().
			Err(err).
			Str("device_id", j.req.DeviceID.String()).
			Int("attempt", attempts).
			Dur("retry_in", next).
			Msg("transient poll error, retrying")
	}

	tel, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(time.Duration(cfg.JobTimeout)),
		backoff.WithNotify(notify),
	)

	return tel, attempts, err
}
