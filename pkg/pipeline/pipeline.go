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

// Package pipeline runs the unit of work behind one poll: identity,
// catalog assignment, counter reconciliation, persistence and the
// post-commit fan-out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/carverauto/printradar/pkg/billing"
	"github.com/carverauto/printradar/pkg/counters"
	"github.com/carverauto/printradar/pkg/db"
	"github.com/carverauto/printradar/pkg/events"
	"github.com/carverauto/printradar/pkg/identity"
	"github.com/carverauto/printradar/pkg/logger"
	"github.com/carverauto/printradar/pkg/models"
)

const tracerName = "github.com/carverauto/printradar/pkg/pipeline"

// ModelMatcher resolves reported model text against the catalog.
type ModelMatcher interface {
	Match(manufacturerText, modelText string) (models.CanonicalModel, float64, bool)
}

// SerialSyncer pulls fresh readings into the billing rows of a serial.
type SerialSyncer interface {
	SyncSerial(ctx context.Context, serial string) (billing.SyncResult, error)
}

// Request describes the poll a telemetry sample belongs to.
type Request struct {
	DeviceID uuid.UUID
	Address  string
	Actor    string
	Priority models.Priority
	Attempts int
}

// Result is what one ingest committed.
type Result struct {
	Snapshot   *models.PollSnapshot
	Device     *models.Device
	Resolution *identity.Resolution
	Events     []*models.ChangeEvent
	Regression []counters.Regression
}

// Pipeline ingests telemetry into the store.
type Pipeline struct {
	store     db.Service
	resolver  *identity.Resolver
	matcher   ModelMatcher
	publisher events.Publisher
	syncer    SerialSyncer

	tolerance atomic.Int64
	autoSync  atomic.Bool

	clock  quartz.Clock
	logger logger.Logger
	tracer trace.Tracer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMatcher assigns canonical models from m.
func WithMatcher(m ModelMatcher) Option {
	return func(p *Pipeline) { p.matcher = m }
}

// WithPublisher publishes committed change events to pub.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithBillingSync calls s after each successful snapshot.
func WithBillingSync(s SerialSyncer) Option {
	return func(p *Pipeline) {
		p.syncer = s
		p.autoSync.Store(s != nil)
	}
}

// WithTolerance sets the page drop allowed before a reading is flagged.
func WithTolerance(pages int64) Option {
	return func(p *Pipeline) { p.tolerance.Store(pages) }
}

// WithClock overrides the clock.
func WithClock(c quartz.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// New returns a pipeline over store.
func New(store db.Service, log logger.Logger, opts ...Option) *Pipeline {
	if log == nil {
		log = logger.NewTestLogger()
	}

	p := &Pipeline{
		store:     store,
		publisher: events.NopPublisher{},
		clock:     quartz.NewReal(),
		logger:    log,
		tracer:    otel.Tracer(tracerName),
	}
	p.tolerance.Store(models.DefaultTolerance)

	for _, o := range opts {
		o(p)
	}

	p.resolver = identity.NewResolver(p.clock, log)

	return p
}

// SetTolerance changes the regression tolerance at runtime.
func (p *Pipeline) SetTolerance(pages int64) {
	if pages >= 0 {
		p.tolerance.Store(pages)
	}
}

// SetAutoSync turns the post-commit billing sync on or off.
func (p *Pipeline) SetAutoSync(enabled bool) {
	p.autoSync.Store(enabled && p.syncer != nil)
}

func (p *Pipeline) detector() counters.Detector {
	return counters.NewDetector(p.tolerance.Load())
}

// Ingest records tel as the outcome of req. Rejections that belong to the
// poll itself (unreadable device, malformed telemetry, identifier
// conflicts) are persisted as snapshots and returned with a nil error; the
// error return is reserved for store failures.
func (p *Pipeline) Ingest(ctx context.Context, req Request, tel *models.Telemetry) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Ingest", trace.WithAttributes(
		attribute.String("device.id", req.DeviceID.String()),
		attribute.String("device.address", req.Address),
		attribute.String("poll.actor", req.Actor),
		attribute.String("poll.priority", string(req.Priority)),
	))
	defer span.End()

	res, err := p.ingest(ctx, req, tel)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}

	span.SetAttributes(attribute.String("poll.outcome", string(res.Snapshot.Outcome)))
	recordSnapshot(ctx, res.Snapshot.Outcome)

	return res, nil
}

func (p *Pipeline) ingest(ctx context.Context, req Request, tel *models.Telemetry) (*Result, error) {
	if tel == nil || !tel.Success {
		detail := "poller returned no telemetry"
		if tel != nil && tel.ErrorDetail != "" {
			detail = tel.ErrorDetail
		}

		return p.reject(ctx, req, models.OutcomeFailure, models.ErrorKindPollFailed, detail)
	}

	reading, err := counters.Normalize(tel.Counters, tel.Consumables)
	if err != nil {
		return p.reject(ctx, req, models.OutcomeValidationError, models.ErrorKind(err), err.Error())
	}

	obs := identity.Observation{
		Address:              req.Address,
		Serial:               tel.Serial,
		MAC:                  tel.MAC,
		ReportedManufacturer: tel.ReportedManufacturer,
		ReportedModel:        tel.ReportedModel,
		Actor:                actorOf(req),
	}

	var res *Result

	err = p.store.WithAddressLock(ctx, req.Address, func(tx db.Service) error {
		// the unit may be retried by the store, so start from scratch
		var err error

		res, err = p.commit(ctx, tx, req, obs, reading)

		return err
	})

	switch {
	case errors.Is(err, models.ErrValidation):
		return p.reject(ctx, req, models.OutcomeValidationError, models.ErrorKindValidation, err.Error())
	case errors.Is(err, models.ErrConflict):
		return p.reject(ctx, req, models.OutcomeFailure, models.ErrorKindConflict, err.Error())
	case err != nil:
		return nil, err
	}

	p.afterCommit(ctx, res)

	return res, nil
}

func (p *Pipeline) commit(
	ctx context.Context, tx db.Service, req Request, obs identity.Observation, reading models.CounterReading,
) (*Result, error) {
	resolution, err := p.resolver.ResolveLocked(ctx, tx, obs)
	if err != nil {
		return nil, err
	}

	device := resolution.Device.Clone()
	evs := append([]*models.ChangeEvent(nil), resolution.Events...)
	now := p.clock.Now().UTC()

	if e := p.assignModel(device, obs.Actor, now); e != nil {
		evs = append(evs, e)
	}

	prev, err := tx.LatestGoodSnapshot(ctx, device.ID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	snap := &models.PollSnapshot{
		ID:        uuid.New(),
		DeviceID:  device.ID,
		Address:   req.Address,
		Timestamp: now,
		Outcome:   models.OutcomeSuccess,
		MatchRule: resolution.Rule,
		Actor:     obs.Actor,
		Priority:  req.Priority,
		Attempts:  attempts(req),
		Reading:   &reading,
	}

	var regs []counters.Regression

	if prev != nil {
		reset, err := tx.HasCounterResetSince(ctx, device.ID, prev.Timestamp)
		if err != nil {
			return nil, err
		}

		regs, err = p.detector().Check(prev.Reading, &reading, reset)
		if err != nil {
			snap.Outcome = models.OutcomeHistoricalInconsistency
			snap.ErrorKind = models.ErrorKind(err)
			snap.ErrorDetail = err.Error()

			p.logger.Warn().
				Str("device_id", device.ID.String()).
				Str("address", req.Address).
				Str("previous_snapshot", prev.ID.String()).
				Err(err).
				Msg("counter history regressed")
		}
	}

	if err := tx.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	if len(evs) > 0 {
		if err := tx.InsertEvents(ctx, evs); err != nil {
			return nil, err
		}
	}

	if snap.Outcome == models.OutcomeSuccess {
		device.LastSuccessAt = &now
	}

	device.UpdatedAt = now

	if err := tx.UpdateDevice(ctx, device); err != nil {
		return nil, err
	}

	return &Result{
		Snapshot:   snap,
		Device:     device,
		Resolution: resolution,
		Events:     evs,
		Regression: regs,
	}, nil
}

// assignModel matches the device's reported model and records a change when
// the canonical model differs from the one on file.
func (p *Pipeline) assignModel(device *models.Device, actor string, now time.Time) *models.ChangeEvent {
	if p.matcher == nil || device.ReportedModel == "" {
		return nil
	}

	m, score, found := p.matcher.Match(device.ReportedManufacturer, device.ReportedModel)
	if !found {
		p.logger.Debug().
			Str("device_id", device.ID.String()).
			Str("manufacturer", device.ReportedManufacturer).
			Str("model", device.ReportedModel).
			Msg("no catalog match")

		return nil
	}

	if device.CanonicalModelID != nil && *device.CanonicalModelID == m.ID {
		return nil
	}

	before := ""
	if device.CanonicalModelID != nil {
		before = strconv.FormatInt(*device.CanonicalModelID, 10)
	}

	id := m.ID
	device.CanonicalModelID = &id

	p.logger.Info().
		Str("device_id", device.ID.String()).
		Str("model", device.ReportedModel).
		Int64("canonical_model_id", m.ID).
		Float64("score", score).
		Msg("canonical model assigned")

	return &models.ChangeEvent{
		ID:        uuid.New(),
		DeviceID:  device.ID,
		Kind:      models.ChangeModelAssigned,
		Field:     "canonical_model_id",
		Before:    before,
		After:     strconv.FormatInt(m.ID, 10),
		Actor:     actor,
		Timestamp: now,
	}
}

func (p *Pipeline) afterCommit(ctx context.Context, res *Result) {
	if len(res.Events) > 0 {
		if err := p.publisher.Publish(ctx, res.Events); err != nil {
			p.logger.Warn().Err(err).Int("events", len(res.Events)).Msg("failed to publish change events")
		}
	}

	if res.Snapshot.Outcome != models.OutcomeSuccess || !p.autoSync.Load() || res.Device.Serial == "" {
		return
	}

	sync, err := p.syncer.SyncSerial(ctx, res.Device.Serial)
	if err != nil {
		p.logger.Warn().Err(err).Str("serial", res.Device.Serial).Msg("billing sync failed")
		return
	}

	if sync.UpdatedRows > 0 {
		p.logger.Debug().
			Str("serial", res.Device.Serial).
			Int("rows", sync.UpdatedRows).
			Msg("billing rows synced")
	}
}

// reject persists a snapshot for a poll that produced no usable reading.
func (p *Pipeline) reject(ctx context.Context, req Request, outcome models.Outcome, kind, detail string) (*Result, error) {
	snap, err := p.Record(ctx, req, outcome, kind, detail)
	if err != nil {
		return nil, err
	}

	return &Result{Snapshot: snap}, nil
}

// Record persists a snapshot without a reading. The scheduler uses it for
// polls that never produced telemetry: rejections, timeouts and exhausted
// retries.
func (p *Pipeline) Record(ctx context.Context, req Request, outcome models.Outcome, kind, detail string) (*models.PollSnapshot, error) {
	snap := &models.PollSnapshot{
		ID:          uuid.New(),
		DeviceID:    req.DeviceID,
		Address:     req.Address,
		Timestamp:   p.clock.Now().UTC(),
		Outcome:     outcome,
		ErrorKind:   kind,
		ErrorDetail: detail,
		Actor:       actorOf(req),
		Priority:    req.Priority,
		Attempts:    attempts(req),
	}

	if err := p.store.InsertSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("record %s snapshot: %w", outcome, err)
	}

	p.logger.Debug().
		Str("device_id", req.DeviceID.String()).
		Str("outcome", string(outcome)).
		Str("error_kind", kind).
		Msg("poll snapshot recorded")

	return snap, nil
}

// RecordError persists the failure snapshot for err.
func (p *Pipeline) RecordError(ctx context.Context, req Request, err error) (*models.PollSnapshot, error) {
	snap, recErr := p.Record(ctx, req, models.OutcomeFailure, models.ErrorKind(err), err.Error())
	if recErr == nil {
		recordSnapshot(ctx, snap.Outcome)
	}

	return snap, recErr
}

// AcknowledgeReset records an operator-confirmed counter reset so the next
// reading may drop below the previous one.
func (p *Pipeline) AcknowledgeReset(ctx context.Context, deviceID uuid.UUID, note string) (*models.ChangeEvent, error) {
	device, err := p.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	e := &models.ChangeEvent{
		ID:        uuid.New(),
		DeviceID:  device.ID,
		Kind:      models.ChangeCounterReset,
		Field:     "counters",
		After:     note,
		Actor:     models.ActorManual,
		Timestamp: p.clock.Now().UTC(),
	}

	if err := p.store.InsertEvents(ctx, []*models.ChangeEvent{e}); err != nil {
		return nil, err
	}

	if err := p.publisher.Publish(ctx, []*models.ChangeEvent{e}); err != nil {
		p.logger.Warn().Err(err).Msg("failed to publish counter reset")
	}

	return e, nil
}

func actorOf(req Request) string {
	if req.Actor == models.ActorManual || req.Actor == models.ActorAutomaticPoll {
		return req.Actor
	}

	return req.Priority.ChangeActor()
}

func attempts(req Request) int {
	if req.Attempts < 1 {
		return 1
	}

	return req.Attempts
}
