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

package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/printradar/pkg/billing"
	"github.com/carverauto/printradar/pkg/catalog"
	"github.com/carverauto/printradar/pkg/db"
	"github.com/carverauto/printradar/pkg/identity"
	"github.com/carverauto/printradar/pkg/models"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*models.ChangeEvent
}

func (c *capturePublisher) Publish(_ context.Context, evs []*models.ChangeEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, evs...)

	return nil
}

func (c *capturePublisher) kinds() []models.ChangeKind {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.ChangeKind, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Kind)
	}

	return out
}

type recordingSyncer struct {
	serials []string
}

func (r *recordingSyncer) SyncSerial(_ context.Context, serial string) (billing.SyncResult, error) {
	r.serials = append(r.serials, serial)
	return billing.SyncResult{UpdatedRows: 1, Groups: 1}, nil
}

type harness struct {
	ctx    context.Context
	store  *db.MemoryStore
	clock  *quartz.Mock
	pub    *capturePublisher
	syncer *recordingSyncer
	p      *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := db.NewMemoryStore()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))

	matcher := catalog.NewMatcher(store, nil, 0, nil)
	matcher.Load([]models.CanonicalModel{
		{ID: 1, Manufacturer: "HP", Name: "LaserJet Pro M404"},
		{ID: 2, Manufacturer: "Kyocera", Name: "ECOSYS M2040dn"},
	})

	h := &harness{
		ctx:    context.Background(),
		store:  store,
		clock:  clock,
		pub:    &capturePublisher{},
		syncer: &recordingSyncer{},
	}

	h.p = New(store, nil,
		WithClock(clock),
		WithMatcher(matcher),
		WithPublisher(h.pub),
		WithBillingSync(h.syncer),
		WithTolerance(10),
	)

	return h
}

func (h *harness) poll(t *testing.T, tel *models.Telemetry) *Result {
	t.Helper()

	h.clock.Advance(time.Minute)

	res, err := h.p.Ingest(h.ctx, Request{Address: "10.0.0.1", Priority: models.PriorityBackground}, tel)
	require.NoError(t, err)

	return res
}

func telemetry(serial string, a4 int64) *models.Telemetry {
	return &models.Telemetry{
		Serial:               serial,
		MAC:                  "aa:bb:cc:00:00:01",
		ReportedManufacturer: "Hewlett-Packard",
		ReportedModel:        "HP LaserJet Pro M404dn",
		Counters:             models.RawCounters{A4BW: a4, Total: a4},
		Success:              true,
	}
}

func TestIngestFirstPoll(t *testing.T) {
	h := newHarness(t)

	res := h.poll(t, telemetry("A1", 1000))

	assert.Equal(t, models.OutcomeSuccess, res.Snapshot.Outcome)
	assert.Equal(t, models.MatchRuleSNMAC, res.Snapshot.MatchRule)
	assert.Equal(t, identity.ActionCreate, res.Resolution.Action)
	assert.Equal(t, models.ActorAutomaticPoll, res.Snapshot.Actor)
	assert.Equal(t, 1, res.Snapshot.Attempts)

	dev, err := h.store.GetActiveDeviceByAddress(h.ctx, "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, dev.CanonicalModelID)
	assert.Equal(t, int64(1), *dev.CanonicalModelID)
	require.NotNil(t, dev.LastSuccessAt)
	assert.Equal(t, h.clock.Now().UTC(), *dev.LastSuccessAt)

	latest, err := h.store.LatestGoodSnapshot(h.ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), latest.Reading.A4BW)

	assert.Equal(t, []models.ChangeKind{models.ChangeModelAssigned}, h.pub.kinds())
	assert.Equal(t, []string{"A1"}, h.syncer.serials)

	stored, err := h.store.ListEvents(h.ctx, dev.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "1", stored[0].After)
}

func TestIngestRegressionKeepsLatestGood(t *testing.T) {
	h := newHarness(t)

	first := h.poll(t, telemetry("A1", 1000))
	res := h.poll(t, telemetry("A1", 500))

	assert.Equal(t, models.OutcomeHistoricalInconsistency, res.Snapshot.Outcome)
	assert.Equal(t, models.ErrorKindHistoricalInconsistency, res.Snapshot.ErrorKind)
	assert.NotEmpty(t, res.Regression)

	latest, err := h.store.LatestGoodSnapshot(h.ctx, res.Device.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Snapshot.ID, latest.ID)
	assert.Equal(t, int64(1000), latest.Reading.A4BW)

	assert.Equal(t, []string{"A1"}, h.syncer.serials, "inconsistent readings are not synced")

	small := h.poll(t, telemetry("A1", 995))
	assert.Equal(t, models.OutcomeSuccess, small.Snapshot.Outcome, "drop within tolerance")
}

func TestIngestAcknowledgedResetAllowsRegression(t *testing.T) {
	h := newHarness(t)

	first := h.poll(t, telemetry("A1", 1000))

	h.clock.Advance(time.Minute)
	ev, err := h.p.AcknowledgeReset(h.ctx, first.Device.ID, "fuser board swapped")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeCounterReset, ev.Kind)

	res := h.poll(t, telemetry("A1", 12))
	assert.Equal(t, models.OutcomeSuccess, res.Snapshot.Outcome)

	next := h.poll(t, telemetry("A1", 2))
	assert.Equal(t, models.OutcomeSuccess, next.Snapshot.Outcome, "the new reading is now the reference")

	_, err = h.p.AcknowledgeReset(h.ctx, uuid.New(), "")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestIngestReplacementStartsNewHistory(t *testing.T) {
	h := newHarness(t)

	first := h.poll(t, telemetry("A1", 90000))

	tel := telemetry("B2", 15)
	tel.MAC = "aa:bb:cc:00:00:99"
	res := h.poll(t, tel)

	assert.Equal(t, identity.ActionReplace, res.Resolution.Action)
	assert.Equal(t, models.OutcomeSuccess, res.Snapshot.Outcome)
	assert.NotEqual(t, first.Device.ID, res.Device.ID)

	old, err := h.store.GetDevice(h.ctx, first.Device.ID)
	require.NoError(t, err)
	assert.False(t, old.Active)
	assert.Equal(t, res.Device.ID, *old.ReplacedBy)

	assert.Contains(t, h.pub.kinds(), models.ChangeReplacement)
}

func TestIngestRejections(t *testing.T) {
	tests := []struct {
		name    string
		tel     *models.Telemetry
		outcome models.Outcome
		kind    string
	}{
		{"no telemetry", nil, models.OutcomeFailure, models.ErrorKindPollFailed},
		{"device unreadable", &models.Telemetry{ErrorDetail: "snmp: request timeout"}, models.OutcomeFailure, models.ErrorKindPollFailed},
		{"no counters", &models.Telemetry{Serial: "A1", Success: true}, models.OutcomeValidationError, models.ErrorKindValidation},
		{"no identifiers", &models.Telemetry{Counters: models.RawCounters{Total: 5}, Success: true}, models.OutcomeValidationError, models.ErrorKindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := Request{DeviceID: uuid.New(), Address: "10.0.0.1", Priority: models.PriorityInteractive, Attempts: 2}

			res, err := h.p.Ingest(h.ctx, req, tt.tel)
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, res.Snapshot.Outcome)
			assert.Equal(t, tt.kind, res.Snapshot.ErrorKind)
			assert.Equal(t, models.ActorManual, res.Snapshot.Actor)
			assert.Equal(t, 2, res.Snapshot.Attempts)

			history, err := h.store.ListSnapshots(h.ctx, req.DeviceID, 0)
			require.NoError(t, err)
			assert.Len(t, history, 1)
			assert.Empty(t, h.syncer.serials)
		})
	}
}

func TestIngestMACConflictIsRecorded(t *testing.T) {
	h := newHarness(t)

	other := &models.Device{ID: uuid.New(), Address: "10.0.0.9", Serial: "Z9", MAC: "AA:BB:CC:00:00:01", Active: true}
	require.NoError(t, h.store.InsertDevice(h.ctx, other))

	req := Request{DeviceID: uuid.New(), Address: "10.0.0.1"}
	res, err := h.p.Ingest(h.ctx, req, &models.Telemetry{
		MAC: "AA:BB:CC:00:00:01", Counters: models.RawCounters{Total: 5}, Success: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, res.Snapshot.Outcome)
	assert.Equal(t, models.ErrorKindConflict, res.Snapshot.ErrorKind)
}

func TestSetToleranceAppliesToNextPoll(t *testing.T) {
	h := newHarness(t)

	h.poll(t, telemetry("A1", 1000))
	h.p.SetTolerance(600)

	res := h.poll(t, telemetry("A1", 500))
	assert.Equal(t, models.OutcomeSuccess, res.Snapshot.Outcome)
}

func TestAutoSyncToggle(t *testing.T) {
	h := newHarness(t)
	h.p.SetAutoSync(false)

	h.poll(t, telemetry("A1", 1000))
	assert.Empty(t, h.syncer.serials)

	h.p.SetAutoSync(true)
	h.poll(t, telemetry("A1", 1100))
	assert.Equal(t, []string{"A1"}, h.syncer.serials)
}

func TestRecordError(t *testing.T) {
	h := newHarness(t)
	req := Request{DeviceID: uuid.New(), Address: "10.0.0.1", Attempts: 3}

	snap, err := h.p.RecordError(h.ctx, req, models.ErrTimeout)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, snap.Outcome)
	assert.Equal(t, models.ErrorKindTimeout, snap.ErrorKind)
	assert.Equal(t, 3, snap.Attempts)
}
