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

package billing

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/printradar/pkg/db"
	"github.com/carverauto/printradar/pkg/models"
)

var march = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

func counts(a4bw, a4c, a3bw, a3c int64) models.CounterReading {
	return models.CounterReading{A4BW: a4bw, A4Color: a4c, A3BW: a3bw, A3Color: a3c}
}

func row(id int64, ordinal int, start, end models.CounterReading) *models.ReportRow {
	return &models.ReportRow{ID: id, Period: march, Ordinal: ordinal, SerialNumber: "S1", Start: start, End: end}
}

func TestDistributeSingleRow(t *testing.T) {
	r := row(1, 1, counts(100, 10, 5, 1), counts(150, 20, 9, 2))

	changed := Distribute([]*models.ReportRow{r})
	require.Len(t, changed, 1)
	assert.Equal(t, int64(50+10+4+1), r.Total)
}

func TestDistributeDuplicateRows(t *testing.T) {
	first := row(7, 1, counts(100, 10, 5, 1), counts(150, 20, 9, 2))
	second := row(3, 2, counts(0, 0, 10, 0), counts(500, 0, 40, 5))
	third := row(9, 2, counts(0, 0, 0, 0), counts(0, 0, 2, 0))

	rows := []*models.ReportRow{third, second, first}
	Distribute(rows)

	assert.Equal(t, []*models.ReportRow{first, second, third}, rows)
	assert.Equal(t, int64(60), first.Total, "first row counts A4 only")
	assert.Equal(t, int64(35), second.Total, "A4 usage on later rows is dropped")
	assert.Equal(t, int64(2), third.Total)

	assert.Empty(t, Distribute(rows), "recomputing unchanged rows changes nothing")
	assert.Equal(t, int64(60), first.Total)
	assert.Equal(t, int64(35), second.Total)
}

func TestDistributeNeverNegative(t *testing.T) {
	r := row(1, 1, counts(500, 0, 0, 0), counts(100, 0, 0, 0))
	Distribute([]*models.ReportRow{r})
	assert.Equal(t, int64(0), r.Total)
}

type fixture struct {
	ctx   context.Context
	store *db.MemoryStore
	clock *quartz.Mock
	rec   *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := quartz.NewMock(t)
	clock.Set(march.AddDate(0, 0, 25))

	store := db.NewMemoryStore()
	f := &fixture{ctx: context.Background(), store: store, clock: clock, rec: NewReconciler(store, clock, nil)}

	require.NoError(t, store.PutPeriodControl(f.ctx, &models.PeriodControl{
		Period: march, EditUntil: march.AddDate(0, 1, 10), AutoSyncEnabled: true,
	}))

	return f
}

func (f *fixture) insert(t *testing.T, r *models.ReportRow) *models.ReportRow {
	t.Helper()

	r.ID = 0
	require.NoError(t, f.store.InsertRow(f.ctx, r))

	return r
}

func (f *fixture) total(t *testing.T, id int64) int64 {
	t.Helper()

	got, err := f.store.GetRow(f.ctx, id)
	require.NoError(t, err)

	return got.Total
}

func TestRecomputePeriod(t *testing.T) {
	f := newFixture(t)

	a1 := f.insert(t, row(0, 1, counts(0, 0, 0, 0), counts(100, 0, 20, 0)))
	a2 := f.insert(t, row(0, 2, counts(0, 0, 0, 0), counts(50, 0, 30, 0)))

	b := row(0, 3, counts(10, 0, 0, 0), counts(40, 0, 5, 0))
	b.SerialNumber = "S2"
	f.insert(t, b)

	orphanA := row(0, 4, counts(0, 0, 0, 0), counts(7, 0, 0, 0))
	orphanA.SerialNumber = ""
	f.insert(t, orphanA)

	orphanB := row(0, 5, counts(0, 0, 0, 0), counts(0, 0, 3, 0))
	orphanB.SerialNumber = ""
	f.insert(t, orphanB)

	groups, err := f.rec.RecomputePeriod(f.ctx, march.AddDate(0, 0, 12))
	require.NoError(t, err)
	assert.Equal(t, 3, groups)

	assert.Equal(t, int64(100), f.total(t, a1.ID))
	assert.Equal(t, int64(30), f.total(t, a2.ID))
	assert.Equal(t, int64(35), f.total(t, b.ID))
	assert.Equal(t, int64(7), f.total(t, orphanA.ID), "rows without a key are billed alone")
	assert.Equal(t, int64(3), f.total(t, orphanB.ID))

	_, err = f.rec.RecomputePeriod(f.ctx, march)
	require.NoError(t, err)
	assert.Equal(t, int64(100), f.total(t, a1.ID))
	assert.Equal(t, int64(30), f.total(t, a2.ID))
}

func TestAddRowJoinsGroup(t *testing.T) {
	f := newFixture(t)

	first := row(0, 1, counts(0, 0, 0, 0), counts(100, 0, 20, 0))
	require.NoError(t, f.rec.AddRow(f.ctx, first))
	assert.Equal(t, int64(120), first.Total)

	second := row(0, 2, counts(0, 0, 0, 0), counts(50, 0, 30, 0))
	require.NoError(t, f.rec.AddRow(f.ctx, second))

	assert.Equal(t, int64(100), f.total(t, first.ID))
	assert.Equal(t, int64(30), second.Total)
}

func TestUpdateRowRecomputesOldAndNewGroup(t *testing.T) {
	f := newFixture(t)

	a1 := row(0, 1, counts(0, 0, 0, 0), counts(100, 0, 20, 0))
	require.NoError(t, f.rec.AddRow(f.ctx, a1))

	a2 := row(0, 2, counts(0, 0, 0, 0), counts(50, 0, 30, 0))
	require.NoError(t, f.rec.AddRow(f.ctx, a2))
	require.Equal(t, int64(100), f.total(t, a1.ID))

	moved := *a2
	moved.SerialNumber = "S9"
	moved.End.A4BW = 60

	saved, err := f.rec.UpdateRow(f.ctx, &moved)
	require.NoError(t, err)
	assert.Equal(t, int64(90), saved.Total, "alone in its new group")
	assert.True(t, saved.EndManual.A4BW)
	assert.False(t, saved.EndManual.A3BW)
	assert.Equal(t, int64(120), f.total(t, a1.ID), "alone in the group it left")
}

func TestUpdateRowRejectsClosedPeriod(t *testing.T) {
	f := newFixture(t)

	r := row(0, 1, counts(0, 0, 0, 0), counts(10, 0, 0, 0))
	require.NoError(t, f.rec.AddRow(f.ctx, r))

	f.clock.Set(march.AddDate(0, 2, 0))

	r.End.A4BW = 20
	_, err := f.rec.UpdateRow(f.ctx, r)
	require.ErrorIs(t, err, models.ErrPeriodClosed)

	err = f.rec.AddRow(f.ctx, &models.ReportRow{Period: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), SerialNumber: "X"})
	require.ErrorIs(t, err, models.ErrPeriodClosed)
}

func (f *fixture) device(t *testing.T, serial, address string) *models.Device {
	t.Helper()

	d := &models.Device{ID: uuid.New(), Address: address, Serial: serial, Active: true}
	require.NoError(t, f.store.InsertDevice(f.ctx, d))

	return d
}

func (f *fixture) snapshot(t *testing.T, d *models.Device, at time.Time, outcome models.Outcome, r models.CounterReading) {
	t.Helper()

	require.NoError(t, f.store.InsertSnapshot(f.ctx, &models.PollSnapshot{
		ID: uuid.New(), DeviceID: d.ID, Address: d.Address, Timestamp: at, Outcome: outcome, Reading: &r,
	}))
}

func TestSyncPeriodFillsCountersAndRespectsManualEdits(t *testing.T) {
	f := newFixture(t)
	d := f.device(t, "S1", "10.0.0.5")

	f.snapshot(t, d, march.AddDate(0, 0, 1), models.OutcomeSuccess, counts(1000, 100, 10, 0))
	f.snapshot(t, d, march.AddDate(0, 0, 10), models.OutcomeHistoricalInconsistency, counts(3, 0, 0, 0))
	f.snapshot(t, d, march.AddDate(0, 0, 20), models.OutcomeSuccess, counts(1500, 150, 30, 0))
	f.snapshot(t, d, march.AddDate(0, 1, 1), models.OutcomeSuccess, counts(9000, 900, 90, 0))

	r := row(0, 1, models.CounterReading{}, models.CounterReading{})
	r.End.A4Color = 140
	r.EndManual.A4Color = true
	require.NoError(t, f.rec.AddRow(f.ctx, r))

	res, err := f.rec.SyncPeriod(f.ctx, march, nil)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{UpdatedRows: 1, Groups: 1}, res)

	got, err := f.store.GetRow(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, counts(1000, 100, 10, 0), got.Start)
	assert.Equal(t, counts(1500, 140, 30, 0), got.End)
	assert.True(t, got.EndAuto.A4BW)
	assert.False(t, got.EndAuto.A4Color, "manual edit kept")
	assert.Equal(t, int64(500+40+20), got.Total)
	assert.Equal(t, "10.0.0.5", got.DeviceAddress)
	require.NotNil(t, got.LastGoodAt)
	assert.Equal(t, march.AddDate(0, 0, 20), *got.LastGoodAt)
	require.NotNil(t, got.AutoSyncedAt)
	assert.Equal(t, f.clock.Now().UTC(), *got.AutoSyncedAt)

	f.snapshot(t, d, march.AddDate(0, 0, 24), models.OutcomeSuccess, counts(1600, 160, 35, 0))

	res, err = f.rec.SyncSerial(f.ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.UpdatedRows)

	got, err = f.store.GetRow(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, counts(1000, 100, 10, 0), got.Start, "start counters are only filled once")
	assert.Equal(t, counts(1600, 140, 35, 0), got.End, "auto-synced ends follow new readings")

	res, err = f.rec.SyncPeriod(f.ctx, march, []string{"S1"})
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res, "nothing new to sync")
}

func TestSyncPeriodDoesNotOverwriteFilledEnds(t *testing.T) {
	f := newFixture(t)
	d := f.device(t, "S1", "10.0.0.5")
	f.snapshot(t, d, march.AddDate(0, 0, 2), models.OutcomeSuccess, counts(100, 0, 0, 0))

	r := row(0, 1, counts(50, 0, 0, 0), counts(80, 0, 0, 0))
	require.NoError(t, f.rec.AddRow(f.ctx, r))

	_, err := f.rec.SyncPeriod(f.ctx, march, nil)
	require.NoError(t, err)

	got, err := f.store.GetRow(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Start.A4BW)
	assert.Equal(t, int64(80), got.End.A4BW, "imported value is not auto and not empty")
	assert.False(t, got.EndAuto.A4BW)
}

func TestSyncPeriodFiltersSerials(t *testing.T) {
	f := newFixture(t)
	d1 := f.device(t, "S1", "10.0.0.5")
	d2 := f.device(t, "S2", "10.0.0.6")
	f.snapshot(t, d1, march.AddDate(0, 0, 2), models.OutcomeSuccess, counts(100, 0, 0, 0))
	f.snapshot(t, d2, march.AddDate(0, 0, 2), models.OutcomeSuccess, counts(200, 0, 0, 0))

	r1 := row(0, 1, models.CounterReading{}, models.CounterReading{})
	require.NoError(t, f.rec.AddRow(f.ctx, r1))

	r2 := row(0, 2, models.CounterReading{}, models.CounterReading{})
	r2.SerialNumber = "S2"
	require.NoError(t, f.rec.AddRow(f.ctx, r2))

	res, err := f.rec.SyncPeriod(f.ctx, march, []string{"s2"})
	require.NoError(t, err)
	assert.Equal(t, SyncResult{UpdatedRows: 1, Groups: 1}, res)

	got, err := f.store.GetRow(f.ctx, r1.ID)
	require.NoError(t, err)
	assert.Zero(t, got.End.A4BW)

	got, err = f.store.GetRow(f.ctx, r2.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.End.A4BW)
}

func TestSyncClosedPeriod(t *testing.T) {
	f := newFixture(t)

	_, err := f.rec.SyncPeriod(f.ctx, march.AddDate(0, -1, 0), nil)
	require.ErrorIs(t, err, models.ErrPeriodClosed)

	f.clock.Set(march.AddDate(0, 3, 0))

	_, err = f.rec.SyncPeriod(f.ctx, march, nil)
	require.ErrorIs(t, err, models.ErrPeriodClosed)

	res, err := f.rec.SyncSerial(f.ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res, "closed periods are skipped")
}

func TestSyncSerialSkipsPeriodsWithoutAutoSync(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.PutPeriodControl(f.ctx, &models.PeriodControl{
		Period: march, EditUntil: march.AddDate(0, 1, 10),
	}))

	d := f.device(t, "S1", "10.0.0.5")
	f.snapshot(t, d, march.AddDate(0, 0, 2), models.OutcomeSuccess, counts(100, 0, 0, 0))

	r := row(0, 1, models.CounterReading{}, models.CounterReading{})
	require.NoError(t, f.rec.AddRow(f.ctx, r))

	res, err := f.rec.SyncSerial(f.ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res)

	_, err = f.rec.SyncSerial(f.ctx, " ")
	require.ErrorIs(t, err, models.ErrValidation)
}
