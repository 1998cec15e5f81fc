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

package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/printradar/pkg/models"
)

func newDevice(address, mac string) *models.Device {
	return &models.Device{
		ID:      uuid.New(),
		Address: address,
		MAC:     mac,
		Serial:  "SN-" + address,
		Active:  true,
	}
}

func TestMemoryStoreActiveUniqueness(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := newDevice("10.0.0.1", "AA:BB:CC:DD:EE:01")
	require.NoError(t, store.InsertDevice(ctx, first))

	sameAddress := newDevice("10.0.0.1", "AA:BB:CC:DD:EE:02")
	require.ErrorIs(t, store.InsertDevice(ctx, sameAddress), models.ErrConflict)

	sameMAC := newDevice("10.0.0.2", "AA:BB:CC:DD:EE:01")
	require.ErrorIs(t, store.InsertDevice(ctx, sameMAC), models.ErrConflict)

	// Retiring the first device frees both identifiers.
	first.Active = false
	require.NoError(t, store.UpdateDevice(ctx, first))
	require.NoError(t, store.InsertDevice(ctx, sameAddress))

	got, err := store.GetActiveDeviceByAddress(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, sameAddress.ID, got.ID)

	_, err = store.GetActiveDeviceByMAC(ctx, "AA:BB:CC:DD:EE:01")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	d := newDevice("10.0.0.1", "")
	require.NoError(t, store.InsertDevice(ctx, d))

	got, err := store.GetDevice(ctx, d.ID)
	require.NoError(t, err)

	got.Serial = "MUTATED"

	again, err := store.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "SN-10.0.0.1", again.Serial)
}

func TestMemoryStoreSweepCandidatesSkipInactiveOrganizations(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	active := models.Organization{ID: uuid.New(), Name: "active", Active: true}
	inactive := models.Organization{ID: uuid.New(), Name: "gone", Active: false}

	require.NoError(t, store.UpsertOrganization(ctx, &active))
	require.NoError(t, store.UpsertOrganization(ctx, &inactive))

	a := newDevice("10.0.0.3", "")
	a.OrganizationID = &active.ID
	b := newDevice("10.0.0.2", "")
	b.OrganizationID = &inactive.ID
	c := newDevice("10.0.0.1", "")

	for _, d := range []*models.Device{a, b, c} {
		require.NoError(t, store.InsertDevice(ctx, d))
	}

	got, err := store.ListSweepCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "10.0.0.1", got[0].Address)
	assert.Equal(t, "10.0.0.3", got[1].Address)
}

func TestMemoryStoreSnapshotHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	deviceID := uuid.New()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	insert := func(offset time.Duration, outcome models.Outcome, total int64) {
		require.NoError(t, store.InsertSnapshot(ctx, &models.PollSnapshot{
			ID:        uuid.New(),
			DeviceID:  deviceID,
			Timestamp: base.Add(offset),
			Outcome:   outcome,
			Reading:   &models.CounterReading{Total: total, A4BW: total},
		}))
	}

	insert(2*time.Hour, models.OutcomeSuccess, 200)
	insert(time.Hour, models.OutcomeSuccess, 100)
	insert(3*time.Hour, models.OutcomeFailure, 0)

	latest, err := store.LatestGoodSnapshot(ctx, deviceID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), latest.Reading.Total)

	list, err := store.ListSnapshots(ctx, deviceID, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, models.OutcomeFailure, list[0].Outcome)
	assert.Equal(t, int64(200), list[1].Reading.Total)

	deleted, err := store.DeleteSnapshotsBefore(ctx, base.Add(10*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	latest, err = store.LatestGoodSnapshot(ctx, deviceID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), latest.Reading.Total)
}

func TestMemoryStoreGoodSnapshotsForSerial(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	old := newDevice("10.0.0.1", "")
	old.Serial = "ABC123"
	old.Active = false
	replacement := newDevice("10.0.0.1", "")
	replacement.Serial = "abc123"

	require.NoError(t, store.InsertDevice(ctx, old))
	require.NoError(t, store.InsertDevice(ctx, replacement))

	period := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

	for i, d := range []*models.Device{old, replacement} {
		require.NoError(t, store.InsertSnapshot(ctx, &models.PollSnapshot{
			ID:        uuid.New(),
			DeviceID:  d.ID,
			Timestamp: period.AddDate(0, 0, 5*(i+1)),
			Outcome:   models.OutcomeSuccess,
			Reading:   &models.CounterReading{Total: int64(100 * (i + 1))},
		}))
	}

	first, last, err := store.GoodSnapshotsForSerial(ctx, "ABC123", period, period.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(100), first.Reading.Total)
	assert.Equal(t, int64(200), last.Reading.Total)

	_, _, err = store.GoodSnapshotsForSerial(ctx, "ABC123", period.AddDate(0, 1, 0), period.AddDate(0, 2, 0))
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStoreCounterResetEvents(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	deviceID := uuid.New()
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertEvents(ctx, []*models.ChangeEvent{
		{ID: uuid.New(), DeviceID: deviceID, Kind: models.ChangeMACUpdate, Timestamp: since.Add(time.Hour)},
	}))

	ok, err := store.HasCounterResetSince(ctx, deviceID, since)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.InsertEvents(ctx, []*models.ChangeEvent{
		{ID: uuid.New(), DeviceID: deviceID, Kind: models.ChangeCounterReset, Timestamp: since.Add(2 * time.Hour)},
	}))

	ok, err = store.HasCounterResetSince(ctx, deviceID, since)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.HasCounterResetSince(ctx, deviceID, since.Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreReportGroups(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	period := models.PeriodOf(time.Date(2025, 5, 17, 0, 0, 0, 0, time.UTC))

	rows := []*models.ReportRow{
		{Period: period, Ordinal: 2, SerialNumber: " abc "},
		{Period: period, Ordinal: 1, SerialNumber: "ABC"},
		{Period: period, Ordinal: 3, InventoryNumber: "INV-9"},
	}

	for _, r := range rows {
		require.NoError(t, store.InsertRow(ctx, r))
	}

	group, err := store.ListGroup(ctx, period, "abc")
	require.NoError(t, err)
	require.Len(t, group, 2)
	assert.Equal(t, 1, group[0].Ordinal)
	assert.Equal(t, 2, group[1].Ordinal)

	group[0].Total = 42
	require.NoError(t, store.SaveRows(ctx, group[:1]))

	got, err := store.GetRow(ctx, group[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Total)

	require.ErrorIs(t, store.SaveRows(ctx, []*models.ReportRow{{ID: 999}}), models.ErrNotFound)
}

func TestMemoryStoreOpenPeriods(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutPeriodControl(ctx, &models.PeriodControl{
		Period: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), EditUntil: now.Add(-time.Hour),
	}))
	require.NoError(t, store.PutPeriodControl(ctx, &models.PeriodControl{
		Period: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), EditUntil: now.Add(time.Hour), AutoSyncEnabled: true,
	}))

	open, err := store.ListOpenPeriods(ctx, now)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, time.June, open[0].Period.Month())
}

func TestMemoryStoreCatalogUpsert(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	m := &models.CanonicalModel{Manufacturer: "HP", Name: "LaserJet Pro M404"}
	require.NoError(t, store.UpsertCanonicalModel(ctx, m))
	assert.Equal(t, int64(1), m.ID)

	dup := &models.CanonicalModel{Manufacturer: "hp", Name: "laserjet pro m404", DeviceType: "printer"}
	require.NoError(t, store.UpsertCanonicalModel(ctx, dup))
	assert.Equal(t, int64(1), dup.ID)

	list, err := store.ListCanonicalModels(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "printer", list[0].DeviceType)

	require.NoError(t, store.DeleteCanonicalModel(ctx, 1))
	require.ErrorIs(t, store.DeleteCanonicalModel(ctx, 1), models.ErrNotFound)
}

func TestMemoryStoreAddressLockSerializes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = store.WithAddressLock(ctx, "10.0.0.1", func(Service) error {
			close(entered)
			<-release

			return nil
		})
	}()

	<-entered

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	err := store.WithAddressLock(waitCtx, "10.0.0.1", func(Service) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// A different address is not blocked.
	require.NoError(t, store.WithAddressLock(ctx, "10.0.0.2", func(Service) error { return nil }))

	close(release)
	<-done

	require.NoError(t, store.WithAddressLock(ctx, "10.0.0.1", func(Service) error { return nil }))
	require.ErrorIs(t, store.WithAddressLock(ctx, "", func(Service) error { return nil }), ErrAddressNeeded)
}
