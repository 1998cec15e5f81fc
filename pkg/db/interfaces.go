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

// Package db persists devices, poll history, change events, billing rows and
// the canonical catalog.
package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/printradar/pkg/models"
)

// DeviceStore reads and writes device identity records. Lookups that find
// nothing return models.ErrNotFound; writes that would break the
// one-active-device-per-address/MAC invariant return models.ErrConflict.
type DeviceStore interface {
	GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error)
	GetActiveDeviceByAddress(ctx context.Context, address string) (*models.Device, error)
	GetActiveDeviceByMAC(ctx context.Context, mac string) (*models.Device, error)
	InsertDevice(ctx context.Context, device *models.Device) error
	UpdateDevice(ctx context.Context, device *models.Device) error
	// ListSweepCandidates returns active devices that belong to no
	// organization or to an active one.
	ListSweepCandidates(ctx context.Context) ([]*models.Device, error)
	UpsertOrganization(ctx context.Context, org *models.Organization) error
}

// SnapshotStore keeps the append-only polling history.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, snapshot *models.PollSnapshot) error
	// LatestGoodSnapshot returns the newest snapshot with outcome success.
	LatestGoodSnapshot(ctx context.Context, deviceID uuid.UUID) (*models.PollSnapshot, error)
	// ListSnapshots returns up to limit snapshots, newest first.
	ListSnapshots(ctx context.Context, deviceID uuid.UUID, limit int) ([]*models.PollSnapshot, error)
	// GoodSnapshotsForSerial returns the oldest and newest successful
	// snapshots within [from, to) across every device that carried serial.
	GoodSnapshotsForSerial(ctx context.Context, serial string, from, to time.Time) (first, last *models.PollSnapshot, err error)
	// DeleteSnapshotsBefore prunes history older than cutoff but keeps each
	// device's latest good snapshot.
	DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventStore keeps the device change-event log.
type EventStore interface {
	InsertEvents(ctx context.Context, events []*models.ChangeEvent) error
	// ListEvents returns up to limit events, newest first.
	ListEvents(ctx context.Context, deviceID uuid.UUID, limit int) ([]*models.ChangeEvent, error)
	// HasCounterResetSince reports a replacement or counter_reset event for
	// the device strictly after since.
	HasCounterResetSince(ctx context.Context, deviceID uuid.UUID, since time.Time) (bool, error)
}

// ReportStore keeps billing-period rows and period controls.
type ReportStore interface {
	ListRows(ctx context.Context, period time.Time) ([]*models.ReportRow, error)
	// ListGroup returns the rows of one duplicate group ordered by ordinal then id.
	ListGroup(ctx context.Context, period time.Time, key string) ([]*models.ReportRow, error)
	GetRow(ctx context.Context, id int64) (*models.ReportRow, error)
	InsertRow(ctx context.Context, row *models.ReportRow) error
	SaveRows(ctx context.Context, rows []*models.ReportRow) error
	GetPeriodControl(ctx context.Context, period time.Time) (*models.PeriodControl, error)
	ListOpenPeriods(ctx context.Context, now time.Time) ([]*models.PeriodControl, error)
	PutPeriodControl(ctx context.Context, control *models.PeriodControl) error
}

// CatalogStore holds the canonical model catalog.
type CatalogStore interface {
	// ListCanonicalModels returns the catalog in insertion order.
	ListCanonicalModels(ctx context.Context) ([]models.CanonicalModel, error)
	UpsertCanonicalModel(ctx context.Context, model *models.CanonicalModel) error
	DeleteCanonicalModel(ctx context.Context, id int64) error
}

// Service is the full persistence surface.
type Service interface {
	DeviceStore
	SnapshotStore
	EventStore
	ReportStore
	CatalogStore

	// WithAddressLock runs fn as one serializable unit of work that is
	// mutually exclusive with every other unit for the same address.
	WithAddressLock(ctx context.Context, address string, fn func(Service) error) error
	// WithTx runs fn in a single transaction.
	WithTx(ctx context.Context, fn func(Service) error) error
	Close() error
}
