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
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/printradar/pkg/models"
)

// MemoryStore is an in-process Service used by tests and single-node
// deployments without Postgres. Address locks serialise units of work per
// address; writes are applied immediately and are not rolled back when fn
// fails.
type MemoryStore struct {
	mu sync.RWMutex

	devices   map[uuid.UUID]*models.Device
	byAddress map[string]uuid.UUID
	byMAC     map[string]uuid.UUID
	orgs      map[uuid.UUID]*models.Organization

	snapshots map[uuid.UUID][]*models.PollSnapshot
	events    []*models.ChangeEvent

	rows      map[int64]*models.ReportRow
	nextRowID int64
	periods   map[time.Time]*models.PeriodControl

	catalog     []models.CanonicalModel
	nextModelID int64

	locks *keyedMutex
}

var _ Service = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:   make(map[uuid.UUID]*models.Device),
		byAddress: make(map[string]uuid.UUID),
		byMAC:     make(map[string]uuid.UUID),
		orgs:      make(map[uuid.UUID]*models.Organization),
		snapshots: make(map[uuid.UUID][]*models.PollSnapshot),
		rows:      make(map[int64]*models.ReportRow),
		periods:   make(map[time.Time]*models.PeriodControl),
		locks:     newKeyedMutex(),
	}
}

func (*MemoryStore) Close() error { return nil }

func (m *MemoryStore) WithAddressLock(ctx context.Context, address string, fn func(Service) error) error {
	if address == "" {
		return ErrAddressNeeded
	}

	unlock, err := m.locks.lock(ctx, address)
	if err != nil {
		return err
	}
	defer unlock()

	return fn(m)
}

func (m *MemoryStore) WithTx(_ context.Context, fn func(Service) error) error {
	return fn(m)
}

func (m *MemoryStore) GetDevice(_ context.Context, id uuid.UUID) (*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: device %s", models.ErrNotFound, id)
	}

	return d.Clone(), nil
}

func (m *MemoryStore) GetActiveDeviceByAddress(_ context.Context, address string) (*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byAddress[address]
	if !ok {
		return nil, fmt.Errorf("%w: no active device at %s", models.ErrNotFound, address)
	}

	return m.devices[id].Clone(), nil
}

func (m *MemoryStore) GetActiveDeviceByMAC(_ context.Context, mac string) (*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byMAC[mac]
	if !ok || mac == "" {
		return nil, fmt.Errorf("%w: no active device with mac %s", models.ErrNotFound, mac)
	}

	return m.devices[id].Clone(), nil
}

func (m *MemoryStore) InsertDevice(_ context.Context, device *models.Device) error {
	if device == nil {
		return ErrDeviceNil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[device.ID]; exists {
		return fmt.Errorf("%w: device %s already exists", models.ErrConflict, device.ID)
	}

	if err := m.checkUniqueLocked(device); err != nil {
		return err
	}

	m.devices[device.ID] = device.Clone()
	m.indexLocked(device)

	return nil
}

func (m *MemoryStore) UpdateDevice(_ context.Context, device *models.Device) error {
	if device == nil {
		return ErrDeviceNil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.devices[device.ID]
	if !ok {
		return fmt.Errorf("%w: device %s", models.ErrNotFound, device.ID)
	}

	if err := m.checkUniqueLocked(device); err != nil {
		return err
	}

	m.unindexLocked(prev)
	m.devices[device.ID] = device.Clone()
	m.indexLocked(device)

	return nil
}

func (m *MemoryStore) checkUniqueLocked(d *models.Device) error {
	if !d.Active {
		return nil
	}

	if id, ok := m.byAddress[d.Address]; ok && id != d.ID {
		return fmt.Errorf("%w: address %s already held by %s", models.ErrConflict, d.Address, id)
	}

	if d.MAC != "" {
		if id, ok := m.byMAC[d.MAC]; ok && id != d.ID {
			return fmt.Errorf("%w: mac %s already held by %s", models.ErrConflict, d.MAC, id)
		}
	}

	return nil
}

func (m *MemoryStore) indexLocked(d *models.Device) {
	if !d.Active {
		return
	}

	m.byAddress[d.Address] = d.ID

	if d.MAC != "" {
		m.byMAC[d.MAC] = d.ID
	}
}

func (m *MemoryStore) unindexLocked(d *models.Device) {
	if id, ok := m.byAddress[d.Address]; ok && id == d.ID {
		delete(m.byAddress, d.Address)
	}

	if id, ok := m.byMAC[d.MAC]; ok && id == d.ID {
		delete(m.byMAC, d.MAC)
	}
}

func (m *MemoryStore) ListSweepCandidates(_ context.Context) ([]*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Device, 0, len(m.byAddress))

	for _, id := range m.byAddress {
		d := m.devices[id]

		if d.OrganizationID != nil {
			if org, ok := m.orgs[*d.OrganizationID]; ok && !org.Active {
				continue
			}
		}

		out = append(out, d.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })

	return out, nil
}

func (m *MemoryStore) UpsertOrganization(_ context.Context, org *models.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *org
	m.orgs[org.ID] = &cp

	return nil
}

func (m *MemoryStore) InsertSnapshot(_ context.Context, snapshot *models.PollSnapshot) error {
	if snapshot == nil {
		return ErrSnapshotNil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *snapshot
	if snapshot.Reading != nil {
		r := *snapshot.Reading
		cp.Reading = &r
	}

	chain := append(m.snapshots[snapshot.DeviceID], &cp)
	sort.SliceStable(chain, func(i, j int) bool { return chain[i].Timestamp.Before(chain[j].Timestamp) })
	m.snapshots[snapshot.DeviceID] = chain

	return nil
}

func (m *MemoryStore) LatestGoodSnapshot(_ context.Context, deviceID uuid.UUID) (*models.PollSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.snapshots[deviceID]
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Outcome == models.OutcomeSuccess {
			cp := *chain[i]
			return &cp, nil
		}
	}

	return nil, fmt.Errorf("%w: no successful snapshot for %s", models.ErrNotFound, deviceID)
}

func (m *MemoryStore) ListSnapshots(_ context.Context, deviceID uuid.UUID, limit int) ([]*models.PollSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.snapshots[deviceID]
	out := make([]*models.PollSnapshot, 0, len(chain))

	for i := len(chain) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}

		cp := *chain[i]
		out = append(out, &cp)
	}

	return out, nil
}

func (m *MemoryStore) GoodSnapshotsForSerial(_ context.Context, serial string, from, to time.Time) (*models.PollSnapshot, *models.PollSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var first, last *models.PollSnapshot

	for id, d := range m.devices {
		if !strings.EqualFold(d.Serial, serial) {
			continue
		}

		for _, s := range m.snapshots[id] {
			if s.Outcome != models.OutcomeSuccess || s.Timestamp.Before(from) || !s.Timestamp.Before(to) {
				continue
			}

			if first == nil || s.Timestamp.Before(first.Timestamp) {
				first = s
			}

			if last == nil || s.Timestamp.After(last.Timestamp) {
				last = s
			}
		}
	}

	if first == nil {
		return nil, nil, fmt.Errorf("%w: no readings for serial %s", models.ErrNotFound, serial)
	}

	f, l := *first, *last

	return &f, &l, nil
}

func (m *MemoryStore) DeleteSnapshotsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64

	for id, chain := range m.snapshots {
		keep := chain[:0]
		latestGood := -1

		for i := len(chain) - 1; i >= 0; i-- {
			if chain[i].Outcome == models.OutcomeSuccess {
				latestGood = i
				break
			}
		}

		for i, s := range chain {
			if s.Timestamp.Before(cutoff) && i != latestGood {
				deleted++
				continue
			}

			keep = append(keep, s)
		}

		m.snapshots[id] = keep
	}

	return deleted, nil
}

func (m *MemoryStore) InsertEvents(_ context.Context, events []*models.ChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range events {
		cp := *e
		m.events = append(m.events, &cp)
	}

	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, deviceID uuid.UUID, limit int) ([]*models.ChangeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.ChangeEvent, 0)

	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].DeviceID != deviceID {
			continue
		}

		if limit > 0 && len(out) == limit {
			break
		}

		cp := *m.events[i]
		out = append(out, &cp)
	}

	return out, nil
}

func (m *MemoryStore) HasCounterResetSince(_ context.Context, deviceID uuid.UUID, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.events {
		if e.DeviceID == deviceID && e.ResetsCounters() && e.Timestamp.After(since) {
			return true, nil
		}
	}

	return false, nil
}

func (m *MemoryStore) ListRows(_ context.Context, period time.Time) ([]*models.ReportRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.filterRowsLocked(func(r *models.ReportRow) bool { return r.Period.Equal(period) }), nil
}

func (m *MemoryStore) ListGroup(_ context.Context, period time.Time, key string) ([]*models.ReportRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.filterRowsLocked(func(r *models.ReportRow) bool {
		return r.Period.Equal(period) && r.GroupKey() == key
	}), nil
}

func (m *MemoryStore) filterRowsLocked(match func(*models.ReportRow) bool) []*models.ReportRow {
	out := make([]*models.ReportRow, 0)

	for _, r := range m.rows {
		if match(r) {
			cp := *r
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Ordinal != out[j].Ordinal {
			return out[i].Ordinal < out[j].Ordinal
		}

		return out[i].ID < out[j].ID
	})

	return out
}

func (m *MemoryStore) GetRow(_ context.Context, id int64) (*models.ReportRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: report row %d", models.ErrNotFound, id)
	}

	cp := *r

	return &cp, nil
}

func (m *MemoryStore) InsertRow(_ context.Context, row *models.ReportRow) error {
	if row == nil {
		return ErrRowNil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRowID++
	row.ID = m.nextRowID
	cp := *row
	m.rows[row.ID] = &cp

	return nil
}

func (m *MemoryStore) SaveRows(_ context.Context, rows []*models.ReportRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range rows {
		if _, ok := m.rows[r.ID]; !ok {
			return fmt.Errorf("%w: report row %d", models.ErrNotFound, r.ID)
		}

		cp := *r
		m.rows[r.ID] = &cp
	}

	return nil
}

func (m *MemoryStore) GetPeriodControl(_ context.Context, period time.Time) (*models.PeriodControl, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pc, ok := m.periods[period]
	if !ok {
		return nil, fmt.Errorf("%w: period %s", models.ErrNotFound, period.Format("2006-01"))
	}

	cp := *pc

	return &cp, nil
}

func (m *MemoryStore) ListOpenPeriods(_ context.Context, now time.Time) ([]*models.PeriodControl, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.PeriodControl, 0)

	for _, pc := range m.periods {
		if pc.IsOpen(now) {
			cp := *pc
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Period.Before(out[j].Period) })

	return out, nil
}

func (m *MemoryStore) PutPeriodControl(_ context.Context, control *models.PeriodControl) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *control
	m.periods[control.Period] = &cp

	return nil
}

func (m *MemoryStore) ListCanonicalModels(_ context.Context) ([]models.CanonicalModel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.CanonicalModel, len(m.catalog))
	copy(out, m.catalog)

	return out, nil
}

func (m *MemoryStore) UpsertCanonicalModel(_ context.Context, model *models.CanonicalModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.catalog {
		existing := &m.catalog[i]
		if existing.ID == model.ID ||
			(strings.EqualFold(existing.Manufacturer, model.Manufacturer) && strings.EqualFold(existing.Name, model.Name)) {
			model.ID = existing.ID
			*existing = *model

			return nil
		}
	}

	m.nextModelID++
	model.ID = m.nextModelID
	m.catalog = append(m.catalog, *model)

	return nil
}

func (m *MemoryStore) DeleteCanonicalModel(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.catalog {
		if m.catalog[i].ID == id {
			m.catalog = append(m.catalog[:i], m.catalog[i+1:]...)
			return nil
		}
	}

	return fmt.Errorf("%w: canonical model %d", models.ErrNotFound, id)
}
