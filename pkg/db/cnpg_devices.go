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
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/carverauto/printradar/pkg/models"
)

const deviceColumns = `id, address, serial, mac, inventory_number, reported_manufacturer,
	reported_model, canonical_model_id, organization_id, last_match_rule, active,
	replaced_by, replaced_at, last_success_at, created_at, updated_at`

func scanDevice(row pgx.Row) (*models.Device, error) {
	var (
		d    models.Device
		rule string
	)

	if err := row.Scan(
		&d.ID,
		&d.Address,
		&d.Serial,
		&d.MAC,
		&d.InventoryNumber,
		&d.ReportedManufacturer,
		&d.ReportedModel,
		&d.CanonicalModelID,
		&d.OrganizationID,
		&rule,
		&d.Active,
		&d.ReplacedBy,
		&d.ReplacedAt,
		&d.LastSuccessAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}

	d.LastMatchRule = models.MatchRule(rule)

	return &d, nil
}

func (s *CNPGStore) getDeviceWhere(ctx context.Context, what, where string, arg any) (*models.Device, error) {
	row := s.q.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE `+where+` LIMIT 1`, arg)

	d, err := scanDevice(row)
	if err != nil {
		return nil, translateCNPGError(err, what)
	}

	return d, nil
}

func (s *CNPGStore) GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	return s.getDeviceWhere(ctx, "device "+id.String(), `id = $1`, id)
}

func (s *CNPGStore) GetActiveDeviceByAddress(ctx context.Context, address string) (*models.Device, error) {
	return s.getDeviceWhere(ctx, "device at "+address, `active AND address = $1`, address)
}

func (s *CNPGStore) GetActiveDeviceByMAC(ctx context.Context, mac string) (*models.Device, error) {
	if mac == "" {
		return nil, fmt.Errorf("%w: empty mac", models.ErrNotFound)
	}

	return s.getDeviceWhere(ctx, "device with mac "+mac, `active AND mac = $1`, mac)
}

func (s *CNPGStore) InsertDevice(ctx context.Context, device *models.Device) error {
	if device == nil {
		return ErrDeviceNil
	}

	if device.Address == "" {
		return ErrAddressNeeded
	}

	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}

	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}

	device.UpdatedAt = now

	_, err := s.q.Exec(ctx, `INSERT INTO devices (`+deviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		device.ID,
		device.Address,
		device.Serial,
		device.MAC,
		device.InventoryNumber,
		device.ReportedManufacturer,
		device.ReportedModel,
		device.CanonicalModelID,
		device.OrganizationID,
		string(device.LastMatchRule),
		device.Active,
		device.ReplacedBy,
		device.ReplacedAt,
		device.LastSuccessAt,
		device.CreatedAt,
		device.UpdatedAt,
	)

	return translateCNPGError(err, "insert device")
}

func (s *CNPGStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	if device == nil {
		return ErrDeviceNil
	}

	device.UpdatedAt = time.Now().UTC()

	tag, err := s.q.Exec(ctx, `UPDATE devices SET
		address = $2,
		serial = $3,
		mac = $4,
		inventory_number = $5,
		reported_manufacturer = $6,
		reported_model = $7,
		canonical_model_id = $8,
		organization_id = $9,
		last_match_rule = $10,
		active = $11,
		replaced_by = $12,
		replaced_at = $13,
		last_success_at = $14,
		updated_at = $15
		WHERE id = $1`,
		device.ID,
		device.Address,
		device.Serial,
		device.MAC,
		device.InventoryNumber,
		device.ReportedManufacturer,
		device.ReportedModel,
		device.CanonicalModelID,
		device.OrganizationID,
		string(device.LastMatchRule),
		device.Active,
		device.ReplacedBy,
		device.ReplacedAt,
		device.LastSuccessAt,
		device.UpdatedAt,
	)
	if err != nil {
		return translateCNPGError(err, "update device")
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: device %s", models.ErrNotFound, device.ID)
	}

	return nil
}

func (s *CNPGStore) ListSweepCandidates(ctx context.Context) ([]*models.Device, error) {
	rows, err := s.q.Query(ctx, `SELECT `+prefixColumns("d", deviceColumns)+`
		FROM devices d
		LEFT JOIN organizations o ON o.id = d.organization_id
		WHERE d.active AND (d.organization_id IS NULL OR o.active)
		ORDER BY d.address`)
	if err != nil {
		return nil, fmt.Errorf("%w sweep candidates: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	var out []*models.Device

	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("%w device: %w", ErrFailedToScan, err)
		}

		out = append(out, d)
	}

	return out, rows.Err()
}

func (s *CNPGStore) UpsertOrganization(ctx context.Context, org *models.Organization) error {
	_, err := s.q.Exec(ctx, `INSERT INTO organizations (id, name, active) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active`,
		org.ID, org.Name, org.Active)

	return translateCNPGError(err, "upsert organization")
}
