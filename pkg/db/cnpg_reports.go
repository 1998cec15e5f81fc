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

	"github.com/jackc/pgx/v5"

	"github.com/carverauto/printradar/pkg/models"
)

const reportRowColumns = `id, period, ordinal, organization, serial_number, inventory_number,
	equipment_model, device_address,
	a4_bw_start, a4_color_start, a3_bw_start, a3_color_start,
	a4_bw_end, a4_color_end, a3_bw_end, a3_color_end, total,
	a4_bw_end_manual, a4_color_end_manual, a3_bw_end_manual, a3_color_end_manual,
	a4_bw_end_auto, a4_color_end_auto, a3_bw_end_auto, a3_color_end_auto,
	last_good_at, auto_synced_at`

const reportGroupKeyExpr = `lower(coalesce(nullif(btrim(serial_number), ''), btrim(inventory_number)))`

func scanReportRow(row pgx.Row) (*models.ReportRow, error) {
	var r models.ReportRow

	if err := row.Scan(
		&r.ID, &r.Period, &r.Ordinal, &r.Organization, &r.SerialNumber, &r.InventoryNumber,
		&r.EquipmentModel, &r.DeviceAddress,
		&r.Start.A4BW, &r.Start.A4Color, &r.Start.A3BW, &r.Start.A3Color,
		&r.End.A4BW, &r.End.A4Color, &r.End.A3BW, &r.End.A3Color, &r.Total,
		&r.EndManual.A4BW, &r.EndManual.A4Color, &r.EndManual.A3BW, &r.EndManual.A3Color,
		&r.EndAuto.A4BW, &r.EndAuto.A4Color, &r.EndAuto.A3BW, &r.EndAuto.A3Color,
		&r.LastGoodAt, &r.AutoSyncedAt,
	); err != nil {
		return nil, err
	}

	r.Period = models.PeriodOf(r.Period)

	return &r, nil
}

func (s *CNPGStore) queryRows(ctx context.Context, sql string, args ...any) ([]*models.ReportRow, error) {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w report rows: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	out := make([]*models.ReportRow, 0)

	for rows.Next() {
		r, err := scanReportRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%w report row: %w", ErrFailedToScan, err)
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

func (s *CNPGStore) ListRows(ctx context.Context, period time.Time) ([]*models.ReportRow, error) {
	return s.queryRows(ctx, `SELECT `+reportRowColumns+` FROM report_rows
		WHERE period = $1 ORDER BY ordinal, id`, models.PeriodOf(period))
}

func (s *CNPGStore) ListGroup(ctx context.Context, period time.Time, key string) ([]*models.ReportRow, error) {
	return s.queryRows(ctx, `SELECT `+reportRowColumns+` FROM report_rows
		WHERE period = $1 AND `+reportGroupKeyExpr+` = $2
		ORDER BY ordinal, id
		FOR UPDATE`, models.PeriodOf(period), key)
}

func (s *CNPGStore) GetRow(ctx context.Context, id int64) (*models.ReportRow, error) {
	r, err := scanReportRow(s.q.QueryRow(ctx,
		`SELECT `+reportRowColumns+` FROM report_rows WHERE id = $1`, id))
	if err != nil {
		return nil, translateCNPGError(err, fmt.Sprintf("report row %d", id))
	}

	return r, nil
}

func reportRowArgs(r *models.ReportRow) []any {
	return []any{
		models.PeriodOf(r.Period), r.Ordinal, r.Organization, r.SerialNumber, r.InventoryNumber,
		r.EquipmentModel, r.DeviceAddress,
		r.Start.A4BW, r.Start.A4Color, r.Start.A3BW, r.Start.A3Color,
		r.End.A4BW, r.End.A4Color, r.End.A3BW, r.End.A3Color, r.Total,
		r.EndManual.A4BW, r.EndManual.A4Color, r.EndManual.A3BW, r.EndManual.A3Color,
		r.EndAuto.A4BW, r.EndAuto.A4Color, r.EndAuto.A3BW, r.EndAuto.A3Color,
		r.LastGoodAt, r.AutoSyncedAt,
	}
}

func (s *CNPGStore) InsertRow(ctx context.Context, row *models.ReportRow) error {
	if row == nil {
		return ErrRowNil
	}

	err := s.q.QueryRow(ctx, `INSERT INTO report_rows (
		period, ordinal, organization, serial_number, inventory_number,
		equipment_model, device_address,
		a4_bw_start, a4_color_start, a3_bw_start, a3_color_start,
		a4_bw_end, a4_color_end, a3_bw_end, a3_color_end, total,
		a4_bw_end_manual, a4_color_end_manual, a3_bw_end_manual, a3_color_end_manual,
		a4_bw_end_auto, a4_color_end_auto, a3_bw_end_auto, a3_color_end_auto,
		last_good_at, auto_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
		RETURNING id`, reportRowArgs(row)...).Scan(&row.ID)

	return translateCNPGError(err, "insert report row")
}

func (s *CNPGStore) SaveRows(ctx context.Context, rows []*models.ReportRow) error {
	for _, r := range rows {
		args := append([]any{r.ID}, reportRowArgs(r)...)

		tag, err := s.q.Exec(ctx, `UPDATE report_rows SET
			period = $2, ordinal = $3, organization = $4, serial_number = $5, inventory_number = $6,
			equipment_model = $7, device_address = $8,
			a4_bw_start = $9, a4_color_start = $10, a3_bw_start = $11, a3_color_start = $12,
			a4_bw_end = $13, a4_color_end = $14, a3_bw_end = $15, a3_color_end = $16, total = $17,
			a4_bw_end_manual = $18, a4_color_end_manual = $19, a3_bw_end_manual = $20, a3_color_end_manual = $21,
			a4_bw_end_auto = $22, a4_color_end_auto = $23, a3_bw_end_auto = $24, a3_color_end_auto = $25,
			last_good_at = $26, auto_synced_at = $27
			WHERE id = $1`, args...)
		if err != nil {
			return translateCNPGError(err, fmt.Sprintf("save report row %d", r.ID))
		}

		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: report row %d", models.ErrNotFound, r.ID)
		}
	}

	return nil
}

func (s *CNPGStore) GetPeriodControl(ctx context.Context, period time.Time) (*models.PeriodControl, error) {
	var pc models.PeriodControl

	err := s.q.QueryRow(ctx, `SELECT period, edit_until, auto_sync_enabled
		FROM report_periods WHERE period = $1`, models.PeriodOf(period)).
		Scan(&pc.Period, &pc.EditUntil, &pc.AutoSyncEnabled)
	if err != nil {
		return nil, translateCNPGError(err, "period "+period.Format("2006-01"))
	}

	pc.Period = models.PeriodOf(pc.Period)

	return &pc, nil
}

func (s *CNPGStore) ListOpenPeriods(ctx context.Context, now time.Time) ([]*models.PeriodControl, error) {
	rows, err := s.q.Query(ctx, `SELECT period, edit_until, auto_sync_enabled
		FROM report_periods WHERE edit_until > $1 ORDER BY period`, now)
	if err != nil {
		return nil, fmt.Errorf("%w open periods: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	out := make([]*models.PeriodControl, 0)

	for rows.Next() {
		var pc models.PeriodControl
		if err := rows.Scan(&pc.Period, &pc.EditUntil, &pc.AutoSyncEnabled); err != nil {
			return nil, fmt.Errorf("%w period: %w", ErrFailedToScan, err)
		}

		pc.Period = models.PeriodOf(pc.Period)
		out = append(out, &pc)
	}

	return out, rows.Err()
}

func (s *CNPGStore) PutPeriodControl(ctx context.Context, control *models.PeriodControl) error {
	_, err := s.q.Exec(ctx, `INSERT INTO report_periods (period, edit_until, auto_sync_enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (period) DO UPDATE SET
			edit_until = EXCLUDED.edit_until,
			auto_sync_enabled = EXCLUDED.auto_sync_enabled`,
		models.PeriodOf(control.Period), control.EditUntil, control.AutoSyncEnabled)

	return translateCNPGError(err, "put period control")
}
