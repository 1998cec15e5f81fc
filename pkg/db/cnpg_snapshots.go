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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/carverauto/printradar/pkg/models"
)

const snapshotSelect = `SELECT s.id, s.device_id, s.address, s.ts, s.outcome, s.match_rule,
	s.error_kind, s.error_detail, s.actor, s.priority, s.attempts,
	r.a4_bw, r.a4_color, r.a3_bw, r.a3_color, r.total, r.consumables
	FROM poll_snapshots s
	LEFT JOIN counter_readings r ON r.snapshot_id = s.id`

func scanSnapshot(row pgx.Row) (*models.PollSnapshot, error) {
	var (
		snap                             models.PollSnapshot
		outcome, rule, priority          string
		a4bw, a4color, a3bw, a3color, tt *int64
		consumables                      []byte
	)

	if err := row.Scan(
		&snap.ID,
		&snap.DeviceID,
		&snap.Address,
		&snap.Timestamp,
		&outcome,
		&rule,
		&snap.ErrorKind,
		&snap.ErrorDetail,
		&snap.Actor,
		&priority,
		&snap.Attempts,
		&a4bw, &a4color, &a3bw, &a3color, &tt,
		&consumables,
	); err != nil {
		return nil, err
	}

	snap.Outcome = models.Outcome(outcome)
	snap.MatchRule = models.MatchRule(rule)
	snap.Priority = models.Priority(priority)

	if tt != nil {
		reading := &models.CounterReading{
			A4BW:    deref(a4bw),
			A4Color: deref(a4color),
			A3BW:    deref(a3bw),
			A3Color: deref(a3color),
			Total:   *tt,
		}

		if len(consumables) > 0 {
			if err := json.Unmarshal(consumables, &reading.Consumables); err != nil {
				return nil, fmt.Errorf("consumables: %w", err)
			}
		}

		snap.Reading = reading
	}

	return &snap, nil
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}

	return *v
}

func (s *CNPGStore) InsertSnapshot(ctx context.Context, snapshot *models.PollSnapshot) error {
	if snapshot == nil {
		return ErrSnapshotNil
	}

	if snapshot.ID == uuid.Nil {
		snapshot.ID = uuid.New()
	}

	if _, err := s.q.Exec(ctx, `INSERT INTO poll_snapshots
		(id, device_id, address, ts, outcome, match_rule, error_kind, error_detail, actor, priority, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		snapshot.ID,
		snapshot.DeviceID,
		snapshot.Address,
		snapshot.Timestamp,
		string(snapshot.Outcome),
		string(snapshot.MatchRule),
		snapshot.ErrorKind,
		snapshot.ErrorDetail,
		snapshot.Actor,
		string(snapshot.Priority),
		snapshot.Attempts,
	); err != nil {
		return translateCNPGError(err, "insert snapshot")
	}

	if snapshot.Reading == nil {
		return nil
	}

	consumables := snapshot.Reading.Consumables
	if consumables == nil {
		consumables = map[string]string{}
	}

	payload, err := json.Marshal(consumables)
	if err != nil {
		return fmt.Errorf("%w consumables: %w", ErrFailedToInsert, err)
	}

	r := snapshot.Reading

	_, err = s.q.Exec(ctx, `INSERT INTO counter_readings
		(snapshot_id, a4_bw, a4_color, a3_bw, a3_color, total, consumables)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snapshot.ID, r.A4BW, r.A4Color, r.A3BW, r.A3Color, r.Total, payload)

	return translateCNPGError(err, "insert counter reading")
}

func (s *CNPGStore) LatestGoodSnapshot(ctx context.Context, deviceID uuid.UUID) (*models.PollSnapshot, error) {
	row := s.q.QueryRow(ctx, snapshotSelect+`
		WHERE s.device_id = $1 AND s.outcome = $2
		ORDER BY s.ts DESC
		LIMIT 1`, deviceID, string(models.OutcomeSuccess))

	snap, err := scanSnapshot(row)
	if err != nil {
		return nil, translateCNPGError(err, "latest good snapshot for "+deviceID.String())
	}

	return snap, nil
}

func (s *CNPGStore) ListSnapshots(ctx context.Context, deviceID uuid.UUID, limit int) ([]*models.PollSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.q.Query(ctx, snapshotSelect+`
		WHERE s.device_id = $1
		ORDER BY s.ts DESC
		LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w snapshots: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	out := make([]*models.PollSnapshot, 0)

	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("%w snapshot: %w", ErrFailedToScan, err)
		}

		out = append(out, snap)
	}

	return out, rows.Err()
}

func (s *CNPGStore) GoodSnapshotsForSerial(
	ctx context.Context, serial string, from, to time.Time,
) (*models.PollSnapshot, *models.PollSnapshot, error) {
	const where = `
		JOIN devices d ON d.id = s.device_id
		WHERE upper(d.serial) = upper($1) AND s.outcome = $2 AND s.ts >= $3 AND s.ts < $4`

	pick := func(order string) (*models.PollSnapshot, error) {
		row := s.q.QueryRow(ctx, snapshotSelect+where+` ORDER BY s.ts `+order+` LIMIT 1`,
			serial, string(models.OutcomeSuccess), from, to)

		return scanSnapshot(row)
	}

	first, err := pick("ASC")
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, fmt.Errorf("%w: no readings for serial %s", models.ErrNotFound, serial)
		}

		return nil, nil, translateCNPGError(err, "first reading for serial")
	}

	last, err := pick("DESC")
	if err != nil {
		return nil, nil, translateCNPGError(err, "last reading for serial")
	}

	return first, last, nil
}

func (s *CNPGStore) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM poll_snapshots p
		WHERE p.ts < $1
		AND p.id NOT IN (
			SELECT DISTINCT ON (device_id) id
			FROM poll_snapshots
			WHERE outcome = $2
			ORDER BY device_id, ts DESC
		)`, cutoff, string(models.OutcomeSuccess))
	if err != nil {
		return 0, translateCNPGError(err, "prune snapshots")
	}

	return tag.RowsAffected(), nil
}
