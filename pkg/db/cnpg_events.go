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

func (s *CNPGStore) InsertEvents(ctx context.Context, events []*models.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}

	for _, e := range events {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}

		batch.Queue(`INSERT INTO change_events
			(id, device_id, kind, field, before_value, after_value, actor, ts, related_device_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.DeviceID, string(e.Kind), e.Field, e.Before, e.After, e.Actor, e.Timestamp, e.RelatedDeviceID)
	}

	br := s.q.SendBatch(ctx, batch)

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return translateCNPGError(err, fmt.Sprintf("insert change event %d", i))
		}
	}

	return translateCNPGError(br.Close(), "insert change events")
}

func (s *CNPGStore) ListEvents(ctx context.Context, deviceID uuid.UUID, limit int) ([]*models.ChangeEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.q.Query(ctx, `SELECT id, device_id, kind, field, before_value, after_value, actor, ts, related_device_id
		FROM change_events
		WHERE device_id = $1
		ORDER BY ts DESC
		LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w change events: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	out := make([]*models.ChangeEvent, 0)

	for rows.Next() {
		var (
			e    models.ChangeEvent
			kind string
		)

		if err := rows.Scan(&e.ID, &e.DeviceID, &kind, &e.Field, &e.Before, &e.After,
			&e.Actor, &e.Timestamp, &e.RelatedDeviceID); err != nil {
			return nil, fmt.Errorf("%w change event: %w", ErrFailedToScan, err)
		}

		e.Kind = models.ChangeKind(kind)
		out = append(out, &e)
	}

	return out, rows.Err()
}

func (s *CNPGStore) HasCounterResetSince(ctx context.Context, deviceID uuid.UUID, since time.Time) (bool, error) {
	var exists bool

	err := s.q.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM change_events
		WHERE device_id = $1 AND kind IN ($2, $3) AND ts > $4
	)`, deviceID, string(models.ChangeReplacement), string(models.ChangeCounterReset), since).Scan(&exists)
	if err != nil {
		return false, translateCNPGError(err, "counter reset lookup")
	}

	return exists, nil
}
