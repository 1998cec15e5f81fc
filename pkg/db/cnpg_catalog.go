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

	"github.com/carverauto/printradar/pkg/models"
)

func (s *CNPGStore) ListCanonicalModels(ctx context.Context) ([]models.CanonicalModel, error) {
	rows, err := s.q.Query(ctx, `SELECT id, manufacturer, name, device_type
		FROM canonical_models ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w canonical models: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	out := make([]models.CanonicalModel, 0)

	for rows.Next() {
		var m models.CanonicalModel
		if err := rows.Scan(&m.ID, &m.Manufacturer, &m.Name, &m.DeviceType); err != nil {
			return nil, fmt.Errorf("%w canonical model: %w", ErrFailedToScan, err)
		}

		out = append(out, m)
	}

	return out, rows.Err()
}

func (s *CNPGStore) UpsertCanonicalModel(ctx context.Context, model *models.CanonicalModel) error {
	if model.ID > 0 {
		tag, err := s.q.Exec(ctx, `UPDATE canonical_models
			SET manufacturer = $2, name = $3, device_type = $4 WHERE id = $1`,
			model.ID, model.Manufacturer, model.Name, model.DeviceType)
		if err != nil {
			return translateCNPGError(err, "update canonical model")
		}

		if tag.RowsAffected() > 0 {
			return nil
		}
	}

	err := s.q.QueryRow(ctx, `INSERT INTO canonical_models (manufacturer, name, device_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (manufacturer, name) DO UPDATE SET device_type = EXCLUDED.device_type
		RETURNING id`, model.Manufacturer, model.Name, model.DeviceType).Scan(&model.ID)

	return translateCNPGError(err, "upsert canonical model")
}

func (s *CNPGStore) DeleteCanonicalModel(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM canonical_models WHERE id = $1`, id)
	if err != nil {
		return translateCNPGError(err, "delete canonical model")
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: canonical model %d", models.ErrNotFound, id)
	}

	return nil
}
