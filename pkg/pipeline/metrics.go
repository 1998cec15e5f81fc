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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/printradar/pkg/models"
)

//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
var (
	meterOnce       sync.Once
	snapshotCounter metric.Int64Counter
)

func recordSnapshot(ctx context.Context, outcome models.Outcome) {
	meterOnce.Do(func() {
		var err error

		snapshotCounter, err = otel.Meter("printradar.pipeline").Int64Counter(
			"pipeline_snapshots_total",
			metric.WithDescription("Poll snapshots recorded by outcome"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})

	if snapshotCounter != nil {
		snapshotCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	}
}
