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

package scheduler

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/printradar/pkg/models"
)

const meterName = "printradar.scheduler"

var (
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	meterOnce sync.Once
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	jobsStarted metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	jobsFailed metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	rejections metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	queueWait metric.Float64Histogram
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	sweepQueued metric.Int64Counter
)

func initMeter() {
	meter := otel.Meter(meterName)

	var err error

	if jobsStarted, err = meter.Int64Counter(
		"scheduler_jobs_started_total",
		metric.WithDescription("Poll jobs picked up by a worker"),
	); err != nil {
		otel.Handle(err)
	}

	if jobsFailed, err = meter.Int64Counter(
		"scheduler_jobs_failed_total",
		metric.WithDescription("Poll jobs that ended without telemetry, by error kind"),
	); err != nil {
		otel.Handle(err)
	}

	if rejections, err = meter.Int64Counter(
		"scheduler_rejections_total",
		metric.WithDescription("Poll requests turned away, by reason"),
	); err != nil {
		otel.Handle(err)
	}

	if queueWait, err = meter.Float64Histogram(
		"scheduler_queue_wait_seconds",
		metric.WithDescription("Time a job spent queued before a worker took it"),
		metric.WithUnit("s"),
	); err != nil {
		otel.Handle(err)
	}

	if sweepQueued, err = meter.Int64Counter(
		"scheduler_sweep_devices_total",
		metric.WithDescription("Devices seen by background sweeps, by result"),
	); err != nil {
		otel.Handle(err)
	}
}

func recordJobStarted(ctx context.Context, priority models.Priority, wait time.Duration) {
	meterOnce.Do(initMeter)

	attrs := metric.WithAttributes(attribute.String("priority", string(priority)))

	if jobsStarted != nil {
		jobsStarted.Add(ctx, 1, attrs)
	}

	if queueWait != nil && wait >= 0 {
		queueWait.Record(ctx, wait.Seconds(), attrs)
	}
}

func recordJobFailed(ctx context.Context, kind string) {
	meterOnce.Do(initMeter)

	if jobsFailed != nil {
		jobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("error_kind", kind)))
	}
}

func recordRejection(ctx context.Context, reason string) {
	meterOnce.Do(initMeter)

	if rejections != nil {
		rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func recordSweep(ctx context.Context, report SweepReport) {
	meterOnce.Do(initMeter)

	if sweepQueued == nil {
		return
	}

	sweepQueued.Add(ctx, int64(report.Queued), metric.WithAttributes(attribute.String("result", "queued")))
	sweepQueued.Add(ctx, int64(report.Skipped), metric.WithAttributes(attribute.String("result", "skipped")))
}
