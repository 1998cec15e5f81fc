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

package catalog

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName          = "printradar.catalog"
	metricMatchTotal   = "catalog_match_total"
	metricCacheHits    = "catalog_cache_hits_total"
	metricReloadsTotal = "catalog_reloads_total"
)

var (
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	meterOnce sync.Once
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	matchCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	cacheHitCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	reloadCounter metric.Int64Counter
)

func initMeter() {
	meter := otel.Meter(meterName)

	var err error

	if matchCounter, err = meter.Int64Counter(
		metricMatchTotal,
		metric.WithDescription("Catalog match lookups by result"),
	); err != nil {
		otel.Handle(err)
	}

	if cacheHitCounter, err = meter.Int64Counter(
		metricCacheHits,
		metric.WithDescription("Catalog lookups served from the match cache"),
	); err != nil {
		otel.Handle(err)
	}

	if reloadCounter, err = meter.Int64Counter(
		metricReloadsTotal,
		metric.WithDescription("Catalog reloads and cache invalidations by trigger"),
	); err != nil {
		otel.Handle(err)
	}
}

func recordMatch(found bool) {
	meterOnce.Do(initMeter)

	if matchCounter == nil {
		return
	}

	result := "miss"
	if found {
		result = "found"
	}

	matchCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}

func recordCacheHit() {
	meterOnce.Do(initMeter)

	if cacheHitCounter != nil {
		cacheHitCounter.Add(context.Background(), 1)
	}
}

func recordInvalidation(trigger string) {
	meterOnce.Do(initMeter)

	if reloadCounter != nil {
		reloadCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("trigger", trigger)))
	}
}
