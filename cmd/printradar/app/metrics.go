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


package app

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/printradar/pkg/db"
)

// registerStoreMetrics exports the CNPG retry counters as observable
// counters read at collection time.
func registerStoreMetrics() error {
	meter := otel.Meter("printradar.db")

	deadlocks, err := meter.Int64ObservableCounter("cnpg_deadlocks_total",
		metric.WithDescription("Transactions aborted by a deadlock"))
	if err != nil {
		return err
	}

	serialization, err := meter.Int64ObservableCounter("cnpg_serialization_failures_total",
		metric.WithDescription("Transactions aborted by a serialization failure"))
	if err != nil {
		return err
	}

	retries, err := meter.Int64ObservableCounter("cnpg_retries_total",
		metric.WithDescription("Transaction retries"))
	if err != nil {
		return err
	}

	successes, err := meter.Int64ObservableCounter("cnpg_retry_successes_total",
		metric.WithDescription("Transactions that succeeded after a retry"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := db.GetRetryStats()

		o.ObserveInt64(deadlocks, stats.Deadlocks)
		o.ObserveInt64(serialization, stats.SerializationFailures)
		o.ObserveInt64(retries, stats.Retries)
		o.ObserveInt64(successes, stats.RetrySuccesses)

		return nil
	}, deadlocks, serialization, retries, successes)

	return err
}
