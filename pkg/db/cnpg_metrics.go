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
	"sync/atomic"
)

// Retry counters for CNPG units of work, exported to the OTel meter by the
// service entrypoint.
//
//nolint:gochecknoglobals // metrics require package-level state
var (
	cnpgDeadlockTotal             atomic.Int64
	cnpgSerializationFailureTotal atomic.Int64
	cnpgRetryTotal                atomic.Int64
	cnpgRetrySuccessTotal         atomic.Int64
)

func recordCNPGDeadlock(string) { cnpgDeadlockTotal.Add(1) }

func recordCNPGSerializationFailure(string) { cnpgSerializationFailureTotal.Add(1) }

func recordCNPGRetry(string) { cnpgRetryTotal.Add(1) }

func recordCNPGRetrySuccess(string) { cnpgRetrySuccessTotal.Add(1) }

// RetryStats is a point-in-time read of the retry counters.
type RetryStats struct {
	Deadlocks             int64
	SerializationFailures int64
	Retries               int64
	RetrySuccesses        int64
}

// GetRetryStats returns the current retry counters.
func GetRetryStats() RetryStats {
	return RetryStats{
		Deadlocks:             cnpgDeadlockTotal.Load(),
		SerializationFailures: cnpgSerializationFailureTotal.Load(),
		Retries:               cnpgRetryTotal.Load(),
		RetrySuccesses:        cnpgRetrySuccessTotal.Load(),
	}
}
