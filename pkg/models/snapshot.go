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

package models

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal state of one polling attempt.
type Outcome string

const (
	OutcomeSuccess                 Outcome = "success"
	OutcomeFailure                 Outcome = "failure"
	OutcomeValidationError         Outcome = "validation-error"
	OutcomeHistoricalInconsistency Outcome = "historical-inconsistency"
)

// Priority is the scheduling class of a poll.
type Priority string

const (
	PriorityInteractive Priority = "interactive"
	PriorityBackground  Priority = "background"
)

// Change-event actors.
const (
	ActorAutomaticPoll = "automatic-poll"
	ActorManual        = "manual"
)

// PollSnapshot records one polling attempt, including rejected ones. It is
// never modified after insert.
type PollSnapshot struct {
	ID          uuid.UUID       `json:"id"`
	DeviceID    uuid.UUID       `json:"device_id"`
	Address     string          `json:"address"`
	Timestamp   time.Time       `json:"timestamp"`
	Outcome     Outcome         `json:"outcome"`
	MatchRule   MatchRule       `json:"match_rule,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	Actor       string          `json:"actor"`
	Priority    Priority        `json:"priority"`
	Attempts    int             `json:"attempts"`
	Reading     *CounterReading `json:"reading,omitempty"`
}

// CounterReading holds cumulative page counters attached to a snapshot.
type CounterReading struct {
	A4BW        int64             `json:"a4_bw"`
	A4Color     int64             `json:"a4_color"`
	A3BW        int64             `json:"a3_bw"`
	A3Color     int64             `json:"a3_color"`
	Total       int64             `json:"total"`
	Consumables map[string]string `json:"consumables,omitempty"`
}

// Sum returns the sum of the four per-format counters.
func (r CounterReading) Sum() int64 {
	return r.A4BW + r.A4Color + r.A3BW + r.A3Color
}

// A4 returns the A4 share of the reading.
func (r CounterReading) A4() int64 {
	return r.A4BW + r.A4Color
}

// A3 returns the A3 share of the reading.
func (r CounterReading) A3() int64 {
	return r.A3BW + r.A3Color
}

// RawCounters are the counters as reported by the poller. Color is the
// device's generic colour counter when it has no per-format split.
type RawCounters struct {
	A4BW    int64 `json:"a4_bw"`
	A4Color int64 `json:"a4_color"`
	A3BW    int64 `json:"a3_bw"`
	A3Color int64 `json:"a3_color"`
	Total   int64 `json:"total"`
	Color   int64 `json:"color,omitempty"`
}

// Empty reports whether no counter was reported at all.
func (c RawCounters) Empty() bool {
	return c.A4BW == 0 && c.A4Color == 0 && c.A3BW == 0 && c.A3Color == 0 && c.Total == 0 && c.Color == 0
}

// Telemetry is the structured result of one poller attempt.
type Telemetry struct {
	Serial               string            `json:"serial"`
	MAC                  string            `json:"mac"`
	ReportedManufacturer string            `json:"reported_manufacturer"`
	ReportedModel        string            `json:"reported_model"`
	Counters             RawCounters       `json:"counters"`
	Consumables          map[string]string `json:"consumables,omitempty"`
	Success              bool              `json:"success"`
	ErrorDetail          string            `json:"error_detail,omitempty"`
}

// ChangeActor maps a poll priority onto the change-event actor.
func (p Priority) ChangeActor() string {
	if p == PriorityInteractive {
		return ActorManual
	}

	return ActorAutomaticPoll
}
