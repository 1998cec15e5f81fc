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

// ChangeKind classifies entries of the device change-event stream.
type ChangeKind string

const (
	ChangeReplacement        ChangeKind = "replacement"
	ChangeRuleChange         ChangeKind = "rule_change"
	ChangeSerialUpdate       ChangeKind = "serial_update"
	ChangeMACUpdate          ChangeKind = "mac_update"
	ChangeIdentifierConflict ChangeKind = "identifier_conflict"
	ChangeModelAssigned      ChangeKind = "model_assigned"
	ChangeCounterReset       ChangeKind = "counter_reset"
)

// ChangeEvent records a before/after transition on a device.
type ChangeEvent struct {
	ID              uuid.UUID  `json:"id"`
	DeviceID        uuid.UUID  `json:"device_id"`
	Kind            ChangeKind `json:"kind"`
	Field           string     `json:"field,omitempty"`
	Before          string     `json:"before,omitempty"`
	After           string     `json:"after,omitempty"`
	Actor           string     `json:"actor"`
	Timestamp       time.Time  `json:"timestamp"`
	RelatedDeviceID *uuid.UUID `json:"related_device_id,omitempty"`
}

// ResetsCounters reports whether the event legitimises a counter regression.
func (e *ChangeEvent) ResetsCounters() bool {
	return e.Kind == ChangeReplacement || e.Kind == ChangeCounterReset
}
