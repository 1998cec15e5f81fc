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
	"strings"
	"time"
)

// ReportRow is one billing-period line. Rows sharing a period and ReportKey
// form a group whose totals are recomputed together.
type ReportRow struct {
	ID              int64          `json:"id"`
	Period          time.Time      `json:"period"`
	Ordinal         int            `json:"ordinal"`
	Organization    string         `json:"organization,omitempty"`
	SerialNumber    string         `json:"serial_number,omitempty"`
	InventoryNumber string         `json:"inventory_number,omitempty"`
	EquipmentModel  string         `json:"equipment_model,omitempty"`
	DeviceAddress   string         `json:"device_address,omitempty"`
	Start           CounterReading `json:"start"`
	End             CounterReading `json:"end"`
	Total           int64          `json:"total"`
	EndManual       FormatFlags    `json:"end_manual"`
	EndAuto         FormatFlags    `json:"end_auto"`
	LastGoodAt      *time.Time     `json:"last_good_at,omitempty"`
	AutoSyncedAt    *time.Time     `json:"auto_synced_at,omitempty"`
}

// GroupKey returns the row's duplicate-group key.
func (r *ReportRow) GroupKey() string {
	return ReportKey(r.SerialNumber, r.InventoryNumber)
}

// FormatFlags carries one boolean per counter format.
type FormatFlags struct {
	A4BW    bool `json:"a4_bw"`
	A4Color bool `json:"a4_color"`
	A3BW    bool `json:"a3_bw"`
	A3Color bool `json:"a3_color"`
}

// PeriodControl governs whether a billing period can still change.
type PeriodControl struct {
	Period          time.Time `json:"period"`
	EditUntil       time.Time `json:"edit_until"`
	AutoSyncEnabled bool      `json:"auto_sync_enabled"`
}

// IsOpen reports whether the period accepts edits at now.
func (p *PeriodControl) IsOpen(now time.Time) bool {
	return p != nil && now.Before(p.EditUntil)
}

// ReportKey folds serial with inventory-number fallback into a group key.
func ReportKey(serial, inventoryNumber string) string {
	if s := strings.TrimSpace(serial); s != "" {
		return strings.ToLower(s)
	}

	return strings.ToLower(strings.TrimSpace(inventoryNumber))
}

// PeriodOf returns the first instant of t's month in UTC.
func PeriodOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
