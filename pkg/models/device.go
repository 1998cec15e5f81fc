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

	"github.com/google/uuid"
)

// MatchRule names the identifiers that confirmed a device's identity on a poll.
type MatchRule string

const (
	MatchRuleNone    MatchRule = ""
	MatchRuleSNMAC   MatchRule = "SN_MAC"
	MatchRuleSNOnly  MatchRule = "SN_ONLY"
	MatchRuleMACOnly MatchRule = "MAC_ONLY"
)

// Device is the identity-bearing record of one physical printer. At most one
// active device exists per address and per MAC. Replaced devices stay in the
// store with Active=false and a ReplacedBy pointer.
type Device struct {
	ID                   uuid.UUID  `json:"id"`
	Address              string     `json:"address"`
	Serial               string     `json:"serial,omitempty"`
	MAC                  string     `json:"mac,omitempty"`
	InventoryNumber      string     `json:"inventory_number,omitempty"`
	ReportedManufacturer string     `json:"reported_manufacturer,omitempty"`
	ReportedModel        string     `json:"reported_model,omitempty"`
	CanonicalModelID     *int64     `json:"canonical_model_id,omitempty"`
	OrganizationID       *uuid.UUID `json:"organization_id,omitempty"`
	LastMatchRule        MatchRule  `json:"last_match_rule,omitempty"`
	Active               bool       `json:"active"`
	ReplacedBy           *uuid.UUID `json:"replaced_by,omitempty"`
	ReplacedAt           *time.Time `json:"replaced_at,omitempty"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so stores can hand out records without sharing
// pointer fields.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}

	out := *d

	if d.CanonicalModelID != nil {
		v := *d.CanonicalModelID
		out.CanonicalModelID = &v
	}

	if d.OrganizationID != nil {
		v := *d.OrganizationID
		out.OrganizationID = &v
	}

	if d.ReplacedBy != nil {
		v := *d.ReplacedBy
		out.ReplacedBy = &v
	}

	if d.ReplacedAt != nil {
		v := *d.ReplacedAt
		out.ReplacedAt = &v
	}

	if d.LastSuccessAt != nil {
		v := *d.LastSuccessAt
		out.LastSuccessAt = &v
	}

	return &out
}

// ReportKey is the billing group key: serial, falling back to the
// inventory number, compared case-insensitively.
func (d *Device) ReportKey() string {
	return ReportKey(d.Serial, d.InventoryNumber)
}

// Organization owns devices. Devices of inactive organizations are left out
// of the background sweep.
type Organization struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Active bool      `json:"active"`
}

// CanonicalModel is an authoritative catalog entry. ID order is catalog
// insertion order.
type CanonicalModel struct {
	ID           int64  `json:"id"`
	Manufacturer string `json:"manufacturer"`
	Name         string `json:"name"`
	DeviceType   string `json:"device_type"`
}

// PollTarget is what the poller collaborator needs to reach a device.
type PollTarget struct {
	DeviceID uuid.UUID `json:"device_id"`
	Address  string    `json:"address"`
}

// NormalizeMAC returns the MAC as upper-case colon separated octets. Inputs
// that do not contain exactly twelve hex digits are returned as "".
func NormalizeMAC(raw string) string {
	var digits strings.Builder

	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
			digits.WriteRune(r)
		case r == ':' || r == '-' || r == '.' || r == ' ':
		default:
			return ""
		}
	}

	hex := strings.ToUpper(digits.String())
	if len(hex) != 12 {
		return ""
	}

	parts := make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		parts = append(parts, hex[i:i+2])
	}

	return strings.Join(parts, ":")
}

// NormalizeSerial trims and upper-cases a serial number.
func NormalizeSerial(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
