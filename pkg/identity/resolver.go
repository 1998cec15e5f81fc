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

// Package identity decides whether a polled device is the physical unit
// already on file at its network address.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/carverauto/printradar/pkg/db"
	"github.com/carverauto/printradar/pkg/logger"
	"github.com/carverauto/printradar/pkg/models"
)

var (
	errNoIdentifiers = fmt.Errorf("%w: poll reported neither serial nor mac", models.ErrValidation)
	errAddressNeeded = fmt.Errorf("%w: address is required", models.ErrValidation)
)

// Observation is the identity-bearing part of one poll.
type Observation struct {
	Address              string
	Serial               string
	MAC                  string
	ReportedManufacturer string
	ReportedModel        string
	Actor                string
}

// Resolution is the outcome of resolving one observation.
type Resolution struct {
	Device   *models.Device
	Previous *models.Device
	Rule     models.MatchRule
	Action   Action
	Before   State
	After    State
	Events   []*models.ChangeEvent
}

// Resolver applies the identity decision table.
type Resolver struct {
	clock  quartz.Clock
	logger logger.Logger
}

// NewResolver returns a resolver reading time from clock.
func NewResolver(clock quartz.Clock, log logger.Logger) *Resolver {
	if clock == nil {
		clock = quartz.NewReal()
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Resolver{clock: clock, logger: log}
}

// Resolve runs ResolveLocked inside the store's per-address unit of work.
func (r *Resolver) Resolve(ctx context.Context, store db.Service, obs Observation) (*Resolution, error) {
	var res *Resolution

	err := store.WithAddressLock(ctx, obs.Address, func(tx db.Service) error {
		var err error

		res, err = r.ResolveLocked(ctx, tx, obs)

		return err
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// ResolveLocked resolves obs against store. The caller must hold the
// address lock for obs.Address. Device writes go to store; the returned
// events are left for the caller to persist.
func (r *Resolver) ResolveLocked(ctx context.Context, store db.Service, obs Observation) (*Resolution, error) {
	if strings.TrimSpace(obs.Address) == "" {
		return nil, errAddressNeeded
	}

	serial := models.NormalizeSerial(obs.Serial)
	mac := models.NormalizeMAC(obs.MAC)

	if mac == "" && strings.TrimSpace(obs.MAC) != "" {
		r.logger.Warn().Str("address", obs.Address).Str("mac", obs.MAC).Msg("ignoring malformed mac")
	}

	if serial == "" && mac == "" {
		return nil, errNoIdentifiers
	}

	current, err := store.GetActiveDeviceByAddress(ctx, obs.Address)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	now := r.clock.Now().UTC()

	var conflict *models.Device

	if mac != "" {
		holder, err := store.GetActiveDeviceByMAC(ctx, mac)

		switch {
		case err == nil && (current == nil || holder.ID != current.ID):
			r.logger.Warn().
				Str("address", obs.Address).
				Str("mac", mac).
				Str("holder", holder.ID.String()).
				Str("holder_address", holder.Address).
				Msg("mac already held by another active device, matching on serial only")

			conflict = holder
			mac = ""
		case err != nil && !errors.Is(err, models.ErrNotFound):
			return nil, err
		}
	}

	if serial == "" && mac == "" {
		return nil, fmt.Errorf("%w: mac %s is held by device %s", models.ErrConflict, models.NormalizeMAC(obs.MAC), conflict.ID)
	}

	o := observation{
		bound:     current != nil,
		hasSerial: serial != "",
		hasMAC:    mac != "",
	}

	if current != nil {
		o.serialMatch = serial != "" && strings.EqualFold(current.Serial, serial)
		o.macMatch = mac != "" && current.MAC == mac
	}

	d := decide(o)
	rule := d.rule(o)

	res := &Resolution{
		Rule:   rule,
		Action: d.action,
		Before: StateOf(current),
	}

	actor := obs.Actor
	if actor == "" {
		actor = models.ActorAutomaticPoll
	}

	event := func(deviceID uuid.UUID, kind models.ChangeKind, field, before, after string) *models.ChangeEvent {
		e := &models.ChangeEvent{
			ID:        uuid.New(),
			DeviceID:  deviceID,
			Kind:      kind,
			Field:     field,
			Before:    before,
			After:     after,
			Actor:     actor,
			Timestamp: now,
		}
		res.Events = append(res.Events, e)

		return e
	}

	switch d.action {
	case ActionCreate:
		res.Device = newDevice(obs, serial, mac, rule, now)

		if err := store.InsertDevice(ctx, res.Device); err != nil {
			return nil, err
		}
	case ActionReplace:
		next := newDevice(obs, serial, mac, rule, now)
		next.OrganizationID = current.OrganizationID

		prev := current.Clone()
		prev.Active = false
		prev.ReplacedBy = &next.ID
		prev.ReplacedAt = &now

		if err := store.UpdateDevice(ctx, prev); err != nil {
			return nil, err
		}

		if err := store.InsertDevice(ctx, next); err != nil {
			return nil, err
		}

		e := event(prev.ID, models.ChangeReplacement, "device",
			identifiers(current.Serial, current.MAC), identifiers(serial, mac))
		e.RelatedDeviceID = &next.ID

		res.Device = next
		res.Previous = prev
	default:
		dev := current.Clone()
		changed := false

		if d.action == ActionUpdateSerial && serial != "" && !strings.EqualFold(dev.Serial, serial) {
			event(dev.ID, models.ChangeSerialUpdate, "serial", dev.Serial, serial)
			dev.Serial = serial
			changed = true
		}

		if d.action == ActionUpdateMAC && mac != "" && dev.MAC != mac {
			event(dev.ID, models.ChangeMACUpdate, "mac", dev.MAC, mac)
			dev.MAC = mac
			changed = true
		}

		if dev.LastMatchRule != rule {
			if dev.LastMatchRule != models.MatchRuleNone {
				event(dev.ID, models.ChangeRuleChange, "match_rule", string(dev.LastMatchRule), string(rule))
			}

			dev.LastMatchRule = rule
			changed = true
		}

		if applyReported(dev, obs) {
			changed = true
		}

		if changed {
			if err := store.UpdateDevice(ctx, dev); err != nil {
				return nil, err
			}
		}

		res.Device = dev
	}

	if conflict != nil {
		e := event(res.Device.ID, models.ChangeIdentifierConflict, "mac", "", conflict.MAC)
		e.RelatedDeviceID = &conflict.ID
	}

	res.After = StateOf(res.Device)
	recordResolution(ctx, res.Action, res.Rule)

	r.logger.Debug().
		Str("address", obs.Address).
		Str("device_id", res.Device.ID.String()).
		Str("action", string(res.Action)).
		Str("rule", string(res.Rule)).
		Str("decision", d.name).
		Msg("identity resolved")

	return res, nil
}

func newDevice(obs Observation, serial, mac string, rule models.MatchRule, now time.Time) *models.Device {
	d := &models.Device{
		ID:            uuid.New(),
		Address:       obs.Address,
		Serial:        serial,
		MAC:           mac,
		LastMatchRule: rule,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	applyReported(d, obs)

	return d
}

func applyReported(d *models.Device, obs Observation) bool {
	changed := false

	if m := strings.TrimSpace(obs.ReportedManufacturer); m != "" && m != d.ReportedManufacturer {
		d.ReportedManufacturer = m
		changed = true
	}

	if m := strings.TrimSpace(obs.ReportedModel); m != "" && m != d.ReportedModel {
		d.ReportedModel = m
		changed = true
	}

	return changed
}

func identifiers(serial, mac string) string {
	return fmt.Sprintf("serial=%s mac=%s", serial, mac)
}
