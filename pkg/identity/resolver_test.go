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

package identity

import (
	"context"
	"sync"
	"testing"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/printradar/pkg/db"
	"github.com/carverauto/printradar/pkg/models"
)

const (
	macA = "AA:BB:CC:00:00:01"
	macB = "AA:BB:CC:00:00:02"
)

func newResolver(t *testing.T) *Resolver {
	t.Helper()

	return NewResolver(quartz.NewMock(t), nil)
}

func seed(t *testing.T, store *db.MemoryStore, address, serial, mac string, rule models.MatchRule) *models.Device {
	t.Helper()

	d := &models.Device{
		ID:            uuid.New(),
		Address:       address,
		Serial:        serial,
		MAC:           mac,
		LastMatchRule: rule,
		Active:        true,
	}
	require.NoError(t, store.InsertDevice(context.Background(), d))

	return d
}

func kinds(events []*models.ChangeEvent) []models.ChangeKind {
	out := make([]models.ChangeKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}

	return out
}

func TestDecisionTable(t *testing.T) {
	tests := []struct {
		name   string
		obs    observation
		action Action
		rule   models.MatchRule
	}{
		{"unbound with both", observation{hasSerial: true, hasMAC: true}, ActionCreate, models.MatchRuleSNMAC},
		{"unbound serial only", observation{hasSerial: true}, ActionCreate, models.MatchRuleSNOnly},
		{"unbound mac only", observation{hasMAC: true}, ActionCreate, models.MatchRuleMACOnly},
		{"both match", observation{bound: true, serialMatch: true, macMatch: true, hasSerial: true, hasMAC: true}, ActionKeep, models.MatchRuleSNMAC},
		{"mac only matches", observation{bound: true, macMatch: true, hasSerial: true, hasMAC: true}, ActionUpdateSerial, models.MatchRuleMACOnly},
		{"serial only matches", observation{bound: true, serialMatch: true, hasSerial: true, hasMAC: true}, ActionUpdateMAC, models.MatchRuleSNOnly},
		{"nothing matches", observation{bound: true, hasSerial: true}, ActionReplace, models.MatchRuleSNOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decide(tt.obs)
			assert.Equal(t, tt.action, d.action)
			assert.Equal(t, tt.rule, d.rule(tt.obs))
		})
	}
}

func TestResolveCreatesDevice(t *testing.T) {
	tests := []struct {
		name   string
		serial string
		mac    string
		rule   models.MatchRule
	}{
		{"serial and mac", "a1", "aa-bb-cc-00-00-01", models.MatchRuleSNMAC},
		{"serial only", "A1", "", models.MatchRuleSNOnly},
		{"mac only", "", macA, models.MatchRuleMACOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := db.NewMemoryStore()

			res, err := newResolver(t).Resolve(ctx, store, Observation{
				Address: "10.0.0.1", Serial: tt.serial, MAC: tt.mac, ReportedModel: "LaserJet",
			})
			require.NoError(t, err)
			assert.Equal(t, ActionCreate, res.Action)
			assert.Equal(t, tt.rule, res.Rule)
			assert.Equal(t, Unbound(), res.Before)
			assert.Equal(t, BoundBy(tt.rule), res.After)
			assert.Empty(t, res.Events)

			got, err := store.GetActiveDeviceByAddress(ctx, "10.0.0.1")
			require.NoError(t, err)
			assert.Equal(t, res.Device.ID, got.ID)
			assert.Equal(t, "LaserJet", got.ReportedModel)
		})
	}
}

func TestResolveRejectsMissingIdentifiers(t *testing.T) {
	_, err := newResolver(t).Resolve(context.Background(), db.NewMemoryStore(), Observation{
		Address: "10.0.0.1", MAC: "not-a-mac",
	})
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestResolveKeepsMatchingDevice(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	existing := seed(t, store, "10.0.0.1", "A1", macA, models.MatchRuleSNMAC)

	res, err := newResolver(t).Resolve(ctx, store, Observation{Address: "10.0.0.1", Serial: "a1", MAC: macA})
	require.NoError(t, err)
	assert.Equal(t, ActionKeep, res.Action)
	assert.Equal(t, models.MatchRuleSNMAC, res.Rule)
	assert.Equal(t, existing.ID, res.Device.ID)
	assert.Empty(t, res.Events)
}

func TestResolveSerialMatchUpdatesMAC(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	existing := seed(t, store, "10.0.0.1", "A1", macA, models.MatchRuleSNMAC)

	res, err := newResolver(t).Resolve(ctx, store, Observation{
		Address: "10.0.0.1", Serial: "A1", MAC: macB, Actor: models.ActorManual,
	})
	require.NoError(t, err)
	assert.Equal(t, models.MatchRuleSNOnly, res.Rule)
	assert.Equal(t, existing.ID, res.Device.ID)
	assert.Equal(t, []models.ChangeKind{models.ChangeMACUpdate, models.ChangeRuleChange}, kinds(res.Events))
	assert.Equal(t, macA, res.Events[0].Before)
	assert.Equal(t, macB, res.Events[0].After)
	assert.Equal(t, models.ActorManual, res.Events[0].Actor)

	got, err := store.GetActiveDeviceByAddress(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got.ID)
	assert.Equal(t, macB, got.MAC)

	_, err = store.GetActiveDeviceByMAC(ctx, macA)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestResolveMACMatchUpdatesSerial(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	existing := seed(t, store, "10.0.0.1", "A1", macA, models.MatchRuleSNMAC)

	res, err := newResolver(t).Resolve(ctx, store, Observation{Address: "10.0.0.1", Serial: "A1-FIXED", MAC: macA})
	require.NoError(t, err)
	assert.Equal(t, ActionUpdateSerial, res.Action)
	assert.Equal(t, models.MatchRuleMACOnly, res.Rule)
	assert.Equal(t, existing.ID, res.Device.ID)
	assert.Equal(t, models.ChangeSerialUpdate, res.Events[0].Kind)

	got, err := store.GetDevice(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "A1-FIXED", got.Serial)
}

func TestResolveMACMatchWithoutSerialKeepsStoredSerial(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	existing := seed(t, store, "10.0.0.1", "A1", macA, models.MatchRuleMACOnly)

	res, err := newResolver(t).Resolve(ctx, store, Observation{Address: "10.0.0.1", MAC: macA})
	require.NoError(t, err)
	assert.Equal(t, models.MatchRuleMACOnly, res.Rule)
	assert.Empty(t, res.Events)

	got, err := store.GetDevice(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "A1", got.Serial)
}

func TestResolveReplacement(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	org := uuid.New()
	old := seed(t, store, "10.0.0.1", "A1", macA, models.MatchRuleSNMAC)
	old.OrganizationID = &org
	require.NoError(t, store.UpdateDevice(ctx, old))

	res, err := newResolver(t).Resolve(ctx, store, Observation{Address: "10.0.0.1", Serial: "B2"})
	require.NoError(t, err)
	assert.Equal(t, ActionReplace, res.Action)
	assert.Equal(t, models.MatchRuleSNOnly, res.Rule)
	assert.Equal(t, BoundBy(models.MatchRuleSNMAC), res.Before)

	retired, err := store.GetDevice(ctx, old.ID)
	require.NoError(t, err)
	assert.False(t, retired.Active)
	require.NotNil(t, retired.ReplacedBy)
	assert.Equal(t, res.Device.ID, *retired.ReplacedBy)
	assert.NotNil(t, retired.ReplacedAt)
	assert.Equal(t, ReplacedBy(res.Device.ID), StateOf(retired))

	current, err := store.GetActiveDeviceByAddress(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "B2", current.Serial)
	assert.NotEqual(t, old.ID, current.ID)
	require.NotNil(t, current.OrganizationID)
	assert.Equal(t, org, *current.OrganizationID)

	require.Len(t, res.Events, 1)
	e := res.Events[0]
	assert.Equal(t, models.ChangeReplacement, e.Kind)
	assert.Equal(t, old.ID, e.DeviceID)
	assert.Equal(t, current.ID, *e.RelatedDeviceID)
	assert.Equal(t, models.ActorAutomaticPoll, e.Actor)
}

func TestResolveMACConflictFallsBackToSerial(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	elsewhere := seed(t, store, "10.0.0.9", "Z9", macA, models.MatchRuleSNMAC)

	res, err := newResolver(t).Resolve(ctx, store, Observation{Address: "10.0.0.1", Serial: "C3", MAC: macA})
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, res.Action)
	assert.Equal(t, models.MatchRuleSNOnly, res.Rule)
	assert.Empty(t, res.Device.MAC)

	require.Len(t, res.Events, 1)
	assert.Equal(t, models.ChangeIdentifierConflict, res.Events[0].Kind)
	assert.Equal(t, elsewhere.ID, *res.Events[0].RelatedDeviceID)

	holder, err := store.GetActiveDeviceByMAC(ctx, macA)
	require.NoError(t, err)
	assert.Equal(t, elsewhere.ID, holder.ID)
}

func TestResolveMACConflictWithoutSerialIsConflict(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	seed(t, store, "10.0.0.9", "Z9", macA, models.MatchRuleSNMAC)

	_, err := newResolver(t).Resolve(ctx, store, Observation{Address: "10.0.0.1", MAC: macA})
	require.ErrorIs(t, err, models.ErrConflict)
}

func TestResolveConcurrentFirstPollsCreateOneDevice(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	resolver := newResolver(t)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[uuid.UUID]struct{}{}
	)

	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			res, err := resolver.Resolve(ctx, store, Observation{Address: "10.0.0.1", Serial: "A1", MAC: macA})
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			ids[res.Device.ID] = struct{}{}
			mu.Unlock()
		}()
	}

	wg.Wait()
	assert.Len(t, ids, 1)
}

func TestStateOf(t *testing.T) {
	successor := uuid.New()

	assert.Equal(t, StateUnbound, StateOf(nil).Kind)
	assert.Equal(t, BoundBy(models.MatchRuleSNOnly), StateOf(&models.Device{Active: true, LastMatchRule: models.MatchRuleSNOnly}))
	assert.Equal(t, ReplacedBy(successor), StateOf(&models.Device{ReplacedBy: &successor}))
	assert.Equal(t, "replaced", StateReplaced.String())
}
