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
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"00:1a:2b:3c:4d:5e", "00:1A:2B:3C:4D:5E"},
		{"00-1A-2B-3C-4D-5E", "00:1A:2B:3C:4D:5E"},
		{"001a.2b3c.4d5e", "00:1A:2B:3C:4D:5E"},
		{"001A2B3C4D5E", "00:1A:2B:3C:4D:5E"},
		{"00:1A:2B:3C:4D", ""},
		{"00:1A:2B:3C:4D:5E:6F", ""},
		{"zz:1A:2B:3C:4D:5E", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeMAC(tt.in))
		})
	}
}

func TestReportKey(t *testing.T) {
	assert.Equal(t, "cn123", ReportKey(" CN123 ", "INV-9"))
	assert.Equal(t, "inv-9", ReportKey("  ", "INV-9"))
	assert.Empty(t, ReportKey("", ""))

	d := &Device{Serial: "", InventoryNumber: "Inv-1"}
	assert.Equal(t, "inv-1", d.ReportKey())
}

func TestPeriodOf(t *testing.T) {
	in := time.Date(2026, 3, 31, 23, 30, 0, 0, time.FixedZone("UTC-2", -2*3600))
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), PeriodOf(in))
}

func TestPeriodControlIsOpen(t *testing.T) {
	now := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)

	var missing *PeriodControl
	assert.False(t, missing.IsOpen(now))

	pc := &PeriodControl{EditUntil: now.Add(time.Hour)}
	assert.True(t, pc.IsOpen(now))
	assert.False(t, pc.IsOpen(now.Add(time.Hour)))
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ErrorKindNone},
		{ErrAlreadyRunning, ErrorKindAlreadyRunning},
		{ErrCooldown, ErrorKindRateLimited},
		{fmt.Errorf("wrapped: %w", ErrActorLimit), ErrorKindRateLimited},
		{ErrConflict, ErrorKindConflict},
		{ErrNotFound, ErrorKindNotFound},
		{ErrValidation, ErrorKindValidation},
		{ErrHistoricalInconsistency, ErrorKindHistoricalInconsistency},
		{ErrTimeout, ErrorKindTimeout},
		{fmt.Errorf("%w: reset by peer", ErrTransient), ErrorKindTransient},
		{assert.AnError, ErrorKindInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), "%v", tt.err)
	}

	assert.True(t, IsRetryable(fmt.Errorf("poll: %w", ErrTransient)))
	assert.False(t, IsRetryable(ErrTimeout))
}

func TestDeviceCloneIsDeep(t *testing.T) {
	org := uuid.New()
	seen := time.Now()
	d := &Device{ID: uuid.New(), OrganizationID: &org, LastSuccessAt: &seen}

	c := d.Clone()
	*c.OrganizationID = uuid.New()
	*c.LastSuccessAt = seen.Add(time.Hour)

	assert.Equal(t, org, *d.OrganizationID)
	assert.Equal(t, seen, *d.LastSuccessAt)
	assert.Nil(t, (*Device)(nil).Clone())
}

func TestDurationJSON(t *testing.T) {
	var cfg struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"a":"90s","b":1000000000}`), &cfg))
	assert.Equal(t, Duration(90*time.Second), cfg.A)
	assert.Equal(t, Duration(time.Second), cfg.B)

	require.Error(t, json.Unmarshal([]byte(`{"a":"soon"}`), &cfg))
	require.Error(t, json.Unmarshal([]byte(`{"a":true}`), &cfg))
}

func TestServiceConfigValidate(t *testing.T) {
	negative := int64(-1)

	cfg := ServiceConfig{ListenAddr: ":8080"}
	require.NoError(t, cfg.Validate())

	assert.InDelta(t, DefaultMatchThreshold, cfg.Catalog.MatchThreshold, 1e-9)
	assert.Equal(t, int64(DefaultTolerance), cfg.Counters.TolerancePages())
	require.NotNil(t, cfg.Counters.Tolerance)
	assert.Equal(t, LeaseBackendMemory, cfg.Leases.Backend)
	assert.Equal(t, DefaultWorkers, cfg.Scheduler.Workers)
	assert.Equal(t, DefaultSweepSchedule, cfg.Scheduler.SweepSchedule)
	assert.NotNil(t, cfg.Logging)

	tests := []struct {
		name string
		cfg  ServiceConfig
		want error
	}{
		{"no listen addr", ServiceConfig{}, errListenAddrRequired},
		{"threshold", ServiceConfig{ListenAddr: ":1", Catalog: CatalogConfig{MatchThreshold: 1.5}}, errThresholdRange},
		{"tolerance", ServiceConfig{ListenAddr: ":1", Counters: CountersConfig{Tolerance: &negative}}, errNegativeTolerance},
		{"lease ttl", ServiceConfig{ListenAddr: ":1", Scheduler: SchedulerConfig{
			JobTimeout: Duration(time.Minute), LeaseTTL: Duration(time.Minute),
		}}, ErrValidation},
		{"nats leases", ServiceConfig{ListenAddr: ":1", Leases: LeaseConfig{Backend: LeaseBackendNATS}}, errNATSRequired},
		{"lease backend", ServiceConfig{ListenAddr: ":1", Leases: LeaseConfig{Backend: "etcd"}}, errUnknownLeaseStore},
		{"nats url", ServiceConfig{ListenAddr: ":1", NATS: &NATSConfig{}}, errNATSURLRequired},
		{"nats auth", ServiceConfig{ListenAddr: ":1", NATS: &NATSConfig{
			URL: "nats://localhost:4222", CredsFile: "user.creds", NKeySeedFile: "user.nk",
		}}, errNATSAuthConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.cfg.Validate(), tt.want)
		})
	}
}

func TestServiceConfigKeepsZeroTolerance(t *testing.T) {
	var cfg ServiceConfig
	require.NoError(t, json.Unmarshal([]byte(`{"listen_addr": ":8080", "counters": {"tolerance": 0}}`), &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, int64(0), cfg.Counters.TolerancePages())

	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(0), cfg.Counters.TolerancePages(), "revalidating must not raise a strict tolerance")
}

func TestSchedulerConfigValidate(t *testing.T) {
	require.NoError(t, SchedulerConfig{}.WithDefaults().Validate())

	short := SchedulerConfig{JobTimeout: Duration(time.Minute), LeaseTTL: Duration(30 * time.Second)}.WithDefaults()
	require.ErrorIs(t, short.Validate(), ErrValidation)

	// a job that times out still holds its device until the snapshot is written
	equal := SchedulerConfig{JobTimeout: Duration(time.Minute), LeaseTTL: Duration(time.Minute)}.WithDefaults()
	require.ErrorIs(t, equal.Validate(), ErrValidation)
}
