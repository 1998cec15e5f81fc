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


package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/printradar/pkg/billing"
	"github.com/carverauto/printradar/pkg/db"
	"github.com/carverauto/printradar/pkg/lease"
	"github.com/carverauto/printradar/pkg/models"
	"github.com/carverauto/printradar/pkg/pipeline"
	"github.com/carverauto/printradar/pkg/scheduler"
)

type testServer struct {
	api   *APIServer
	store *db.MemoryStore
}

func newTestServer(t *testing.T, options ...func(*APIServer)) *testServer {
	t.Helper()

	store := db.NewMemoryStore()
	pipe := pipeline.New(store, nil)

	sched, err := scheduler.New(models.SchedulerConfig{}, store, nil, pipe, lease.NewMemoryStore(nil), nil)
	require.NoError(t, err)

	opts := append([]func(*APIServer){
		WithScheduler(sched),
		WithResetAcknowledger(pipe),
		WithReports(billing.NewReconciler(store, nil, nil)),
	}, options...)

	return &testServer{api: NewAPIServer(store, opts...), store: store}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	ts.api.Handler().ServeHTTP(rr, req)

	return rr
}

func (ts *testServer) device(t *testing.T) *models.Device {
	t.Helper()

	d := &models.Device{ID: uuid.New(), Address: "10.1.0.7", Serial: "CN12345", Active: true}
	require.NoError(t, ts.store.InsertDevice(t.Context(), d))

	return d
}

func TestGetDevice(t *testing.T) {
	ts := newTestServer(t)
	d := ts.device(t)

	rr := ts.do(t, http.MethodGet, "/api/devices/"+d.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var got models.Device
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, d.Serial, got.Serial)

	rr = ts.do(t, http.MethodGet, "/api/devices/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodGet, "/api/devices/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&errResp))
	assert.Equal(t, http.StatusBadRequest, errResp.Status)
}

func TestPollNow(t *testing.T) {
	ts := newTestServer(t)
	d := ts.device(t)
	path := "/api/devices/" + d.ID.String() + "/poll"

	rr := ts.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp PollResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, scheduler.StatusQueued, resp.Status)

	// no workers are running, so the first poll still holds the device
	rr = ts.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, scheduler.StatusAlreadyRunning, resp.Status)

	rr = ts.do(t, http.MethodPost, "/api/devices/"+uuid.NewString()+"/poll", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSnapshotsAndLatest(t *testing.T) {
	ts := newTestServer(t)
	d := ts.device(t)
	base := "/api/devices/" + d.ID.String()

	rr := ts.do(t, http.MethodGet, base+"/latest", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	for i, outcome := range []models.Outcome{models.OutcomeSuccess, models.OutcomeFailure} {
		require.NoError(t, ts.store.InsertSnapshot(t.Context(), &models.PollSnapshot{
			ID:        uuid.New(),
			DeviceID:  d.ID,
			Timestamp: now.Add(time.Duration(i) * time.Minute),
			Outcome:   outcome,
			Reading:   &models.CounterReading{A4BW: 500, Total: 500},
		}))
	}

	rr = ts.do(t, http.MethodGet, base+"/latest", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var latest models.PollSnapshot
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&latest))
	assert.Equal(t, models.OutcomeSuccess, latest.Outcome)
	assert.Equal(t, int64(500), latest.Reading.Total)

	rr = ts.do(t, http.MethodGet, base+"/snapshots?limit=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var snaps []models.PollSnapshot
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, models.OutcomeFailure, snaps[0].Outcome)
}

func TestCounterReset(t *testing.T) {
	ts := newTestServer(t)
	d := ts.device(t)
	base := "/api/devices/" + d.ID.String()

	rr := ts.do(t, http.MethodPost, base+"/counter-reset", counterResetRequest{Note: "mainboard swapped"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = ts.do(t, http.MethodGet, base+"/events", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var events []models.ChangeEvent
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, models.ChangeCounterReset, events[0].Kind)
	assert.Equal(t, "mainboard swapped", events[0].After)
	assert.Equal(t, models.ActorManual, events[0].Actor)

	rr = ts.do(t, http.MethodPost, "/api/devices/"+uuid.NewString()+"/counter-reset", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSweep(t *testing.T) {
	ts := newTestServer(t)
	ts.device(t)

	rr := ts.do(t, http.MethodPost, "/api/sweep", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var report scheduler.SweepReport
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&report))
	assert.Equal(t, scheduler.SweepReport{Total: 1, Queued: 1}, report)
}

func TestReports(t *testing.T) {
	ts := newTestServer(t)
	period := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for i, serial := range []string{"CN1", "CN1", "CN2"} {
		require.NoError(t, ts.store.InsertRow(t.Context(), &models.ReportRow{
			Period:       period,
			Ordinal:      i,
			SerialNumber: serial,
			Start:        models.CounterReading{A4BW: 100},
			End:          models.CounterReading{A4BW: 150},
		}))
	}

	rr := ts.do(t, http.MethodPost, "/api/reports/2026-02/recompute", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp RecomputeResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, RecomputeResponse{Period: "2026-02", Groups: 2}, resp)

	rr = ts.do(t, http.MethodGet, "/api/reports/2026-02", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var rows []models.ReportRow
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&rows))
	assert.Len(t, rows, 3)

	rr = ts.do(t, http.MethodPost, "/api/reports/2026-02/sync", syncRequest{Serials: []string{"CN1"}})
	assert.Equal(t, http.StatusLocked, rr.Code, "period without control is closed")

	rr = ts.do(t, http.MethodPost, "/api/reports/feb/recompute", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPIKey(t *testing.T) {
	ts := newTestServer(t, WithAPIKey("s3cret"))
	d := ts.device(t)

	rr := ts.do(t, http.MethodGet, "/api/devices/"+d.ID.String(), nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/devices/"+d.ID.String(), nil)
	req.Header.Set(apiKeyHeader, "s3cret")

	rr = httptest.NewRecorder()
	ts.api.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrAlreadyRunning, http.StatusConflict},
		{models.ErrConflict, http.StatusConflict},
		{models.ErrCooldown, http.StatusTooManyRequests},
		{models.ErrQueueFull, http.StatusTooManyRequests},
		{models.ErrValidation, http.StatusBadRequest},
		{models.ErrPeriodClosed, http.StatusLocked},
		{models.ErrTimeout, http.StatusGatewayTimeout},
		{models.ErrTransient, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
