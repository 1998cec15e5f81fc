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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/carverauto/printradar/pkg/models"
	"github.com/carverauto/printradar/pkg/scheduler"
)

var errUnavailable = errors.New("not configured")

func deviceID(r *http.Request) (uuid.UUID, error) {
	raw := mux.Vars(r)["id"]

	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid device id %q", models.ErrValidation, raw)
	}

	return id, nil
}

func listLimit(r *http.Request) int {
	limit := defaultListLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxListLimit)
		}
	}

	return limit
}

// decodeBody decodes an optional JSON body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed request body: %w", models.ErrValidation, err)
	}

	return nil
}

func (s *APIServer) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	device, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, device)
}

// PollResponse answers POST /api/devices/{id}/poll.
type PollResponse struct {
	DeviceID uuid.UUID        `json:"device_id"`
	Status   scheduler.Status `json:"status"`
	Message  string           `json:"message,omitempty"`
}

func (s *APIServer) handlePollNow(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, "scheduler "+errUnavailable.Error(), http.StatusServiceUnavailable)
		return
	}

	id, err := deviceID(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	actor := r.Header.Get(actorHeader)
	if actor == "" {
		actor = models.ActorManual
	}

	status, err := s.scheduler.PollNow(r.Context(), id, actor)

	switch status {
	case scheduler.StatusQueued:
		s.writeJSON(w, http.StatusAccepted, PollResponse{DeviceID: id, Status: status})
	case scheduler.StatusAlreadyRunning, scheduler.StatusRateLimited:
		s.writeJSON(w, statusFor(err), PollResponse{DeviceID: id, Status: status, Message: err.Error()})
	default:
		s.writeErr(w, r, err)
	}
}

func (s *APIServer) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	snap, err := s.store.LatestGoodSnapshot(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, snap)
}

func (s *APIServer) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	snaps, err := s.store.ListSnapshots(r.Context(), id, listLimit(r))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, snaps)
}

func (s *APIServer) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	events, err := s.store.ListEvents(r.Context(), id, listLimit(r))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, events)
}

type counterResetRequest struct {
	Note string `json:"note"`
}

func (s *APIServer) handleCounterReset(w http.ResponseWriter, r *http.Request) {
	if s.resets == nil {
		writeError(w, "counter reset "+errUnavailable.Error(), http.StatusServiceUnavailable)
		return
	}

	id, err := deviceID(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	var body counterResetRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, r, err)
		return
	}

	event, err := s.resets.AcknowledgeReset(r.Context(), id, body.Note)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, event)
}

func (s *APIServer) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, "scheduler "+errUnavailable.Error(), http.StatusServiceUnavailable)
		return
	}

	report, err := s.scheduler.Sweep(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, report)
}
