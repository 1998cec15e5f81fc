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
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/carverauto/printradar/pkg/models"
)

const periodLayout = "2006-01"

func reportPeriod(r *http.Request) (time.Time, error) {
	raw := mux.Vars(r)["period"]

	period, err := time.Parse(periodLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: period %q is not YYYY-MM", models.ErrValidation, raw)
	}

	return period.UTC(), nil
}

func (s *APIServer) handleListRows(w http.ResponseWriter, r *http.Request) {
	period, err := reportPeriod(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	rows, err := s.store.ListRows(r.Context(), period)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, rows)
}

// RecomputeResponse answers POST /api/reports/{period}/recompute.
type RecomputeResponse struct {
	Period string `json:"period"`
	Groups int    `json:"groups_recomputed"`
}

func (s *APIServer) handleRecompute(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeError(w, "reports "+errUnavailable.Error(), http.StatusServiceUnavailable)
		return
	}

	period, err := reportPeriod(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	groups, err := s.reports.RecomputePeriod(r.Context(), period)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, RecomputeResponse{Period: period.Format(periodLayout), Groups: groups})
}

type syncRequest struct {
	Serials []string `json:"serials"`
}

func (s *APIServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeError(w, "reports "+errUnavailable.Error(), http.StatusServiceUnavailable)
		return
	}

	period, err := reportPeriod(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	var body syncRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, r, err)
		return
	}

	res, err := s.reports.SyncPeriod(r.Context(), period, body.Serials)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}
