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


// Package api provides the operator HTTP API for printradar.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/carverauto/printradar/pkg/billing"
	"github.com/carverauto/printradar/pkg/db"
	"github.com/carverauto/printradar/pkg/logger"
	"github.com/carverauto/printradar/pkg/models"
	"github.com/carverauto/printradar/pkg/scheduler"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 60 * time.Second

	defaultListLimit = 50
	maxListLimit     = 1000

	actorHeader  = "X-Actor"
	apiKeyHeader = "X-API-Key"
)

// PollScheduler accepts interactive polls and sweeps.
type PollScheduler interface {
	PollNow(ctx context.Context, deviceID uuid.UUID, actor string) (scheduler.Status, error)
	Sweep(ctx context.Context) (scheduler.SweepReport, error)
}

// ResetAcknowledger records operator-confirmed counter resets.
type ResetAcknowledger interface {
	AcknowledgeReset(ctx context.Context, deviceID uuid.UUID, note string) (*models.ChangeEvent, error)
}

// ReportReconciler recomputes and synchronises billing periods.
type ReportReconciler interface {
	RecomputePeriod(ctx context.Context, period time.Time) (int, error)
	SyncPeriod(ctx context.Context, period time.Time, serials []string) (billing.SyncResult, error)
}

// APIServer serves the operator API.
type APIServer struct {
	router    *mux.Router
	store     db.Service
	scheduler PollScheduler
	resets    ResetAcknowledger
	reports   ReportReconciler
	apiKey    string
	logger    logger.Logger

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// NewAPIServer creates a new API server with the given collaborators.
func NewAPIServer(store db.Service, options ...func(server *APIServer)) *APIServer {
	s := &APIServer{
		router: mux.NewRouter(),
		store:  store,
		logger: logger.NewTestLogger(),
	}

	for _, o := range options {
		o(s)
	}

	s.setupRoutes()

	return s
}

// WithScheduler wires the poll scheduler.
func WithScheduler(sched PollScheduler) func(server *APIServer) {
	return func(server *APIServer) {
		server.scheduler = sched
	}
}

// WithResetAcknowledger wires counter reset acknowledgement.
func WithResetAcknowledger(r ResetAcknowledger) func(server *APIServer) {
	return func(server *APIServer) {
		server.resets = r
	}
}

// WithReports wires the billing reconciler.
func WithReports(r ReportReconciler) func(server *APIServer) {
	return func(server *APIServer) {
		server.reports = r
	}
}

// WithAPIKey requires every request to carry the key in X-API-Key.
func WithAPIKey(key string) func(server *APIServer) {
	return func(server *APIServer) {
		server.apiKey = key
	}
}

// WithLogger sets the request logger.
func WithLogger(log logger.Logger) func(server *APIServer) {
	return func(server *APIServer) {
		if log != nil {
			server.logger = log
		}
	}
}

// Handler exposes the router, mostly for tests.
func (s *APIServer) Handler() http.Handler {
	return s.router
}

func (s *APIServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	if s.apiKey != "" {
		s.router.Use(s.apiKeyMiddleware)
	}

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/devices/{id}", s.handleGetDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/poll", s.handlePollNow).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/latest", s.handleLatestSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/snapshots", s.handleListSnapshots).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/events", s.handleListEvents).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/counter-reset", s.handleCounterReset).Methods(http.MethodPost)
	api.HandleFunc("/sweep", s.handleSweep).Methods(http.MethodPost)

	api.HandleFunc("/reports/{period}", s.handleListRows).Methods(http.MethodGet)
	api.HandleFunc("/reports/{period}/recompute", s.handleRecompute).Methods(http.MethodPost)
	api.HandleFunc("/reports/{period}/sync", s.handleSync).Methods(http.MethodPost)
}

func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("api request")
	})
}

func (s *APIServer) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(apiKeyHeader) != s.apiKey {
			s.logger.Warn().Str("method", r.Method).Str("path", r.URL.Path).Msg("unauthorized API access attempt")
			writeError(w, "unauthorized", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start serves on addr until Shutdown is called.
func (s *APIServer) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.server = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", addr).Msg("API server listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops the server gracefully.
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	return srv.Shutdown(ctx)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(ErrorResponse{Message: message, Status: statusCode}); err != nil {
		http.Error(w, "Failed to encode error response", http.StatusInternalServerError)
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyRunning), errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrHistoricalInconsistency):
		return http.StatusConflict
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrPeriodClosed):
		return http.StatusLocked
	case errors.Is(err, models.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *APIServer) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}

	writeError(w, err.Error(), status)
}
