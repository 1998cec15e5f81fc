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


package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/printradar/pkg/catalog"
	"github.com/carverauto/printradar/pkg/db"
	"github.com/carverauto/printradar/pkg/lease"
	"github.com/carverauto/printradar/pkg/logger"
	"github.com/carverauto/printradar/pkg/models"
	"github.com/carverauto/printradar/pkg/pipeline"
	"github.com/carverauto/printradar/pkg/scheduler"
)

func TestBuildRequiresNATS(t *testing.T) {
	cfg := &models.ServiceConfig{ListenAddr: ":0"}
	require.NoError(t, cfg.Validate())

	_, err := build(context.Background(), cfg, logger.NewTestLogger())
	require.ErrorIs(t, err, errNATSRequired)
}

func TestApplyHotSwapsTunables(t *testing.T) {
	cfg := &models.ServiceConfig{ListenAddr: ":0"}
	require.NoError(t, cfg.Validate())

	store := db.NewMemoryStore()
	pipe := pipeline.New(store, nil)

	sched, err := scheduler.New(cfg.Scheduler, store, nil, pipe, lease.NewMemoryStore(nil), nil)
	require.NoError(t, err)

	svc := &service{
		cfg:       cfg,
		logger:    logger.NewTestLogger(),
		matcher:   catalog.NewMatcher(store, nil, cfg.Catalog.MatchThreshold, nil),
		pipeline:  pipe,
		scheduler: sched,
	}

	next := *cfg
	next.Catalog.MatchThreshold = 0.9
	tolerance := int64(25)
	next.Counters.Tolerance = &tolerance
	next.Scheduler.ActorLimit = 2
	next.Scheduler.Workers = cfg.Scheduler.Workers + 4

	require.NoError(t, svc.apply(&next))

	assert.InDelta(t, 0.9, svc.matcher.Threshold(), 1e-9)
	assert.Equal(t, 2, sched.Config().ActorLimit)
	assert.Equal(t, cfg.Scheduler.Workers, sched.Config().Workers)
	assert.Equal(t, int64(25), svc.cfg.Counters.TolerancePages())

	bad := next
	bad.Scheduler.SweepSchedule = "not a schedule"
	require.ErrorIs(t, svc.apply(&bad), models.ErrValidation)
	assert.Equal(t, 2, sched.Config().ActorLimit)
}
