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

// Package poller talks to the collaborator that reads telemetry off a
// printer.
package poller

//go:generate mockgen -destination=mock_poller.go -package=poller github.com/carverauto/printradar/pkg/poller Poller

import (
	"context"

	"github.com/carverauto/printradar/pkg/models"
)

// Poller reads one telemetry sample from a device. A device that answered
// but could not be read returns telemetry with Success unset and a nil
// error; errors are reserved for failures to reach the collaborator.
type Poller interface {
	Poll(ctx context.Context, target models.PollTarget) (*models.Telemetry, error)
}
