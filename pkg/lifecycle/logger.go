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

// Package lifecycle wires loggers and runs long-lived services until a
// termination signal arrives.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/carverauto/printradar/pkg/logger"
)

// CreateComponentLogger creates a logger tagged with the component name.
func CreateComponentLogger(ctx context.Context, component string, config *logger.Config) (logger.Logger, error) {
	base, err := logger.New(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.FromZerolog(base.WithComponent(component)), nil
}

// ShutdownLogger flushes any pending OTLP exports.
func ShutdownLogger() error {
	return logger.Shutdown()
}
