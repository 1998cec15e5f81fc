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

package counters

import (
	"fmt"
	"strings"

	"github.com/carverauto/printradar/pkg/models"
)

// Regression is one counter that went backwards between two readings.
type Regression struct {
	Field    string
	Previous int64
	Current  int64
}

func (r Regression) String() string {
	return fmt.Sprintf("%s %d -> %d", r.Field, r.Previous, r.Current)
}

// Detector flags readings that regress against the previous good reading.
type Detector struct {
	// Tolerance is the number of pages a counter may drop without being
	// reported.
	Tolerance int64
}

// NewDetector returns a detector with the given tolerance, falling back to
// the default for negative values.
func NewDetector(tolerance int64) Detector {
	if tolerance < 0 {
		tolerance = models.DefaultTolerance
	}

	return Detector{Tolerance: tolerance}
}

// Regressions lists the counters of next that dropped by more than the
// tolerance relative to prev.
func (d Detector) Regressions(prev, next models.CounterReading) []Regression {
	fields := []struct {
		name       string
		prev, next int64
	}{
		{"a4_bw", prev.A4BW, next.A4BW},
		{"a4_color", prev.A4Color, next.A4Color},
		{"a3_bw", prev.A3BW, next.A3BW},
		{"a3_color", prev.A3Color, next.A3Color},
		{"total", prev.Total, next.Total},
	}

	var out []Regression

	for _, f := range fields {
		if f.prev-f.next > d.Tolerance {
			out = append(out, Regression{Field: f.name, Previous: f.prev, Current: f.next})
		}
	}

	return out
}

// Check compares next against prev, the reading of the latest good
// snapshot. A nil prev always passes. When resetSincePrev is set a
// replacement or acknowledged counter reset happened in between and any
// drop is legitimate. Otherwise a drop beyond the tolerance returns an
// error wrapping models.ErrHistoricalInconsistency together with the
// offending fields.
func (d Detector) Check(prev, next *models.CounterReading, resetSincePrev bool) ([]Regression, error) {
	if prev == nil || next == nil || resetSincePrev {
		return nil, nil
	}

	regs := d.Regressions(*prev, *next)
	if len(regs) == 0 {
		return nil, nil
	}

	parts := make([]string, 0, len(regs))
	for _, r := range regs {
		parts = append(parts, r.String())
	}

	return regs, fmt.Errorf("%w: %s", models.ErrHistoricalInconsistency, strings.Join(parts, ", "))
}
