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

// Package counters turns raw cumulative page counters into normalized
// readings and usage deltas, and flags histories that regress.
package counters

import "github.com/carverauto/printradar/pkg/models"

// Delta returns the usage between two cumulative readings. Every field is
// floored at zero so a reset or replacement never yields negative usage;
// Total is the sum of the per-format deltas.
func Delta(start, end models.CounterReading) models.CounterReading {
	d := models.CounterReading{
		A4BW:    floor(end.A4BW - start.A4BW),
		A4Color: floor(end.A4Color - start.A4Color),
		A3BW:    floor(end.A3BW - start.A3BW),
		A3Color: floor(end.A3Color - start.A3Color),
	}
	d.Total = d.Sum()

	return d
}

func floor(v int64) int64 {
	if v < 0 {
		return 0
	}

	return v
}
