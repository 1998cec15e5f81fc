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
	"maps"
	"strings"

	"github.com/carverauto/printradar/pkg/models"
)

// colourSupplies are the consumable keys whose presence marks a colour
// device. Keys are compared after folding case and dropping separators,
// so "toner_cyan", "TonerCyan" and "TONERCYAN" are the same supply.
//
//nolint:gochecknoglobals // static lookup table
var colourSupplies = map[string]struct{}{
	"tonercyan":        {},
	"tonermagenta":     {},
	"toneryellow":      {},
	"drumcyan":         {},
	"drummagenta":      {},
	"drumyellow":       {},
	"developercyan":    {},
	"developermagenta": {},
	"developeryellow":  {},
}

func supplyKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ', '.':
			return -1
		}

		return r
	}, strings.ToLower(k))
}

// HasColourSupplies reports whether consumables lists any colour toner,
// drum or developer with a non-empty level.
func HasColourSupplies(consumables map[string]string) bool {
	for k, v := range consumables {
		if strings.TrimSpace(v) == "" {
			continue
		}

		if _, ok := colourSupplies[supplyKey(k)]; ok {
			return true
		}
	}

	return false
}

// Normalize maps the counters a device reported onto a reading. Colour
// devices are detected from colour supplies, per-format colour counters or
// the generic colour counter; on such devices monochrome pages are folded
// into the colour counters. Per-format values are clamped by the device
// total when the device reports one.
func Normalize(raw models.RawCounters, consumables map[string]string) (models.CounterReading, error) {
	if raw.A4BW < 0 || raw.A4Color < 0 || raw.A3BW < 0 || raw.A3Color < 0 || raw.Total < 0 || raw.Color < 0 {
		return models.CounterReading{}, fmt.Errorf("%w: negative page counter", models.ErrValidation)
	}

	if raw.Empty() {
		return models.CounterReading{}, fmt.Errorf("%w: no page counters reported", models.ErrValidation)
	}

	clamp := func(v int64) int64 {
		if raw.Total > 0 && v > raw.Total {
			return raw.Total
		}

		return v
	}

	detailedColour := raw.A3Color > 0 || raw.A4Color > 0
	genericColour := raw.Color > 0
	noA3 := raw.A3BW == 0 && raw.A3Color == 0
	colourDevice := detailedColour || genericColour || HasColourSupplies(consumables)

	var r models.CounterReading

	switch {
	case colourDevice && detailedColour:
		r.A3Color = clamp(raw.A3Color + raw.A3BW)
		r.A4Color = clamp(raw.A4Color + raw.A4BW)
	case noA3 && genericColour:
		r.A4Color = raw.Total
	case genericColour:
		r.A3Color = clamp(raw.A3BW)
		r.A4Color = clamp(raw.A4BW)
	case colourDevice:
		// colour supplies only: every page counted so far is colour
		r.A3Color = raw.A3BW
		r.A4Color = raw.A4BW

		if r.A3Color == 0 && r.A4Color == 0 {
			r.A4Color = raw.Total
		}
	case noA3:
		r.A4BW = raw.Total
		if r.A4BW == 0 {
			r.A4BW = raw.A4BW
		}
	default:
		r.A3BW = raw.A3BW
		r.A4BW = clamp(raw.A4BW)
		r.A3Color = raw.A3Color
		r.A4Color = clamp(raw.A4Color)
	}

	r.Total = r.Sum()

	if len(consumables) > 0 {
		r.Consumables = maps.Clone(consumables)
	}

	return r, nil
}
