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

// Package billing keeps monthly report rows in step with the polled
// counter history.
package billing

import (
	"sort"

	"github.com/carverauto/printradar/pkg/counters"
	"github.com/carverauto/printradar/pkg/models"
)

// SortGroup orders a duplicate group by ordinal, then row id.
func SortGroup(rows []*models.ReportRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Ordinal != rows[j].Ordinal {
			return rows[i].Ordinal < rows[j].Ordinal
		}

		return rows[i].ID < rows[j].ID
	})
}

// Distribute sets the totals of one duplicate group and returns the rows
// whose total changed. A single row is billed for all of its deltas. With
// more rows the first row is billed for its A4 deltas only and every other
// row for its A3 deltas only, so one physical device reported on several
// rows is not counted twice. A4 usage on a non-first row is dropped.
//
// rows is sorted in place. Calling Distribute again on unchanged rows
// changes nothing.
func Distribute(rows []*models.ReportRow) []*models.ReportRow {
	SortGroup(rows)

	var changed []*models.ReportRow

	for i, row := range rows {
		d := counters.Delta(row.Start, row.End)

		var total int64

		switch {
		case len(rows) == 1:
			total = d.Total
		case i == 0:
			total = d.A4()
		default:
			total = d.A3()
		}

		if row.Total != total {
			row.Total = total
			changed = append(changed, row)
		}
	}

	return changed
}
