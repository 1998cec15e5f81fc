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


package config

import (
	"reflect"
	"strings"
)

const (
	reloadTag     = "reload"
	reloadRestart = "restart"
)

// RestartRequired lists the JSON names of top-level fields tagged
// `reload:"restart"` that differ between prev and next. A reload cannot
// apply those; the caller logs them and keeps the running values.
func RestartRequired(prev, next interface{}) []string {
	pv := reflect.Indirect(reflect.ValueOf(prev))
	nv := reflect.Indirect(reflect.ValueOf(next))

	if pv.Kind() != reflect.Struct || nv.Kind() != reflect.Struct || pv.Type() != nv.Type() {
		return nil
	}

	t := pv.Type()

	var changed []string

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)

		if !f.IsExported() || f.Tag.Get(reloadTag) != reloadRestart {
			continue
		}

		if reflect.DeepEqual(pv.Field(i).Interface(), nv.Field(i).Interface()) {
			continue
		}

		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" {
			name = f.Name
		}

		changed = append(changed, name)
	}

	return changed
}
