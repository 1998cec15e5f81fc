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

package identity

import (
	"github.com/google/uuid"

	"github.com/carverauto/printradar/pkg/models"
)

// StateKind tags the identity state of a network address.
type StateKind int

const (
	StateUnbound StateKind = iota
	StateBound
	StateReplaced
)

func (k StateKind) String() string {
	switch k {
	case StateBound:
		return "bound"
	case StateReplaced:
		return "replaced"
	default:
		return "unbound"
	}
}

// State is Unbound, BoundBy(Rule) or ReplacedBy(Successor).
type State struct {
	Kind      StateKind        `json:"kind"`
	Rule      models.MatchRule `json:"rule,omitempty"`
	Successor uuid.UUID        `json:"successor,omitempty"`
}

// Unbound is the state of an address with no active device.
func Unbound() State { return State{Kind: StateUnbound} }

// BoundBy is the state of an address whose device was confirmed by rule.
func BoundBy(rule models.MatchRule) State { return State{Kind: StateBound, Rule: rule} }

// ReplacedBy is the state of a retired device record.
func ReplacedBy(successor uuid.UUID) State {
	return State{Kind: StateReplaced, Successor: successor}
}

// StateOf derives the state carried by a device record.
func StateOf(d *models.Device) State {
	switch {
	case d == nil:
		return Unbound()
	case !d.Active && d.ReplacedBy != nil:
		return ReplacedBy(*d.ReplacedBy)
	case !d.Active:
		return Unbound()
	default:
		return BoundBy(d.LastMatchRule)
	}
}
