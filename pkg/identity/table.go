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

import "github.com/carverauto/printradar/pkg/models"

// Action is what the resolver does to the device records at an address.
type Action string

const (
	ActionCreate       Action = "create"
	ActionKeep         Action = "keep"
	ActionUpdateSerial Action = "update_serial"
	ActionUpdateMAC    Action = "update_mac"
	ActionReplace      Action = "replace"
)

// observation is what a poll tells us about the device at an address.
type observation struct {
	bound       bool
	serialMatch bool
	macMatch    bool
	hasSerial   bool
	hasMAC      bool
}

type decision struct {
	name   string
	when   func(o observation) bool
	action Action
	rule   func(o observation) models.MatchRule
}

func fixedRule(r models.MatchRule) func(observation) models.MatchRule {
	return func(observation) models.MatchRule { return r }
}

// ruleByIdentifiers picks the strongest rule the reported identifiers allow.
func ruleByIdentifiers(o observation) models.MatchRule {
	switch {
	case o.hasSerial && o.hasMAC:
		return models.MatchRuleSNMAC
	case o.hasSerial:
		return models.MatchRuleSNOnly
	case o.hasMAC:
		return models.MatchRuleMACOnly
	default:
		return models.MatchRuleNone
	}
}

// decisionTable is evaluated top to bottom; the first row that applies wins.
//
//nolint:gochecknoglobals // static decision table
var decisionTable = []decision{
	{
		name:   "no device at address",
		when:   func(o observation) bool { return !o.bound },
		action: ActionCreate,
		rule:   ruleByIdentifiers,
	},
	{
		name:   "serial and mac match",
		when:   func(o observation) bool { return o.serialMatch && o.macMatch },
		action: ActionKeep,
		rule:   fixedRule(models.MatchRuleSNMAC),
	},
	{
		name:   "mac matches, serial differs or missing",
		when:   func(o observation) bool { return o.macMatch },
		action: ActionUpdateSerial,
		rule:   fixedRule(models.MatchRuleMACOnly),
	},
	{
		name:   "serial matches, mac differs or missing",
		when:   func(o observation) bool { return o.serialMatch },
		action: ActionUpdateMAC,
		rule:   fixedRule(models.MatchRuleSNOnly),
	},
	{
		name:   "address reused by another unit",
		when:   func(observation) bool { return true },
		action: ActionReplace,
		rule:   ruleByIdentifiers,
	},
}

func decide(o observation) decision {
	for _, d := range decisionTable {
		if d.when(o) {
			return d
		}
	}

	return decisionTable[len(decisionTable)-1]
}
