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

package catalog

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// manufacturerAliases maps a canonical manufacturer name to every spelling
// seen in the field. The canonical name is listed first.
//
//nolint:gochecknoglobals // static lookup table
var manufacturerAliases = map[string][]string{
	"hp":      {"hp", "hewlett-packard", "hewlett packard", "hp inc", "hp inc."},
	"canon":   {"canon"},
	"epson":   {"epson", "seiko epson"},
	"ricoh":   {"ricoh"},
	"kyocera": {"kyocera", "kyocera mita"},
	"brother": {"brother"},
	"samsung": {"samsung"},
	"xerox":   {"xerox"},
	"konica":  {"konica", "konica minolta", "konica-minolta"},
	"sharp":   {"sharp"},
	"oki":     {"oki", "okidata"},
	"dell":    {"dell"},
	"lexmark": {"lexmark"},
	"toshiba": {"toshiba", "toshiba tec"},
}

// modelStopwords are generic suffix tokens that carry no model identity.
//
//nolint:gochecknoglobals // static lookup table
var modelStopwords = map[string]struct{}{}

//nolint:gochecknoinits // builds the stopword set once
func init() {
	for _, w := range strings.Fields(`mfp mf multifunction adf duplex network wireless wifi usb
		ethernet color mono series plus pro enterprise office n dn nf dnf fn df dw ne a b c d e f`) {
		modelStopwords[w] = struct{}{}
	}
}

var (
	punctuation = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// NormalizeManufacturer folds a manufacturer spelling onto its alias key.
// Unknown manufacturers are returned lower-cased and trimmed.
func NormalizeManufacturer(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return ""
	}

	for canonical, aliases := range manufacturerAliases {
		for _, alias := range aliases {
			if lower == alias {
				return canonical
			}
		}
	}

	return lower
}

// NormalizeModel reduces model text to its identifying tokens, e.g.
// "HP LaserJet Pro M404dn" with manufacturer "HP" becomes "laserjet m404dn".
func NormalizeModel(model, manufacturer string) string {
	result := strings.ToLower(strings.TrimSpace(model))
	if result == "" {
		return ""
	}

	if manufacturer != "" {
		mfr := NormalizeManufacturer(manufacturer)

		aliases, ok := manufacturerAliases[mfr]
		if !ok {
			aliases = []string{mfr}
		}

		for _, alias := range aliases {
			if hasWordPrefix(result, alias) {
				result = strings.TrimSpace(result[len(alias):])
			}
		}
	}

	result = punctuation.ReplaceAllString(result, " ")
	result = strings.TrimSpace(whitespace.ReplaceAllString(result, " "))

	words := strings.Fields(result)
	kept := make([]string, 0, len(words))

	for _, w := range words {
		if len(kept) > 0 && isSingleLetter(w) {
			continue
		}

		if _, stop := modelStopwords[w]; stop {
			continue
		}

		kept = append(kept, w)
	}

	return strings.Join(kept, " ")
}

func isSingleLetter(w string) bool {
	if utf8.RuneCountInString(w) != 1 {
		return false
	}

	r, _ := utf8.DecodeRuneInString(w)

	return unicode.IsLetter(r)
}

// hasWordPrefix reports whether s starts with prefix followed by the end of
// s or a character that is not a letter or digit.
func hasWordPrefix(s, prefix string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}

	rest := s[len(prefix):]
	if rest == "" {
		return true
	}

	r, _ := utf8.DecodeRuneInString(rest)

	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
