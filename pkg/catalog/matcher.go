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

// Package catalog maps vendor-reported manufacturer and model strings onto
// the canonical equipment catalog.
package catalog

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/carverauto/printradar/pkg/db"
	"github.com/carverauto/printradar/pkg/logger"
	"github.com/carverauto/printradar/pkg/models"
)

const (
	// DefaultThreshold is the minimum score a candidate needs.
	DefaultThreshold = 0.75
	manufacturerBonus = 1.1
)

// Candidate is a catalog entry with its similarity score.
type Candidate struct {
	Model models.CanonicalModel `json:"model"`
	Score float64               `json:"score"`
}

type entry struct {
	model models.CanonicalModel
	mfr   string
	full  string
	bare  string
}

// Matcher scores free text against an in-memory copy of the catalog. The
// copy is refreshed by Reload and kept in step by Upsert and Remove, each of
// which invalidates the match cache. The entries slice is replaced, never
// mutated in place.
type Matcher struct {
	mu         sync.RWMutex
	entries    []entry
	generation uint64
	threshold  float64

	store  db.CatalogStore
	cache  Cache
	logger logger.Logger
}

// NewMatcher builds a matcher over store. cache may be nil.
func NewMatcher(store db.CatalogStore, cache Cache, threshold float64, log logger.Logger) *Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Matcher{
		store:     store,
		cache:     cache,
		threshold: threshold,
		logger:    log,
	}
}

// Reload replaces the in-memory catalog with the store's contents.
func (m *Matcher) Reload(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	list, err := m.store.ListCanonicalModels(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	m.Load(list)
	recordInvalidation("reload")

	m.logger.Info().Int("models", len(list)).Msg("catalog reloaded")

	return nil
}

// Load replaces the in-memory catalog. list must be in insertion order.
func (m *Matcher) Load(list []models.CanonicalModel) {
	entries := make([]entry, 0, len(list))
	for _, cm := range list {
		entries = append(entries, newEntry(cm))
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].model.ID < entries[j].model.ID })

	m.mu.Lock()
	m.entries = entries
	m.invalidateLocked()
	m.mu.Unlock()
}

// Upsert writes model to the store and to the in-memory catalog.
func (m *Matcher) Upsert(ctx context.Context, model *models.CanonicalModel) error {
	if m.store != nil {
		if err := m.store.UpsertCanonicalModel(ctx, model); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := make([]entry, 0, len(m.entries)+1)
	replaced := false

	for _, e := range m.entries {
		if e.model.ID == model.ID {
			e = newEntry(*model)
			replaced = true
		}

		next = append(next, e)
	}

	if !replaced {
		next = append(next, newEntry(*model))
		sort.SliceStable(next, func(i, j int) bool { return next[i].model.ID < next[j].model.ID })
	}

	m.entries = next
	m.invalidateLocked()
	recordInvalidation("upsert")

	return nil
}

// Remove deletes a catalog entry.
func (m *Matcher) Remove(ctx context.Context, id int64) error {
	if m.store != nil {
		if err := m.store.DeleteCanonicalModel(ctx, id); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := make([]entry, 0, len(m.entries))

	for _, e := range m.entries {
		if e.model.ID != id {
			next = append(next, e)
		}
	}

	m.entries = next
	m.invalidateLocked()
	recordInvalidation("remove")

	return nil
}

func (m *Matcher) invalidateLocked() {
	m.generation++

	if m.cache != nil {
		m.cache.Clear()
	}
}

// SetThreshold changes the default threshold used by Match.
func (m *Matcher) SetThreshold(threshold float64) {
	if threshold <= 0 || threshold > 1 {
		return
	}

	m.mu.Lock()
	m.threshold = threshold
	m.mu.Unlock()
}

// Threshold returns the default threshold.
func (m *Matcher) Threshold() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.threshold
}

// Size returns the number of catalog entries.
func (m *Matcher) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}

// Match returns the best catalog entry at the matcher's threshold. found is
// false when nothing scores at or above it.
func (m *Matcher) Match(manufacturerText, modelText string) (models.CanonicalModel, float64, bool) {
	ranked := m.Candidates(manufacturerText, modelText, m.Threshold(), 1)

	found := len(ranked) > 0
	recordMatch(found)

	if !found {
		return models.CanonicalModel{}, 0, false
	}

	return ranked[0].Model, ranked[0].Score, true
}

// Candidates returns up to limit entries scoring at least threshold, best
// first. Equal scores keep catalog order. limit <= 0 means no limit.
func (m *Matcher) Candidates(manufacturerText, modelText string, threshold float64, limit int) []Candidate {
	query := NormalizeModel(modelText, manufacturerText)
	if query == "" {
		return nil
	}

	mfr := NormalizeManufacturer(manufacturerText)

	m.mu.RLock()
	key := fmt.Sprintf("%d|%s|%s|%.4f", m.generation, mfr, query, threshold)
	entries := m.entries
	m.mu.RUnlock()

	ranked, ok := m.cacheGet(key)
	if !ok {
		ranked = rank(entries, mfr, query, threshold)

		if m.cache != nil {
			m.cache.Set(key, ranked)
		}
	}

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]Candidate, len(ranked))
	copy(out, ranked)

	return out
}

func (m *Matcher) cacheGet(key string) ([]Candidate, bool) {
	if m.cache == nil {
		return nil, false
	}

	ranked, ok := m.cache.Get(key)
	if ok {
		recordCacheHit()
	}

	return ranked, ok
}

func newEntry(cm models.CanonicalModel) entry {
	return entry{
		model: cm,
		mfr:   NormalizeManufacturer(cm.Manufacturer),
		full:  NormalizeModel(cm.Manufacturer+" "+cm.Name, ""),
		bare:  NormalizeModel(cm.Name, ""),
	}
}

func rank(entries []entry, mfr, query string, threshold float64) []Candidate {
	pool := entries

	if mfr != "" {
		narrowed := make([]entry, 0, len(entries))

		for _, e := range entries {
			if e.mfr == mfr {
				narrowed = append(narrowed, e)
			}
		}

		if len(narrowed) > 0 {
			pool = narrowed
		}
	}

	out := make([]Candidate, 0)

	for _, e := range pool {
		score := math.Max(Similarity(query, e.full), Similarity(query, e.bare))

		if mfr != "" && e.mfr == mfr {
			score *= manufacturerBonus
		}

		score = math.Min(score, 1.0)

		if score >= threshold {
			out = append(out, Candidate{Model: e.model, Score: score})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	return out
}

// Similarity is the normalized Levenshtein ratio of a and b in [0, 1].
func Similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)

	longest := max(la, lb)
	if longest == 0 {
		return 0
	}

	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
