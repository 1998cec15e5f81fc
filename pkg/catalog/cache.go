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
	"github.com/dgraph-io/ristretto/v2"
)

// Cache memoises ranked candidate lists by normalized query.
type Cache interface {
	Get(key string) ([]Candidate, bool)
	Set(key string, value []Candidate)
	Clear()
}

// RistrettoCache is a bounded Cache with admission control.
type RistrettoCache struct {
	c *ristretto.Cache[string, []Candidate]
}

var _ Cache = (*RistrettoCache)(nil)

// NewRistrettoCache returns a cache holding about maxEntries results.
func NewRistrettoCache(maxEntries int64) (*RistrettoCache, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}

	c, err := ristretto.NewCache(&ristretto.Config[string, []Candidate]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &RistrettoCache{c: c}, nil
}

func (r *RistrettoCache) Get(key string) ([]Candidate, bool) {
	return r.c.Get(key)
}

func (r *RistrettoCache) Set(key string, value []Candidate) {
	r.c.Set(key, value, 1)
}

func (r *RistrettoCache) Clear() {
	r.c.Clear()
}

// Wait blocks until buffered writes are visible to Get.
func (r *RistrettoCache) Wait() {
	r.c.Wait()
}

// Close stops the cache's background goroutines.
func (r *RistrettoCache) Close() {
	r.c.Close()
}
