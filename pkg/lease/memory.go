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

package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
)

type memoryEntry struct {
	holder    string
	expiresAt time.Time
	revision  uint64
}

// MemoryStore is a single-process lease table.
type MemoryStore struct {
	mu      sync.Mutex
	clock   quartz.Clock
	entries map[string]*memoryEntry
	seq     uint64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty table reading time from clock.
func NewMemoryStore(clock quartz.Clock) *MemoryStore {
	if clock == nil {
		clock = quartz.NewReal()
	}

	return &MemoryStore{clock: clock, entries: make(map[string]*memoryEntry)}
}

func (m *MemoryStore) Acquire(_ context.Context, key, holder string, ttl time.Duration) (*Lease, error) {
	if err := validTTL(ttl); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	if e, ok := m.entries[key]; ok && e.holder != holder && now.Before(e.expiresAt) {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}

	m.seq++
	e := &memoryEntry{holder: holder, expiresAt: now.Add(ttl), revision: m.seq}
	m.entries[key] = e

	return &Lease{Key: key, Holder: holder, ExpiresAt: e.expiresAt, revision: e.revision}, nil
}

func (m *MemoryStore) Renew(_ context.Context, lease *Lease, ttl time.Duration) error {
	if err := validTTL(ttl); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[lease.Key]
	if !ok || e.revision != lease.revision {
		return fmt.Errorf("%w: %s", ErrLost, lease.Key)
	}

	m.seq++
	e.expiresAt = m.clock.Now().Add(ttl)
	e.revision = m.seq
	lease.ExpiresAt = e.expiresAt
	lease.revision = e.revision

	return nil
}

func (m *MemoryStore) Release(_ context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[lease.Key]
	if !ok || e.revision != lease.revision {
		return fmt.Errorf("%w: %s", ErrLost, lease.Key)
	}

	delete(m.entries, lease.Key)

	return nil
}

func (m *MemoryStore) Held(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}

	if !m.clock.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		return false, nil
	}

	return true, nil
}
