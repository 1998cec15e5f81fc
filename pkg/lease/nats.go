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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/nats-io/nats.go/jetstream"
)

type natsValue struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NATSStore keeps leases in a JetStream KV bucket. Every transition is a
// revision-checked write, so two nodes can never both win the same key.
type NATSStore struct {
	kv    jetstream.KeyValue
	clock quartz.Clock
}

var _ Store = (*NATSStore)(nil)

// NewNATSStore wraps an opened KV bucket.
func NewNATSStore(kv jetstream.KeyValue, clock quartz.Clock) *NATSStore {
	if clock == nil {
		clock = quartz.NewReal()
	}

	return &NATSStore{kv: kv, clock: clock}
}

func (s *NATSStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (*Lease, error) {
	if err := validTTL(ttl); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	val := natsValue{Holder: holder, ExpiresAt: now.Add(ttl)}

	payload, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}

	entry, err := s.kv.Get(ctx, key)

	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		rev, err := s.kv.Create(ctx, key, payload)
		if err != nil {
			if isRevisionMismatch(err) {
				return nil, fmt.Errorf("%w: %s", ErrHeld, key)
			}

			return nil, fmt.Errorf("lease create %s: %w", key, err)
		}

		return &Lease{Key: key, Holder: holder, ExpiresAt: val.ExpiresAt, revision: rev}, nil
	case err != nil:
		return nil, fmt.Errorf("lease get %s: %w", key, err)
	}

	var current natsValue
	if err := json.Unmarshal(entry.Value(), &current); err == nil &&
		current.Holder != holder && now.Before(current.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}

	rev, err := s.kv.Update(ctx, key, payload, entry.Revision())
	if err != nil {
		if isRevisionMismatch(err) {
			return nil, fmt.Errorf("%w: %s", ErrHeld, key)
		}

		return nil, fmt.Errorf("lease update %s: %w", key, err)
	}

	return &Lease{Key: key, Holder: holder, ExpiresAt: val.ExpiresAt, revision: rev}, nil
}

func (s *NATSStore) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if err := validTTL(ttl); err != nil {
		return err
	}

	val := natsValue{Holder: lease.Holder, ExpiresAt: s.clock.Now().Add(ttl)}

	payload, err := json.Marshal(val)
	if err != nil {
		return err
	}

	rev, err := s.kv.Update(ctx, lease.Key, payload, lease.revision)
	if err != nil {
		if isRevisionMismatch(err) || errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrLost, lease.Key)
		}

		return fmt.Errorf("lease renew %s: %w", lease.Key, err)
	}

	lease.ExpiresAt = val.ExpiresAt
	lease.revision = rev

	return nil
}

func (s *NATSStore) Release(ctx context.Context, lease *Lease) error {
	err := s.kv.Delete(ctx, lease.Key, jetstream.LastRevision(lease.revision))
	if err != nil {
		if isRevisionMismatch(err) || errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrLost, lease.Key)
		}

		return fmt.Errorf("lease release %s: %w", lease.Key, err)
	}

	return nil
}

func (s *NATSStore) Held(ctx context.Context, key string) (bool, error) {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("lease get %s: %w", key, err)
	}

	var current natsValue
	if err := json.Unmarshal(entry.Value(), &current); err != nil {
		return false, nil
	}

	return s.clock.Now().Before(current.ExpiresAt), nil
}

func isRevisionMismatch(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}

	var apiErr *jetstream.APIError

	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
