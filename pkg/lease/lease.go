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

// Package lease provides time-bounded advisory claims on resource keys. An
// expired lease counts as released, so a crashed holder cannot wedge a key.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carverauto/printradar/pkg/models"
)

var (
	// ErrHeld is returned by Acquire when another holder owns a live lease.
	ErrHeld = fmt.Errorf("%w: lease held", models.ErrRateLimited)
	// ErrLost is returned by Renew and Release when the lease expired and
	// was taken over, or was never ours.
	ErrLost = errors.New("lease lost")
	errInvalidTTL = errors.New("lease ttl must be positive")
)

// Lease is a claim on Key by Holder until ExpiresAt.
type Lease struct {
	Key       string    `json:"key"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`

	revision uint64
}

// Store is a keyed lease table with compare-and-set semantics.
type Store interface {
	// Acquire claims key for holder. Re-acquiring a key the holder already
	// owns extends it.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (*Lease, error)
	// Renew extends a lease previously returned by Acquire.
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error
	// Release drops the lease if it is still ours.
	Release(ctx context.Context, lease *Lease) error
	// Held reports whether a live lease exists on key.
	Held(ctx context.Context, key string) (bool, error)
}

// Key joins parts into a lease key. Characters that are not valid in a
// JetStream KV key are replaced by '_'.
func Key(parts ...string) string {
	clean := make([]string, 0, len(parts))

	for _, p := range parts {
		clean = append(clean, strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				return r
			case r == '-' || r == '_' || r == '=':
				return r
			default:
				return '_'
			}
		}, p))
	}

	return strings.Join(clean, ".")
}

// DeviceKey is the per-device in-flight marker.
func DeviceKey(deviceID string) string {
	return Key("device", deviceID)
}

// ActorSlotKey is one of an actor's rate-limit slots.
func ActorSlotKey(actor string, slot int) string {
	return Key("actor", actor, "slot", fmt.Sprintf("%d", slot))
}

// CooldownKey marks a recent poll of device by actor.
func CooldownKey(actor, deviceID string) string {
	return Key("cooldown", actor, deviceID)
}

func validTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return errInvalidTTL
	}

	return nil
}
