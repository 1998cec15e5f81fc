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
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const reloadTimeout = 30 * time.Second

// WatchChanges reloads the matcher whenever a message arrives on subject.
// Catalog administration publishes there after editing the catalog. The
// subscription ends when ctx is done.
func (m *Matcher) WatchChanges(ctx context.Context, nc *nats.Conn, subject string) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		reloadCtx, cancel := context.WithTimeout(ctx, reloadTimeout)
		defer cancel()

		if err := m.Reload(reloadCtx); err != nil {
			m.logger.Error().Err(err).Str("subject", msg.Subject).Msg("catalog reload after change notification failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()

		_ = sub.Unsubscribe()
	}()

	return sub, nil
}

// NotifyChanged tells every watching matcher to reload.
func NotifyChanged(nc *nats.Conn, subject string) error {
	if err := nc.Publish(subject, nil); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	return nc.Flush()
}
