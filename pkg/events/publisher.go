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

// Package events publishes device change events to JetStream.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/printradar/pkg/logger"
	"github.com/carverauto/printradar/pkg/models"
	"github.com/carverauto/printradar/pkg/natsutil"
)

// Publisher fans committed change events out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, events []*models.ChangeEvent) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, []*models.ChangeEvent) error { return nil }

// Subject returns the subject an event of kind is published on.
func Subject(prefix string, kind models.ChangeKind) string {
	return prefix + "." + string(kind)
}

// NATSPublisher writes events to a JetStream stream, one subject per kind.
type NATSPublisher struct {
	js     jetstream.JetStream
	prefix string
	logger logger.Logger
}

var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher makes sure the stream covers "<prefix>.>" and returns a
// publisher for it.
func NewNATSPublisher(ctx context.Context, js jetstream.JetStream, cfg models.EventsConfig, log logger.Logger) (*NATSPublisher, error) {
	if log == nil {
		log = logger.NewTestLogger()
	}

	if err := natsutil.EnsureStream(ctx, js, cfg.StreamName, cfg.SubjectPrefix+".>"); err != nil {
		return nil, fmt.Errorf("ensure event stream: %w", err)
	}

	return &NATSPublisher{js: js, prefix: cfg.SubjectPrefix, logger: log}, nil
}

// Publish sends events in order. The event ID is used as the message ID so
// a retried publish is deduplicated by the stream.
func (p *NATSPublisher) Publish(ctx context.Context, events []*models.ChangeEvent) error {
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal change event: %w", err)
		}

		subject := Subject(p.prefix, e.Kind)

		if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(e.ID.String())); err != nil {
			return fmt.Errorf("%w: publish %s: %w", models.ErrTransient, subject, err)
		}

		p.logger.Debug().
			Str("subject", subject).
			Str("device_id", e.DeviceID.String()).
			Msg("change event published")
	}

	return nil
}
