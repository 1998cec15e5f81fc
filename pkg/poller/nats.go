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

package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/carverauto/printradar/pkg/logger"
	"github.com/carverauto/printradar/pkg/models"
)

const defaultRequestTimeout = 30 * time.Second

var (
	errInvalidAddress = fmt.Errorf("%w: address cannot be used as a subject token", models.ErrValidation)
	errMalformedReply = fmt.Errorf("%w: malformed poller reply", models.ErrValidation)
)

// Subject returns the request subject for address under prefix. Dots in the
// address stay token separators; characters NATS reserves are replaced.
func Subject(prefix, address string) (string, error) {
	address = strings.Map(func(r rune) rune {
		switch r {
		case '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}

		return r
	}, strings.Trim(strings.TrimSpace(address), "."))

	if address == "" || strings.Contains(address, "..") {
		return "", errInvalidAddress
	}

	return prefix + "." + address, nil
}

// NATSPoller asks the collaborator for telemetry over NATS request/reply.
type NATSPoller struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	logger  logger.Logger
}

var _ Poller = (*NATSPoller)(nil)

// NewNATSPoller returns a poller publishing requests under cfg.SubjectPrefix.
func NewNATSPoller(nc *nats.Conn, cfg models.PollerConfig, log logger.Logger) *NATSPoller {
	if log == nil {
		log = logger.NewTestLogger()
	}

	timeout := time.Duration(cfg.RequestTimeout)
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "printradar.poll"
	}

	return &NATSPoller{nc: nc, prefix: prefix, timeout: timeout, logger: log}
}

// Poll sends target to the collaborator and decodes its telemetry reply.
func (p *NATSPoller) Poll(ctx context.Context, target models.PollTarget) (*models.Telemetry, error) {
	subject, err := Subject(p.prefix, target.Address)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("marshal poll request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg, err := p.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, classify(err)
	}

	var tel models.Telemetry
	if err := json.Unmarshal(msg.Data, &tel); err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Msg("discarding malformed poller reply")
		return nil, fmt.Errorf("%w: %w", errMalformedReply, err)
	}

	return &tel, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return fmt.Errorf("%w: poller did not answer: %w", models.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: poll request: %w", models.ErrTransient, err)
	}
}

// Serve answers poll requests under prefix with p. It is the responder side
// of NATSPoller and is used by collaborator shims and tests.
func Serve(nc *nats.Conn, prefix string, p Poller, log logger.Logger) (*nats.Subscription, error) {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return nc.Subscribe(prefix+".>", func(msg *nats.Msg) {
		var target models.PollTarget
		if err := json.Unmarshal(msg.Data, &target); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("ignoring malformed poll request")
			return
		}

		tel, err := p.Poll(context.Background(), target)
		if err != nil {
			tel = &models.Telemetry{ErrorDetail: err.Error()}
		}

		data, err := json.Marshal(tel)
		if err != nil {
			log.Error().Err(err).Msg("failed to marshal telemetry")
			return
		}

		if err := msg.Respond(data); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("failed to respond to poll request")
		}
	})
}
