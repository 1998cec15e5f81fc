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

package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the reconciliation pipeline. Callers classify
// failures with errors.Is; ErrorKind maps them onto the names stored on
// poll snapshots.
var (
	ErrNotFound                = errors.New("not found")
	ErrConflict                = errors.New("identifier conflict")
	ErrRateLimited             = errors.New("rate limited")
	ErrValidation              = errors.New("validation error")
	ErrHistoricalInconsistency = errors.New("historical inconsistency")
	ErrTimeout                 = errors.New("timeout")
	ErrTransient               = errors.New("transient i/o error")
	ErrPeriodClosed            = errors.New("billing period is closed for edits")

	ErrAlreadyRunning = fmt.Errorf("%w: poll already running for device", ErrRateLimited)
	ErrActorLimit     = fmt.Errorf("%w: actor poll limit reached", ErrRateLimited)
	ErrCooldown       = fmt.Errorf("%w: device polled by actor too recently", ErrRateLimited)
	ErrQueueFull      = fmt.Errorf("%w: poll queue is full", ErrRateLimited)
)

// Error kinds persisted on PollSnapshot.ErrorKind.
const (
	ErrorKindNone                    = ""
	ErrorKindNotFound                = "not_found"
	ErrorKindConflict                = "conflict"
	ErrorKindAlreadyRunning          = "already_running"
	ErrorKindRateLimited             = "rate_limited"
	ErrorKindValidation              = "validation"
	ErrorKindHistoricalInconsistency = "historical_inconsistency"
	ErrorKindTimeout                 = "timeout"
	ErrorKindTransient               = "transient"
	ErrorKindPollFailed              = "poll_failed"
	ErrorKindInternal                = "internal"
)

// ErrorKind returns the taxonomy name for err.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrAlreadyRunning):
		return ErrorKindAlreadyRunning
	case errors.Is(err, ErrRateLimited):
		return ErrorKindRateLimited
	case errors.Is(err, ErrConflict):
		return ErrorKindConflict
	case errors.Is(err, ErrNotFound):
		return ErrorKindNotFound
	case errors.Is(err, ErrValidation):
		return ErrorKindValidation
	case errors.Is(err, ErrHistoricalInconsistency):
		return ErrorKindHistoricalInconsistency
	case errors.Is(err, ErrTimeout):
		return ErrorKindTimeout
	case errors.Is(err, ErrTransient):
		return ErrorKindTransient
	default:
		return ErrorKindInternal
	}
}

// IsRetryable reports whether err may succeed on another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
