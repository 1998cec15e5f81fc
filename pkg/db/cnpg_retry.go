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

package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/carverauto/printradar/pkg/models"
)

// PostgreSQL SQLSTATE codes that classify an error.
const (
	sqlstateDeadlockDetected    = "40P01"
	sqlstateSerializationFailed = "40001"
	sqlstateInternalError       = "XX000"
	sqlstateStatementTimeout    = "57014"
	sqlstateUniqueViolation     = "23505"
)

const (
	defaultCNPGMaxRetryAttempts  = 3
	defaultCNPGDeadlockBackoffMs = 500
	defaultCNPGBaseBackoffMs     = 150
	cnpgMaxRetryAttemptsEnv      = "CNPG_MAX_RETRY_ATTEMPTS"
	cnpgDeadlockBackoffMsEnv     = "CNPG_DEADLOCK_BACKOFF_MS"
)

// classifyCNPGError returns the SQLSTATE code of err and whether the unit of
// work that produced it may be retried as a whole.
func classifyCNPGError(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateDeadlockDetected, sqlstateSerializationFailed,
			sqlstateInternalError, sqlstateStatementTimeout:
			return pgErr.Code, true
		}

		return pgErr.Code, false
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "40p01"), strings.Contains(msg, "deadlock detected"):
		return sqlstateDeadlockDetected, true
	case strings.Contains(msg, "40001"), strings.Contains(msg, "could not serialize access"):
		return sqlstateSerializationFailed, true
	case strings.Contains(msg, "57014"), strings.Contains(msg, "statement timeout"):
		return sqlstateStatementTimeout, true
	default:
		return "", false
	}
}

// translateCNPGError maps driver errors onto the shared model error kinds.
func translateCNPGError(err error, what string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrNotFound, what)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", models.ErrTimeout, what, err)
	}

	code, transient := classifyCNPGError(err)

	switch {
	case code == sqlstateUniqueViolation:
		return fmt.Errorf("%w: %s: %w", models.ErrConflict, what, err)
	case transient:
		return fmt.Errorf("%w: %s: %w", models.ErrTransient, what, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

// cnpgBackoffDelay is exponential in attempt with up to one base of jitter.
// Deadlocks and serialization failures back off longer.
func cnpgBackoffDelay(attempt int, sqlstate string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var base time.Duration

	switch sqlstate {
	case sqlstateDeadlockDetected, sqlstateSerializationFailed:
		base = time.Duration(getCNPGDeadlockBackoffMs()) * time.Millisecond
	default:
		base = time.Duration(defaultCNPGBaseBackoffMs) * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))

	return delay + time.Duration(rand.Int64N(int64(base)))
}

// runTx runs fn in a serializable transaction, retrying the whole
// transaction on transient errors. fn must be safe to re-run.
func (s *CNPGStore) runTx(ctx context.Context, name string, fn func(pgx.Tx) error) error {
	maxAttempts := getCNPGMaxRetryAttempts()

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return translateCNPGError(err, name)
		}

		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
		if err == nil {
			if attempt > 1 {
				recordCNPGRetrySuccess(name)
			}

			return nil
		}

		lastErr = err
		code, transient := classifyCNPGError(err)

		switch code {
		case sqlstateDeadlockDetected:
			recordCNPGDeadlock(name)
		case sqlstateSerializationFailed:
			recordCNPGSerializationFailure(name)
		}

		if !transient || attempt == maxAttempts {
			break
		}

		recordCNPGRetry(name)

		delay := cnpgBackoffDelay(attempt, code)

		s.logger.Warn().
			Err(err).
			Str("sqlstate", code).
			Str("unit", name).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("backoff", delay).
			Msg("cnpg transient error, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return translateCNPGError(ctx.Err(), name)
		case <-timer.C:
		}
	}

	// Errors produced by fn itself already carry a model kind.
	var pgErr *pgconn.PgError
	if errors.As(lastErr, &pgErr) {
		return translateCNPGError(lastErr, name)
	}

	if _, transient := classifyCNPGError(lastErr); transient {
		return translateCNPGError(lastErr, name)
	}

	return lastErr
}

func getCNPGMaxRetryAttempts() int {
	return positiveEnvInt(cnpgMaxRetryAttemptsEnv, defaultCNPGMaxRetryAttempts)
}

func getCNPGDeadlockBackoffMs() int {
	return positiveEnvInt(cnpgDeadlockBackoffMsEnv, defaultCNPGDeadlockBackoffMs)
}

func positiveEnvInt(name string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(val)
	if err != nil || parsed <= 0 {
		return fallback
	}

	return parsed
}
