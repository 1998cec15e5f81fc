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
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carverauto/printradar/pkg/logger"
	"github.com/carverauto/printradar/pkg/models"
)

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// CNPGStore is the Postgres-backed Service. A store bound to a transaction
// is handed to WithTx and WithAddressLock callbacks; nested units of work on
// it reuse the open transaction.
type CNPGStore struct {
	pool   *pgxpool.Pool
	q      pgxQuerier
	logger logger.Logger
	inTx   bool
}

var _ Service = (*CNPGStore)(nil)

// New connects to CNPG, applies migrations and returns the store.
func New(ctx context.Context, cfg *models.CNPGDatabase, log logger.Logger) (*CNPGStore, error) {
	pool, err := NewCNPGPool(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	if err := RunCNPGMigrations(ctx, pool, log); err != nil {
		pool.Close()
		return nil, err
	}

	return NewCNPGStore(pool, log), nil
}

// NewCNPGStore wraps an existing pool.
func NewCNPGStore(pool *pgxpool.Pool, log logger.Logger) *CNPGStore {
	return &CNPGStore{pool: pool, q: pool, logger: log}
}

func (s *CNPGStore) Close() error {
	if !s.inTx {
		s.pool.Close()
	}

	return nil
}

func (s *CNPGStore) withTx(tx pgx.Tx) *CNPGStore {
	return &CNPGStore{pool: s.pool, q: tx, logger: s.logger, inTx: true}
}

func (s *CNPGStore) WithTx(ctx context.Context, fn func(Service) error) error {
	if s.inTx {
		return fn(s)
	}

	return s.runTx(ctx, "tx", func(tx pgx.Tx) error {
		return fn(s.withTx(tx))
	})
}

func (s *CNPGStore) WithAddressLock(ctx context.Context, address string, fn func(Service) error) error {
	if address == "" {
		return ErrAddressNeeded
	}

	lockAndRun := func(store *CNPGStore) error {
		if _, err := store.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, address); err != nil {
			return translateCNPGError(err, "address lock")
		}

		return fn(store)
	}

	if s.inTx {
		return lockAndRun(s)
	}

	return s.runTx(ctx, "address:"+address, func(tx pgx.Tx) error {
		return lockAndRun(s.withTx(tx))
	})
}

// prefixColumns qualifies a comma separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}

	return strings.Join(parts, ", ")
}
