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

package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"github.com/carverauto/printradar/pkg/db"
	"github.com/carverauto/printradar/pkg/logger"
	"github.com/carverauto/printradar/pkg/models"
)

const defaultParallelism = 4

var errRowPeriodMissing = fmt.Errorf("%w: report row needs a period", models.ErrValidation)

// SyncResult summarises one synchronisation run.
type SyncResult struct {
	UpdatedRows int `json:"updated_rows"`
	Groups      int `json:"groups_recomputed"`
}

func (s *SyncResult) add(o SyncResult) {
	s.UpdatedRows += o.UpdatedRows
	s.Groups += o.Groups
}

// Reconciler recomputes report totals and pulls counters from the poll
// history into report rows.
type Reconciler struct {
	store       db.Service
	clock       quartz.Clock
	logger      logger.Logger
	parallelism int
}

// NewReconciler returns a reconciler over store.
func NewReconciler(store db.Service, clock quartz.Clock, log logger.Logger) *Reconciler {
	if clock == nil {
		clock = quartz.NewReal()
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Reconciler{
		store:       store,
		clock:       clock,
		logger:      log,
		parallelism: defaultParallelism,
	}
}

// RecomputeGroup redistributes the totals of one duplicate group. Rows
// without a key are not grouped; each is billed on its own.
func (r *Reconciler) RecomputeGroup(ctx context.Context, period time.Time, key string) ([]*models.ReportRow, error) {
	var rows []*models.ReportRow

	err := r.store.WithTx(ctx, func(tx db.Service) error {
		var err error

		rows, err = recomputeGroup(ctx, tx, models.PeriodOf(period), key)

		return err
	})

	return rows, err
}

func recomputeGroup(ctx context.Context, store db.ReportStore, period time.Time, key string) ([]*models.ReportRow, error) {
	rows, err := store.ListGroup(ctx, period, key)
	if err != nil {
		return nil, err
	}

	var changed []*models.ReportRow

	if key == "" {
		for _, row := range rows {
			changed = append(changed, Distribute([]*models.ReportRow{row})...)
		}
	} else {
		changed = Distribute(rows)
	}

	if len(changed) == 0 {
		return rows, nil
	}

	if err := store.SaveRows(ctx, changed); err != nil {
		return nil, err
	}

	return rows, nil
}

// RecomputePeriod recomputes every group of period and returns the number
// of groups processed.
func (r *Reconciler) RecomputePeriod(ctx context.Context, period time.Time) (int, error) {
	period = models.PeriodOf(period)

	rows, err := r.store.ListRows(ctx, period)
	if err != nil {
		return 0, err
	}

	keys := groupKeys(rows)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)

	for _, key := range keys {
		g.Go(func() error {
			_, err := r.RecomputeGroup(gctx, period, key)
			if err != nil {
				return fmt.Errorf("recompute group %q: %w", key, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	r.logger.Info().
		Str("period", period.Format("2006-01")).
		Int("groups", len(keys)).
		Msg("period recomputed")

	return len(keys), nil
}

func groupKeys(rows []*models.ReportRow) []string {
	seen := make(map[string]struct{}, len(rows))
	keys := make([]string, 0, len(rows))

	for _, row := range rows {
		k := row.GroupKey()
		if _, ok := seen[k]; ok {
			continue
		}

		seen[k] = struct{}{}
		keys = append(keys, k)
	}

	return keys
}

// AddRow inserts row into an editable period and recomputes its group.
func (r *Reconciler) AddRow(ctx context.Context, row *models.ReportRow) error {
	if row.Period.IsZero() {
		return errRowPeriodMissing
	}

	row.Period = models.PeriodOf(row.Period)

	return r.store.WithTx(ctx, func(tx db.Service) error {
		if err := r.requireOpen(ctx, tx, row.Period); err != nil {
			return err
		}

		if err := tx.InsertRow(ctx, row); err != nil {
			return err
		}

		rows, err := recomputeGroup(ctx, tx, row.Period, row.GroupKey())
		if err != nil {
			return err
		}

		for _, got := range rows {
			if got.ID == row.ID {
				row.Total = got.Total
			}
		}

		return nil
	})
}

// UpdateRow saves an operator edit. End counters that changed are marked
// manual so later synchronisation leaves them alone. The group the row
// left and the group it now belongs to are both recomputed.
func (r *Reconciler) UpdateRow(ctx context.Context, row *models.ReportRow) (*models.ReportRow, error) {
	var saved *models.ReportRow

	err := r.store.WithTx(ctx, func(tx db.Service) error {
		old, err := tx.GetRow(ctx, row.ID)
		if err != nil {
			return err
		}

		next := *row
		if next.Period.IsZero() {
			next.Period = old.Period
		}

		next.Period = models.PeriodOf(next.Period)

		if err := r.requireOpen(ctx, tx, old.Period); err != nil {
			return err
		}

		if !next.Period.Equal(old.Period) {
			if err := r.requireOpen(ctx, tx, next.Period); err != nil {
				return err
			}
		}

		markManual(old, &next)

		if err := tx.SaveRows(ctx, []*models.ReportRow{&next}); err != nil {
			return err
		}

		if _, err := recomputeGroup(ctx, tx, old.Period, old.GroupKey()); err != nil {
			return err
		}

		if next.GroupKey() != old.GroupKey() || !next.Period.Equal(old.Period) {
			if _, err := recomputeGroup(ctx, tx, next.Period, next.GroupKey()); err != nil {
				return err
			}
		}

		saved, err = tx.GetRow(ctx, row.ID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return saved, nil
}

func markManual(old, next *models.ReportRow) {
	mark := func(before, after int64, manual, auto *bool) {
		if before != after {
			*manual = true
			*auto = false
		}
	}

	mark(old.End.A4BW, next.End.A4BW, &next.EndManual.A4BW, &next.EndAuto.A4BW)
	mark(old.End.A4Color, next.End.A4Color, &next.EndManual.A4Color, &next.EndAuto.A4Color)
	mark(old.End.A3BW, next.End.A3BW, &next.EndManual.A3BW, &next.EndAuto.A3BW)
	mark(old.End.A3Color, next.End.A3Color, &next.EndManual.A3Color, &next.EndAuto.A3Color)
}

func (r *Reconciler) requireOpen(ctx context.Context, store db.ReportStore, period time.Time) error {
	pc, err := store.GetPeriodControl(ctx, period)

	switch {
	case errors.Is(err, models.ErrNotFound):
		return fmt.Errorf("%w: %s", models.ErrPeriodClosed, period.Format("2006-01"))
	case err != nil:
		return err
	case !pc.IsOpen(r.clock.Now()):
		return fmt.Errorf("%w: %s", models.ErrPeriodClosed, period.Format("2006-01"))
	}

	return nil
}

// SyncPeriod fills the counters of period's rows from the successful
// snapshots taken during the period. When serials is non-empty only rows
// with those serial numbers are touched. Start counters are only written
// while empty. End counters are written while empty or previously synced,
// never over a manual edit. A closed period returns models.ErrPeriodClosed.
func (r *Reconciler) SyncPeriod(ctx context.Context, period time.Time, serials []string) (SyncResult, error) {
	period = models.PeriodOf(period)

	var res SyncResult

	err := r.store.WithTx(ctx, func(tx db.Service) error {
		if err := r.requireOpen(ctx, tx, period); err != nil {
			return err
		}

		var err error

		res, err = r.syncPeriod(ctx, tx, period, serials)

		return err
	})
	if err != nil {
		return SyncResult{}, err
	}

	return res, nil
}

func (r *Reconciler) syncPeriod(ctx context.Context, tx db.Service, period time.Time, serials []string) (SyncResult, error) {
	rows, err := tx.ListRows(ctx, period)
	if err != nil {
		return SyncResult{}, err
	}

	wanted := make(map[string]struct{}, len(serials))
	for _, s := range serials {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			wanted[s] = struct{}{}
		}
	}

	groups := make(map[string][]*models.ReportRow)
	order := make([]string, 0)

	for _, row := range rows {
		serial := strings.ToLower(strings.TrimSpace(row.SerialNumber))
		if serial == "" {
			continue
		}

		if _, ok := wanted[serial]; len(wanted) > 0 && !ok {
			continue
		}

		if _, ok := groups[serial]; !ok {
			order = append(order, serial)
		}

		groups[serial] = append(groups[serial], row)
	}

	now := r.clock.Now().UTC()

	to := period.AddDate(0, 1, 0)
	if now.Before(to) {
		to = now
	}

	var res SyncResult

	for _, serial := range order {
		group := groups[serial]

		first, last, err := tx.GoodSnapshotsForSerial(ctx, group[0].SerialNumber, period, to)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}

		if err != nil {
			return SyncResult{}, err
		}

		var touched []*models.ReportRow

		for _, row := range group {
			if applySnapshots(row, first, last, now) {
				touched = append(touched, row)
			}
		}

		if len(touched) == 0 {
			continue
		}

		if err := tx.SaveRows(ctx, touched); err != nil {
			return SyncResult{}, err
		}

		if _, err := recomputeGroup(ctx, tx, period, group[0].GroupKey()); err != nil {
			return SyncResult{}, err
		}

		res.UpdatedRows += len(touched)
		res.Groups++
	}

	if res.Groups > 0 {
		r.logger.Info().
			Str("period", period.Format("2006-01")).
			Int("rows", res.UpdatedRows).
			Int("groups", res.Groups).
			Msg("report rows synced from poll history")
	}

	return res, nil
}

// applySnapshots copies counters from the first and last good snapshot of
// the period onto row and reports whether anything changed.
func applySnapshots(row *models.ReportRow, first, last *models.PollSnapshot, now time.Time) bool {
	touched := false

	if last != nil {
		if row.DeviceAddress != last.Address {
			row.DeviceAddress = last.Address
			touched = true
		}

		if row.LastGoodAt == nil || !row.LastGoodAt.Equal(last.Timestamp) {
			ts := last.Timestamp
			row.LastGoodAt = &ts
			touched = true
		}
	}

	if first != nil && first.Reading != nil {
		start := func(cur *int64, v int64) {
			if *cur == 0 && v != 0 {
				*cur = v
				touched = true
			}
		}

		start(&row.Start.A4BW, first.Reading.A4BW)
		start(&row.Start.A4Color, first.Reading.A4Color)
		start(&row.Start.A3BW, first.Reading.A3BW)
		start(&row.Start.A3Color, first.Reading.A3Color)
	}

	if last != nil && last.Reading != nil {
		end := func(cur *int64, v int64, manual bool, auto *bool) {
			if manual || (*cur != 0 && !*auto) {
				return
			}

			if *cur != v || !*auto {
				*cur = v
				*auto = true
				touched = true
			}
		}

		end(&row.End.A4BW, last.Reading.A4BW, row.EndManual.A4BW, &row.EndAuto.A4BW)
		end(&row.End.A4Color, last.Reading.A4Color, row.EndManual.A4Color, &row.EndAuto.A4Color)
		end(&row.End.A3BW, last.Reading.A3BW, row.EndManual.A3BW, &row.EndAuto.A3BW)
		end(&row.End.A3Color, last.Reading.A3Color, row.EndManual.A3Color, &row.EndAuto.A3Color)
	}

	if touched {
		row.AutoSyncedAt = &now
	}

	return touched
}

// SyncSerial syncs the rows carrying serial in every open period that has
// auto-sync enabled. It is called after each successful snapshot.
func (r *Reconciler) SyncSerial(ctx context.Context, serial string) (SyncResult, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return SyncResult{}, fmt.Errorf("%w: empty serial", models.ErrValidation)
	}

	periods, err := r.store.ListOpenPeriods(ctx, r.clock.Now())
	if err != nil {
		return SyncResult{}, err
	}

	var total SyncResult

	for _, pc := range periods {
		if !pc.AutoSyncEnabled {
			continue
		}

		res, err := r.SyncPeriod(ctx, pc.Period, []string{serial})
		if errors.Is(err, models.ErrPeriodClosed) {
			// closed between listing and syncing
			continue
		}

		if err != nil {
			return total, err
		}

		total.add(res)
	}

	return total, nil
}
