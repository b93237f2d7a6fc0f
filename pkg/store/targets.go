/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fleetops/dispatch/pkg/models"
)

// UpsertTargets configures daily targets for a set of drivers in one
// transaction. Current counters reset to zero on every call.
func (s *Store) UpsertTargets(ctx context.Context, targets []models.DriverTarget) error {
	if len(targets) == 0 {
		return nil
	}
	return s.withTx(ctx, func(callCtx context.Context, tx *sqlx.Tx) error {
		now := time.Now().UTC()
		for _, target := range targets {
			if _, err := tx.ExecContext(callCtx, `
				INSERT INTO driver_targets (driver_id, target_deliveries, target_revenue,
					current_deliveries, current_revenue, status, created_at, updated_at)
				VALUES ($1, $2, $3, 0, 0, 'active', $4, $4)
				ON CONFLICT (driver_id) DO UPDATE SET
					target_deliveries = EXCLUDED.target_deliveries,
					target_revenue = EXCLUDED.target_revenue,
					current_deliveries = 0,
					current_revenue = 0,
					status = 'active',
					updated_at = EXCLUDED.updated_at`,
				target.DriverID, target.TargetDeliveries, target.TargetRevenue, now); err != nil {
				return fmt.Errorf("upserting target for %s, %w", target.DriverID, err)
			}
		}
		return nil
	})
}

// IncrementProgress adds to a driver's running counters. Counters only ever
// move up between resets; a missing target row is an error.
func (s *Store) IncrementProgress(ctx context.Context, driverID string, deliveries int, revenue float64) error {
	if deliveries < 0 || revenue < 0 {
		return fmt.Errorf("progress increments must be non-negative, got %d/%v", deliveries, revenue)
	}
	return s.mutate(ctx, func(callCtx context.Context) error {
		res, err := s.db.ExecContext(callCtx, `
			UPDATE driver_targets
			SET current_deliveries = current_deliveries + $2,
				current_revenue = current_revenue + $3,
				updated_at = $4
			WHERE driver_id = $1`,
			driverID, deliveries, revenue, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("incrementing progress for %s, %w", driverID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: no target configured for driver %s", models.ErrNotFound, driverID)
		}
		return nil
	})
}

// GetTarget returns the target row for one driver.
func (s *Store) GetTarget(ctx context.Context, driverID string) (models.DriverTarget, error) {
	var target models.DriverTarget
	err := s.read(ctx, func(callCtx context.Context) error {
		return s.db.GetContext(callCtx, &target, `
			SELECT driver_id, target_deliveries, target_revenue, current_deliveries,
				current_revenue, status, created_at, updated_at
			FROM driver_targets WHERE driver_id = $1`, driverID)
	})
	if err != nil {
		return models.DriverTarget{}, fmt.Errorf("getting target for %s, %w", driverID, err)
	}
	return target, nil
}

// Targets lists every target row, with a stale fallback.
func (s *Store) Targets(ctx context.Context) ([]models.DriverTarget, bool, error) {
	return readThrough(ctx, s, "targets/all", func(callCtx context.Context) ([]models.DriverTarget, error) {
		var targets []models.DriverTarget
		err := s.db.SelectContext(callCtx, &targets, `
			SELECT driver_id, target_deliveries, target_revenue, current_deliveries,
				current_revenue, status, created_at, updated_at
			FROM driver_targets ORDER BY driver_id`)
		return targets, err
	})
}

// ResetTargets zeroes every current counter, typically at shift start.
func (s *Store) ResetTargets(ctx context.Context) error {
	return s.mutate(ctx, func(callCtx context.Context) error {
		_, err := s.db.ExecContext(callCtx,
			`UPDATE driver_targets SET current_deliveries = 0, current_revenue = 0, updated_at = $1`,
			time.Now().UTC())
		return err
	})
}

// UpsertSnapshot records a daily performance snapshot. A second call for the
// same (driver, date) is a no-op.
func (s *Store) UpsertSnapshot(ctx context.Context, snap models.PerformanceSnapshot) error {
	return s.mutate(ctx, func(callCtx context.Context) error {
		_, err := s.db.NamedExecContext(callCtx, `
			INSERT INTO performance_snapshots (driver_id, date, deliveries_completed, revenue_generated,
				target_deliveries, target_revenue, target_achieved, achievement_percent)
			VALUES (:driver_id, :date, :deliveries_completed, :revenue_generated,
				:target_deliveries, :target_revenue, :target_achieved, :achievement_percent)
			ON CONFLICT (driver_id, date) DO NOTHING`,
			snap)
		if err != nil {
			return fmt.Errorf("upserting snapshot for %s, %w", snap.DriverID, err)
		}
		return nil
	})
}
