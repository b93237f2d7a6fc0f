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
	"github.com/samber/lo"

	"github.com/fleetops/dispatch/pkg/models"
)

// GetDriver returns a single driver row, preferring the liveness cache for
// the location fields when available.
func (s *Store) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	var driver models.Driver
	err := s.read(ctx, func(callCtx context.Context) error {
		return s.db.GetContext(callCtx, &driver, `
			SELECT id, name, vehicle_type, capacity_kg, current_lat, current_lng, status, last_heartbeat_at
			FROM drivers WHERE id = $1`, id)
	})
	if err != nil {
		return models.Driver{}, fmt.Errorf("getting driver %s, %w", id, err)
	}
	s.overlayLiveness(ctx, &driver)
	return driver, nil
}

// Drivers lists all drivers.
func (s *Store) Drivers(ctx context.Context) ([]models.Driver, error) {
	var drivers []models.Driver
	err := s.query(ctx, func(callCtx context.Context) error {
		return s.db.SelectContext(callCtx, &drivers, `
			SELECT id, name, vehicle_type, capacity_kg, current_lat, current_lng, status, last_heartbeat_at
			FROM drivers ORDER BY id`)
	})
	if err != nil {
		return nil, fmt.Errorf("listing drivers, %w", err)
	}
	for i := range drivers {
		s.overlayLiveness(ctx, &drivers[i])
	}
	return drivers, nil
}

// AvailableCandidates returns every available driver enriched with the
// derived load, queue, and target state the scorer consumes. The derived
// fields come from the same store round trip so concurrent assignments
// serialize through the store. Serves a stale snapshot while unavailable.
func (s *Store) AvailableCandidates(ctx context.Context) ([]models.Candidate, bool, error) {
	candidates, stale, err := readThrough(ctx, s, "drivers/candidates", func(callCtx context.Context) ([]models.Candidate, error) {
		var rows []models.Candidate
		err := s.db.SelectContext(callCtx, &rows, `
			SELECT d.id, d.name, d.vehicle_type, d.capacity_kg, d.current_lat, d.current_lng,
				d.status, d.last_heartbeat_at,
				COALESCE(q.load_kg, 0) AS current_load_kg,
				COALESCE(q.order_count, 0) AS active_orders,
				COALESCE(t.current_deliveries, 0) AS current_deliveries,
				COALESCE(t.current_revenue, 0) AS current_revenue,
				COALESCE(t.target_deliveries, 0) AS target_deliveries,
				COALESCE(t.target_revenue, 0) AS target_revenue
			FROM drivers d
			LEFT JOIN (
				SELECT assigned_driver_id, SUM(load_kg) AS load_kg, COUNT(*) AS order_count
				FROM orders
				WHERE status IN ('assigned', 'pickedUp', 'inTransit')
				GROUP BY assigned_driver_id
			) q ON q.assigned_driver_id = d.id
			LEFT JOIN driver_targets t ON t.driver_id = d.id
			WHERE d.status = 'available'
			ORDER BY d.id`)
		if err != nil {
			return nil, err
		}
		if err := s.fillRoutePickups(callCtx, rows); err != nil {
			return nil, err
		}
		return rows, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("listing candidates, %w", err)
	}
	for i := range candidates {
		s.overlayLiveness(ctx, &candidates[i].Driver)
	}
	return candidates, stale, nil
}

// fillRoutePickups attaches the pickup ids of each candidate's active routes.
func (s *Store) fillRoutePickups(ctx context.Context, candidates []models.Candidate) error {
	if len(candidates) == 0 {
		return nil
	}
	ids := lo.Map(candidates, func(c models.Candidate, _ int) string { return c.ID })
	query, args, err := sqlx.In(`
		SELECT driver_id, pickup_id FROM routes
		WHERE status IN ('planned', 'dispatched') AND driver_id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("building route pickup query, %w", err)
	}
	var rows []struct {
		DriverID string `db:"driver_id"`
		PickupID string `db:"pickup_id"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("listing route pickups, %w", err)
	}
	byDriver := map[string][]string{}
	for _, row := range rows {
		byDriver[row.DriverID] = append(byDriver[row.DriverID], row.PickupID)
	}
	for i := range candidates {
		candidates[i].RoutePickupIDs = byDriver[candidates[i].ID]
	}
	return nil
}

// Heartbeat records a driver location update. The store row is authoritative;
// the liveness cache makes the location cheap to read between heartbeats.
func (s *Store) Heartbeat(ctx context.Context, driverID string, lat, lng float64) error {
	now := time.Now().UTC()
	err := s.mutate(ctx, func(callCtx context.Context) error {
		res, err := s.db.ExecContext(callCtx, `
			UPDATE drivers SET current_lat = $2, current_lng = $3, last_heartbeat_at = $4
			WHERE id = $1`, driverID, lat, lng, now)
		if err != nil {
			return fmt.Errorf("recording heartbeat for %s, %w", driverID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: driver %s", models.ErrNotFound, driverID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.liveness != nil {
		s.liveness.Record(ctx, driverID, lat, lng, now)
	}
	return nil
}

func (s *Store) overlayLiveness(ctx context.Context, driver *models.Driver) {
	if s.liveness == nil {
		return
	}
	if loc, ok := s.liveness.Lookup(ctx, driver.ID); ok && loc.At.After(driver.LastHeartbeatAt) {
		driver.CurrentLat, driver.CurrentLng, driver.LastHeartbeatAt = loc.Lat, loc.Lng, loc.At
	}
}
