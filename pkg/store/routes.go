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
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/fleetops/dispatch/pkg/models"
)

// SaveRoutes persists a planning run's routes and its optimization log in a
// single transaction. Stops are stored as a JSON column; the ordering is the
// route's semantics, so it travels with the row.
func (s *Store) SaveRoutes(ctx context.Context, routes []models.Route, optLog models.RouteOptimizationLog) error {
	return s.withTx(ctx, func(callCtx context.Context, tx *sqlx.Tx) error {
		for _, route := range routes {
			stops, err := json.Marshal(route.OrderedStops)
			if err != nil {
				return fmt.Errorf("encoding stops for route %s, %w", route.ID, err)
			}
			if _, err := tx.ExecContext(callCtx, `
				INSERT INTO routes (id, driver_id, vehicle_id, pickup_id, ordered_stops,
					total_distance_km, total_duration_min, status, created_at, optimized_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				route.ID, route.DriverID, route.VehicleID, route.PickupID, stops,
				route.TotalDistanceKm, route.TotalDurationMin, route.Status,
				route.CreatedAt, route.OptimizedAt); err != nil {
				return fmt.Errorf("inserting route %s, %w", route.ID, err)
			}
		}
		return insertOptimizationLog(callCtx, tx, optLog)
	})
}

// AppendOptimizationLog records a planning run that produced no persisted
// routes, e.g. a stateless Optimize call or a failed fallback.
func (s *Store) AppendOptimizationLog(ctx context.Context, optLog models.RouteOptimizationLog) error {
	return s.withTx(ctx, func(callCtx context.Context, tx *sqlx.Tx) error {
		return insertOptimizationLog(callCtx, tx, optLog)
	})
}

func insertOptimizationLog(ctx context.Context, tx *sqlx.Tx, optLog models.RouteOptimizationLog) error {
	orderIDs, err := json.Marshal(optLog.OrderIDs)
	if err != nil {
		return fmt.Errorf("encoding order ids, %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO route_optimizations (id, driver_id, order_ids, original_distance_km,
			optimized_distance_km, distance_saved_km, time_saved_min, stops_reordered,
			improvement_pct, algorithm, status, created_at, optimized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		optLog.ID, optLog.DriverID, orderIDs, optLog.OriginalDistance,
		optLog.OptimizedDistance, optLog.DistanceSavedKm, optLog.TimeSavedMin,
		optLog.StopsReordered, optLog.ImprovementPct, optLog.Algorithm, optLog.Status,
		optLog.CreatedAt, optLog.OptimizedAt); err != nil {
		return fmt.Errorf("appending optimization log, %w", err)
	}
	return nil
}

// PickupPoints lists the pickup points in the planning horizon, with a stale
// fallback; pickups are immutable within a horizon so staleness is benign.
func (s *Store) PickupPoints(ctx context.Context) ([]models.PickupPoint, bool, error) {
	return readThrough(ctx, s, "pickups/all", func(callCtx context.Context) ([]models.PickupPoint, error) {
		var pickups []models.PickupPoint
		err := s.db.SelectContext(callCtx, &pickups,
			`SELECT id, lat, lng, name FROM pickup_points ORDER BY id`)
		return pickups, err
	})
}
