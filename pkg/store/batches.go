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

// CreateBatch inserts the batch row and stamps batch_id onto its member
// orders in one transaction. An order that was batched concurrently by
// another tick causes the whole batch to roll back as a conflict.
func (s *Store) CreateBatch(ctx context.Context, batch models.OrderBatch) error {
	return s.withTx(ctx, func(callCtx context.Context, tx *sqlx.Tx) error {
		orderIDs, err := json.Marshal(batch.OrderIDs)
		if err != nil {
			return fmt.Errorf("encoding batch order ids, %w", err)
		}
		if _, err := tx.ExecContext(callCtx, `
			INSERT INTO order_batches (id, batch_number, driver_id, order_ids, order_count,
				total_distance_km, estimated_duration_min, delivery_zone, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			batch.ID, batch.BatchNumber, batch.DriverID, orderIDs, batch.OrderCount,
			batch.TotalDistanceKm, batch.EstimatedDurationMin, batch.DeliveryZone,
			batch.Status, batch.CreatedAt); err != nil {
			return fmt.Errorf("inserting batch %s, %w", batch.BatchNumber, err)
		}
		for _, orderID := range batch.OrderIDs {
			res, err := tx.ExecContext(callCtx, `
				UPDATE orders SET batch_id = $2
				WHERE id = $1 AND batch_id IS NULL AND status = 'pending'`,
				orderID, batch.ID)
			if err != nil {
				return fmt.Errorf("stamping batch onto order %s, %w", orderID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return fmt.Errorf("%w: order %s already batched or not pending", models.ErrConflict, orderID)
			}
		}
		return nil
	})
}

// PendingBatches lists batches awaiting route planning.
func (s *Store) PendingBatches(ctx context.Context) ([]models.OrderBatch, error) {
	var batches []models.OrderBatch
	err := s.query(ctx, func(callCtx context.Context) error {
		type row struct {
			models.OrderBatch
			RawOrderIDs []byte `db:"order_ids"`
		}
		var rows []row
		if err := s.db.SelectContext(callCtx, &rows, `
			SELECT id, batch_number, driver_id, order_ids, order_count, total_distance_km,
				estimated_duration_min, delivery_zone, status, created_at
			FROM order_batches WHERE status = 'pending' ORDER BY created_at ASC`); err != nil {
			return err
		}
		batches = make([]models.OrderBatch, 0, len(rows))
		for _, r := range rows {
			if err := json.Unmarshal(r.RawOrderIDs, &r.OrderBatch.OrderIDs); err != nil {
				return fmt.Errorf("decoding batch %s order ids, %w", r.BatchNumber, err)
			}
			batches = append(batches, r.OrderBatch)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing pending batches, %w", err)
	}
	return batches, nil
}

// UpdateBatchStatus transitions a batch.
func (s *Store) UpdateBatchStatus(ctx context.Context, batchID string, status models.BatchStatus) error {
	return s.mutate(ctx, func(callCtx context.Context) error {
		_, err := s.db.ExecContext(callCtx,
			`UPDATE order_batches SET status = $2 WHERE id = $1`, batchID, status)
		return err
	})
}
