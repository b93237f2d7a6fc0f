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

const orderColumns = `id, customer_ref, pickup_id, delivery_lat, delivery_lng, load_kg, priority,
	revenue, attempts, created_at, sla_deadline, status, assigned_driver_id, batch_id, last_status_change_at`

// GetOrder returns a single order row.
func (s *Store) GetOrder(ctx context.Context, id string) (models.Order, error) {
	var order models.Order
	err := s.read(ctx, func(callCtx context.Context) error {
		return s.db.GetContext(callCtx, &order,
			`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	})
	if err != nil {
		return models.Order{}, fmt.Errorf("getting order %s, %w", id, err)
	}
	return order, nil
}

// CreateOrder inserts a new order at the ingest edge.
func (s *Store) CreateOrder(ctx context.Context, order models.Order) error {
	return s.mutate(ctx, func(callCtx context.Context) error {
		_, err := s.db.NamedExecContext(callCtx, `
			INSERT INTO orders (id, customer_ref, pickup_id, delivery_lat, delivery_lng, load_kg,
				priority, revenue, attempts, created_at, sla_deadline, status, last_status_change_at)
			VALUES (:id, :customer_ref, :pickup_id, :delivery_lat, :delivery_lng, :load_kg,
				:priority, :revenue, :attempts, :created_at, :sla_deadline, :status, :last_status_change_at)`,
			order)
		return err
	})
}

// PendingOrders lists unassigned pending orders, oldest deadline first.
func (s *Store) PendingOrders(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	err := s.query(ctx, func(callCtx context.Context) error {
		return s.db.SelectContext(callCtx, &orders,
			`SELECT `+orderColumns+` FROM orders
			 WHERE status = 'pending' AND assigned_driver_id IS NULL
			 ORDER BY sla_deadline ASC`)
	})
	if err != nil {
		return nil, fmt.Errorf("listing pending orders, %w", err)
	}
	return orders, nil
}

// UnbatchedPendingOrders lists pending orders not yet grouped into a batch.
func (s *Store) UnbatchedPendingOrders(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	err := s.query(ctx, func(callCtx context.Context) error {
		return s.db.SelectContext(callCtx, &orders,
			`SELECT `+orderColumns+` FROM orders
			 WHERE status = 'pending' AND batch_id IS NULL
			 ORDER BY created_at ASC`)
	})
	if err != nil {
		return nil, fmt.Errorf("listing unbatched orders, %w", err)
	}
	return orders, nil
}

// ActiveOrders lists every order not in a terminal state, with a stale
// fallback while the store is unavailable.
func (s *Store) ActiveOrders(ctx context.Context) ([]models.Order, bool, error) {
	return readThrough(ctx, s, "orders/active", func(callCtx context.Context) ([]models.Order, error) {
		var orders []models.Order
		err := s.db.SelectContext(callCtx, &orders,
			`SELECT `+orderColumns+` FROM orders
			 WHERE status NOT IN ('delivered', 'cancelled')
			 ORDER BY sla_deadline ASC`)
		return orders, err
	})
}

// AssignOrder commits an assignment decision in one transaction: the order
// status flip and the audit log row appear atomically, so no observer sees a
// log entry without the matching order update. Returns ErrConflict if the
// order is no longer pending and unassigned.
func (s *Store) AssignOrder(ctx context.Context, orderID, driverID string, logRow models.AssignmentLog) error {
	return s.withTx(ctx, func(callCtx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(callCtx, `
			UPDATE orders
			SET status = 'assigned', assigned_driver_id = $2, last_status_change_at = $3
			WHERE id = $1 AND status = 'pending' AND assigned_driver_id IS NULL`,
			orderID, driverID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("assigning order %s, %w", orderID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: order %s is not pending and unassigned", models.ErrConflict, orderID)
		}
		if _, err := tx.NamedExecContext(callCtx, `
			INSERT INTO assignment_logs (id, order_id, driver_id, assignment_type, total_score,
				distance_score, time_score, load_score, priority_score, reason, alternatives_count, created_at)
			VALUES (:id, :order_id, :driver_id, :assignment_type, :total_score,
				:distance_score, :time_score, :load_score, :priority_score, :reason, :alternatives_count, :created_at)`,
			logRow); err != nil {
			return fmt.Errorf("appending assignment log, %w", err)
		}
		return nil
	})
}

// UpdateOrderStatus transitions an order. Transitions out of terminal states
// are rejected as conflicts.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error {
	return s.mutate(ctx, func(callCtx context.Context) error {
		res, err := s.db.ExecContext(callCtx, `
			UPDATE orders SET status = $2, last_status_change_at = $3
			WHERE id = $1 AND status NOT IN ('delivered', 'cancelled', 'failed')`,
			orderID, status, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("updating order %s status, %w", orderID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: order %s is terminal or missing", models.ErrConflict, orderID)
		}
		return nil
	})
}

// ClearAssignment releases an order back to the pending pool. Only the
// assignment engine and escalation call this.
func (s *Store) ClearAssignment(ctx context.Context, orderID string) error {
	return s.mutate(ctx, func(callCtx context.Context) error {
		_, err := s.db.ExecContext(callCtx, `
			UPDATE orders SET status = 'pending', assigned_driver_id = NULL, last_status_change_at = $2
			WHERE id = $1 AND status = 'assigned'`, orderID, time.Now().UTC())
		return err
	})
}

// LatestAssignment returns the most recent assignment log row for an order,
// used to answer idempotent repeat Assign calls.
func (s *Store) LatestAssignment(ctx context.Context, orderID string) (models.AssignmentLog, error) {
	var logRow models.AssignmentLog
	err := s.read(ctx, func(callCtx context.Context) error {
		return s.db.GetContext(callCtx, &logRow, `
			SELECT id, order_id, driver_id, assignment_type, total_score, distance_score,
				time_score, load_score, priority_score, reason, alternatives_count, created_at
			FROM assignment_logs WHERE order_id = $1
			ORDER BY created_at DESC LIMIT 1`, orderID)
	})
	if err != nil {
		return models.AssignmentLog{}, fmt.Errorf("getting latest assignment for %s, %w", orderID, err)
	}
	return logRow, nil
}
