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

	"github.com/fleetops/dispatch/pkg/models"
)

// AppendEscalation records a detection. Append-only.
func (s *Store) AppendEscalation(ctx context.Context, row models.EscalationLog) error {
	return s.mutate(ctx, func(callCtx context.Context) error {
		_, err := s.db.NamedExecContext(callCtx, `
			INSERT INTO escalation_logs (id, order_id, driver_id, type, severity, status,
				reason, current_delay_min, created_at)
			VALUES (:id, :order_id, :driver_id, :type, :severity, :status,
				:reason, :current_delay_min, :created_at)`,
			row)
		if err != nil {
			return fmt.Errorf("appending escalation for order %s, %w", row.OrderID, err)
		}
		return nil
	})
}

// OpenEscalations lists unresolved escalations, most severe first.
func (s *Store) OpenEscalations(ctx context.Context) ([]models.EscalationLog, error) {
	var rows []models.EscalationLog
	err := s.query(ctx, func(callCtx context.Context) error {
		return s.db.SelectContext(callCtx, &rows, `
			SELECT id, order_id, driver_id, type, severity, status, reason,
				current_delay_min, created_at, resolved_at
			FROM escalation_logs
			WHERE status != 'resolved'
			ORDER BY CASE severity
				WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3
			END, created_at ASC`)
	})
	if err != nil {
		return nil, fmt.Errorf("listing open escalations, %w", err)
	}
	return rows, nil
}

// ResolveEscalation closes an escalation.
func (s *Store) ResolveEscalation(ctx context.Context, id string) error {
	return s.mutate(ctx, func(callCtx context.Context) error {
		_, err := s.db.ExecContext(callCtx, `
			UPDATE escalation_logs SET status = 'resolved', resolved_at = $2
			WHERE id = $1 AND status != 'resolved'`, id, time.Now().UTC())
		return err
	})
}

// AppendAlert records a dispatch alert.
func (s *Store) AppendAlert(ctx context.Context, alert models.DispatchAlert) error {
	return s.mutate(ctx, func(callCtx context.Context) error {
		_, err := s.db.NamedExecContext(callCtx, `
			INSERT INTO dispatch_alerts (id, order_id, type, severity, message, resolved, created_at)
			VALUES (:id, :order_id, :type, :severity, :message, :resolved, :created_at)`,
			alert)
		if err != nil {
			return fmt.Errorf("appending alert for order %s, %w", alert.OrderID, err)
		}
		return nil
	})
}
