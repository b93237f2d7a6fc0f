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

	"github.com/avast/retry-go"
	"github.com/samber/lo"
)

// requiredTables is the schema surface the engines depend on. Startup fails
// closed if any of them is missing.
var requiredTables = []string{
	"orders",
	"drivers",
	"driver_targets",
	"performance_snapshots",
	"pickup_points",
	"routes",
	"assignment_logs",
	"route_optimizations",
	"order_batches",
	"escalation_logs",
	"dispatch_alerts",
}

// WaitReady blocks until the store answers pings, then verifies the schema.
// A reachable store with a missing table is a configuration error, not a
// transient fault, so it is returned immediately.
func (s *Store) WaitReady(ctx context.Context) error {
	err := retry.Do(
		func() error { return s.db.PingContext(ctx) },
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			s.log.Warnw("store not reachable, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("waiting for store, %w", err)
	}
	return s.CheckSchema(ctx)
}

// CheckSchema verifies that every required table exists.
func (s *Store) CheckSchema(ctx context.Context) error {
	var present []string
	err := s.query(ctx, func(callCtx context.Context) error {
		return s.db.SelectContext(callCtx, &present, `
			SELECT table_name FROM information_schema.tables
			WHERE table_schema = current_schema()`)
	})
	if err != nil {
		return fmt.Errorf("probing schema, %w", err)
	}
	missing, _ := lo.Difference(requiredTables, present)
	if len(missing) > 0 {
		return fmt.Errorf("schema incomplete, missing tables %v; run migrations first", missing)
	}
	return nil
}
