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

// Package targets tracks per-driver daily delivery and revenue targets and
// derives pacing status against the configured shift window.
package targets

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/fleetops/dispatch/pkg/config"
	"github.com/fleetops/dispatch/pkg/models"
)

type Store interface {
	UpsertTargets(context.Context, []models.DriverTarget) error
	IncrementProgress(ctx context.Context, driverID string, deliveries int, revenue float64) error
	GetTarget(ctx context.Context, driverID string) (models.DriverTarget, error)
	Targets(context.Context) ([]models.DriverTarget, bool, error)
	ResetTargets(context.Context) error
	UpsertSnapshot(context.Context, models.PerformanceSnapshot) error
}

// Status is a target row enriched with pacing against the shift clock.
type Status struct {
	models.DriverTarget
	DeliveryPct float64 `json:"deliveryPct"`
	RevenuePct  float64 `json:"revenuePct"`
	// ExpectedPct is where the driver should be right now assuming linear
	// progress across the shift window.
	ExpectedPct float64 `json:"expectedPct"`
	OnTrack     bool    `json:"onTrack"`
	// GapPct is how far behind expectation the delivery pace is; zero when on
	// track.
	GapPct float64 `json:"gapPct"`
}

type Tracker struct {
	store      Store
	log        *zap.SugaredLogger
	clock      clock.Clock
	shiftStart time.Duration
	shiftEnd   time.Duration
}

func NewTracker(store Store, cfg config.Config, log *zap.SugaredLogger) *Tracker {
	start, end := cfg.ShiftWindow()
	return &Tracker{
		store:      store,
		log:        log.Named("targets"),
		clock:      clock.RealClock{},
		shiftStart: start,
		shiftEnd:   end,
	}
}

func (t *Tracker) WithClock(c clock.Clock) *Tracker {
	t.clock = c
	return t
}

// Spec is one driver's requested daily target.
type Spec struct {
	DriverID         string  `json:"driverId" binding:"required"`
	TargetDeliveries int     `json:"targetDeliveries" binding:"gte=0"`
	TargetRevenue    float64 `json:"targetRevenue" binding:"gte=0"`
}

// SetTargets configures daily targets, resetting current progress counters.
func (t *Tracker) SetTargets(ctx context.Context, specs []Spec) error {
	rows := make([]models.DriverTarget, 0, len(specs))
	for _, spec := range specs {
		if spec.TargetDeliveries < 0 || spec.TargetRevenue < 0 {
			return fmt.Errorf("target for %s must be non-negative", spec.DriverID)
		}
		rows = append(rows, models.DriverTarget{
			DriverID:         spec.DriverID,
			TargetDeliveries: spec.TargetDeliveries,
			TargetRevenue:    spec.TargetRevenue,
		})
	}
	if err := t.store.UpsertTargets(ctx, rows); err != nil {
		return fmt.Errorf("setting targets, %w", err)
	}
	t.log.Infow("targets configured", "drivers", len(rows))
	return nil
}

// RecordDelivery advances a driver's counters after a completed delivery.
func (t *Tracker) RecordDelivery(ctx context.Context, driverID string, revenue float64) error {
	return t.store.IncrementProgress(ctx, driverID, 1, revenue)
}

// GetStatus returns pacing status for one driver.
func (t *Tracker) GetStatus(ctx context.Context, driverID string) (Status, error) {
	target, err := t.store.GetTarget(ctx, driverID)
	if err != nil {
		return Status{}, err
	}
	return t.status(target), nil
}

// GetAllStatus returns every driver's pacing status ordered neediest first,
// i.e. lowest delivery progress at the top.
func (t *Tracker) GetAllStatus(ctx context.Context) ([]Status, error) {
	targets, stale, err := t.store.Targets(ctx)
	if err != nil {
		return nil, err
	}
	if stale {
		t.log.Warnw("pacing status computed from a stale snapshot")
	}
	statuses := make([]Status, 0, len(targets))
	for _, target := range targets {
		statuses = append(statuses, t.status(target))
	}
	sort.SliceStable(statuses, func(i, j int) bool {
		if statuses[i].DeliveryPct != statuses[j].DeliveryPct {
			return statuses[i].DeliveryPct < statuses[j].DeliveryPct
		}
		return statuses[i].DriverID < statuses[j].DriverID
	})
	return statuses, nil
}

// SnapshotDaily persists an immutable end-of-day snapshot per driver. A repeat
// call for the same day is a no-op per driver.
func (t *Tracker) SnapshotDaily(ctx context.Context) error {
	targets, _, err := t.store.Targets(ctx)
	if err != nil {
		return fmt.Errorf("listing targets for snapshot, %w", err)
	}
	date := t.clock.Now().Truncate(24 * time.Hour)
	var errs error
	for _, target := range targets {
		pct := 100.0
		if target.TargetDeliveries > 0 {
			pct = float64(target.CurrentDeliveries) / float64(target.TargetDeliveries) * 100
		}
		errs = multierr.Append(errs, t.store.UpsertSnapshot(ctx, models.PerformanceSnapshot{
			DriverID:            target.DriverID,
			Date:                date,
			DeliveriesCompleted: target.CurrentDeliveries,
			RevenueGenerated:    target.CurrentRevenue,
			TargetDeliveries:    target.TargetDeliveries,
			TargetRevenue:       target.TargetRevenue,
			TargetAchieved:      target.CurrentDeliveries >= target.TargetDeliveries,
			AchievementPercent:  pct,
		}))
	}
	return errs
}

// Reset zeroes every driver's counters, typically at shift start.
func (t *Tracker) Reset(ctx context.Context) error {
	return t.store.ResetTargets(ctx)
}

func (t *Tracker) status(target models.DriverTarget) Status {
	status := Status{
		DriverTarget: target,
		DeliveryPct:  100,
		RevenuePct:   100,
		ExpectedPct:  t.expectedPct(t.clock.Now()),
	}
	if target.TargetDeliveries > 0 {
		status.DeliveryPct = float64(target.CurrentDeliveries) / float64(target.TargetDeliveries) * 100
	}
	if target.TargetRevenue > 0 {
		status.RevenuePct = target.CurrentRevenue / target.TargetRevenue * 100
	}
	// On track requires both delivery and revenue pace to meet expectation.
	status.OnTrack = status.DeliveryPct >= status.ExpectedPct && status.RevenuePct >= status.ExpectedPct
	if status.DeliveryPct < status.ExpectedPct {
		status.GapPct = status.ExpectedPct - status.DeliveryPct
	}
	return status
}

// expectedPct maps the wall clock onto linear progress through the shift:
// 0% before the shift starts, 100% after it ends.
func (t *Tracker) expectedPct(now time.Time) float64 {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	elapsed := now.Sub(midnight)
	switch {
	case elapsed <= t.shiftStart:
		return 0
	case elapsed >= t.shiftEnd:
		return 100
	default:
		return float64(elapsed-t.shiftStart) / float64(t.shiftEnd-t.shiftStart) * 100
	}
}
