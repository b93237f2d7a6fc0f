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

package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fleetops/dispatch/pkg/config"
	"github.com/fleetops/dispatch/pkg/metrics"
	"github.com/fleetops/dispatch/pkg/models"
)

type Store interface {
	PendingBatches(context.Context) ([]models.OrderBatch, error)
	UpdateBatchStatus(ctx context.Context, batchID string, status models.BatchStatus) error
	GetOrder(ctx context.Context, id string) (models.Order, error)
	PickupPoints(context.Context) ([]models.PickupPoint, bool, error)
	AvailableCandidates(context.Context) ([]models.Candidate, bool, error)
	SaveRoutes(ctx context.Context, routes []models.Route, optLog models.RouteOptimizationLog) error
	AppendOptimizationLog(ctx context.Context, optLog models.RouteOptimizationLog) error
	AppendAlert(context.Context, models.DispatchAlert) error
}

// Engine turns pending batches into persisted routes on the re-optimization
// cadence.
type Engine struct {
	store     Store
	optimizer *Optimizer
	log       *zap.SugaredLogger
}

func NewEngine(store Store, cfg config.Optimizer, log *zap.SugaredLogger) *Engine {
	return &Engine{
		store:     store,
		optimizer: NewOptimizer(cfg, log),
		log:       log.Named("routing"),
	}
}

// Plan runs the optimizer over an ad-hoc set of orders for the HTTP edge.
// Routes are returned without being persisted, but every run leaves its
// optimization logs in the audit trail.
func (e *Engine) Plan(ctx context.Context, orderIDs []string) (Output, error) {
	input, err := e.buildInput(ctx, orderIDs)
	if err != nil {
		return Output{}, err
	}
	out := e.optimizer.Optimize(input)
	var errs error
	for _, optLog := range out.Logs {
		if err := e.store.AppendOptimizationLog(ctx, optLog); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("recording optimization log %s, %w", optLog.ID, err))
		}
	}
	if errs != nil {
		return Output{}, errs
	}
	return out, nil
}

// Tick plans routes for every pending batch. One batch's failure does not
// abort the rest.
func (e *Engine) Tick(ctx context.Context) error {
	batches, err := e.store.PendingBatches(ctx)
	if err != nil {
		return fmt.Errorf("listing pending batches, %w", err)
	}
	var errs error
	for _, batch := range batches {
		if err := e.planBatch(ctx, batch); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("planning batch %s, %w", batch.BatchNumber, err))
			if statusErr := e.store.UpdateBatchStatus(ctx, batch.ID, models.BatchFailed); statusErr != nil {
				errs = multierr.Append(errs, statusErr)
			}
		}
	}
	return errs
}

func (e *Engine) planBatch(ctx context.Context, batch models.OrderBatch) error {
	if err := e.store.UpdateBatchStatus(ctx, batch.ID, models.BatchProcessing); err != nil {
		return err
	}
	input, err := e.buildInput(ctx, batch.OrderIDs)
	if err != nil {
		return err
	}
	out := e.optimizer.Optimize(input)
	if len(out.Routes) == 0 {
		e.log.Warnw("batch produced no routes", "batch", batch.BatchNumber, "orders", len(batch.OrderIDs))
		return e.store.UpdateBatchStatus(ctx, batch.ID, models.BatchFailed)
	}
	for i, route := range out.Routes {
		if err := e.store.SaveRoutes(ctx, []models.Route{route}, out.Logs[i]); err != nil {
			return err
		}
		metrics.RoutesPlanned.Inc()
		metrics.DistanceSavedKm.Add(lo.Max([]float64{0, out.Logs[i].DistanceSavedKm}))
	}
	for _, delivery := range out.Overflow {
		e.raiseOverflowAlert(ctx, delivery)
	}
	e.log.Infow("batch planned",
		"batch", batch.BatchNumber, "routes", len(out.Routes),
		"deliveries", out.Summary.TotalDeliveries, "degraded", out.Degraded)
	return e.store.UpdateBatchStatus(ctx, batch.ID, models.BatchCompleted)
}

func (e *Engine) buildInput(ctx context.Context, orderIDs []string) (Input, error) {
	pickups, stale, err := e.store.PickupPoints(ctx)
	if err != nil {
		return Input{}, fmt.Errorf("listing pickups, %w", err)
	}
	if stale {
		e.log.Warnw("planning against a stale pickup snapshot")
	}
	candidates, _, err := e.store.AvailableCandidates(ctx)
	if err != nil {
		return Input{}, fmt.Errorf("listing vehicles, %w", err)
	}
	deliveries := make([]models.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		order, err := e.store.GetOrder(ctx, id)
		if err != nil {
			return Input{}, err
		}
		if order.Status.Terminal() {
			continue
		}
		deliveries = append(deliveries, order)
	}
	sortByDeadline(deliveries)
	return Input{
		Pickups:    pickups,
		Deliveries: deliveries,
		Vehicles: lo.Map(candidates, func(c models.Candidate, _ int) Vehicle {
			return Vehicle{DriverID: c.ID, CapacityKg: c.CapacityKg - c.CurrentLoadKg}
		}),
	}, nil
}

func (e *Engine) raiseOverflowAlert(ctx context.Context, delivery models.Order) {
	alert := models.DispatchAlert{
		ID:        uuid.NewString(),
		OrderID:   delivery.ID,
		Type:      models.AlertOptimizationNeeded,
		Severity:  models.SeverityMedium,
		Message:   fmt.Sprintf("no vehicle can accept %.1f kg for order %s", delivery.LoadKg, delivery.ID),
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.AppendAlert(ctx, alert); err != nil {
		e.log.Errorw("recording overflow alert", "order", delivery.ID, "error", err)
	}
}
