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

// Package assignment matches pending orders to drivers. Decisions are scored
// by the rule-based scorer and committed through the persistence gateway in a
// single transaction, so concurrent assignments serialize via the store.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/fleetops/dispatch/pkg/config"
	"github.com/fleetops/dispatch/pkg/metrics"
	"github.com/fleetops/dispatch/pkg/models"
	"github.com/fleetops/dispatch/pkg/scoring"
	"github.com/fleetops/dispatch/pkg/urgency"
)

// decisionBudget bounds one order's assignment decision end to end.
const decisionBudget = 2 * time.Second

// maxAlternatives caps the next-best drivers echoed back with a result.
const maxAlternatives = 3

type Store interface {
	GetOrder(ctx context.Context, id string) (models.Order, error)
	PendingOrders(context.Context) ([]models.Order, error)
	AvailableCandidates(context.Context) ([]models.Candidate, bool, error)
	PickupPoints(context.Context) ([]models.PickupPoint, bool, error)
	AssignOrder(ctx context.Context, orderID, driverID string, logRow models.AssignmentLog) error
	LatestAssignment(ctx context.Context, orderID string) (models.AssignmentLog, error)
	AppendAlert(context.Context, models.DispatchAlert) error
}

// Events receives alert fan-out; implementations must be non-blocking.
type Events interface {
	PublishAlert(context.Context, models.DispatchAlert)
}

// Result is the outcome of one assignment decision.
type Result struct {
	OrderID          string              `json:"orderId"`
	DriverID         string              `json:"driverId"`
	PriorityCategory urgency.Category    `json:"priorityCategory"`
	RemainingMin     float64             `json:"remainingMin"`
	Breakdown        scoring.Breakdown   `json:"breakdown"`
	Alternatives     []scoring.Breakdown `json:"alternatives,omitempty"`
	// AlreadyAssigned is set when a repeat Assign call found the order
	// assigned and echoed the recorded decision.
	AlreadyAssigned bool `json:"alreadyAssigned,omitempty"`
}

// Failure pairs an order that could not be assigned with the reason.
type Failure struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// BatchResult is the outcome of AssignBatch.
type BatchResult struct {
	Assigned []Result  `json:"assigned"`
	Failed   []Failure `json:"failed"`
}

type Engine struct {
	store  Store
	scorer *scoring.Scorer
	events Events
	log    *zap.SugaredLogger
}

func NewEngine(store Store, cfg config.Scorer, events Events, log *zap.SugaredLogger) *Engine {
	return &Engine{
		store:  store,
		scorer: scoring.NewScorer(cfg),
		events: events,
		log:    log.Named("assignment"),
	}
}

// Assign matches one pending order to the best available driver. A repeat
// call for an already-assigned order returns the recorded decision rather
// than an error.
func (e *Engine) Assign(ctx context.Context, orderID string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, decisionBudget)
	defer cancel()
	start := time.Now()
	result, err := e.assign(ctx, orderID)
	outcome := "assigned"
	if err != nil {
		outcome = "failed"
	}
	metrics.AssignmentCount.WithLabelValues(outcome).Inc()
	metrics.AssignmentDuration.Observe(time.Since(start).Seconds())
	return result, err
}

func (e *Engine) assign(ctx context.Context, orderID string) (Result, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if order.Status == models.OrderAssigned && order.AssignedDriverID != nil {
		return e.recordedResult(ctx, order)
	}
	if order.Status != models.OrderPending {
		return Result{}, fmt.Errorf("%w: order %s is %s", models.ErrConflict, orderID, order.Status)
	}

	class := urgency.Classify(order.CreatedAt, order.SLADeadline, time.Now().UTC())
	candidates, stale, err := e.store.AvailableCandidates(ctx)
	if err != nil {
		return Result{}, err
	}
	if stale {
		e.log.Warnw("scoring against a stale candidate snapshot", "order", orderID)
	}
	pickup, err := e.pickupFor(ctx, order)
	if err != nil {
		return Result{}, err
	}

	ranked, rejections := e.scorer.Rank(candidates, order, pickup, class.PriorityBoost)
	if len(ranked) == 0 {
		reason := scoring.GateSummary(rejections)
		e.raiseDispatchFailed(ctx, order, reason)
		return Result{}, fmt.Errorf("%w: %s", models.ErrNoDriver, reason)
	}

	best := ranked[0]
	logRow := models.AssignmentLog{
		ID:                uuid.NewString(),
		OrderID:           order.ID,
		DriverID:          best.DriverID,
		AssignmentType:    models.AssignmentAuto,
		TotalScore:        best.Total,
		DistanceScore:     best.DistanceScore,
		TimeScore:         best.TimeScore,
		LoadScore:         best.LoadScore,
		PriorityScore:     best.PriorityScore,
		Reason:            fmt.Sprintf("best of %d candidates, category %s", len(ranked), class.Category),
		AlternativesCount: len(ranked) - 1,
		CreatedAt:         time.Now().UTC(),
	}
	if err := e.store.AssignOrder(ctx, order.ID, best.DriverID, logRow); err != nil {
		return Result{}, err
	}
	e.log.Infow("order assigned",
		"order", order.ID, "driver", best.DriverID,
		"score", best.Total, "category", class.Category, "remainingMin", class.RemainingMin)
	return Result{
		OrderID:          order.ID,
		DriverID:         best.DriverID,
		PriorityCategory: class.Category,
		RemainingMin:     class.RemainingMin,
		Breakdown:        best,
		Alternatives:     lo.Slice(ranked, 1, 1+maxAlternatives),
	}, nil
}

// AssignBatch assigns a set of orders most urgent first, refreshing driver
// state between decisions. One order's failure never aborts the rest.
func (e *Engine) AssignBatch(ctx context.Context, orderIDs []string) BatchResult {
	orders := make([]models.Order, 0, len(orderIDs))
	var result BatchResult
	for _, id := range orderIDs {
		order, err := e.store.GetOrder(ctx, id)
		if err != nil {
			result.Failed = append(result.Failed, Failure{OrderID: id, Reason: err.Error()})
			continue
		}
		orders = append(orders, order)
	}

	now := time.Now().UTC()
	sort.SliceStable(orders, func(i, j int) bool {
		bi := urgency.Classify(orders[i].CreatedAt, orders[i].SLADeadline, now).PriorityBoost
		bj := urgency.Classify(orders[j].CreatedAt, orders[j].SLADeadline, now).PriorityBoost
		if bi != bj {
			return bi > bj
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})

	for _, order := range orders {
		assigned, err := e.Assign(ctx, order.ID)
		if err != nil {
			result.Failed = append(result.Failed, Failure{OrderID: order.ID, Reason: err.Error()})
			continue
		}
		result.Assigned = append(result.Assigned, assigned)
	}
	return result
}

// Tick is the auto-dispatch cadence entry point: assign every pending order,
// most urgent first. ErrNoDriver outcomes are expected when the fleet is
// saturated and do not fail the tick.
func (e *Engine) Tick(ctx context.Context) error {
	pending, err := e.store.PendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("listing pending orders, %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	now := time.Now().UTC()
	sort.SliceStable(pending, func(i, j int) bool {
		bi := urgency.Classify(pending[i].CreatedAt, pending[i].SLADeadline, now).PriorityBoost
		bj := urgency.Classify(pending[j].CreatedAt, pending[j].SLADeadline, now).PriorityBoost
		if bi != bj {
			return bi > bj
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	var assigned, saturated int
	var tickErr error
	for _, order := range pending {
		if _, err := e.Assign(ctx, order.ID); err != nil {
			switch {
			case errors.Is(err, models.ErrNoDriver):
				saturated++
			default:
				tickErr = fmt.Errorf("assigning order %s, %w", order.ID, err)
			}
			continue
		}
		assigned++
	}
	e.log.Infow("dispatch tick complete",
		"pending", len(pending), "assigned", assigned, "saturated", saturated)
	return tickErr
}

// recordedResult reconstructs a Result from the audit log for idempotent
// repeat Assign calls.
func (e *Engine) recordedResult(ctx context.Context, order models.Order) (Result, error) {
	logRow, err := e.store.LatestAssignment(ctx, order.ID)
	if err != nil {
		return Result{}, err
	}
	class := urgency.Classify(order.CreatedAt, order.SLADeadline, time.Now().UTC())
	return Result{
		OrderID:          order.ID,
		DriverID:         logRow.DriverID,
		PriorityCategory: class.Category,
		RemainingMin:     class.RemainingMin,
		Breakdown: scoring.Breakdown{
			DriverID:      logRow.DriverID,
			Total:         logRow.TotalScore,
			DistanceScore: logRow.DistanceScore,
			TimeScore:     logRow.TimeScore,
			LoadScore:     logRow.LoadScore,
			PriorityScore: logRow.PriorityScore,
		},
		AlreadyAssigned: true,
	}, nil
}

// pickupFor resolves the order's pickup point, falling back to the delivery
// coordinates when the pickup id is unknown so distance gating still works.
func (e *Engine) pickupFor(ctx context.Context, order models.Order) (models.PickupPoint, error) {
	pickups, _, err := e.store.PickupPoints(ctx)
	if err != nil {
		return models.PickupPoint{}, err
	}
	if pickup, ok := lo.Find(pickups, func(p models.PickupPoint) bool { return p.ID == order.PickupID }); ok {
		return pickup, nil
	}
	return models.PickupPoint{ID: order.PickupID, Lat: order.DeliveryLat, Lng: order.DeliveryLng}, nil
}

func (e *Engine) raiseDispatchFailed(ctx context.Context, order models.Order, reason string) {
	alert := models.DispatchAlert{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		Type:      models.AlertDispatchFailed,
		Severity:  models.SeverityHigh,
		Message:   reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.AppendAlert(ctx, alert); err != nil {
		e.log.Errorw("recording dispatch alert", "order", order.ID, "error", err)
	}
	if e.events != nil {
		e.events.PublishAlert(ctx, alert)
	}
}
