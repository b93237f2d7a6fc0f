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

// Package escalation watches active orders for SLA risk, stuck handoffs,
// unresponsive drivers, and repeated delivery failures, and records one
// escalation per (order, type) while a condition persists.
package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/fleetops/dispatch/pkg/metrics"
	"github.com/fleetops/dispatch/pkg/models"
	"github.com/fleetops/dispatch/pkg/urgency"
)

const (
	// dedupWindow is how long a detection suppresses repeats for the same
	// (order, type).
	dedupWindow = 30 * time.Minute

	stuckAfter        = 45 * time.Minute
	unresponsiveAfter = 10 * time.Minute
	failedAttemptsMin = 2
)

type Store interface {
	ActiveOrders(context.Context) ([]models.Order, bool, error)
	GetDriver(ctx context.Context, id string) (models.Driver, error)
	AppendEscalation(context.Context, models.EscalationLog) error
	AppendAlert(context.Context, models.DispatchAlert) error
}

// Events receives alert fan-out; implementations must be non-blocking.
type Events interface {
	PublishAlert(context.Context, models.DispatchAlert)
}

type Monitor struct {
	store  Store
	events Events
	log    *zap.SugaredLogger
	clock  clock.Clock
	// seen suppresses duplicate detections inside the dedup window.
	seen *gocache.Cache
}

func NewMonitor(store Store, events Events, log *zap.SugaredLogger) *Monitor {
	return &Monitor{
		store:  store,
		events: events,
		log:    log.Named("escalation"),
		clock:  clock.RealClock{},
		seen:   gocache.New(dedupWindow, 10*time.Minute),
	}
}

func (m *Monitor) WithClock(c clock.Clock) *Monitor {
	m.clock = c
	return m
}

// Tick evaluates every active order against the escalation rules.
func (m *Monitor) Tick(ctx context.Context) error {
	orders, stale, err := m.store.ActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("listing active orders, %w", err)
	}
	if stale {
		m.log.Warnw("escalating from a stale order snapshot")
	}
	var errs error
	for _, order := range orders {
		for _, detection := range m.evaluate(ctx, order) {
			errs = multierr.Append(errs, m.raise(ctx, detection))
		}
	}
	return errs
}

type detection struct {
	order    models.Order
	kind     models.EscalationType
	severity models.Severity
	reason   string
	delayMin float64
}

func (m *Monitor) evaluate(ctx context.Context, order models.Order) []detection {
	now := m.clock.Now().UTC()
	var detections []detection

	if order.Status == models.OrderPending || order.Status == models.OrderAssigned {
		class := urgency.Classify(order.CreatedAt, order.SLADeadline, now)
		if class.RemainingMin < 30 {
			detections = append(detections, detection{
				order:    order,
				kind:     models.EscalationSLARisk,
				severity: slaRiskSeverity(class.RemainingMin),
				reason:   fmt.Sprintf("%.1f min to SLA deadline while %s", class.RemainingMin, order.Status),
				delayMin: -class.RemainingMin,
			})
		}
	}

	if order.Status == models.OrderPickedUp {
		if idle := now.Sub(order.LastStatusChangeAt); idle > stuckAfter {
			detections = append(detections, detection{
				order:    order,
				kind:     models.EscalationStuck,
				severity: models.SeverityHigh,
				reason:   fmt.Sprintf("picked up %.0f min ago with no progress", idle.Minutes()),
				delayMin: idle.Minutes(),
			})
		}
	}

	if order.AssignedDriverID != nil && !order.Status.Terminal() {
		if driver, err := m.store.GetDriver(ctx, *order.AssignedDriverID); err == nil {
			silence := now.Sub(driver.LastHeartbeatAt)
			if driver.Status != models.DriverOffline && silence > unresponsiveAfter {
				detections = append(detections, detection{
					order:    order,
					kind:     models.EscalationUnresponsive,
					severity: models.SeverityHigh,
					reason:   fmt.Sprintf("driver %s silent for %.0f min", driver.ID, silence.Minutes()),
					delayMin: silence.Minutes(),
				})
			}
		}
	}

	if order.Status == models.OrderFailed && order.Attempts >= failedAttemptsMin {
		detections = append(detections, detection{
			order:    order,
			kind:     models.EscalationFailedDelivery,
			severity: models.SeverityCritical,
			reason:   fmt.Sprintf("%d failed delivery attempts", order.Attempts),
		})
	}
	return detections
}

func slaRiskSeverity(remainingMin float64) models.Severity {
	switch {
	case remainingMin < 10:
		return models.SeverityCritical
	case remainingMin < 20:
		return models.SeverityHigh
	default:
		return models.SeverityMedium
	}
}

func (m *Monitor) raise(ctx context.Context, d detection) error {
	key, err := hashstructure.Hash(struct {
		OrderID string
		Kind    models.EscalationType
	}{d.order.ID, d.kind}, hashstructure.FormatV2, nil)
	if err != nil {
		return fmt.Errorf("hashing detection, %w", err)
	}
	cacheKey := fmt.Sprintf("%d", key)
	if _, suppressed := m.seen.Get(cacheKey); suppressed {
		return nil
	}

	row := models.EscalationLog{
		ID:              uuid.NewString(),
		OrderID:         d.order.ID,
		DriverID:        d.order.AssignedDriverID,
		Type:            d.kind,
		Severity:        d.severity,
		Status:          models.EscalationOpen,
		Reason:          d.reason,
		CurrentDelayMin: d.delayMin,
		CreatedAt:       m.clock.Now().UTC(),
	}
	if err := m.store.AppendEscalation(ctx, row); err != nil {
		return fmt.Errorf("recording escalation for order %s, %w", d.order.ID, err)
	}
	m.seen.SetDefault(cacheKey, struct{}{})
	metrics.EscalationCount.WithLabelValues(string(d.kind)).Inc()
	m.log.Warnw("escalation raised",
		"order", d.order.ID, "type", d.kind, "severity", d.severity, "reason", d.reason)

	if d.severity == models.SeverityCritical {
		alert := models.DispatchAlert{
			ID:        uuid.NewString(),
			OrderID:   d.order.ID,
			Type:      alertType(d.kind),
			Severity:  d.severity,
			Message:   d.reason,
			CreatedAt: m.clock.Now().UTC(),
		}
		if err := m.store.AppendAlert(ctx, alert); err != nil {
			return fmt.Errorf("recording alert for order %s, %w", d.order.ID, err)
		}
		if m.events != nil {
			m.events.PublishAlert(ctx, alert)
		}
	}
	return nil
}

func alertType(kind models.EscalationType) models.AlertType {
	switch kind {
	case models.EscalationUnresponsive:
		return models.AlertDriverUnresponsive
	case models.EscalationFailedDelivery:
		return models.AlertDispatchFailed
	default:
		return models.AlertSLABreach
	}
}
