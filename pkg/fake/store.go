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

// Package fake provides an in-memory persistence gateway for tests. It mirrors
// the store's semantics closely enough for the engines to run against it:
// assignment guards, terminal-state rejection, and conflict errors behave the
// same way the relational store behaves.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/fleetops/dispatch/pkg/models"
)

type Store struct {
	mu sync.Mutex

	Orders    map[string]*models.Order
	Drivers   map[string]*models.Driver
	// TargetRows is keyed by driver id; the name avoids colliding with the
	// Targets listing method.
	TargetRows map[string]*models.DriverTarget
	Pickups    map[string]models.PickupPoint
	Routes    map[string]*models.Route
	Batches   map[string]*models.OrderBatch
	Snapshots map[string]models.PerformanceSnapshot

	AssignmentLogs   []models.AssignmentLog
	OptimizationLogs []models.RouteOptimizationLog
	Escalations      []models.EscalationLog
	Alerts           []models.DispatchAlert

	// NextErr, when set for a method name, is returned once by the next call
	// to that method.
	NextErr map[string]error
	// Stale, when true, makes listing reads report a stale snapshot.
	Stale bool
}

func NewStore() *Store {
	return &Store{
		Orders:     map[string]*models.Order{},
		Drivers:    map[string]*models.Driver{},
		TargetRows: map[string]*models.DriverTarget{},
		Pickups:    map[string]models.PickupPoint{},
		Routes:     map[string]*models.Route{},
		Batches:    map[string]*models.OrderBatch{},
		Snapshots:  map[string]models.PerformanceSnapshot{},
		NextErr:    map[string]error{},
	}
}

func (f *Store) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.takeErr("Ping")
}

func (f *Store) takeErr(method string) error {
	if err, ok := f.NextErr[method]; ok {
		delete(f.NextErr, method)
		return err
	}
	return nil
}

func (f *Store) GetOrder(_ context.Context, id string) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("GetOrder"); err != nil {
		return models.Order{}, err
	}
	order, ok := f.Orders[id]
	if !ok {
		return models.Order{}, fmt.Errorf("order %s, %w", id, models.ErrNotFound)
	}
	return *order, nil
}

func (f *Store) CreateOrder(_ context.Context, order models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("CreateOrder"); err != nil {
		return err
	}
	if _, ok := f.Orders[order.ID]; ok {
		return fmt.Errorf("order %s, %w", order.ID, models.ErrConflict)
	}
	f.Orders[order.ID] = &order
	return nil
}

func (f *Store) PendingOrders(_ context.Context) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("PendingOrders"); err != nil {
		return nil, err
	}
	orders := f.ordersWhere(func(o *models.Order) bool {
		return o.Status == models.OrderPending && o.AssignedDriverID == nil
	})
	sort.Slice(orders, func(i, j int) bool { return orders[i].SLADeadline.Before(orders[j].SLADeadline) })
	return orders, nil
}

func (f *Store) UnbatchedPendingOrders(_ context.Context) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("UnbatchedPendingOrders"); err != nil {
		return nil, err
	}
	orders := f.ordersWhere(func(o *models.Order) bool {
		return o.Status == models.OrderPending && o.BatchID == nil
	})
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, nil
}

func (f *Store) ActiveOrders(_ context.Context) ([]models.Order, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("ActiveOrders"); err != nil {
		return nil, false, err
	}
	orders := f.ordersWhere(func(o *models.Order) bool {
		return o.Status != models.OrderDelivered && o.Status != models.OrderCancelled
	})
	sort.Slice(orders, func(i, j int) bool { return orders[i].SLADeadline.Before(orders[j].SLADeadline) })
	return orders, f.Stale, nil
}

func (f *Store) ordersWhere(keep func(*models.Order) bool) []models.Order {
	var orders []models.Order
	for _, order := range f.Orders {
		if keep(order) {
			orders = append(orders, *order)
		}
	}
	return orders
}

func (f *Store) AssignOrder(_ context.Context, orderID, driverID string, logRow models.AssignmentLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("AssignOrder"); err != nil {
		return err
	}
	order, ok := f.Orders[orderID]
	if !ok || order.Status != models.OrderPending || order.AssignedDriverID != nil {
		return fmt.Errorf("order %s is not pending and unassigned, %w", orderID, models.ErrConflict)
	}
	order.Status = models.OrderAssigned
	order.AssignedDriverID = &driverID
	order.LastStatusChangeAt = time.Now().UTC()
	f.AssignmentLogs = append(f.AssignmentLogs, logRow)
	return nil
}

func (f *Store) UpdateOrderStatus(_ context.Context, orderID string, status models.OrderStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("UpdateOrderStatus"); err != nil {
		return err
	}
	order, ok := f.Orders[orderID]
	if !ok || order.Status.Terminal() {
		return fmt.Errorf("order %s is terminal or missing, %w", orderID, models.ErrConflict)
	}
	order.Status = status
	order.LastStatusChangeAt = time.Now().UTC()
	return nil
}

func (f *Store) ClearAssignment(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("ClearAssignment"); err != nil {
		return err
	}
	if order, ok := f.Orders[orderID]; ok && order.Status == models.OrderAssigned {
		order.Status = models.OrderPending
		order.AssignedDriverID = nil
		order.LastStatusChangeAt = time.Now().UTC()
	}
	return nil
}

func (f *Store) LatestAssignment(_ context.Context, orderID string) (models.AssignmentLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("LatestAssignment"); err != nil {
		return models.AssignmentLog{}, err
	}
	for i := len(f.AssignmentLogs) - 1; i >= 0; i-- {
		if f.AssignmentLogs[i].OrderID == orderID {
			return f.AssignmentLogs[i], nil
		}
	}
	return models.AssignmentLog{}, models.ErrNotFound
}

func (f *Store) GetDriver(_ context.Context, id string) (models.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("GetDriver"); err != nil {
		return models.Driver{}, err
	}
	driver, ok := f.Drivers[id]
	if !ok {
		return models.Driver{}, fmt.Errorf("driver %s, %w", id, models.ErrNotFound)
	}
	return *driver, nil
}

func (f *Store) AvailableCandidates(_ context.Context) ([]models.Candidate, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("AvailableCandidates"); err != nil {
		return nil, false, err
	}
	var candidates []models.Candidate
	for _, driver := range f.Drivers {
		if driver.Status != models.DriverAvailable {
			continue
		}
		candidate := models.Candidate{Driver: *driver}
		for _, order := range f.Orders {
			if order.AssignedDriverID != nil && *order.AssignedDriverID == driver.ID &&
				lo.Contains([]models.OrderStatus{models.OrderAssigned, models.OrderPickedUp, models.OrderInTransit}, order.Status) {
				candidate.CurrentLoadKg += order.LoadKg
				candidate.ActiveOrders++
			}
		}
		if target, ok := f.TargetRows[driver.ID]; ok {
			candidate.CurrentDeliveries = target.CurrentDeliveries
			candidate.CurrentRevenue = target.CurrentRevenue
			candidate.TargetDeliveries = target.TargetDeliveries
			candidate.TargetRevenue = target.TargetRevenue
		}
		for _, route := range f.Routes {
			if route.DriverID == driver.ID &&
				(route.Status == models.RoutePlanned || route.Status == models.RouteDispatched) {
				candidate.RoutePickupIDs = append(candidate.RoutePickupIDs, route.PickupID)
			}
		}
		candidates = append(candidates, candidate)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates, f.Stale, nil
}

func (f *Store) Heartbeat(_ context.Context, driverID string, lat, lng float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("Heartbeat"); err != nil {
		return err
	}
	driver, ok := f.Drivers[driverID]
	if !ok {
		return fmt.Errorf("driver %s, %w", driverID, models.ErrNotFound)
	}
	driver.CurrentLat, driver.CurrentLng = lat, lng
	driver.LastHeartbeatAt = time.Now().UTC()
	return nil
}

func (f *Store) UpsertTargets(_ context.Context, targets []models.DriverTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("UpsertTargets"); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, target := range targets {
		target.CurrentDeliveries = 0
		target.CurrentRevenue = 0
		target.Status = "active"
		if existing, ok := f.TargetRows[target.DriverID]; ok {
			target.CreatedAt = existing.CreatedAt
		} else {
			target.CreatedAt = now
		}
		target.UpdatedAt = now
		f.TargetRows[target.DriverID] = &target
	}
	return nil
}

func (f *Store) IncrementProgress(_ context.Context, driverID string, deliveries int, revenue float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("IncrementProgress"); err != nil {
		return err
	}
	if deliveries < 0 || revenue < 0 {
		return fmt.Errorf("progress increments must be non-negative, got %d/%v", deliveries, revenue)
	}
	target, ok := f.TargetRows[driverID]
	if !ok {
		return fmt.Errorf("no target configured for driver %s, %w", driverID, models.ErrNotFound)
	}
	target.CurrentDeliveries += deliveries
	target.CurrentRevenue += revenue
	target.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *Store) GetTarget(_ context.Context, driverID string) (models.DriverTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("GetTarget"); err != nil {
		return models.DriverTarget{}, err
	}
	target, ok := f.TargetRows[driverID]
	if !ok {
		return models.DriverTarget{}, fmt.Errorf("target for %s, %w", driverID, models.ErrNotFound)
	}
	return *target, nil
}

func (f *Store) Targets(_ context.Context) ([]models.DriverTarget, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("Targets"); err != nil {
		return nil, false, err
	}
	targets := lo.Map(lo.Values(f.TargetRows), func(t *models.DriverTarget, _ int) models.DriverTarget { return *t })
	sort.Slice(targets, func(i, j int) bool { return targets[i].DriverID < targets[j].DriverID })
	return targets, f.Stale, nil
}

func (f *Store) ResetTargets(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("ResetTargets"); err != nil {
		return err
	}
	for _, target := range f.TargetRows {
		target.CurrentDeliveries = 0
		target.CurrentRevenue = 0
		target.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (f *Store) UpsertSnapshot(_ context.Context, snap models.PerformanceSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("UpsertSnapshot"); err != nil {
		return err
	}
	key := snap.DriverID + "/" + snap.Date.Format("2006-01-02")
	if _, ok := f.Snapshots[key]; !ok {
		f.Snapshots[key] = snap
	}
	return nil
}

func (f *Store) SaveRoutes(_ context.Context, routes []models.Route, optLog models.RouteOptimizationLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("SaveRoutes"); err != nil {
		return err
	}
	for i := range routes {
		route := routes[i]
		f.Routes[route.ID] = &route
	}
	f.OptimizationLogs = append(f.OptimizationLogs, optLog)
	return nil
}

func (f *Store) AppendOptimizationLog(_ context.Context, optLog models.RouteOptimizationLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("AppendOptimizationLog"); err != nil {
		return err
	}
	f.OptimizationLogs = append(f.OptimizationLogs, optLog)
	return nil
}

func (f *Store) PickupPoints(_ context.Context) ([]models.PickupPoint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("PickupPoints"); err != nil {
		return nil, false, err
	}
	pickups := lo.Values(f.Pickups)
	sort.Slice(pickups, func(i, j int) bool { return pickups[i].ID < pickups[j].ID })
	return pickups, f.Stale, nil
}

func (f *Store) CreateBatch(_ context.Context, batch models.OrderBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("CreateBatch"); err != nil {
		return err
	}
	for _, orderID := range batch.OrderIDs {
		order, ok := f.Orders[orderID]
		if !ok || order.BatchID != nil || order.Status != models.OrderPending {
			return fmt.Errorf("order %s already batched or not pending, %w", orderID, models.ErrConflict)
		}
	}
	for _, orderID := range batch.OrderIDs {
		f.Orders[orderID].BatchID = &batch.ID
	}
	f.Batches[batch.ID] = &batch
	return nil
}

func (f *Store) PendingBatches(_ context.Context) ([]models.OrderBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("PendingBatches"); err != nil {
		return nil, err
	}
	var batches []models.OrderBatch
	for _, batch := range f.Batches {
		if batch.Status == models.BatchPending {
			batches = append(batches, *batch)
		}
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].CreatedAt.Before(batches[j].CreatedAt) })
	return batches, nil
}

func (f *Store) UpdateBatchStatus(_ context.Context, batchID string, status models.BatchStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("UpdateBatchStatus"); err != nil {
		return err
	}
	if batch, ok := f.Batches[batchID]; ok {
		batch.Status = status
	}
	return nil
}

func (f *Store) AppendEscalation(_ context.Context, row models.EscalationLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("AppendEscalation"); err != nil {
		return err
	}
	f.Escalations = append(f.Escalations, row)
	return nil
}

func (f *Store) OpenEscalations(_ context.Context) ([]models.EscalationLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("OpenEscalations"); err != nil {
		return nil, err
	}
	return lo.Filter(f.Escalations, func(e models.EscalationLog, _ int) bool {
		return e.Status != models.EscalationResolved
	}), nil
}

func (f *Store) ResolveEscalation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("ResolveEscalation"); err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range f.Escalations {
		if f.Escalations[i].ID == id {
			f.Escalations[i].Status = models.EscalationResolved
			f.Escalations[i].ResolvedAt = &now
		}
	}
	return nil
}

func (f *Store) AppendAlert(_ context.Context, alert models.DispatchAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("AppendAlert"); err != nil {
		return err
	}
	f.Alerts = append(f.Alerts, alert)
	return nil
}
