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

// Package batching groups pending unassigned orders into batches when they
// share a delivery zone and their combined load fits a candidate vehicle.
// Batches are the unit of work handed to the route optimizer.
package batching

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fleetops/dispatch/pkg/config"
	"github.com/fleetops/dispatch/pkg/geo"
	"github.com/fleetops/dispatch/pkg/models"
)

type Store interface {
	UnbatchedPendingOrders(context.Context) ([]models.Order, error)
	AvailableCandidates(context.Context) ([]models.Candidate, bool, error)
	CreateBatch(context.Context, models.OrderBatch) error
}

type Engine struct {
	store Store
	cfg   config.Batching
	log   *zap.SugaredLogger
}

func NewEngine(store Store, cfg config.Batching, log *zap.SugaredLogger) *Engine {
	return &Engine{store: store, cfg: cfg, log: log.Named("batching")}
}

// Tick groups the unbatched pending backlog into zone batches. A conflict on
// one batch (an order grabbed concurrently) skips that batch without failing
// the tick.
func (e *Engine) Tick(ctx context.Context) error {
	orders, err := e.store.UnbatchedPendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("listing unbatched orders, %w", err)
	}
	if len(orders) == 0 {
		return nil
	}
	candidates, _, err := e.store.AvailableCandidates(ctx)
	if err != nil {
		return fmt.Errorf("listing candidates, %w", err)
	}
	maxCapacity := 0.0
	for _, candidate := range candidates {
		maxCapacity = lo.Max([]float64{maxCapacity, candidate.CapacityKg - candidate.CurrentLoadKg})
	}
	if maxCapacity <= 0 {
		e.log.Warnw("no vehicle capacity available, skipping batching tick")
		return nil
	}

	created := 0
	var errs error
	for _, zone := range e.zones(orders, maxCapacity) {
		batch := e.toBatch(zone)
		if err := e.store.CreateBatch(ctx, batch); err != nil {
			if models.IsRetryable(err) {
				errs = multierr.Append(errs, fmt.Errorf("creating batch %s, %w", batch.BatchNumber, err))
			}
			continue
		}
		created++
	}
	e.log.Infow("batching tick complete", "orders", len(orders), "batches", created)
	return errs
}

type zone struct {
	pickupID string
	centroid geo.Point
	orders   []models.Order
	loadKg   float64
}

// zones clusters orders that share a pickup and sit within the configured
// radius of the running centroid, splitting a cluster whenever its combined
// load would outgrow the largest vehicle.
func (e *Engine) zones(orders []models.Order, maxCapacityKg float64) []zone {
	var zones []zone
	byPickup := lo.GroupBy(orders, func(o models.Order) string { return o.PickupID })
	pickupIDs := lo.Keys(byPickup)
	// Map order is random; sorted keys keep batch composition deterministic
	// across ticks.
	sort.Strings(pickupIDs)
	for _, pickupID := range pickupIDs {
		for _, order := range byPickup[pickupID] {
			point := geo.Point{Lat: order.DeliveryLat, Lng: order.DeliveryLng}
			placed := false
			for i := range zones {
				z := &zones[i]
				if z.pickupID != pickupID {
					continue
				}
				if geo.HaversineKm(z.centroid, point) > e.cfg.ZoneRadiusKm {
					continue
				}
				if z.loadKg+order.LoadKg > maxCapacityKg {
					continue
				}
				z.orders = append(z.orders, order)
				z.loadKg += order.LoadKg
				z.centroid = centroid(z.orders)
				placed = true
				break
			}
			if !placed {
				zones = append(zones, zone{
					pickupID: pickupID,
					centroid: point,
					orders:   []models.Order{order},
					loadKg:   order.LoadKg,
				})
			}
		}
	}
	return zones
}

func centroid(orders []models.Order) geo.Point {
	var lat, lng float64
	for _, order := range orders {
		lat += order.DeliveryLat
		lng += order.DeliveryLng
	}
	n := float64(len(orders))
	return geo.Point{Lat: lat / n, Lng: lng / n}
}

func (e *Engine) toBatch(z zone) models.OrderBatch {
	now := time.Now().UTC()
	id := uuid.NewString()
	distanceKm := z.pathDistanceKm()
	return models.OrderBatch{
		ID:                   id,
		BatchNumber:          fmt.Sprintf("B-%s-%s", now.Format("20060102"), id[:8]),
		OrderIDs:             lo.Map(z.orders, func(o models.Order, _ int) string { return o.ID }),
		OrderCount:           len(z.orders),
		TotalDistanceKm:      distanceKm,
		EstimatedDurationMin: geo.MinutesForKm(distanceKm, 0),
		DeliveryZone:         fmt.Sprintf("%s@%.4f,%.4f", z.pickupID, z.centroid.Lat, z.centroid.Lng),
		Status:               models.BatchPending,
		CreatedAt:            now,
	}
}

// pathDistanceKm estimates the zone's tour length: centroid out through each
// delivery in insertion order. The optimizer replaces this with the sequenced
// route later.
func (z zone) pathDistanceKm() float64 {
	total := 0.0
	current := z.centroid
	for _, order := range z.orders {
		next := geo.Point{Lat: order.DeliveryLat, Lng: order.DeliveryLng}
		total += geo.HaversineKm(current, next)
		current = next
	}
	return total
}
