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

// Package routing plans capacitated multi-pickup delivery routes. Planning is
// SLA-aware: a pickup whose backlog cannot be served by one vehicle within the
// SLA window gets several, and deliveries are split across them fairly.
package routing

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/fleetops/dispatch/pkg/config"
	"github.com/fleetops/dispatch/pkg/geo"
	"github.com/fleetops/dispatch/pkg/models"
)

type Vehicle struct {
	DriverID   string
	CapacityKg float64
}

type Input struct {
	Pickups    []models.PickupPoint
	Deliveries []models.Order
	Vehicles   []Vehicle
}

type Summary struct {
	VehiclesUsed          int     `json:"vehiclesUsed"`
	TotalDeliveries       int     `json:"totalDeliveries"`
	AvgPerVehicle         float64 `json:"avgPerVehicle"`
	OverallUtilizationPct float64 `json:"overallUtilizationPct"`
}

type Output struct {
	Routes  []models.Route               `json:"routes"`
	Logs    []models.RouteOptimizationLog `json:"logs"`
	Summary Summary                      `json:"summary"`
	// Degraded marks a run that fell back to naive sequencing.
	Degraded bool `json:"degraded,omitempty"`
	// Overflow lists deliveries no vehicle could accept.
	Overflow []models.Order `json:"overflow,omitempty"`
}

type Optimizer struct {
	cfg config.Optimizer
	log *zap.SugaredLogger
}

func NewOptimizer(cfg config.Optimizer, log *zap.SugaredLogger) *Optimizer {
	return &Optimizer{cfg: cfg, log: log.Named("routing")}
}

// Optimize plans routes for the given deliveries. Empty input yields an empty
// output, not an error. The run is deterministic given input order.
func (o *Optimizer) Optimize(input Input) Output {
	if len(input.Deliveries) == 0 || len(input.Vehicles) == 0 {
		return Output{}
	}
	now := time.Now().UTC()
	grouped := o.groupByPickup(input)
	allocations := o.allocateVehicles(grouped, input.Vehicles)

	var out Output
	for _, alloc := range allocations {
		if len(alloc.vehicles) == 0 {
			// Fleet exhausted before this pickup; every delivery must still be
			// accounted for.
			out.Overflow = append(out.Overflow, alloc.deliveries...)
			continue
		}
		batches, overflow := splitRoundRobin(alloc.deliveries, alloc.vehicles)
		out.Overflow = append(out.Overflow, overflow...)
		for i, batch := range batches {
			if len(batch) == 0 {
				continue
			}
			route, optLog, degraded := o.buildRoute(alloc.pickup, alloc.vehicles[i], batch, now)
			out.Routes = append(out.Routes, route)
			out.Logs = append(out.Logs, optLog)
			out.Degraded = out.Degraded || degraded
		}
	}
	out.Summary = o.summarize(input, out.Routes)
	return out
}

type allocation struct {
	pickup     models.PickupPoint
	deliveries []models.Order
	vehicles   []Vehicle
}

// groupByPickup buckets deliveries by pickup id, attaching deliveries with an
// unknown pickup to the nearest one. Bucket order follows the pickup list so
// runs are deterministic.
func (o *Optimizer) groupByPickup(input Input) []allocation {
	byID := lo.KeyBy(input.Pickups, func(p models.PickupPoint) string { return p.ID })
	buckets := map[string][]models.Order{}
	for _, delivery := range input.Deliveries {
		pickupID := delivery.PickupID
		if _, ok := byID[pickupID]; !ok {
			pickupID = o.nearestPickup(input.Pickups, delivery)
		}
		buckets[pickupID] = append(buckets[pickupID], delivery)
	}
	var allocations []allocation
	for _, pickup := range input.Pickups {
		if deliveries := buckets[pickup.ID]; len(deliveries) > 0 {
			allocations = append(allocations, allocation{pickup: pickup, deliveries: deliveries})
		}
	}
	return allocations
}

func (o *Optimizer) nearestPickup(pickups []models.PickupPoint, delivery models.Order) string {
	point := geo.Point{Lat: delivery.DeliveryLat, Lng: delivery.DeliveryLng}
	best := pickups[0]
	bestKm := geo.HaversineKm(point, geo.Point{Lat: best.Lat, Lng: best.Lng})
	for _, pickup := range pickups[1:] {
		if km := geo.HaversineKm(point, geo.Point{Lat: pickup.Lat, Lng: pickup.Lng}); km < bestKm {
			best, bestKm = pickup, km
		}
	}
	return best.ID
}

// allocateVehicles decides how many vehicles each pickup gets. A pickup needs
// ceil(count * avgMinPerDelivery / slaMinutes) vehicles to clear its backlog
// within the SLA; when the fleet cannot cover the total need, vehicles are
// shared proportionally by backlog size with at least one per pickup.
func (o *Optimizer) allocateVehicles(allocations []allocation, fleet []Vehicle) []allocation {
	needed := lo.Map(allocations, func(a allocation, _ int) int {
		timeNeeded := float64(len(a.deliveries)) * o.cfg.AvgMinPerDelivery
		return int(math.Ceil(timeNeeded / float64(o.cfg.SLAMinutes)))
	})
	totalNeeded := lo.Sum(needed)
	totalDeliveries := lo.SumBy(allocations, func(a allocation) int { return len(a.deliveries) })

	if totalNeeded > len(fleet) {
		for i := range allocations {
			share := float64(len(allocations[i].deliveries)) / float64(totalDeliveries) * float64(len(fleet))
			needed[i] = lo.Max([]int{1, int(share)})
		}
	}

	remaining := fleet
	for i := range allocations {
		take := lo.Min([]int{needed[i], len(remaining)})
		// Grow the allocation when the SLA-sized crew cannot carry the load.
		load := lo.SumBy(allocations[i].deliveries, func(d models.Order) float64 { return d.LoadKg })
		for take < len(remaining) && capacityOf(remaining[:take]) < load {
			take++
		}
		allocations[i].vehicles = remaining[:take]
		remaining = remaining[take:]
	}
	// Buckets left without vehicles stay in the result; the caller overflows
	// their deliveries rather than dropping them.
	return allocations
}

func capacityOf(vehicles []Vehicle) float64 {
	return lo.SumBy(vehicles, func(v Vehicle) float64 { return v.CapacityKg })
}

// splitRoundRobin deals deliveries across vehicles by insertion order. A
// delivery that would overload its vehicle rolls to the next with room; if no
// vehicle can take it, it lands in overflow.
func splitRoundRobin(deliveries []models.Order, vehicles []Vehicle) ([][]models.Order, []models.Order) {
	batches := make([][]models.Order, len(vehicles))
	loads := make([]float64, len(vehicles))
	var overflow []models.Order
	for i, delivery := range deliveries {
		placed := false
		for attempt := 0; attempt < len(vehicles); attempt++ {
			v := (i + attempt) % len(vehicles)
			if loads[v]+delivery.LoadKg <= vehicles[v].CapacityKg {
				batches[v] = append(batches[v], delivery)
				loads[v] += delivery.LoadKg
				placed = true
				break
			}
		}
		if !placed {
			overflow = append(overflow, delivery)
		}
	}
	return batches, overflow
}

// buildRoute sequences one vehicle's stops and records savings against the
// naive insertion-order route. Sequencing failures degrade to the naive route
// rather than dropping deliveries.
func (o *Optimizer) buildRoute(pickup models.PickupPoint, vehicle Vehicle, batch []models.Order, now time.Time) (models.Route, models.RouteOptimizationLog, bool) {
	naiveKm := o.pathDistanceKm(pickup, batch)

	sequenced, err := o.sequence(pickup, batch)
	status, algorithm, degraded := "optimized", "nearest-neighbour+2opt", false
	if err != nil {
		o.log.Warnw("sequencing failed, using naive route", "pickup", pickup.ID, "error", err)
		sequenced, status, algorithm, degraded = batch, "failed-fallback", "naive", true
	}

	optimizedKm := o.pathDistanceKm(pickup, sequenced)
	durationMin := o.pathDurationMin(pickup, sequenced)
	route := models.Route{
		ID:               uuid.NewString(),
		DriverID:         vehicle.DriverID,
		VehicleID:        vehicle.DriverID,
		PickupID:         pickup.ID,
		OrderedStops:     o.stops(pickup, sequenced, now),
		TotalDistanceKm:  optimizedKm,
		TotalDurationMin: durationMin,
		Status:           models.RoutePlanned,
		CreatedAt:        now,
		OptimizedAt:      now,
	}
	saved := naiveKm - optimizedKm
	improvement := 0.0
	if naiveKm > 0 {
		improvement = saved / naiveKm * 100
	}
	reordered := 0
	for i := range batch {
		if batch[i].ID != sequenced[i].ID {
			reordered++
		}
	}
	optLog := models.RouteOptimizationLog{
		ID:                uuid.NewString(),
		DriverID:          vehicle.DriverID,
		OrderIDs:          lo.Map(sequenced, func(d models.Order, _ int) string { return d.ID }),
		OriginalDistance:  naiveKm,
		OptimizedDistance: optimizedKm,
		DistanceSavedKm:   saved,
		TimeSavedMin:      geo.MinutesForKm(saved, o.cfg.AvgSpeedKph),
		StopsReordered:    reordered,
		ImprovementPct:    improvement,
		Algorithm:         algorithm,
		Status:            status,
		CreatedAt:         now,
		OptimizedAt:       now,
	}
	return route, optLog, degraded
}

// sequence orders the batch nearest-neighbour from the pickup, ties broken by
// earlier SLA deadline, then improves with a single 2-opt pass.
func (o *Optimizer) sequence(pickup models.PickupPoint, batch []models.Order) ([]models.Order, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("empty batch for pickup %s", pickup.ID)
	}
	remaining := make([]models.Order, len(batch))
	copy(remaining, batch)
	sequenced := make([]models.Order, 0, len(batch))
	current := geo.Point{Lat: pickup.Lat, Lng: pickup.Lng}
	for len(remaining) > 0 {
		best := 0
		bestKm := geo.HaversineKm(current, deliveryPoint(remaining[0]))
		for i := 1; i < len(remaining); i++ {
			km := geo.HaversineKm(current, deliveryPoint(remaining[i]))
			if km < bestKm || (km == bestKm && remaining[i].SLADeadline.Before(remaining[best].SLADeadline)) {
				best, bestKm = i, km
			}
		}
		sequenced = append(sequenced, remaining[best])
		current = deliveryPoint(remaining[best])
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	if len(sequenced) <= o.cfg.TwoOptMaxStops {
		sequenced = o.twoOpt(pickup, sequenced)
	}
	return sequenced, nil
}

// twoOpt makes a single O(n²) improvement pass, accepting a segment reversal
// only when it strictly shortens the route.
func (o *Optimizer) twoOpt(pickup models.PickupPoint, route []models.Order) []models.Order {
	best := route
	bestKm := o.pathDistanceKm(pickup, best)
	for i := 0; i < len(best)-1; i++ {
		for j := i + 1; j < len(best); j++ {
			candidate := make([]models.Order, len(best))
			copy(candidate, best)
			for a, b := i, j; a < b; a, b = a+1, b-1 {
				candidate[a], candidate[b] = candidate[b], candidate[a]
			}
			if km := o.pathDistanceKm(pickup, candidate); km < bestKm {
				best, bestKm = candidate, km
			}
		}
	}
	return best
}

func (o *Optimizer) pathDistanceKm(pickup models.PickupPoint, route []models.Order) float64 {
	total := 0.0
	current := geo.Point{Lat: pickup.Lat, Lng: pickup.Lng}
	for _, delivery := range route {
		next := deliveryPoint(delivery)
		total += geo.HaversineKm(current, next)
		current = next
	}
	return total
}

func (o *Optimizer) pathDurationMin(pickup models.PickupPoint, route []models.Order) float64 {
	travel := geo.MinutesForKm(o.pathDistanceKm(pickup, route), o.cfg.AvgSpeedKph)
	return travel + float64(len(route)*o.cfg.ServiceTimeMin)
}

func (o *Optimizer) stops(pickup models.PickupPoint, route []models.Order, start time.Time) []models.RouteStop {
	stops := make([]models.RouteStop, 0, len(route))
	current := geo.Point{Lat: pickup.Lat, Lng: pickup.Lng}
	eta := start
	for _, delivery := range route {
		next := deliveryPoint(delivery)
		travelMin := geo.StraightLineMinutes(current, next, o.cfg.AvgSpeedKph)
		eta = eta.Add(time.Duration(travelMin * float64(time.Minute)))
		stops = append(stops, models.RouteStop{
			OrderID:             delivery.ID,
			ArrivalTimeEstimate: eta,
			ServiceTimeMin:      o.cfg.ServiceTimeMin,
		})
		eta = eta.Add(time.Duration(o.cfg.ServiceTimeMin) * time.Minute)
		current = next
	}
	return stops
}

func (o *Optimizer) summarize(input Input, routes []models.Route) Summary {
	if len(routes) == 0 {
		return Summary{}
	}
	totalDeliveries := lo.SumBy(routes, func(r models.Route) int { return len(r.OrderedStops) })
	totalCapacity := lo.SumBy(input.Vehicles, func(v Vehicle) float64 { return v.CapacityKg })
	totalLoad := lo.SumBy(input.Deliveries, func(d models.Order) float64 { return d.LoadKg })
	utilization := 0.0
	if totalCapacity > 0 {
		utilization = totalLoad / totalCapacity * 100
	}
	return Summary{
		VehiclesUsed:          len(routes),
		TotalDeliveries:       totalDeliveries,
		AvgPerVehicle:         float64(totalDeliveries) / float64(len(routes)),
		OverallUtilizationPct: utilization,
	}
}

func deliveryPoint(order models.Order) geo.Point {
	return geo.Point{Lat: order.DeliveryLat, Lng: order.DeliveryLng}
}

// sortByDeadline is used by tests and the engine to stabilize input order.
func sortByDeadline(orders []models.Order) {
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].SLADeadline.Before(orders[j].SLADeadline) })
}
