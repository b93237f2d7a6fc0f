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
	"testing"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/fleetops/dispatch/pkg/config"
	"github.com/fleetops/dispatch/pkg/fake"
	"github.com/fleetops/dispatch/pkg/models"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestRouting(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Routing")
}

var (
	cfg       config.Optimizer
	optimizer *Optimizer
)

func delivery(id string, lat, lng, loadKg float64) models.Order {
	return models.Order{
		ID: id, PickupID: "P1", DeliveryLat: lat, DeliveryLng: lng, LoadKg: loadKg,
		Priority: 5, CreatedAt: time.Now().UTC(), SLADeadline: time.Now().UTC().Add(2 * time.Hour),
		Status: models.OrderPending,
	}
}

func fleet(n int, capacityKg float64) []Vehicle {
	return lo.Times(n, func(i int) Vehicle {
		return Vehicle{DriverID: fmt.Sprintf("driver-%02d", i), CapacityKg: capacityKg}
	})
}

var _ = BeforeEach(func() {
	cfg = config.Default().Optimizer
	optimizer = NewOptimizer(cfg, zap.NewNop().Sugar())
})

var _ = Describe("Optimize", func() {
	pickup := models.PickupPoint{ID: "P1", Lat: 24.7136, Lng: 46.6753, Name: "central"}

	It("should return an empty output for an empty delivery list", func() {
		out := optimizer.Optimize(Input{Pickups: []models.PickupPoint{pickup}, Vehicles: fleet(3, 200)})
		Expect(out.Routes).To(BeEmpty())
		Expect(out.Summary.VehiclesUsed).To(BeZero())
		Expect(out.Degraded).To(BeFalse())
	})

	It("should plan one route with one stop for a single order and driver", func() {
		out := optimizer.Optimize(Input{
			Pickups:    []models.PickupPoint{pickup},
			Deliveries: []models.Order{delivery("order-1", 24.72, 46.68, 10)},
			Vehicles:   fleet(1, 200),
		})
		Expect(out.Routes).To(HaveLen(1))
		Expect(out.Routes[0].OrderedStops).To(HaveLen(1))
		Expect(out.Routes[0].OrderedStops[0].OrderID).To(Equal("order-1"))
		Expect(out.Summary.VehiclesUsed).To(Equal(1))
	})

	It("should allocate by SLA need and split evenly for one busy pickup", func() {
		// 20 deliveries at 10 min each need ceil(200/120) = 2 vehicles.
		deliveries := lo.Times(20, func(i int) models.Order {
			return delivery(fmt.Sprintf("order-%02d", i),
				24.7136+float64(i%5)*0.008, 46.6753+float64(i/5)*0.008, 10)
		})
		out := optimizer.Optimize(Input{
			Pickups:    []models.PickupPoint{pickup},
			Deliveries: deliveries,
			Vehicles:   fleet(10, 200),
		})
		Expect(out.Routes).To(HaveLen(2))
		for _, route := range out.Routes {
			Expect(route.OrderedStops).To(HaveLen(10))
			Expect(route.TotalDistanceKm).To(BeNumerically("<=", 30))
		}

		// Every delivery appears in exactly one route.
		var stops []string
		for _, route := range out.Routes {
			for _, stop := range route.OrderedStops {
				stops = append(stops, stop.OrderID)
			}
		}
		Expect(stops).To(HaveLen(20))
		Expect(lo.Uniq(stops)).To(HaveLen(20))
	})

	It("should serve multiple pickups in parallel when the SLA requires", func() {
		pickups := []models.PickupPoint{
			{ID: "P1", Lat: 24.70, Lng: 46.60},
			{ID: "P2", Lat: 24.80, Lng: 46.70},
			{ID: "P3", Lat: 24.90, Lng: 46.80},
		}
		// Unknown pickup ids route to the nearest pickup point.
		var deliveries []models.Order
		for p, base := range []struct{ lat, lng float64 }{{24.70, 46.60}, {24.80, 46.70}, {24.90, 46.80}} {
			for i := 0; i < 10; i++ {
				d := delivery(fmt.Sprintf("order-%d-%02d", p, i), base.lat+float64(i)*0.002, base.lng, 10)
				d.PickupID = ""
				deliveries = append(deliveries, d)
			}
		}
		out := optimizer.Optimize(Input{Pickups: pickups, Deliveries: deliveries, Vehicles: fleet(15, 500)})
		// 10 deliveries x 10 min fits one 120 min window per pickup.
		Expect(out.Routes).To(HaveLen(3))
		Expect(lo.Uniq(lo.Map(out.Routes, func(r models.Route, _ int) string { return r.PickupID }))).
			To(ConsistOf("P1", "P2", "P3"))

		cfg.AvgMinPerDelivery = 15 // 150 min > 120 min SLA, so 2 vehicles per pickup
		optimizer = NewOptimizer(cfg, zap.NewNop().Sugar())
		out = optimizer.Optimize(Input{Pickups: pickups, Deliveries: deliveries, Vehicles: fleet(15, 500)})
		Expect(out.Routes).To(HaveLen(6))
	})

	It("should never exceed vehicle capacity, overflowing when the fleet cannot absorb the load", func() {
		deliveries := lo.Times(5, func(i int) models.Order {
			return delivery(fmt.Sprintf("order-%d", i), 24.72+float64(i)*0.01, 46.68, 300)
		})
		out := optimizer.Optimize(Input{
			Pickups:    []models.PickupPoint{pickup},
			Deliveries: deliveries,
			Vehicles:   fleet(3, 500),
		})
		for _, route := range out.Routes {
			load := lo.SumBy(route.OrderedStops, func(models.RouteStop) float64 { return 300 })
			Expect(load).To(BeNumerically("<=", 500))
		}
		placed := lo.SumBy(out.Routes, func(r models.Route) int { return len(r.OrderedStops) })
		Expect(placed + len(out.Overflow)).To(Equal(5))
		Expect(out.Overflow).ToNot(BeEmpty())
	})

	It("should overflow every delivery at pickups the fleet never reaches", func() {
		// One vehicle across two pickups leaves one pickup with no allocation;
		// its delivery must surface as overflow rather than vanish.
		north := models.PickupPoint{ID: "P2", Lat: 24.90, Lng: 46.80, Name: "north"}
		remote := delivery("order-2", 24.91, 46.81, 300)
		remote.PickupID = "P2"
		out := optimizer.Optimize(Input{
			Pickups:    []models.PickupPoint{pickup, north},
			Deliveries: []models.Order{delivery("order-1", 24.72, 46.68, 300), remote},
			Vehicles:   fleet(1, 500),
		})
		placed := lo.SumBy(out.Routes, func(r models.Route) int { return len(r.OrderedStops) })
		Expect(placed).To(Equal(1))
		Expect(out.Overflow).To(HaveLen(1))
	})

	It("should shorten or match the naive route and record the savings", func() {
		// Deliberately interleaved stops so insertion order zig-zags.
		deliveries := []models.Order{
			delivery("far-1", 24.80, 46.6753, 10),
			delivery("near-1", 24.72, 46.6753, 10),
			delivery("far-2", 24.79, 46.6753, 10),
			delivery("near-2", 24.73, 46.6753, 10),
		}
		out := optimizer.Optimize(Input{
			Pickups:    []models.PickupPoint{pickup},
			Deliveries: deliveries,
			Vehicles:   fleet(1, 200),
		})
		Expect(out.Routes).To(HaveLen(1))
		Expect(out.Logs).To(HaveLen(1))
		optLog := out.Logs[0]
		Expect(optLog.OptimizedDistance).To(BeNumerically("<=", optLog.OriginalDistance))
		Expect(optLog.DistanceSavedKm).To(BeNumerically(">", 0))
		Expect(optLog.Status).To(Equal("optimized"))
		Expect(optLog.StopsReordered).To(BeNumerically(">", 0))

		// Nearest-neighbour visits the near stops first.
		Expect(out.Routes[0].OrderedStops[0].OrderID).To(Equal("near-1"))
	})

	It("should skip 2-opt beyond the stop cap but still sequence", func() {
		cfg.TwoOptMaxStops = 3
		optimizer = NewOptimizer(cfg, zap.NewNop().Sugar())
		deliveries := lo.Times(6, func(i int) models.Order {
			return delivery(fmt.Sprintf("order-%d", i), 24.72+float64(i)*0.01, 46.68, 10)
		})
		out := optimizer.Optimize(Input{
			Pickups:    []models.PickupPoint{pickup},
			Deliveries: deliveries,
			Vehicles:   fleet(1, 200),
		})
		Expect(out.Routes).To(HaveLen(1))
		Expect(out.Routes[0].OrderedStops).To(HaveLen(6))
		Expect(out.Degraded).To(BeFalse())
	})

	It("should estimate duration from travel time plus service time", func() {
		out := optimizer.Optimize(Input{
			Pickups:    []models.PickupPoint{pickup},
			Deliveries: []models.Order{delivery("order-1", 24.72, 46.68, 10)},
			Vehicles:   fleet(1, 200),
		})
		route := out.Routes[0]
		Expect(route.TotalDurationMin).To(BeNumerically(">", float64(cfg.ServiceTimeMin)))
		Expect(route.OrderedStops[0].ArrivalTimeEstimate).To(BeTemporally(">", route.CreatedAt))
	})
})

var _ = Describe("Plan", func() {
	It("should record optimization logs without persisting routes", func() {
		store := fake.NewStore()
		store.Pickups["P1"] = models.PickupPoint{ID: "P1", Lat: 24.7136, Lng: 46.6753, Name: "central"}
		store.Drivers["driver-1"] = &models.Driver{
			ID: "driver-1", CapacityKg: 200, Status: models.DriverAvailable,
			LastHeartbeatAt: time.Now().UTC(),
		}
		order := delivery("order-1", 24.72, 46.68, 10)
		store.Orders[order.ID] = &order
		engine := NewEngine(store, cfg, zap.NewNop().Sugar())

		out, err := engine.Plan(context.Background(), []string{"order-1"})
		Expect(err).ToNot(HaveOccurred())
		Expect(out.Routes).To(HaveLen(1))
		Expect(store.OptimizationLogs).ToNot(BeEmpty())
		Expect(store.Routes).To(BeEmpty())
	})
})
