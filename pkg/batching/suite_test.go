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

package batching_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fleetops/dispatch/pkg/batching"
	"github.com/fleetops/dispatch/pkg/config"
	"github.com/fleetops/dispatch/pkg/fake"
	"github.com/fleetops/dispatch/pkg/models"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestBatching(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Batching")
}

var (
	ctx    context.Context
	store  *fake.Store
	engine *batching.Engine
)

func addOrder(id, pickupID string, lat, lng, loadKg float64) {
	store.Orders[id] = &models.Order{
		ID: id, CustomerRef: "cust", PickupID: pickupID,
		DeliveryLat: lat, DeliveryLng: lng, LoadKg: loadKg, Priority: 5,
		CreatedAt: time.Now().UTC(), SLADeadline: time.Now().UTC().Add(2 * time.Hour),
		Status: models.OrderPending, LastStatusChangeAt: time.Now().UTC(),
	}
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	store = fake.NewStore()
	store.Drivers["driver-1"] = &models.Driver{
		ID: "driver-1", CapacityKg: 100, Status: models.DriverAvailable,
		LastHeartbeatAt: time.Now().UTC(),
	}
	engine = batching.NewEngine(store, config.Default().Batching, zap.NewNop().Sugar())
})

var _ = Describe("Tick", func() {
	It("should batch near orders from the same pickup together", func() {
		addOrder("order-1", "pickup-1", 24.7136, 46.6753, 10)
		addOrder("order-2", "pickup-1", 24.7150, 46.6760, 10) // a few hundred meters away
		Expect(engine.Tick(ctx)).To(Succeed())
		Expect(store.Batches).To(HaveLen(1))
		for _, batch := range store.Batches {
			Expect(batch.OrderIDs).To(ConsistOf("order-1", "order-2"))
			Expect(batch.Status).To(Equal(models.BatchPending))
		}
		Expect(*store.Orders["order-1"].BatchID).To(Equal(*store.Orders["order-2"].BatchID))
	})
	It("should estimate batch distance and duration from the delivery path", func() {
		addOrder("order-1", "pickup-1", 24.7136, 46.6753, 10)
		addOrder("order-2", "pickup-1", 24.7150, 46.6760, 10)
		Expect(engine.Tick(ctx)).To(Succeed())
		Expect(store.Batches).To(HaveLen(1))
		for _, batch := range store.Batches {
			Expect(batch.TotalDistanceKm).To(BeNumerically(">", 0))
			Expect(batch.EstimatedDurationMin).To(BeNumerically(">", 0))
		}
	})
	It("should split orders from different pickups", func() {
		addOrder("order-1", "pickup-1", 24.7136, 46.6753, 10)
		addOrder("order-2", "pickup-2", 24.7136, 46.6753, 10)
		Expect(engine.Tick(ctx)).To(Succeed())
		Expect(store.Batches).To(HaveLen(2))
	})
	It("should split orders beyond the zone radius", func() {
		addOrder("order-1", "pickup-1", 24.7136, 46.6753, 10)
		addOrder("order-2", "pickup-1", 24.80, 46.6753, 10) // ~10 km north
		Expect(engine.Tick(ctx)).To(Succeed())
		Expect(store.Batches).To(HaveLen(2))
	})
	It("should split a zone whose load outgrows the biggest vehicle", func() {
		addOrder("order-1", "pickup-1", 24.7136, 46.6753, 60)
		addOrder("order-2", "pickup-1", 24.7137, 46.6754, 60)
		Expect(engine.Tick(ctx)).To(Succeed())
		Expect(store.Batches).To(HaveLen(2))
	})
	It("should do nothing when no vehicle has spare capacity", func() {
		store.Drivers["driver-1"].Status = models.DriverOffline
		addOrder("order-1", "pickup-1", 24.7136, 46.6753, 10)
		Expect(engine.Tick(ctx)).To(Succeed())
		Expect(store.Batches).To(BeEmpty())
	})
	It("should skip orders batched concurrently without failing the tick", func() {
		addOrder("order-1", "pickup-1", 24.7136, 46.6753, 10)
		batchID := "elsewhere"
		store.Orders["order-1"].BatchID = &batchID
		// The listing no longer returns it, so the tick is a no-op.
		Expect(engine.Tick(ctx)).To(Succeed())
		Expect(store.Batches).To(BeEmpty())
	})
})
