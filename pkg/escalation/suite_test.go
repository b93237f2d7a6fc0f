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

package escalation_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fleetops/dispatch/pkg/escalation"
	"github.com/fleetops/dispatch/pkg/fake"
	"github.com/fleetops/dispatch/pkg/models"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestEscalation(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Escalation")
}

var (
	ctx     context.Context
	store   *fake.Store
	monitor *escalation.Monitor
	now     time.Time
)

func addOrder(id string, mutate func(*models.Order)) {
	order := &models.Order{
		ID: id, CustomerRef: "cust", PickupID: "pickup-1",
		DeliveryLat: 24.72, DeliveryLng: 46.68, LoadKg: 10, Priority: 5,
		CreatedAt: now.Add(-time.Hour), SLADeadline: now.Add(2 * time.Hour),
		Status: models.OrderPending, LastStatusChangeAt: now.Add(-time.Minute),
	}
	mutate(order)
	store.Orders[id] = order
}

func byType(kind models.EscalationType) []models.EscalationLog {
	var rows []models.EscalationLog
	for _, row := range store.Escalations {
		if row.Type == kind {
			rows = append(rows, row)
		}
	}
	return rows
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	store = fake.NewStore()
	now = time.Now().UTC()
	monitor = escalation.NewMonitor(store, nil, zap.NewNop().Sugar())
})

var _ = Describe("SLA risk", func() {
	It("should grade severity by remaining minutes", func() {
		addOrder("critical", func(o *models.Order) { o.SLADeadline = now.Add(5 * time.Minute) })
		addOrder("high", func(o *models.Order) { o.SLADeadline = now.Add(15 * time.Minute) })
		addOrder("medium", func(o *models.Order) { o.SLADeadline = now.Add(25 * time.Minute) })
		addOrder("safe", func(o *models.Order) { o.SLADeadline = now.Add(90 * time.Minute) })

		Expect(monitor.Tick(ctx)).To(Succeed())
		rows := byType(models.EscalationSLARisk)
		Expect(rows).To(HaveLen(3))
		severities := map[string]models.Severity{}
		for _, row := range rows {
			severities[row.OrderID] = row.Severity
		}
		Expect(severities["critical"]).To(Equal(models.SeverityCritical))
		Expect(severities["high"]).To(Equal(models.SeverityHigh))
		Expect(severities["medium"]).To(Equal(models.SeverityMedium))
	})
	It("should only fire for pending and assigned orders", func() {
		addOrder("in-transit", func(o *models.Order) {
			o.SLADeadline = now.Add(5 * time.Minute)
			o.Status = models.OrderInTransit
		})
		Expect(monitor.Tick(ctx)).To(Succeed())
		Expect(byType(models.EscalationSLARisk)).To(BeEmpty())
	})
	It("should emit an alert for the critical subset", func() {
		addOrder("critical", func(o *models.Order) { o.SLADeadline = now.Add(5 * time.Minute) })
		Expect(monitor.Tick(ctx)).To(Succeed())
		Expect(store.Alerts).To(HaveLen(1))
		Expect(store.Alerts[0].Type).To(Equal(models.AlertSLABreach))
	})
})

var _ = Describe("Stuck orders", func() {
	It("should flag a pickup with no progress for 45 minutes", func() {
		addOrder("stuck", func(o *models.Order) {
			o.Status = models.OrderPickedUp
			o.LastStatusChangeAt = now.Add(-50 * time.Minute)
		})
		addOrder("moving", func(o *models.Order) {
			o.Status = models.OrderPickedUp
			o.LastStatusChangeAt = now.Add(-10 * time.Minute)
		})
		Expect(monitor.Tick(ctx)).To(Succeed())
		rows := byType(models.EscalationStuck)
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].OrderID).To(Equal("stuck"))
	})
})

var _ = Describe("Unresponsive drivers", func() {
	driverID := "driver-1"
	BeforeEach(func() {
		store.Drivers[driverID] = &models.Driver{
			ID: driverID, CapacityKg: 100, Status: models.DriverBusy,
			LastHeartbeatAt: now.Add(-15 * time.Minute),
		}
	})
	It("should flag a silent driver on an active order", func() {
		addOrder("order-1", func(o *models.Order) {
			o.Status = models.OrderAssigned
			o.AssignedDriverID = &driverID
		})
		Expect(monitor.Tick(ctx)).To(Succeed())
		rows := byType(models.EscalationUnresponsive)
		Expect(rows).To(HaveLen(1))
		Expect(*rows[0].DriverID).To(Equal(driverID))
	})
	It("should not flag a driver who is deliberately offline", func() {
		store.Drivers[driverID].Status = models.DriverOffline
		addOrder("order-1", func(o *models.Order) {
			o.Status = models.OrderAssigned
			o.AssignedDriverID = &driverID
		})
		Expect(monitor.Tick(ctx)).To(Succeed())
		Expect(byType(models.EscalationUnresponsive)).To(BeEmpty())
	})
})

var _ = Describe("Failed deliveries", func() {
	It("should escalate repeated failures as critical with an alert", func() {
		addOrder("failed", func(o *models.Order) {
			o.Status = models.OrderFailed
			o.Attempts = 2
		})
		addOrder("first-failure", func(o *models.Order) {
			o.Status = models.OrderFailed
			o.Attempts = 1
		})
		Expect(monitor.Tick(ctx)).To(Succeed())
		rows := byType(models.EscalationFailedDelivery)
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].Severity).To(Equal(models.SeverityCritical))
		Expect(store.Alerts).To(HaveLen(1))
		Expect(store.Alerts[0].Type).To(Equal(models.AlertDispatchFailed))
	})
})

var _ = Describe("De-duplication", func() {
	It("should raise one escalation per order and type while the condition persists", func() {
		addOrder("critical", func(o *models.Order) { o.SLADeadline = now.Add(5 * time.Minute) })
		Expect(monitor.Tick(ctx)).To(Succeed())
		Expect(monitor.Tick(ctx)).To(Succeed())
		Expect(monitor.Tick(ctx)).To(Succeed())
		Expect(byType(models.EscalationSLARisk)).To(HaveLen(1))
	})
	It("should track different types for the same order independently", func() {
		driverID := "driver-1"
		store.Drivers[driverID] = &models.Driver{
			ID: driverID, CapacityKg: 100, Status: models.DriverBusy,
			LastHeartbeatAt: now.Add(-15 * time.Minute),
		}
		addOrder("order-1", func(o *models.Order) {
			o.Status = models.OrderAssigned
			o.AssignedDriverID = &driverID
			o.SLADeadline = now.Add(5 * time.Minute)
		})
		Expect(monitor.Tick(ctx)).To(Succeed())
		Expect(byType(models.EscalationSLARisk)).To(HaveLen(1))
		Expect(byType(models.EscalationUnresponsive)).To(HaveLen(1))
	})
})
