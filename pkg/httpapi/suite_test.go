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

package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fleetops/dispatch/pkg/advisor"
	"github.com/fleetops/dispatch/pkg/assignment"
	"github.com/fleetops/dispatch/pkg/config"
	"github.com/fleetops/dispatch/pkg/engines"
	"github.com/fleetops/dispatch/pkg/fake"
	"github.com/fleetops/dispatch/pkg/httpapi"
	"github.com/fleetops/dispatch/pkg/models"
	"github.com/fleetops/dispatch/pkg/routing"
	"github.com/fleetops/dispatch/pkg/targets"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestHTTPAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	RegisterFailHandler(Fail)
	RunSpecs(t, "HTTPAPI")
}

type noopTicker struct{}

func (noopTicker) Tick(context.Context) error { return nil }

var (
	store        *fake.Store
	orchestrator *engines.Orchestrator
	router       *gin.Engine
)

var _ = BeforeEach(func() {
	cfg := config.Default()
	log := zap.NewNop().Sugar()
	store = fake.NewStore()
	store.Pickups["hub-1"] = models.PickupPoint{ID: "hub-1", Lat: 24.7136, Lng: 46.6753, Name: "central hub"}
	orchestrator = engines.NewOrchestrator(engines.Tickers{
		Dispatch:   noopTicker{},
		Routes:     noopTicker{},
		Batching:   noopTicker{},
		Escalation: noopTicker{},
	}, cfg.Cycle, log)
	server := httpapi.NewServer(
		store,
		assignment.NewEngine(store, cfg.Scorer, nil, log),
		routing.NewEngine(store, cfg.Optimizer, log),
		targets.NewTracker(store, cfg, log),
		orchestrator,
		advisor.RuleBased{},
		prometheus.NewRegistry(),
		log,
	)
	router = server.Router()
})

var _ = AfterEach(func() {
	orchestrator.StopAll()
})

func do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		Expect(err).ToNot(HaveOccurred())
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func decode(recorder *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	Expect(json.Unmarshal(recorder.Body.Bytes(), &out)).To(Succeed())
	return out
}

func seedOrder(id string, deadlineIn time.Duration) {
	now := time.Now().UTC()
	store.Orders[id] = &models.Order{
		ID:                 id,
		CustomerRef:        "cust-" + id,
		PickupID:           "hub-1",
		DeliveryLat:        24.72,
		DeliveryLng:        46.68,
		LoadKg:             10,
		Priority:           5,
		Revenue:            40,
		CreatedAt:          now.Add(-10 * time.Minute),
		SLADeadline:        now.Add(deadlineIn),
		Status:             models.OrderPending,
		LastStatusChangeAt: now,
	}
}

func seedDriver(id string, lat, lng float64) {
	store.Drivers[id] = &models.Driver{
		ID:              id,
		Name:            "driver " + id,
		VehicleType:     "van",
		CapacityKg:      500,
		CurrentLat:      lat,
		CurrentLng:      lng,
		Status:          models.DriverAvailable,
		LastHeartbeatAt: time.Now().UTC(),
	}
}

var _ = Describe("Healthz", func() {
	It("should report ok while the store answers", func() {
		Expect(do(http.MethodGet, "/healthz", nil).Code).To(Equal(http.StatusOK))
	})
	It("should report degraded when the store is unreachable", func() {
		store.NextErr["Ping"] = models.ErrStoreUnavailable
		Expect(do(http.MethodGet, "/healthz", nil).Code).To(Equal(http.StatusServiceUnavailable))
	})
})

var _ = Describe("Orders", func() {
	It("should create an order and default it to pending", func() {
		recorder := do(http.MethodPost, "/v1/orders", gin.H{
			"id":          "order-1",
			"customerRef": "cust-1",
			"pickupId":    "hub-1",
			"deliveryLat": 24.72,
			"deliveryLng": 46.68,
			"loadKg":      12.5,
			"priority":    7,
			"revenue":     55,
			"slaDeadline": time.Now().UTC().Add(2 * time.Hour),
		})
		Expect(recorder.Code).To(Equal(http.StatusCreated))
		Expect(store.Orders).To(HaveKey("order-1"))
		Expect(store.Orders["order-1"].Status).To(Equal(models.OrderPending))
	})
	It("should reject a missing pickup id with 400", func() {
		recorder := do(http.MethodPost, "/v1/orders", gin.H{
			"id":          "order-1",
			"customerRef": "cust-1",
			"deliveryLat": 24.72,
			"deliveryLng": 46.68,
			"priority":    7,
			"slaDeadline": time.Now().UTC().Add(2 * time.Hour),
		})
		Expect(recorder.Code).To(Equal(http.StatusBadRequest))
	})
	It("should reject a deadline in the past with 400", func() {
		recorder := do(http.MethodPost, "/v1/orders", gin.H{
			"id":          "order-1",
			"customerRef": "cust-1",
			"pickupId":    "hub-1",
			"deliveryLat": 24.72,
			"deliveryLng": 46.68,
			"priority":    7,
			"slaDeadline": time.Now().UTC().Add(-time.Hour),
		})
		Expect(recorder.Code).To(Equal(http.StatusBadRequest))
	})
	It("should surface a duplicate order as 409", func() {
		seedOrder("order-1", 2*time.Hour)
		recorder := do(http.MethodPost, "/v1/orders", gin.H{
			"id":          "order-1",
			"customerRef": "cust-1",
			"pickupId":    "hub-1",
			"deliveryLat": 24.72,
			"deliveryLng": 46.68,
			"priority":    7,
			"slaDeadline": time.Now().UTC().Add(2 * time.Hour),
		})
		Expect(recorder.Code).To(Equal(http.StatusConflict))
	})
	It("should list only orders inside the at-risk window", func() {
		seedOrder("order-urgent", 45*time.Minute)
		seedOrder("order-relaxed", 6*time.Hour)
		recorder := do(http.MethodGet, "/v1/orders/at-risk", nil)
		Expect(recorder.Code).To(Equal(http.StatusOK))
		body := decode(recorder)
		orders := body["orders"].([]interface{})
		Expect(orders).To(HaveLen(1))
		Expect(orders[0].(map[string]interface{})["id"]).To(Equal("order-urgent"))
	})
})

var _ = Describe("Assignment", func() {
	It("should assign a pending order to the best driver", func() {
		seedOrder("order-1", 2*time.Hour)
		seedDriver("driver-1", 24.7140, 46.6760)
		recorder := do(http.MethodPost, "/v1/orders/order-1/assign", nil)
		Expect(recorder.Code).To(Equal(http.StatusOK))
		Expect(decode(recorder)["driverId"]).To(Equal("driver-1"))
		Expect(store.Orders["order-1"].Status).To(Equal(models.OrderAssigned))
	})
	It("should return 404 for an unknown order", func() {
		Expect(do(http.MethodPost, "/v1/orders/no-such/assign", nil).Code).To(Equal(http.StatusNotFound))
	})
	It("should return 422 when no driver can take the order", func() {
		seedOrder("order-1", 2*time.Hour)
		recorder := do(http.MethodPost, "/v1/orders/order-1/assign", nil)
		Expect(recorder.Code).To(Equal(http.StatusUnprocessableEntity))
		Expect(store.Orders["order-1"].Status).To(Equal(models.OrderPending))
	})
	It("should return 409 for an order already past pending", func() {
		seedOrder("order-1", 2*time.Hour)
		store.Orders["order-1"].Status = models.OrderCancelled
		Expect(do(http.MethodPost, "/v1/orders/order-1/assign", nil).Code).To(Equal(http.StatusConflict))
	})
	It("should explain a recorded decision", func() {
		seedOrder("order-1", 2*time.Hour)
		seedDriver("driver-1", 24.7140, 46.6760)
		Expect(do(http.MethodPost, "/v1/orders/order-1/assign", nil).Code).To(Equal(http.StatusOK))

		recorder := do(http.MethodGet, "/v1/orders/order-1/explain", nil)
		Expect(recorder.Code).To(Equal(http.StatusOK))
		body := decode(recorder)
		Expect(body["driverId"]).To(Equal("driver-1"))
		Expect(body["explanation"]).To(ContainSubstring("driver-1"))
	})
	It("should return 404 explaining an order never assigned", func() {
		Expect(do(http.MethodGet, "/v1/orders/no-such/explain", nil).Code).To(Equal(http.StatusNotFound))
	})
	It("should run a batch and report per-order outcomes", func() {
		seedOrder("order-1", 2*time.Hour)
		seedOrder("order-2", 2*time.Hour)
		seedDriver("driver-1", 24.7140, 46.6760)
		recorder := do(http.MethodPost, "/v1/assignments/batch", gin.H{"orderIds": []string{"order-1", "order-2", "no-such"}})
		Expect(recorder.Code).To(Equal(http.StatusOK))
		body := decode(recorder)
		Expect(body["assigned"]).To(HaveLen(2))
		Expect(body["failed"]).To(HaveLen(1))
	})
	It("should reject an empty batch with 400", func() {
		Expect(do(http.MethodPost, "/v1/assignments/batch", gin.H{"orderIds": []string{}}).Code).To(Equal(http.StatusBadRequest))
	})
})

var _ = Describe("Routes", func() {
	It("should plan routes for the requested orders", func() {
		for i := 0; i < 4; i++ {
			seedOrder(fmt.Sprintf("order-%d", i), 2*time.Hour)
		}
		seedDriver("driver-1", 24.7140, 46.6760)
		recorder := do(http.MethodPost, "/v1/routes/optimize", gin.H{"orderIds": []string{"order-0", "order-1", "order-2", "order-3"}})
		Expect(recorder.Code).To(Equal(http.StatusOK))
		body := decode(recorder)
		Expect(body["routes"]).ToNot(BeEmpty())
	})
})

var _ = Describe("Drivers", func() {
	It("should record a heartbeat", func() {
		seedDriver("driver-1", 24.7140, 46.6760)
		recorder := do(http.MethodPost, "/v1/drivers/driver-1/heartbeat", gin.H{"lat": 24.7200, "lng": 46.6800})
		Expect(recorder.Code).To(Equal(http.StatusNoContent))
		Expect(store.Drivers["driver-1"].CurrentLat).To(Equal(24.7200))
	})
	It("should return 404 for an unknown driver", func() {
		recorder := do(http.MethodPost, "/v1/drivers/no-such/heartbeat", gin.H{"lat": 24.72, "lng": 46.68})
		Expect(recorder.Code).To(Equal(http.StatusNotFound))
	})
})

var _ = Describe("Targets", func() {
	It("should configure targets and report status", func() {
		recorder := do(http.MethodPost, "/v1/targets", gin.H{
			"targets": []gin.H{{"driverId": "driver-1", "targetDeliveries": 20, "targetRevenue": 500}},
		})
		Expect(recorder.Code).To(Equal(http.StatusOK))

		recorder = do(http.MethodGet, "/v1/targets/status", nil)
		Expect(recorder.Code).To(Equal(http.StatusOK))
		Expect(decode(recorder)["targets"]).To(HaveLen(1))
	})
	It("should reject a negative target with 400", func() {
		recorder := do(http.MethodPost, "/v1/targets", gin.H{
			"targets": []gin.H{{"driverId": "driver-1", "targetDeliveries": -1, "targetRevenue": 500}},
		})
		Expect(recorder.Code).To(Equal(http.StatusBadRequest))
	})
})

var _ = Describe("Escalations", func() {
	It("should list only unresolved escalations", func() {
		driverID := "driver-1"
		store.Escalations = append(store.Escalations,
			models.EscalationLog{ID: "esc-1", OrderID: "order-1", DriverID: &driverID, Type: models.EscalationSLARisk, Severity: models.SeverityHigh, Status: models.EscalationOpen},
			models.EscalationLog{ID: "esc-2", OrderID: "order-2", Type: models.EscalationStuck, Severity: models.SeverityMedium, Status: models.EscalationResolved},
		)
		recorder := do(http.MethodGet, "/v1/escalations", nil)
		Expect(recorder.Code).To(Equal(http.StatusOK))
		rows := decode(recorder)["escalations"].([]interface{})
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].(map[string]interface{})["id"]).To(Equal("esc-1"))
	})
})

var _ = Describe("Engines", func() {
	It("should start and stop an engine by name", func() {
		Expect(do(http.MethodPost, "/v1/engines/dispatch/start", nil).Code).To(Equal(http.StatusOK))
		Expect(do(http.MethodPost, "/v1/engines/dispatch/stop", nil).Code).To(Equal(http.StatusOK))
	})
	It("should treat starting a running engine as success", func() {
		Expect(do(http.MethodPost, "/v1/engines/dispatch/start", nil).Code).To(Equal(http.StatusOK))
		recorder := do(http.MethodPost, "/v1/engines/dispatch/start", nil)
		Expect(recorder.Code).To(Equal(http.StatusOK))
		Expect(decode(recorder)["alreadyRunning"]).To(BeTrue())
	})
	It("should return 404 for an unknown engine", func() {
		Expect(do(http.MethodPost, "/v1/engines/no-such/start", nil).Code).To(Equal(http.StatusNotFound))
	})
	It("should snapshot every engine in the status listing", func() {
		recorder := do(http.MethodGet, "/v1/engines/status", nil)
		Expect(recorder.Code).To(Equal(http.StatusOK))
		Expect(decode(recorder)["engines"]).To(HaveLen(4))
	})
})
