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

// Package httpapi is the transport edge. It maps the core operations onto
// HTTP and the core's error kinds onto status codes; no business rules live
// here.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fleetops/dispatch/pkg/advisor"
	"github.com/fleetops/dispatch/pkg/assignment"
	"github.com/fleetops/dispatch/pkg/engines"
	"github.com/fleetops/dispatch/pkg/models"
	"github.com/fleetops/dispatch/pkg/routing"
	"github.com/fleetops/dispatch/pkg/scoring"
	"github.com/fleetops/dispatch/pkg/targets"
	"github.com/fleetops/dispatch/pkg/urgency"
)

const explainBudget = 5 * time.Second

type Store interface {
	CreateOrder(context.Context, models.Order) error
	ActiveOrders(context.Context) ([]models.Order, bool, error)
	Heartbeat(ctx context.Context, driverID string, lat, lng float64) error
	LatestAssignment(ctx context.Context, orderID string) (models.AssignmentLog, error)
	OpenEscalations(context.Context) ([]models.EscalationLog, error)
	Ping(context.Context) error
}

type Server struct {
	store        Store
	assigner     *assignment.Engine
	planner      *routing.Engine
	tracker      *targets.Tracker
	orchestrator *engines.Orchestrator
	advisor      advisor.Advisor
	registry     *prometheus.Registry
	log          *zap.SugaredLogger
}

func NewServer(store Store, assigner *assignment.Engine, planner *routing.Engine,
	tracker *targets.Tracker, orchestrator *engines.Orchestrator,
	adv advisor.Advisor, registry *prometheus.Registry, log *zap.SugaredLogger) *Server {
	return &Server{
		store:        store,
		assigner:     assigner,
		planner:      planner,
		tracker:      tracker,
		orchestrator: orchestrator,
		advisor:      adv,
		registry:     registry,
		log:          log.Named("http"),
	}
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		v1.POST("/orders", s.createOrder)
		v1.GET("/orders/at-risk", s.atRiskOrders)
		v1.POST("/orders/:id/assign", s.assignOrder)
		v1.GET("/orders/:id/explain", s.explainAssignment)
		v1.POST("/assignments/batch", s.assignBatch)
		v1.POST("/routes/optimize", s.optimizeRoutes)
		v1.POST("/drivers/:id/heartbeat", s.heartbeat)
		v1.POST("/targets", s.setTargets)
		v1.GET("/targets/status", s.targetStatus)
		v1.GET("/escalations", s.openEscalations)
		v1.POST("/engines/:name/start", s.startEngine)
		v1.POST("/engines/:name/stop", s.stopEngine)
		v1.GET("/engines/status", s.engineStatus)
	}
	return router
}

func (s *Server) healthz(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createOrderRequest struct {
	ID          string    `json:"id" binding:"required"`
	CustomerRef string    `json:"customerRef" binding:"required"`
	PickupID    string    `json:"pickupId" binding:"required"`
	DeliveryLat float64   `json:"deliveryLat" binding:"required"`
	DeliveryLng float64   `json:"deliveryLng" binding:"required"`
	LoadKg      float64   `json:"loadKg" binding:"gte=0"`
	Priority    int       `json:"priority" binding:"min=1,max=10"`
	Revenue     float64   `json:"revenue" binding:"gte=0"`
	SLADeadline time.Time `json:"slaDeadline" binding:"required"`
}

func (s *Server) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	now := time.Now().UTC()
	if !req.SLADeadline.After(now) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "slaDeadline must be in the future"})
		return
	}
	order := models.Order{
		ID:                 req.ID,
		CustomerRef:        req.CustomerRef,
		PickupID:           req.PickupID,
		DeliveryLat:        req.DeliveryLat,
		DeliveryLng:        req.DeliveryLng,
		LoadKg:             req.LoadKg,
		Priority:           req.Priority,
		Revenue:            req.Revenue,
		CreatedAt:          now,
		SLADeadline:        req.SLADeadline.UTC(),
		Status:             models.OrderPending,
		LastStatusChangeAt: now,
	}
	if err := s.store.CreateOrder(c.Request.Context(), order); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) atRiskOrders(c *gin.Context) {
	orders, stale, err := s.store.ActiveOrders(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	now := time.Now().UTC()
	type atRisk struct {
		models.Order
		Classification urgency.Classification `json:"classification"`
	}
	var out []atRisk
	for _, order := range orders {
		class := urgency.Classify(order.CreatedAt, order.SLADeadline, now)
		if class.AtRisk() {
			out = append(out, atRisk{Order: order, Classification: class})
		}
	}
	c.JSON(http.StatusOK, gin.H{"orders": out, "stale": stale})
}

func (s *Server) assignOrder(c *gin.Context) {
	result, err := s.assigner.Assign(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) explainAssignment(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), explainBudget)
	defer cancel()
	logRow, err := s.store.LatestAssignment(ctx, c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	explanation, err := s.advisor.Explain(ctx, logRow, scoringBreakdown(logRow))
	if err != nil {
		// The advisor is best-effort; fall back to the raw breakdown.
		s.log.Warnw("advisor failed", "order", logRow.OrderID, "error", err)
		explanation = logRow.Reason
	}
	c.JSON(http.StatusOK, gin.H{"orderId": logRow.OrderID, "driverId": logRow.DriverID, "explanation": explanation})
}

type batchRequest struct {
	OrderIDs []string `json:"orderIds" binding:"required,min=1"`
}

func (s *Server) assignBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.assigner.AssignBatch(c.Request.Context(), req.OrderIDs))
}

func (s *Server) optimizeRoutes(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := s.planner.Plan(c.Request.Context(), req.OrderIDs)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type heartbeatRequest struct {
	Lat float64 `json:"lat" binding:"required"`
	Lng float64 `json:"lng" binding:"required"`
}

func (s *Server) heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.Heartbeat(c.Request.Context(), c.Param("id"), req.Lat, req.Lng); err != nil {
		s.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type setTargetsRequest struct {
	Targets []targets.Spec `json:"targets" binding:"required,min=1,dive"`
}

func (s *Server) setTargets(c *gin.Context) {
	var req setTargetsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.tracker.SetTargets(c.Request.Context(), req.Targets); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configured": len(req.Targets)})
}

func (s *Server) targetStatus(c *gin.Context) {
	statuses, err := s.tracker.GetAllStatus(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"targets": statuses})
}

func (s *Server) openEscalations(c *gin.Context) {
	rows, err := s.store.OpenEscalations(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalations": rows})
}

func (s *Server) startEngine(c *gin.Context) {
	result, err := s.orchestrator.Start(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	// Already running is success, not an error.
	c.JSON(http.StatusOK, result)
}

func (s *Server) stopEngine(c *gin.Context) {
	result, err := s.orchestrator.Stop(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) engineStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"engines": s.orchestrator.StatusAll()})
}

func scoringBreakdown(logRow models.AssignmentLog) scoring.Breakdown {
	return scoring.Breakdown{
		DriverID:      logRow.DriverID,
		Total:         logRow.TotalScore,
		DistanceScore: logRow.DistanceScore,
		TimeScore:     logRow.TimeScore,
		LoadScore:     logRow.LoadScore,
		PriorityScore: logRow.PriorityScore,
	}
}

// renderError maps the core's error kinds onto transport status codes.
func (s *Server) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNoDriver):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.log.Errorw("unclassified error", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
