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

// Package models holds the persisted entities of the dispatch control plane.
// All timestamps are UTC instants with millisecond resolution; identifiers
// are opaque strings.
package models

import (
	"time"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderAssigned  OrderStatus = "assigned"
	OrderPickedUp  OrderStatus = "pickedUp"
	OrderInTransit OrderStatus = "inTransit"
	OrderDelivered OrderStatus = "delivered"
	OrderCancelled OrderStatus = "cancelled"
	OrderFailed    OrderStatus = "failed"
)

// Terminal returns true if no further transition is allowed from the status.
func (s OrderStatus) Terminal() bool {
	return s == OrderDelivered || s == OrderCancelled || s == OrderFailed
}

type Order struct {
	ID                 string      `db:"id" json:"id"`
	CustomerRef        string      `db:"customer_ref" json:"customerRef"`
	PickupID           string      `db:"pickup_id" json:"pickupId"`
	DeliveryLat        float64     `db:"delivery_lat" json:"deliveryLat"`
	DeliveryLng        float64     `db:"delivery_lng" json:"deliveryLng"`
	LoadKg             float64     `db:"load_kg" json:"loadKg"`
	Priority           int         `db:"priority" json:"priority"`
	Revenue            float64     `db:"revenue" json:"revenue"`
	Attempts           int         `db:"attempts" json:"attempts"`
	CreatedAt          time.Time   `db:"created_at" json:"createdAt"`
	SLADeadline        time.Time   `db:"sla_deadline" json:"slaDeadline"`
	Status             OrderStatus `db:"status" json:"status"`
	AssignedDriverID   *string     `db:"assigned_driver_id" json:"assignedDriverId,omitempty"`
	BatchID            *string     `db:"batch_id" json:"batchId,omitempty"`
	LastStatusChangeAt time.Time   `db:"last_status_change_at" json:"lastStatusChangeAt"`
}

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverBusy      DriverStatus = "busy"
	DriverBreak     DriverStatus = "break"
	DriverOffline   DriverStatus = "offline"
)

type Driver struct {
	ID              string       `db:"id" json:"id"`
	Name            string       `db:"name" json:"name"`
	VehicleType     string       `db:"vehicle_type" json:"vehicleType"`
	CapacityKg      float64      `db:"capacity_kg" json:"capacityKg"`
	CurrentLat      float64      `db:"current_lat" json:"currentLat"`
	CurrentLng      float64      `db:"current_lng" json:"currentLng"`
	Status          DriverStatus `db:"status" json:"status"`
	LastHeartbeatAt time.Time    `db:"last_heartbeat_at" json:"lastHeartbeatAt"`
}

// Candidate is a driver enriched with the derived state the scorer needs.
// The derived fields are read in the same store round trip as the driver row
// so that concurrent assignments serialize through the store.
type Candidate struct {
	Driver
	CurrentLoadKg     float64  `db:"current_load_kg" json:"currentLoadKg"`
	ActiveOrders      int      `db:"active_orders" json:"activeOrders"`
	CurrentDeliveries int      `db:"current_deliveries" json:"currentDeliveries"`
	CurrentRevenue    float64  `db:"current_revenue" json:"currentRevenue"`
	TargetDeliveries  int      `db:"target_deliveries" json:"targetDeliveries"`
	TargetRevenue     float64  `db:"target_revenue" json:"targetRevenue"`
	RoutePickupIDs    []string `db:"-" json:"routePickupIds,omitempty"`
}

type DriverTarget struct {
	DriverID          string    `db:"driver_id" json:"driverId"`
	TargetDeliveries  int       `db:"target_deliveries" json:"targetDeliveries"`
	TargetRevenue     float64   `db:"target_revenue" json:"targetRevenue"`
	CurrentDeliveries int       `db:"current_deliveries" json:"currentDeliveries"`
	CurrentRevenue    float64   `db:"current_revenue" json:"currentRevenue"`
	Status            string    `db:"status" json:"status"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time `db:"updated_at" json:"updatedAt"`
}

type PerformanceSnapshot struct {
	DriverID            string    `db:"driver_id" json:"driverId"`
	Date                time.Time `db:"date" json:"date"`
	DeliveriesCompleted int       `db:"deliveries_completed" json:"deliveriesCompleted"`
	RevenueGenerated    float64   `db:"revenue_generated" json:"revenueGenerated"`
	TargetDeliveries    int       `db:"target_deliveries" json:"targetDeliveries"`
	TargetRevenue       float64   `db:"target_revenue" json:"targetRevenue"`
	TargetAchieved      bool      `db:"target_achieved" json:"targetAchieved"`
	AchievementPercent  float64   `db:"achievement_percent" json:"achievementPercent"`
}

type PickupPoint struct {
	ID   string  `db:"id" json:"id"`
	Lat  float64 `db:"lat" json:"lat"`
	Lng  float64 `db:"lng" json:"lng"`
	Name string  `db:"name" json:"name"`
}

type RouteStatus string

const (
	RoutePlanned    RouteStatus = "planned"
	RouteDispatched RouteStatus = "dispatched"
	RouteCompleted  RouteStatus = "completed"
	RouteFailed     RouteStatus = "failed"
)

type RouteStop struct {
	OrderID             string    `json:"orderId"`
	ArrivalTimeEstimate time.Time `json:"arrivalTimeEstimate"`
	ServiceTimeMin      int       `json:"serviceTimeMin"`
}

type Route struct {
	ID               string      `db:"id" json:"id"`
	DriverID         string      `db:"driver_id" json:"driverId"`
	VehicleID        string      `db:"vehicle_id" json:"vehicleId"`
	PickupID         string      `db:"pickup_id" json:"pickupId"`
	OrderedStops     []RouteStop `db:"-" json:"orderedStops"`
	TotalDistanceKm  float64     `db:"total_distance_km" json:"totalDistanceKm"`
	TotalDurationMin float64     `db:"total_duration_min" json:"totalDurationMin"`
	Status           RouteStatus `db:"status" json:"status"`
	CreatedAt        time.Time   `db:"created_at" json:"createdAt"`
	OptimizedAt      time.Time   `db:"optimized_at" json:"optimizedAt"`
}

type AssignmentType string

const (
	AssignmentAuto   AssignmentType = "AUTO"
	AssignmentForce  AssignmentType = "FORCE"
	AssignmentManual AssignmentType = "MANUAL"
)

// AssignmentLog is the append-only audit of every assignment decision.
type AssignmentLog struct {
	ID                string         `db:"id" json:"id"`
	OrderID           string         `db:"order_id" json:"orderId"`
	DriverID          string         `db:"driver_id" json:"driverId"`
	AssignmentType    AssignmentType `db:"assignment_type" json:"assignmentType"`
	TotalScore        float64        `db:"total_score" json:"totalScore"`
	DistanceScore     float64        `db:"distance_score" json:"distanceScore"`
	TimeScore         float64        `db:"time_score" json:"timeScore"`
	LoadScore         float64        `db:"load_score" json:"loadScore"`
	PriorityScore     float64        `db:"priority_score" json:"priorityScore"`
	Reason            string         `db:"reason" json:"reason"`
	AlternativesCount int            `db:"alternatives_count" json:"alternativesCount"`
	CreatedAt         time.Time      `db:"created_at" json:"createdAt"`
}

type RouteOptimizationLog struct {
	ID                string    `db:"id" json:"id"`
	DriverID          string    `db:"driver_id" json:"driverId"`
	OrderIDs          []string  `db:"-" json:"orderIds"`
	OriginalDistance  float64   `db:"original_distance_km" json:"originalDistance"`
	OptimizedDistance float64   `db:"optimized_distance_km" json:"optimizedDistance"`
	DistanceSavedKm   float64   `db:"distance_saved_km" json:"distanceSavedKm"`
	TimeSavedMin      float64   `db:"time_saved_min" json:"timeSavedMin"`
	StopsReordered    int       `db:"stops_reordered" json:"stopsReordered"`
	ImprovementPct    float64   `db:"improvement_pct" json:"improvementPct"`
	Algorithm         string    `db:"algorithm" json:"algorithm"`
	Status            string    `db:"status" json:"status"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
	OptimizedAt       time.Time `db:"optimized_at" json:"optimizedAt"`
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

type OrderBatch struct {
	ID                   string      `db:"id" json:"id"`
	BatchNumber          string      `db:"batch_number" json:"batchNumber"`
	DriverID             *string     `db:"driver_id" json:"driverId,omitempty"`
	OrderIDs             []string    `db:"-" json:"orderIds"`
	OrderCount           int         `db:"order_count" json:"orderCount"`
	TotalDistanceKm      float64     `db:"total_distance_km" json:"totalDistanceKm"`
	EstimatedDurationMin float64     `db:"estimated_duration_min" json:"estimatedDurationMin"`
	DeliveryZone         string      `db:"delivery_zone" json:"deliveryZone"`
	Status               BatchStatus `db:"status" json:"status"`
	CreatedAt            time.Time   `db:"created_at" json:"createdAt"`
}

type EscalationType string

const (
	EscalationSLARisk        EscalationType = "SLA_RISK"
	EscalationStuck          EscalationType = "STUCK"
	EscalationUnresponsive   EscalationType = "UNRESPONSIVE_DRIVER"
	EscalationFailedDelivery EscalationType = "FAILED_DELIVERY"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type EscalationStatus string

const (
	EscalationOpen          EscalationStatus = "open"
	EscalationInvestigating EscalationStatus = "investigating"
	EscalationResolved      EscalationStatus = "resolved"
)

type EscalationLog struct {
	ID              string           `db:"id" json:"id"`
	OrderID         string           `db:"order_id" json:"orderId"`
	DriverID        *string          `db:"driver_id" json:"driverId,omitempty"`
	Type            EscalationType   `db:"type" json:"type"`
	Severity        Severity         `db:"severity" json:"severity"`
	Status          EscalationStatus `db:"status" json:"status"`
	Reason          string           `db:"reason" json:"reason"`
	CurrentDelayMin float64          `db:"current_delay_min" json:"currentDelayMin"`
	CreatedAt       time.Time        `db:"created_at" json:"createdAt"`
	ResolvedAt      *time.Time       `db:"resolved_at" json:"resolvedAt,omitempty"`
}

type AlertType string

const (
	AlertDispatchFailed     AlertType = "DISPATCH_FAILED"
	AlertOptimizationNeeded AlertType = "OPTIMIZATION_NEEDED"
	AlertSLABreach          AlertType = "SLA_BREACH"
	AlertDriverUnresponsive AlertType = "DRIVER_UNRESPONSIVE"
)

type DispatchAlert struct {
	ID         string     `db:"id" json:"id"`
	OrderID    string     `db:"order_id" json:"orderId"`
	Type       AlertType  `db:"type" json:"type"`
	Severity   Severity   `db:"severity" json:"severity"`
	Message    string     `db:"message" json:"message"`
	Resolved   bool       `db:"resolved" json:"resolved"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
	ResolvedAt *time.Time `db:"resolved_at" json:"resolvedAt,omitempty"`
}
