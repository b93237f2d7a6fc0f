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

// Package scoring ranks candidate drivers for a pending order. Scores are in
// [0, 100] and lower is better; sub-scores are normalized to the same range
// and combined with configured weights summing to 1.0.
package scoring

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/fleetops/dispatch/pkg/config"
	"github.com/fleetops/dispatch/pkg/geo"
	"github.com/fleetops/dispatch/pkg/models"
)

// RejectReason names the hard gate that excluded a candidate.
type RejectReason string

const (
	RejectUnavailable  RejectReason = "driver not available"
	RejectOverCapacity RejectReason = "over capacity"
	RejectTooFar       RejectReason = "beyond max distance"
)

// Breakdown is one candidate's full scoring result.
type Breakdown struct {
	DriverID      string  `json:"driverId"`
	Total         float64 `json:"total"`
	DistanceScore float64 `json:"distanceScore"`
	TimeScore     float64 `json:"timeScore"`
	LoadScore     float64 `json:"loadScore"`
	PriorityScore float64 `json:"priorityScore"`
	RouteScore    float64 `json:"routeScore"`
	DistanceKm    float64 `json:"distanceKm"`
	// CurrentDeliveries is carried through for tie-breaking.
	CurrentDeliveries int `json:"currentDeliveries"`
}

// Rejection pairs an excluded candidate with the gate that excluded it.
type Rejection struct {
	DriverID string       `json:"driverId"`
	Reason   RejectReason `json:"reason"`
}

type Scorer struct {
	cfg config.Scorer
}

func NewScorer(cfg config.Scorer) *Scorer {
	return &Scorer{cfg: cfg}
}

// Gate applies the hard gates that exclude a candidate before scoring.
func (s *Scorer) Gate(candidate models.Candidate, order models.Order, pickup models.PickupPoint) (RejectReason, bool) {
	if candidate.Status != models.DriverAvailable {
		return RejectUnavailable, false
	}
	if candidate.CurrentLoadKg+order.LoadKg > candidate.CapacityKg {
		return RejectOverCapacity, false
	}
	if s.cfg.RejectFar && s.distanceKm(candidate, pickup) > s.cfg.MaxDistKm {
		return RejectTooFar, false
	}
	return "", true
}

// Score computes the weighted total for one surviving candidate.
// priorityBoost is the order's urgency boost from the classifier.
func (s *Scorer) Score(candidate models.Candidate, order models.Order, pickup models.PickupPoint, priorityBoost int) Breakdown {
	w := s.cfg.Weights
	b := Breakdown{
		DriverID:          candidate.ID,
		DistanceKm:        s.distanceKm(candidate, pickup),
		CurrentDeliveries: candidate.CurrentDeliveries,
	}
	b.DistanceScore = lo.Min([]float64{100, b.DistanceKm / s.cfg.MaxDistKm * 100})
	b.TimeScore = targetScore(candidate)
	b.LoadScore = loadScore(candidate, order)
	b.PriorityScore = priorityScore(candidate, priorityBoost)
	b.RouteScore = routeScore(candidate, order.PickupID)
	b.Total = w.Distance*b.DistanceScore + w.Time*b.TimeScore + w.Load*b.LoadScore +
		w.Priority*b.PriorityScore + w.Route*b.RouteScore
	return b
}

// Rank gates and scores every candidate, returning breakdowns ordered best
// first. Ties break on fewer current deliveries, then lexicographic driver id.
func (s *Scorer) Rank(candidates []models.Candidate, order models.Order, pickup models.PickupPoint, priorityBoost int) ([]Breakdown, []Rejection) {
	var (
		ranked    []Breakdown
		rejection []Rejection
	)
	for _, candidate := range candidates {
		if reason, ok := s.Gate(candidate, order, pickup); !ok {
			rejection = append(rejection, Rejection{DriverID: candidate.ID, Reason: reason})
			continue
		}
		ranked = append(ranked, s.Score(candidate, order, pickup, priorityBoost))
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Total != ranked[j].Total {
			return ranked[i].Total < ranked[j].Total
		}
		if ranked[i].CurrentDeliveries != ranked[j].CurrentDeliveries {
			return ranked[i].CurrentDeliveries < ranked[j].CurrentDeliveries
		}
		return ranked[i].DriverID < ranked[j].DriverID
	})
	return ranked, rejection
}

// GateSummary renders a human-readable reason when every candidate was
// rejected, naming the dominant gate.
func GateSummary(rejections []Rejection) string {
	if len(rejections) == 0 {
		return "no available drivers"
	}
	counts := lo.CountValuesBy(rejections, func(r Rejection) RejectReason { return r.Reason })
	dominant := lo.MaxBy(lo.Keys(counts), func(a, b RejectReason) bool { return counts[a] > counts[b] })
	return fmt.Sprintf("all %d candidates rejected, most by gate %q", len(rejections), dominant)
}

func (s *Scorer) distanceKm(candidate models.Candidate, pickup models.PickupPoint) float64 {
	return geo.HaversineKm(
		geo.Point{Lat: candidate.CurrentLat, Lng: candidate.CurrentLng},
		geo.Point{Lat: pickup.Lat, Lng: pickup.Lng})
}

// targetScore favors the driver furthest behind daily target so assignment
// pressure flows toward whoever most needs the work.
func targetScore(candidate models.Candidate) float64 {
	fractions := make([]float64, 0, 2)
	if candidate.TargetDeliveries > 0 {
		fractions = append(fractions, float64(candidate.CurrentDeliveries)/float64(candidate.TargetDeliveries))
	}
	if candidate.TargetRevenue > 0 {
		fractions = append(fractions, candidate.CurrentRevenue/candidate.TargetRevenue)
	}
	if len(fractions) == 0 {
		// No target configured: neutral.
		return 50
	}
	achieved := lo.Min([]float64{1, lo.Sum(fractions) / float64(len(fractions))})
	return achieved * 100
}

// loadScore penalizes utilization after the hypothetical assignment. The
// optimum band is 70-90%.
func loadScore(candidate models.Candidate, order models.Order) float64 {
	utilization := (candidate.CurrentLoadKg + order.LoadKg) / candidate.CapacityKg * 100
	switch {
	case utilization > 100:
		return 100
	case utilization > 90:
		return 10
	case utilization > 70:
		return 30
	default:
		return 70 - utilization
	}
}

// priorityScore biases high-priority orders toward drivers with an empty
// queue: an idle driver earns the full urgency discount, a loaded one none.
func priorityScore(candidate models.Candidate, priorityBoost int) float64 {
	if candidate.ActiveOrders > 0 {
		return 100
	}
	return 100 - float64(priorityBoost)*10
}

// routeScore rewards a driver whose active route already visits the order's
// pickup; a driver with no route at all sits in between.
func routeScore(candidate models.Candidate, pickupID string) float64 {
	if len(candidate.RoutePickupIDs) == 0 {
		return 50
	}
	if lo.Contains(candidate.RoutePickupIDs, pickupID) {
		return 0
	}
	return 100
}
