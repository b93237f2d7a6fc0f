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

// Package advisor produces optional human-readable explanations of assignment
// decisions. The rule-based scorer is authoritative; an advisor only
// annotates, never decides, and must never hold up an assignment.
package advisor

import (
	"context"
	"fmt"
	"sort"

	"github.com/fleetops/dispatch/pkg/models"
	"github.com/fleetops/dispatch/pkg/scoring"
)

type Advisor interface {
	// Explain renders a best-effort explanation of a recorded decision.
	// Implementations must respect ctx and return quickly on cancellation.
	Explain(ctx context.Context, logRow models.AssignmentLog, breakdown scoring.Breakdown) (string, error)
}

// RuleBased explains a decision from the score breakdown alone, naming the
// factor that dominated. It is the default advisor; an LLM-backed one can
// replace it without touching callers.
type RuleBased struct{}

func (RuleBased) Explain(_ context.Context, logRow models.AssignmentLog, breakdown scoring.Breakdown) (string, error) {
	type factor struct {
		name  string
		score float64
	}
	factors := []factor{
		{"proximity to the pickup", breakdown.DistanceScore},
		{"progress against daily target", breakdown.TimeScore},
		{"load utilization", breakdown.LoadScore},
		{"queue availability for the order's priority", breakdown.PriorityScore},
		{"route affinity with the pickup", breakdown.RouteScore},
	}
	sort.SliceStable(factors, func(i, j int) bool { return factors[i].score < factors[j].score })
	return fmt.Sprintf(
		"driver %s won with total score %.1f (lower is better); strongest factor: %s (%.1f), weakest: %s (%.1f); %d alternatives considered",
		logRow.DriverID, logRow.TotalScore,
		factors[0].name, factors[0].score,
		factors[len(factors)-1].name, factors[len(factors)-1].score,
		logRow.AlternativesCount), nil
}
