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

// Package urgency classifies orders by time remaining until their SLA
// deadline. Classification is pure and testable from its inputs alone.
package urgency

import (
	"time"
)

type Category string

const (
	Critical Category = "CRITICAL"
	Urgent   Category = "URGENT"
	Normal   Category = "NORMAL"
	Flexible Category = "FLEXIBLE"
)

// Classification carries the category, its priority boost, and the remaining
// minutes at classification time. Overdue is set when the deadline has
// already passed; the category is then always Critical.
type Classification struct {
	Category      Category `json:"category"`
	PriorityBoost int      `json:"priorityBoost"`
	RemainingMin  float64  `json:"remainingMin"`
	AgeMin        float64  `json:"ageMin"`
	Overdue       bool     `json:"overdue"`
}

// Classify maps (createdAt, slaDeadline, now) onto an urgency category.
// Boundaries are inclusive on the lower bound of each band: exactly 30
// minutes remaining is Urgent, exactly 60 is Normal.
func Classify(createdAt, slaDeadline, now time.Time) Classification {
	remaining := slaDeadline.Sub(now).Minutes()
	c := Classification{
		RemainingMin: remaining,
		AgeMin:       now.Sub(createdAt).Minutes(),
	}
	switch {
	case remaining < 0:
		c.Category, c.PriorityBoost, c.Overdue = Critical, 10, true
	case remaining < 30:
		c.Category, c.PriorityBoost = Critical, 10
	case remaining < 60:
		c.Category, c.PriorityBoost = Urgent, 8
	case remaining <= 180:
		c.Category, c.PriorityBoost = Normal, 5
	default:
		c.Category, c.PriorityBoost = Flexible, 3
	}
	return c
}

// AtRisk reports whether the classification warrants escalation attention.
func (c Classification) AtRisk() bool {
	return c.Category == Critical || c.Category == Urgent
}
