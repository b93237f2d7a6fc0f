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

package urgency_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fleetops/dispatch/pkg/urgency"
)

func TestUrgency(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Urgency")
}

var _ = Describe("Classify", func() {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	classify := func(remaining time.Duration) urgency.Classification {
		return urgency.Classify(now.Add(-2*time.Hour), now.Add(remaining), now)
	}

	It("should classify 20 minutes remaining as critical with boost 10", func() {
		c := classify(20 * time.Minute)
		Expect(c.Category).To(Equal(urgency.Critical))
		Expect(c.PriorityBoost).To(Equal(10))
		Expect(c.Overdue).To(BeFalse())
		Expect(c.AgeMin).To(BeNumerically("==", 120))
	})
	It("should classify 90 minutes remaining as normal with boost 5", func() {
		c := classify(90 * time.Minute)
		Expect(c.Category).To(Equal(urgency.Normal))
		Expect(c.PriorityBoost).To(Equal(5))
	})
	It("should classify overdue orders as critical and flag them", func() {
		c := classify(-5 * time.Minute)
		Expect(c.Category).To(Equal(urgency.Critical))
		Expect(c.Overdue).To(BeTrue())
		Expect(c.RemainingMin).To(BeNumerically("==", -5))
	})
	It("should treat band lower bounds as inclusive", func() {
		Expect(classify(30 * time.Minute).Category).To(Equal(urgency.Urgent))
		Expect(classify(30*time.Minute - time.Millisecond).Category).To(Equal(urgency.Critical))
		Expect(classify(60 * time.Minute).Category).To(Equal(urgency.Normal))
		Expect(classify(180 * time.Minute).Category).To(Equal(urgency.Normal))
		Expect(classify(180*time.Minute + time.Second).Category).To(Equal(urgency.Flexible))
	})
	It("should mark critical and urgent orders at risk", func() {
		Expect(classify(10 * time.Minute).AtRisk()).To(BeTrue())
		Expect(classify(45 * time.Minute).AtRisk()).To(BeTrue())
		Expect(classify(2 * time.Hour).AtRisk()).To(BeFalse())
	})
})
