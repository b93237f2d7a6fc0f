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

// Package geo provides the straight-line distance and travel-time model used
// by the scorer and the route optimizer. All functions are pure.
package geo

import (
	"math"
	"time"
)

const (
	// EarthRadiusKm is the mean earth radius used by the haversine formula.
	EarthRadiusKm = 6371.0
	// DefaultSpeedKph is the straight-line ETA model's default speed.
	DefaultSpeedKph = 30.0
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64
	Lng float64
}

// HaversineKm returns the great-circle distance between a and b in
// kilometers. Commutative, non-negative, and zero iff the points coincide.
func HaversineKm(a, b Point) float64 {
	if a == b {
		return 0
	}
	latA := radians(a.Lat)
	latB := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// StraightLineMinutes estimates travel time between a and b at the given
// speed. A non-positive speed falls back to DefaultSpeedKph.
func StraightLineMinutes(a, b Point, speedKph float64) float64 {
	return MinutesForKm(HaversineKm(a, b), speedKph)
}

// MinutesForKm converts an already-known distance to travel minutes at the
// given speed. A non-positive speed falls back to DefaultSpeedKph.
func MinutesForKm(km, speedKph float64) float64 {
	if speedKph <= 0 {
		speedKph = DefaultSpeedKph
	}
	return km / speedKph * 60
}

// Window is a half-open service window [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// RemainingMinutes returns the minutes between now and the deadline. Negative
// when the deadline has passed.
func RemainingMinutes(deadline, now time.Time) float64 {
	return deadline.Sub(now).Minutes()
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
