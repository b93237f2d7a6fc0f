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

// Package config loads the service configuration once at startup. Reload is
// by restart; the loaded struct is read-only afterwards and safe to share
// between request handlers and engine ticks.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fleetops/dispatch/pkg/utils/env"
)

type Weights struct {
	Distance float64 `yaml:"distance" validate:"gte=0,lte=1"`
	Time     float64 `yaml:"time" validate:"gte=0,lte=1"`
	Load     float64 `yaml:"load" validate:"gte=0,lte=1"`
	Priority float64 `yaml:"priority" validate:"gte=0,lte=1"`
	Route    float64 `yaml:"route" validate:"gte=0,lte=1"`
}

// Sum returns the total of all weights. Validation requires it to be 1.0.
func (w Weights) Sum() float64 {
	return w.Distance + w.Time + w.Load + w.Priority + w.Route
}

type Scorer struct {
	Weights   Weights `yaml:"weights"`
	MaxDistKm float64 `yaml:"maxDistKm" validate:"gt=0"`
	RejectFar bool    `yaml:"rejectFar"`
}

type Optimizer struct {
	SLAMinutes        int     `yaml:"slaMinutes" validate:"gt=0"`
	AvgMinPerDelivery float64 `yaml:"avgMinPerDelivery" validate:"gt=0"`
	AvgSpeedKph       float64 `yaml:"avgSpeedKph" validate:"gt=0"`
	ServiceTimeMin    int     `yaml:"serviceTimeMin" validate:"gte=0"`
	TwoOptMaxStops    int     `yaml:"twoOptMaxStops" validate:"gt=0"`
}

type Batching struct {
	ZoneRadiusKm float64 `yaml:"zoneRadiusKm" validate:"gt=0"`
}

type Engine struct {
	IntervalSec int `yaml:"intervalSec" validate:"gt=0"`
	TimeoutSec  int `yaml:"timeoutSec" validate:"gt=0"`
}

func (e Engine) Interval() time.Duration { return time.Duration(e.IntervalSec) * time.Second }
func (e Engine) Timeout() time.Duration  { return time.Duration(e.TimeoutSec) * time.Second }

type Cycle struct {
	Dispatch       Engine `yaml:"dispatch"`
	Routes         Engine `yaml:"routes"`
	Batching       Engine `yaml:"batching"`
	Escalation     Engine `yaml:"escalation"`
	JitterPct      int    `yaml:"jitterPct" validate:"gte=0,lte=50"`
	DrainTimeoutMs int    `yaml:"drainTimeoutMs" validate:"gt=0"`
}

type StoreTimeouts struct {
	ReadMs     int `yaml:"readMs" validate:"gt=0"`
	MetricsMs  int `yaml:"metricsMs" validate:"gt=0"`
	MutationMs int `yaml:"mutationMs" validate:"gt=0"`
}

func (t StoreTimeouts) Read() time.Duration     { return time.Duration(t.ReadMs) * time.Millisecond }
func (t StoreTimeouts) Metrics() time.Duration  { return time.Duration(t.MetricsMs) * time.Millisecond }
func (t StoreTimeouts) Mutation() time.Duration { return time.Duration(t.MutationMs) * time.Millisecond }

type Breaker struct {
	Failures int `yaml:"failures" validate:"gt=0"`
	OpenSec  int `yaml:"openSec" validate:"gt=0"`
}

type Store struct {
	DSN     string        `yaml:"dsn" validate:"required"`
	Timeout StoreTimeouts `yaml:"timeoutMs"`
	Breaker Breaker       `yaml:"breaker"`
}

type Targets struct {
	ShiftStart string `yaml:"shiftStart" validate:"required"`
	ShiftEnd   string `yaml:"shiftEnd" validate:"required"`
}

type Redis struct {
	Addr string `yaml:"addr"`
}

type Kafka struct {
	Brokers    []string `yaml:"brokers"`
	AlertTopic string   `yaml:"alertTopic"`
}

type HTTP struct {
	Listen string `yaml:"listen" validate:"required"`
}

type Config struct {
	Scorer    Scorer    `yaml:"scorer"`
	Optimizer Optimizer `yaml:"optimizer"`
	Batching  Batching  `yaml:"batching"`
	Cycle     Cycle     `yaml:"cycle"`
	Store     Store     `yaml:"store"`
	Targets   Targets   `yaml:"targets"`
	Redis     Redis     `yaml:"redis"`
	Kafka     Kafka     `yaml:"kafka"`
	HTTP      HTTP      `yaml:"http"`
}

// Default returns the documented configuration defaults. Environment
// variables override the deploy-specific fields.
func Default() Config {
	return Config{
		Scorer: Scorer{
			Weights:   Weights{Distance: 0.30, Time: 0.20, Load: 0.15, Priority: 0.20, Route: 0.15},
			MaxDistKm: 50,
			RejectFar: true,
		},
		Optimizer: Optimizer{
			SLAMinutes:        120,
			AvgMinPerDelivery: 10,
			AvgSpeedKph:       30,
			ServiceTimeMin:    5,
			TwoOptMaxStops:    30,
		},
		Batching: Batching{ZoneRadiusKm: 3},
		Cycle: Cycle{
			Dispatch:       Engine{IntervalSec: 30, TimeoutSec: 20},
			Routes:         Engine{IntervalSec: 300, TimeoutSec: 60},
			Batching:       Engine{IntervalSec: 120, TimeoutSec: 30},
			Escalation:     Engine{IntervalSec: 60, TimeoutSec: 20},
			JitterPct:      10,
			DrainTimeoutMs: 10_000,
		},
		Store: Store{
			DSN:     env.WithDefaultString("DISPATCH_STORE_DSN", "postgres://localhost:5432/dispatch?sslmode=disable"),
			Timeout: StoreTimeouts{ReadMs: 1000, MetricsMs: 8000, MutationMs: 3000},
			Breaker: Breaker{Failures: 3, OpenSec: 120},
		},
		Targets: Targets{ShiftStart: "08:00", ShiftEnd: "20:00"},
		Redis:   Redis{Addr: env.WithDefaultString("DISPATCH_REDIS_ADDR", "")},
		Kafka:   Kafka{AlertTopic: "dispatch.alerts"},
		HTTP:    HTTP{Listen: env.WithDefaultString("DISPATCH_HTTP_LISTEN", ":8080")},
	}
}

// Load reads the optional YAML file at path over the defaults and validates
// the result. An empty path loads defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file, %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file, %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints plus the cross-field invariants the tag
// language cannot express.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validating config, %w", err)
	}
	if math.Abs(c.Scorer.Weights.Sum()-1.0) > 1e-9 {
		return fmt.Errorf("scorer weights must sum to 1.0, got %v", c.Scorer.Weights.Sum())
	}
	for _, field := range []string{c.Targets.ShiftStart, c.Targets.ShiftEnd} {
		if _, err := time.Parse("15:04", field); err != nil {
			return fmt.Errorf("parsing shift time %q, %w", field, err)
		}
	}
	return nil
}

// ShiftWindow returns the configured shift start and end as offsets from
// local midnight.
func (c Config) ShiftWindow() (start, end time.Duration) {
	s, _ := time.Parse("15:04", c.Targets.ShiftStart)
	e, _ := time.Parse("15:04", c.Targets.ShiftEnd)
	toOffset := func(t time.Time) time.Duration {
		return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	}
	return toOffset(s), toOffset(e)
}
