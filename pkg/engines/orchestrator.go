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

package engines

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetops/dispatch/pkg/config"
)

// Engine names, also the label values on tick metrics.
const (
	Dispatch   = "dispatch"
	Routes     = "routes"
	Batching   = "batching"
	Escalation = "escalation"
)

// Outcome is one engine's result within a StartAll/StopAll sweep.
type Outcome struct {
	Name           string `json:"name"`
	AlreadyRunning bool   `json:"alreadyRunning,omitempty"`
	AlreadyStopped bool   `json:"alreadyStopped,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Orchestrator owns the four periodic engines. Start/stop sweeps apply to all
// of them and report per-engine outcomes rather than failing fast.
type Orchestrator struct {
	engines map[string]*Engine
	order   []string
	drain   time.Duration
	log     *zap.SugaredLogger
}

// Tickers carries the four engine tick implementations.
type Tickers struct {
	Dispatch   Ticker
	Routes     Ticker
	Batching   Ticker
	Escalation Ticker
}

func NewOrchestrator(tickers Tickers, cfg config.Cycle, log *zap.SugaredLogger) *Orchestrator {
	log = log.Named("cycle")
	return &Orchestrator{
		engines: map[string]*Engine{
			Dispatch:   NewEngine(Dispatch, tickers.Dispatch, cfg.Dispatch, cfg.JitterPct, log),
			Routes:     NewEngine(Routes, tickers.Routes, cfg.Routes, cfg.JitterPct, log),
			Batching:   NewEngine(Batching, tickers.Batching, cfg.Batching, cfg.JitterPct, log),
			Escalation: NewEngine(Escalation, tickers.Escalation, cfg.Escalation, cfg.JitterPct, log),
		},
		order: []string{Dispatch, Routes, Batching, Escalation},
		drain: time.Duration(cfg.DrainTimeoutMs) * time.Millisecond,
		log:   log,
	}
}

// Engine returns one engine by name.
func (o *Orchestrator) Engine(name string) (*Engine, error) {
	engine, ok := o.engines[name]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q", name)
	}
	return engine, nil
}

// Start starts one engine by name.
func (o *Orchestrator) Start(name string) (StartResult, error) {
	engine, err := o.Engine(name)
	if err != nil {
		return StartResult{}, err
	}
	return engine.Start()
}

// Stop stops one engine by name.
func (o *Orchestrator) Stop(name string) (StopResult, error) {
	engine, err := o.Engine(name)
	if err != nil {
		return StopResult{}, err
	}
	return engine.Stop(o.drain)
}

// StartAll starts every engine, reporting per-engine outcomes.
func (o *Orchestrator) StartAll() []Outcome {
	outcomes := make([]Outcome, 0, len(o.order))
	for _, name := range o.order {
		result, err := o.engines[name].Start()
		outcome := Outcome{Name: name, AlreadyRunning: result.AlreadyRunning}
		if err != nil {
			outcome.Error = err.Error()
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// StopAll stops every engine concurrently so a slow drain on one does not
// serialize the rest, then reports per-engine outcomes.
func (o *Orchestrator) StopAll() []Outcome {
	var wg sync.WaitGroup
	outcomes := make([]Outcome, len(o.order))
	for i, name := range o.order {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			result, err := o.engines[name].Stop(o.drain)
			outcomes[i] = Outcome{Name: name, AlreadyStopped: result.AlreadyStopped}
			if err != nil {
				outcomes[i].Error = err.Error()
			}
		}(i, name)
	}
	wg.Wait()
	return outcomes
}

// StatusAll snapshots every engine in a stable order.
func (o *Orchestrator) StatusAll() []Status {
	statuses := make([]Status, 0, len(o.order))
	for _, name := range o.order {
		statuses = append(statuses, o.engines[name].Status())
	}
	return statuses
}
