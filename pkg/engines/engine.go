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

// Package engines runs the periodic engines behind an explicit lifecycle. Each
// engine ticks on its own jittered cadence; ticks are non-overlapping per
// engine and a panic in one tick never escapes its engine.
package engines

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetops/dispatch/pkg/config"
	"github.com/fleetops/dispatch/pkg/metrics"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
	StateRunning       State = "running"
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
)

// Ticker is one unit of periodic work.
type Ticker interface {
	Tick(context.Context) error
}

// StartResult reports a Start outcome. Starting a running engine is success,
// not an error; clients rely on that.
type StartResult struct {
	AlreadyRunning bool `json:"alreadyRunning,omitempty"`
}

// StopResult mirrors StartResult for Stop.
type StopResult struct {
	AlreadyStopped bool `json:"alreadyStopped,omitempty"`
}

// Status is a point-in-time snapshot of one engine.
type Status struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	LastTickAt  time.Time `json:"lastTickAt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	TicksTotal  uint64    `json:"ticksTotal"`
	TicksFailed uint64    `json:"ticksFailed"`
}

type Engine struct {
	name      string
	ticker    Ticker
	interval  time.Duration
	timeout   time.Duration
	jitterPct int
	log       *zap.SugaredLogger

	mu          sync.Mutex
	state       State
	lastTickAt  time.Time
	lastError   error
	ticksTotal  uint64
	ticksFailed uint64
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// NewEngine builds an initialized engine; it does not tick until Start.
func NewEngine(name string, ticker Ticker, cfg config.Engine, jitterPct int, log *zap.SugaredLogger) *Engine {
	e := &Engine{
		name:      name,
		ticker:    ticker,
		interval:  cfg.Interval(),
		timeout:   cfg.Timeout(),
		jitterPct: jitterPct,
		log:       log.Named(name),
		state:     StateUninitialized,
	}
	// The only legal exit from uninitialized is initialized.
	e.state = StateInitialized
	return e
}

// Start begins the tick loop. Starting a running engine returns success with
// AlreadyRunning set.
func (e *Engine) Start() (StartResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateRunning:
		return StartResult{AlreadyRunning: true}, nil
	case StateStopping:
		return StartResult{}, fmt.Errorf("engine %s is stopping", e.name)
	case StateInitialized, StateStopped:
	default:
		return StartResult{}, fmt.Errorf("engine %s cannot start from %s", e.name, e.state)
	}
	e.state = StateRunning
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	metrics.EngineActive.WithLabelValues(e.name).Set(1)
	go e.loop(e.stopCh, e.doneCh)
	e.log.Infow("engine started", "interval", e.interval, "timeout", e.timeout)
	return StartResult{}, nil
}

// Stop signals the loop and waits for the in-flight tick up to drain. Stopping
// a stopped engine is success.
func (e *Engine) Stop(drain time.Duration) (StopResult, error) {
	e.mu.Lock()
	switch e.state {
	case StateInitialized, StateStopped:
		e.mu.Unlock()
		return StopResult{AlreadyStopped: true}, nil
	case StateStopping:
		e.mu.Unlock()
		return StopResult{AlreadyStopped: true}, nil
	}
	e.state = StateStopping
	stopCh, doneCh := e.stopCh, e.doneCh
	e.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(drain):
		e.log.Warnw("engine did not drain in time", "drain", drain)
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
	metrics.EngineActive.WithLabelValues(e.name).Set(0)
	e.log.Infow("engine stopped")
	return StopResult{}, nil
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := Status{
		Name:        e.name,
		State:       e.state,
		LastTickAt:  e.lastTickAt,
		TicksTotal:  e.ticksTotal,
		TicksFailed: e.ticksFailed,
	}
	if e.lastError != nil {
		status.LastError = e.lastError.Error()
	}
	return status
}

// loop ticks until stopped. Ticks run serially, so a slow tick coalesces the
// next rather than stacking.
func (e *Engine) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	timer := time.NewTimer(e.jittered())
	defer timer.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		e.tick(stopCh)
		timer.Reset(e.jittered())
	}
}

func (e *Engine) tick(stopCh chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	err := e.runIsolated(ctx)
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.TickCount.WithLabelValues(e.name, outcome).Inc()
	metrics.TickDuration.WithLabelValues(e.name).Observe(elapsed.Seconds())

	e.mu.Lock()
	e.lastTickAt = start
	e.ticksTotal++
	e.lastError = err
	if err != nil {
		e.ticksFailed++
	}
	e.mu.Unlock()
	if err != nil {
		e.log.Errorw("tick failed", "error", err, "elapsed", elapsed)
	}
}

// runIsolated converts a tick panic into an error so one engine's bug never
// takes the process down.
func (e *Engine) runIsolated(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	return e.ticker.Tick(ctx)
}

// jittered spreads ticks by up to ±jitterPct% so the four engines do not
// thundering-herd the store.
func (e *Engine) jittered() time.Duration {
	if e.jitterPct <= 0 {
		return e.interval
	}
	span := float64(e.interval) * float64(e.jitterPct) / 100
	offset := (rand.Float64()*2 - 1) * span
	return e.interval + time.Duration(offset)
}
