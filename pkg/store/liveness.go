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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	livenessTTL       = 15 * time.Minute
	livenessKeyPrefix = "dispatch:driver:loc:"
)

// Location is a cached driver position. Eventually consistent and never
// authoritative; the drivers table remains the source of truth.
type Location struct {
	Lat float64   `json:"lat"`
	Lng float64   `json:"lng"`
	At  time.Time `json:"at"`
}

// Liveness caches driver heartbeat locations in redis so hot reads between
// heartbeats skip the store. All operations are best-effort.
type Liveness struct {
	client *redis.Client
	log    *zap.SugaredLogger
}

func NewLiveness(addr string, log *zap.SugaredLogger) *Liveness {
	return &Liveness{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		log:    log.Named("liveness"),
	}
}

// Record stores the latest location for a driver.
func (l *Liveness) Record(ctx context.Context, driverID string, lat, lng float64, at time.Time) {
	raw, err := json.Marshal(Location{Lat: lat, Lng: lng, At: at})
	if err != nil {
		return
	}
	if err := l.client.Set(ctx, livenessKeyPrefix+driverID, raw, livenessTTL).Err(); err != nil {
		l.log.Debugw("recording location failed", "driver", driverID, "error", err)
	}
}

// Lookup returns the cached location for a driver, if any.
func (l *Liveness) Lookup(ctx context.Context, driverID string) (Location, bool) {
	raw, err := l.client.Get(ctx, livenessKeyPrefix+driverID).Bytes()
	if err != nil {
		return Location{}, false
	}
	var loc Location
	if err := json.Unmarshal(raw, &loc); err != nil {
		return Location{}, false
	}
	return loc, true
}

// Ping verifies the redis connection at startup.
func (l *Liveness) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis, %w", err)
	}
	return nil
}

func (l *Liveness) Close() error { return l.client.Close() }
