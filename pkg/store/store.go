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

// Package store is the persistence gateway. It is the only package that knows
// the relational store exists: every call carries a deadline, mutations pass
// through a circuit breaker, and reads may fall back to a last-known-good
// snapshot while the breaker is open.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fleetops/dispatch/pkg/config"
	"github.com/fleetops/dispatch/pkg/metrics"
	"github.com/fleetops/dispatch/pkg/models"
)

const (
	lastKnownGoodTTL = 5 * time.Minute
	uniqueViolation  = "23505"
)

type Store struct {
	db       *sqlx.DB
	log      *zap.SugaredLogger
	timeouts config.StoreTimeouts
	breaker  *gobreaker.CircuitBreaker
	// lastGood holds the most recent successful read per query key so reads
	// can degrade to a stale snapshot while the breaker is open.
	lastGood *gocache.Cache
	liveness *Liveness
}

// New opens the store. The connection is verified lazily; call WaitReady
// before starting the engines.
func New(cfg config.Store, log *zap.SugaredLogger) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening store, %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{
		db:       db,
		log:      log.Named("store"),
		timeouts: cfg.Timeout,
		breaker:  newBreaker(cfg.Breaker, log),
		lastGood: gocache.New(lastKnownGoodTTL, 10*time.Minute),
	}, nil
}

// WithLiveness attaches the optional redis-backed driver liveness cache.
func (s *Store) WithLiveness(l *Liveness) *Store {
	s.liveness = l
	return s
}

func (s *Store) DB() *sqlx.DB { return s.db }

// Ping answers health probes under the single-row read deadline.
func (s *Store) Ping(ctx context.Context) error {
	return s.read(ctx, func(callCtx context.Context) error {
		return s.db.PingContext(callCtx)
	})
}

func (s *Store) Close() error { return s.db.Close() }

// read runs fn under the single-row read deadline.
func (s *Store) read(ctx context.Context, fn func(context.Context) error) error {
	return s.execute(ctx, s.timeouts.Read(), fn)
}

// query runs fn under the metrics-query deadline.
func (s *Store) query(ctx context.Context, fn func(context.Context) error) error {
	return s.execute(ctx, s.timeouts.Metrics(), fn)
}

// mutate runs fn under the mutation deadline.
func (s *Store) mutate(ctx context.Context, fn func(context.Context) error) error {
	return s.execute(ctx, s.timeouts.Mutation(), fn)
}

func (s *Store) execute(ctx context.Context, deadline time.Duration, fn func(context.Context) error) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()
		return nil, fn(callCtx)
	})
	return classify(err)
}

// classify maps driver-level failures onto the store's error kinds.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		return models.ErrStoreUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", models.ErrTimeout, err)
	case errors.Is(err, sql.ErrNoRows):
		return models.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", models.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

// withTx begins a transaction under the mutation deadline, rolling back on
// any error from fn.
func (s *Store) withTx(ctx context.Context, fn func(context.Context, *sqlx.Tx) error) error {
	return s.mutate(ctx, func(callCtx context.Context) error {
		tx, err := s.db.BeginTxx(callCtx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction, %w", err)
		}
		if err := fn(callCtx, tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing transaction, %w", err)
		}
		return nil
	})
}

// readThrough serves a query result, caching it as last-known-good. While the
// store is unavailable it returns the cached snapshot with stale=true.
func readThrough[T any](ctx context.Context, s *Store, key string, run func(context.Context) (T, error)) (T, bool, error) {
	var out T
	err := s.query(ctx, func(callCtx context.Context) error {
		var innerErr error
		out, innerErr = run(callCtx)
		return innerErr
	})
	if err == nil {
		s.lastGood.SetDefault(key, out)
		return out, false, nil
	}
	if errors.Is(err, models.ErrStoreUnavailable) || errors.Is(err, models.ErrTimeout) {
		if cached, found := s.lastGood.Get(key); found {
			s.log.Warnw("serving stale snapshot", "key", key, "error", err)
			return cached.(T), true, nil
		}
	}
	return out, false, err
}

func newBreaker(cfg config.Breaker, log *zap.SugaredLogger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "store",
		Interval: time.Minute,
		Timeout:  time.Duration(cfg.OpenSec) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.Failures)
		},
		// Only deadline overruns count against the breaker; conflicts and
		// missing rows are permanent outcomes, not store health signals.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Named("store").Infof("circuit breaker %s -> %s", from, to)
			if to == gobreaker.StateOpen {
				metrics.BreakerOpen.Set(1)
			} else {
				metrics.BreakerOpen.Set(0)
			}
		},
	})
}
