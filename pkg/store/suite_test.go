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
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/fleetops/dispatch/pkg/config"
	"github.com/fleetops/dispatch/pkg/models"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Store")
}

var (
	ctx  context.Context
	s    *Store
	mock sqlmock.Sqlmock
)

func newTestStore(breakerFailures int) (*Store, sqlmock.Sqlmock) {
	db, m, err := sqlmock.New()
	Expect(err).ToNot(HaveOccurred())
	cfg := config.Default()
	cfg.Store.Breaker.Failures = breakerFailures
	return &Store{
		db:       sqlx.NewDb(db, "postgres"),
		log:      zap.NewNop().Sugar(),
		timeouts: cfg.Store.Timeout,
		breaker:  newBreaker(cfg.Store.Breaker, zap.NewNop().Sugar()),
		lastGood: gocache.New(lastKnownGoodTTL, time.Minute),
	}, m
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	s, mock = newTestStore(3)
})

var _ = AfterEach(func() {
	Expect(mock.ExpectationsWereMet()).To(Succeed())
})

var _ = Describe("AssignOrder", func() {
	logRow := models.AssignmentLog{
		ID: "log-1", OrderID: "order-1", DriverID: "driver-1",
		AssignmentType: models.AssignmentAuto, TotalScore: 22.5,
		Reason: "auto-assigned", CreatedAt: time.Now().UTC(),
	}
	It("should flip the order and append the log in one transaction", func() {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE orders").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO assignment_logs").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		Expect(s.AssignOrder(ctx, "order-1", "driver-1", logRow)).To(Succeed())
	})
	It("should roll back with a conflict when the order is no longer pending", func() {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE orders").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()
		err := s.AssignOrder(ctx, "order-1", "driver-1", logRow)
		Expect(err).To(MatchError(models.ErrConflict))
	})
})

var _ = Describe("UpdateOrderStatus", func() {
	It("should reject transitions out of terminal states", func() {
		mock.ExpectExec("UPDATE orders").
			WillReturnResult(sqlmock.NewResult(0, 0))
		err := s.UpdateOrderStatus(ctx, "order-done", models.OrderInTransit)
		Expect(err).To(MatchError(models.ErrConflict))
	})
})

var _ = Describe("IncrementProgress", func() {
	It("should reject negative increments without touching the store", func() {
		Expect(s.IncrementProgress(ctx, "driver-1", -1, 0)).ToNot(Succeed())
	})
	It("should report a missing target row as not found", func() {
		mock.ExpectExec("UPDATE driver_targets").
			WillReturnResult(sqlmock.NewResult(0, 0))
		err := s.IncrementProgress(ctx, "driver-x", 1, 10)
		Expect(err).To(MatchError(models.ErrNotFound))
	})
})

var _ = Describe("Error classification", func() {
	It("should map missing rows to not found", func() {
		mock.ExpectQuery("SELECT .* FROM orders").
			WillReturnError(sql.ErrNoRows)
		_, err := s.GetOrder(ctx, "missing")
		Expect(err).To(MatchError(models.ErrNotFound))
	})
})

var _ = Describe("Degraded reads", func() {
	orderRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "customer_ref", "pickup_id", "delivery_lat", "delivery_lng", "load_kg",
			"priority", "revenue", "attempts", "created_at", "sla_deadline", "status",
			"assigned_driver_id", "batch_id", "last_status_change_at",
		}).AddRow("order-1", "cust-1", "pickup-1", 24.7, 46.6, 5.0,
			5, 30.0, 0, time.Now().UTC(), time.Now().UTC().Add(time.Hour), "assigned",
			"driver-1", nil, time.Now().UTC())
	}
	It("should serve the last known good snapshot while the breaker is open", func() {
		s, mock = newTestStore(1)

		mock.ExpectQuery("SELECT .* FROM orders").WillReturnRows(orderRows())
		orders, stale, err := s.ActiveOrders(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(stale).To(BeFalse())
		Expect(orders).To(HaveLen(1))

		// One deadline overrun trips the single-failure breaker.
		mock.ExpectQuery("SELECT .* FROM orders").WillReturnError(context.DeadlineExceeded)
		_, _, err = s.ActiveOrders(ctx)
		Expect(err).ToNot(HaveOccurred())

		// Breaker is now open; the store is not touched and the snapshot serves.
		orders, stale, err = s.ActiveOrders(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(stale).To(BeTrue())
		Expect(orders).To(HaveLen(1))
		Expect(orders[0].ID).To(Equal("order-1"))
	})
	It("should fail when the breaker is open and no snapshot exists", func() {
		s, mock = newTestStore(1)
		mock.ExpectQuery("SELECT .* FROM orders").WillReturnError(context.DeadlineExceeded)
		_, _, err := s.ActiveOrders(ctx)
		Expect(err).To(MatchError(models.ErrTimeout))

		_, _, err = s.ActiveOrders(ctx)
		Expect(err).To(MatchError(models.ErrStoreUnavailable))
	})
	It("should not trip the breaker on conflicts", func() {
		s, mock = newTestStore(1)
		mock.ExpectExec("UPDATE orders").WillReturnResult(sqlmock.NewResult(0, 0))
		Expect(s.UpdateOrderStatus(ctx, "order-1", models.OrderPickedUp)).To(MatchError(models.ErrConflict))

		mock.ExpectExec("UPDATE orders").WillReturnResult(sqlmock.NewResult(0, 1))
		Expect(s.UpdateOrderStatus(ctx, "order-1", models.OrderPickedUp)).To(Succeed())
	})
})

var _ = Describe("Liveness", func() {
	var (
		mr       *miniredis.Miniredis
		liveness *Liveness
	)
	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		liveness = NewLiveness(mr.Addr(), zap.NewNop().Sugar())
	})
	AfterEach(func() {
		Expect(liveness.Close()).To(Succeed())
		mr.Close()
	})
	It("should round-trip a recorded location", func() {
		at := time.Now().UTC().Truncate(time.Millisecond)
		liveness.Record(ctx, "driver-1", 24.7136, 46.6753, at)
		loc, ok := liveness.Lookup(ctx, "driver-1")
		Expect(ok).To(BeTrue())
		Expect(loc.Lat).To(Equal(24.7136))
		Expect(loc.Lng).To(Equal(46.6753))
		Expect(loc.At).To(BeTemporally("==", at))
	})
	It("should miss after the entry expires", func() {
		liveness.Record(ctx, "driver-1", 1, 2, time.Now().UTC())
		mr.FastForward(livenessTTL + time.Second)
		_, ok := liveness.Lookup(ctx, "driver-1")
		Expect(ok).To(BeFalse())
	})
	It("should answer pings", func() {
		Expect(liveness.Ping(ctx)).To(Succeed())
	})
})
