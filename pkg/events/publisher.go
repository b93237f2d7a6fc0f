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

// Package events fans dispatch alerts out to the message bus. Publishing is
// best-effort: the store row is the durable record, the bus is a notification
// channel, and a broker outage must never block an engine tick.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/fleetops/dispatch/pkg/config"
	"github.com/fleetops/dispatch/pkg/models"
)

const publishTimeout = 5 * time.Second

type Publisher struct {
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewPublisher builds the alert publisher. With no brokers configured it
// returns nil; a nil Publisher silently drops every publish.
func NewPublisher(cfg config.Kafka, log *zap.SugaredLogger) *Publisher {
	if len(cfg.Brokers) == 0 {
		return nil
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.AlertTopic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
		log: log.Named("events"),
	}
}

// PublishAlert emits an alert keyed by order id so per-order alerts stay
// ordered within a partition. Never blocks the caller.
func (p *Publisher) PublishAlert(ctx context.Context, alert models.DispatchAlert) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		p.log.Errorw("encoding alert", "alert", alert.ID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(alert.OrderID),
		Value: payload,
	}); err != nil {
		p.log.Warnw("publishing alert", "alert", alert.ID, "error", err)
	}
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
