/*
Copyright 2024 Fundflow Authors.

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

// Package notifier turns terminal transaction events into user-facing
// notifications. It holds no database; its only state is the idempotency gate
// that keeps a duplicate delivery from notifying twice.
package notifier

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/fundflowhq/fundflow/bus"
	"github.com/fundflowhq/fundflow/config"
	"github.com/fundflowhq/fundflow/internal/idempotency"
	"github.com/fundflowhq/fundflow/model"
)

// OutcomeMessage is one notification about a finalized transaction.
type OutcomeMessage struct {
	TransactionID string           `json:"transaction_id"`
	Status        string           `json:"status"`
	Reason        string           `json:"reason,omitempty"`
	Balances      map[string]int64 `json:"balances,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// Sender delivers a notification. A failed Send releases the idempotency gate
// and the delivery is retried; a successful Send is never repeated for the
// same event.
type Sender interface {
	Send(ctx context.Context, message *OutcomeMessage) error
}

// Notifier consumes posted, rejected and failed events.
type Notifier struct {
	gate   idempotency.Store
	sender Sender
}

func NewNotifier(redisClient redis.UniversalClient, sender Sender) *Notifier {
	return &Notifier{
		gate:   idempotency.NewRedisStore(redisClient, bus.GroupNotifier),
		sender: sender,
	}
}

// HandleOutcome notifies for one terminal event. The gate is taken before the
// side effect, so a crash after sending cannot notify again, and a send
// failure hands the gate back for the redelivery.
func (n *Notifier) HandleOutcome(ctx context.Context, envelope *model.EventEnvelope) error {
	status, ok := model.StatusForOutcome(envelope.Type)
	if !ok {
		logrus.Warnf("ignoring event %s with non-outcome type %s", envelope.EventID, envelope.Type)
		return nil
	}

	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	first, err := n.gate.CheckAndInsert(ctx, envelope.EventID, time.Duration(conf.Idempotency.TTLSec)*time.Second)
	if err != nil {
		return err
	}
	if !first {
		logrus.Debugf("duplicate delivery of event %s absorbed", envelope.EventID)
		return nil
	}

	message := &OutcomeMessage{
		TransactionID: envelope.TransactionID,
		Status:        status,
		OccurredAt:    envelope.CreatedAt,
	}
	switch envelope.Type {
	case model.EventTransactionPosted:
		var payload model.TransactionPostedPayload
		if err := envelope.UnmarshalPayload(&payload); err == nil {
			message.Balances = payload.NewBalances
		}
	default:
		var payload model.TransactionOutcomePayload
		if err := envelope.UnmarshalPayload(&payload); err == nil {
			message.Reason = payload.Reason
		}
	}

	if err := n.sender.Send(ctx, message); err != nil {
		if releaseErr := n.gate.Release(ctx, envelope.EventID); releaseErr != nil {
			logrus.Errorf("failed to release idempotency gate for event %s: %v", envelope.EventID, releaseErr)
		}
		return err
	}
	return nil
}

// RegisterHandlers subscribes the notifier to all three outcome topics.
func (n *Notifier) RegisterHandlers(consumer *bus.Consumer, conf *config.Configuration) {
	consumer.Handle(conf.Queue.TransactionPostedTopic, n.HandleOutcome)
	consumer.Handle(conf.Queue.TransactionRejectedTopic, n.HandleOutcome)
	consumer.Handle(conf.Queue.TransactionFailedTopic, n.HandleOutcome)
}
