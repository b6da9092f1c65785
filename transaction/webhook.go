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

package transaction

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/fundflowhq/fundflow/bus"
	"github.com/fundflowhq/fundflow/config"
	"github.com/fundflowhq/fundflow/internal/idempotency"
	"github.com/fundflowhq/fundflow/internal/request"
	"github.com/fundflowhq/fundflow/model"
)

// WebhookPayload is the body delivered to the configured webhook endpoint
// when a transaction reaches a terminal state.
type WebhookPayload struct {
	Event         string    `json:"event"`
	TransactionID string    `json:"transaction_id"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// WebhookDispatcher consumes webhook dispatch records enqueued at
// finalization and delivers them. Deliveries are gated per event id, so a
// republished record does not re-notify; a failed delivery releases the gate
// and rides the queue's retry.
type WebhookDispatcher struct {
	gate idempotency.Store
}

func NewWebhookDispatcher(redisClient redis.UniversalClient) *WebhookDispatcher {
	return &WebhookDispatcher{gate: idempotency.NewRedisStore(redisClient, bus.GroupWebhook)}
}

// ProcessWebhook delivers one webhook. With no endpoint configured it logs
// and succeeds, consuming the record.
func (w *WebhookDispatcher) ProcessWebhook(ctx context.Context, envelope *model.EventEnvelope) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		logrus.Infof("no webhook endpoint configured, dropping dispatch for transaction %s", envelope.TransactionID)
		return nil
	}

	first, err := w.gate.CheckAndInsert(ctx, envelope.EventID, time.Duration(conf.Idempotency.TTLSec)*time.Second)
	if err != nil {
		return err
	}
	if !first {
		logrus.Debugf("webhook for event %s already delivered", envelope.EventID)
		return nil
	}

	status, _ := model.StatusForOutcome(envelope.Type)
	var reason string
	if envelope.Type != model.EventTransactionPosted {
		var outcome model.TransactionOutcomePayload
		if err := envelope.UnmarshalPayload(&outcome); err == nil {
			reason = outcome.Reason
		}
	}

	body, err := request.ToJsonReq(WebhookPayload{
		Event:         envelope.Type,
		TransactionID: envelope.TransactionID,
		Status:        status,
		Reason:        reason,
		Timestamp:     time.Now(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conf.Notification.Webhook.Url, body)
	if err != nil {
		return err
	}
	for header, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(header, value)
	}

	var response map[string]interface{}
	resp, err := request.Call(req, &response)
	if err == nil && resp.StatusCode >= http.StatusBadRequest {
		err = fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	if err != nil {
		if releaseErr := w.gate.Release(ctx, envelope.EventID); releaseErr != nil {
			logrus.Errorf("failed to release webhook gate for event %s: %v", envelope.EventID, releaseErr)
		}
		return err
	}

	logrus.Infof("webhook delivered for transaction %s (%s)", envelope.TransactionID, status)
	return nil
}

// RegisterHandlers subscribes the dispatcher to the webhook queue.
func (w *WebhookDispatcher) RegisterHandlers(consumer *bus.Consumer, conf *config.Configuration) {
	consumer.Handle(conf.Queue.WebhookQueue, w.ProcessWebhook)
}
