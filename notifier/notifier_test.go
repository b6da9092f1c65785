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

package notifier

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jarcoal/httpmock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/fundflowhq/fundflow/config"
	"github.com/fundflowhq/fundflow/internal/redisdb"
	"github.com/fundflowhq/fundflow/model"
)

type recordingSender struct {
	sent      []*OutcomeMessage
	failUntil int
	calls     int
}

func (s *recordingSender) Send(_ context.Context, message *OutcomeMessage) error {
	s.calls++
	if s.calls <= s.failUntil {
		return errors.New("smtp relay down")
	}
	s.sent = append(s.sent, message)
	return nil
}

func setupNotifier(t *testing.T, sender Sender) (*Notifier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	config.MockConfig(&config.Configuration{Redis: config.RedisConfig{Dns: mr.Addr()}})

	redisClient, err := redisdb.NewRedisClient([]string{mr.Addr()})
	assert.NoError(t, err)
	return NewNotifier(redisClient.Client(), sender), mr
}

func TestHandleOutcomeNotifiesExactlyOncePerEvent(t *testing.T) {
	sender := &recordingSender{}
	notifier, _ := setupNotifier(t, sender)

	envelope, err := model.NewEnvelope(model.EventTransactionPosted, "txn_notify", model.TransactionPostedPayload{
		TransactionID: "txn_notify",
		NewBalances:   map[string]int64{"acc_a": 60, "acc_b": 40},
	})
	assert.NoError(t, err)

	assert.NoError(t, notifier.HandleOutcome(context.Background(), envelope))
	assert.NoError(t, notifier.HandleOutcome(context.Background(), envelope))
	assert.Len(t, sender.sent, 1)
	assert.Equal(t, model.StatusPosted, sender.sent[0].Status)
	assert.Equal(t, int64(60), sender.sent[0].Balances["acc_a"])
}

func TestHandleOutcomeCarriesRejectionReason(t *testing.T) {
	sender := &recordingSender{}
	notifier, _ := setupNotifier(t, sender)

	envelope, err := model.NewEnvelope(model.EventTransactionRejected, "txn_nsf", model.TransactionOutcomePayload{
		TransactionID: "txn_nsf",
		Reason:        "INSUFFICIENT_FUNDS",
	})
	assert.NoError(t, err)

	assert.NoError(t, notifier.HandleOutcome(context.Background(), envelope))
	assert.Len(t, sender.sent, 1)
	assert.Equal(t, model.StatusRejected, sender.sent[0].Status)
	assert.Equal(t, "INSUFFICIENT_FUNDS", sender.sent[0].Reason)
}

func TestHandleOutcomeRetriesAfterSendFailure(t *testing.T) {
	sender := &recordingSender{failUntil: 1}
	notifier, mr := setupNotifier(t, sender)

	envelope, err := model.NewEnvelope(model.EventTransactionFailed, "txn_fail", model.TransactionOutcomePayload{
		TransactionID: "txn_fail",
		Reason:        "CONFLICT_RETRIES_EXHAUSTED",
	})
	assert.NoError(t, err)

	assert.Error(t, notifier.HandleOutcome(context.Background(), envelope))
	assert.False(t, mr.Exists("notifier:processed:"+envelope.EventID))

	assert.NoError(t, notifier.HandleOutcome(context.Background(), envelope))
	assert.Len(t, sender.sent, 1)
}

func TestHandleOutcomeIgnoresNonOutcomeEvents(t *testing.T) {
	sender := &recordingSender{}
	notifier, _ := setupNotifier(t, sender)

	envelope, err := model.NewEnvelope(model.EventTransactionRequested, "txn_req", model.TransactionRequestedPayload{TransactionID: "txn_req"})
	assert.NoError(t, err)

	assert.NoError(t, notifier.HandleOutcome(context.Background(), envelope))
	assert.Empty(t, sender.sent)
}

func TestSlackSenderPostsToWebhook(t *testing.T) {
	mr := miniredis.RunT(t)
	conf := &config.Configuration{Redis: config.RedisConfig{Dns: mr.Addr()}}
	conf.Notification.Slack.WebhookUrl = "https://hooks.slack.com/services/test"
	config.MockConfig(conf)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", "https://hooks.slack.com/services/test",
		httpmock.NewStringResponder(200, `{"ok": true}`))

	sender := DefaultSender(conf)
	assert.IsType(t, &SlackSender{}, sender)
	assert.NoError(t, sender.Send(context.Background(), &OutcomeMessage{
		TransactionID: "txn_slack",
		Status:        model.StatusPosted,
	}))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestSlackSenderAcceptsPlainTextAcknowledgment(t *testing.T) {
	mr := miniredis.RunT(t)
	conf := &config.Configuration{Redis: config.RedisConfig{Dns: mr.Addr()}}
	conf.Notification.Slack.WebhookUrl = "https://hooks.slack.com/services/test"
	config.MockConfig(conf)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	// Slack's incoming webhooks reply 200 with a bare "ok". That is a
	// delivered notification, not an error to retry.
	httpmock.RegisterResponder("POST", "https://hooks.slack.com/services/test",
		httpmock.NewStringResponder(200, "ok"))

	assert.NoError(t, (&SlackSender{}).Send(context.Background(), &OutcomeMessage{
		TransactionID: "txn_slack_plain",
		Status:        model.StatusPosted,
	}))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestDefaultSenderFallsBackToLog(t *testing.T) {
	conf := &config.Configuration{}
	assert.IsType(t, &LogSender{}, DefaultSender(conf))
	assert.NoError(t, (&LogSender{}).Send(context.Background(), &OutcomeMessage{TransactionID: "txn_log", Status: model.StatusPosted}))
}
