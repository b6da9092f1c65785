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

package bus

import (
	"context"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundflowhq/fundflow/config"
	"github.com/fundflowhq/fundflow/model"
)

func testConfig() *config.Configuration {
	cnf := &config.Configuration{
		Redis: config.RedisConfig{Dns: "localhost:6379"},
	}
	config.MockConfig(cnf)
	conf, _ := config.Fetch()
	return conf
}

func TestPartitionForIsStable(t *testing.T) {
	first := PartitionFor("txn_abc", 4)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, PartitionFor("txn_abc", 4))
	}
	assert.Less(t, first, 4)
	assert.GreaterOrEqual(t, first, 0)
}

func TestPartitionQueueNaming(t *testing.T) {
	assert.Equal(t, "transaction_requested:ledger_1", PartitionQueue("transaction_requested", GroupLedger, 0))
	assert.Equal(t, "transaction_posted:notifier_4", PartitionQueue("transaction_posted", GroupNotifier, 3))
}

func TestSubscriberGroupsRouting(t *testing.T) {
	conf := testConfig()
	groups := SubscriberGroups(conf)

	assert.Equal(t, []string{GroupLedger}, groups[conf.Queue.TransactionRequestedTopic])
	for _, topic := range []string{
		conf.Queue.TransactionPostedTopic,
		conf.Queue.TransactionRejectedTopic,
		conf.Queue.TransactionFailedTopic,
	} {
		assert.Equal(t, []string{GroupOrchestrator, GroupNotifier}, groups[topic], topic)
	}
	assert.Equal(t, []string{GroupWebhook}, groups[conf.Queue.WebhookQueue])
}

func TestConsumerHandleRegistersAllPartitions(t *testing.T) {
	conf := testConfig()
	c := NewConsumer(conf, GroupLedger)
	c.Handle(conf.Queue.TransactionRequestedTopic, func(ctx context.Context, envelope *model.EventEnvelope) error {
		return nil
	})

	assert.Len(t, c.queues, conf.Queue.NumberOfPartitions)
	for i := 0; i < conf.Queue.NumberOfPartitions; i++ {
		// each partition's queue set holds only its own queue, so one
		// single-worker server per partition preserves arrival order
		assert.Len(t, c.queues[i], 1)
		_, ok := c.queues[i][PartitionQueue(conf.Queue.TransactionRequestedTopic, GroupLedger, i)]
		assert.True(t, ok)
	}
}

func TestWrapHandlerDecodesEnvelope(t *testing.T) {
	envelope, err := model.NewEnvelope(model.EventTransactionRequested, "txn_1", model.TransactionRequestedPayload{
		TransactionID: "txn_1",
		SourceAccount: "acc_a",
		DestAccount:   "acc_b",
		Amount:        40,
		Currency:      "USD",
	})
	require.NoError(t, err)
	payload, err := envelope.ToJSON()
	require.NoError(t, err)

	var got *model.EventEnvelope
	handler := wrapHandler(func(ctx context.Context, e *model.EventEnvelope) error {
		got = e
		return nil
	})

	task := asynq.NewTask("transaction_requested:ledger_1", payload)
	assert.NoError(t, handler(context.Background(), task))
	require.NotNil(t, got)
	assert.Equal(t, envelope.EventID, got.EventID)
	assert.Equal(t, "txn_1", got.TransactionID)
}

func TestWrapHandlerDropsUndecodablePayload(t *testing.T) {
	handler := wrapHandler(func(ctx context.Context, e *model.EventEnvelope) error {
		t.Fatal("handler should not run for garbage payloads")
		return nil
	})

	task := asynq.NewTask("transaction_requested:ledger_1", []byte("{not json"))
	assert.NoError(t, handler(context.Background(), task))
}
