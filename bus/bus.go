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

// Package bus adapts asynq over Redis into the event log the services
// communicate through. A topic is sharded into a fixed number of partition
// queues per subscriber group; the partition is chosen by hashing the
// partition key, so all events for one transaction id land on one queue and
// are consumed in arrival order. Delivery is at least once; consumers carry
// their own idempotency gate.
package bus

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"math"

	"github.com/hibiken/asynq"

	"github.com/fundflowhq/fundflow/config"
	"github.com/fundflowhq/fundflow/internal/redisdb"
	"github.com/fundflowhq/fundflow/model"
)

// Subscriber group names. A group is this system's consumer-group notion: each
// group receives its own copy of every event published on a topic it
// subscribes to.
const (
	GroupLedger       = "ledger"
	GroupOrchestrator = "orchestrator"
	GroupNotifier     = "notifier"
	GroupWebhook      = "webhook"
)

// Publisher is the outbox relay's view of the bus.
type Publisher interface {
	Publish(ctx context.Context, topic, partitionKey string, envelope *model.EventEnvelope) error
}

// Bus publishes envelopes to every subscriber group of a topic.
type Bus struct {
	Client     *asynq.Client
	partitions int
	groups     map[string][]string
}

// NewBus initializes a Bus from the configuration.
func NewBus(conf *config.Configuration) (*Bus, error) {
	redisOption, err := redisdb.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     redisOption.Addr,
		Password: redisOption.Password,
		DB:       redisOption.DB,
	})
	return &Bus{
		Client:     client,
		partitions: conf.Queue.NumberOfPartitions,
		groups:     SubscriberGroups(conf),
	}, nil
}

// SubscriberGroups is the routing table: which groups receive each topic.
// Outcome topics fan out to both the orchestrator (to finalize the
// transaction) and the notifier (to produce the side effect).
func SubscriberGroups(conf *config.Configuration) map[string][]string {
	return map[string][]string{
		conf.Queue.TransactionRequestedTopic: {GroupLedger},
		conf.Queue.TransactionPostedTopic:    {GroupOrchestrator, GroupNotifier},
		conf.Queue.TransactionRejectedTopic:  {GroupOrchestrator, GroupNotifier},
		conf.Queue.TransactionFailedTopic:    {GroupOrchestrator, GroupNotifier},
		conf.Queue.WebhookQueue:              {GroupWebhook},
	}
}

// PartitionQueue names the asynq queue for one partition of a topic as seen by
// one subscriber group.
func PartitionQueue(topic, group string, partition int) string {
	return fmt.Sprintf("%s:%s_%d", topic, group, partition+1)
}

// hashPartitionKey returns a consistent hash for a partition key.
func hashPartitionKey(key string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum32())
}

// PartitionFor maps a partition key onto a partition index.
func PartitionFor(key string, partitions int) int {
	return hashPartitionKey(key) % partitions
}

// Publish delivers the envelope to every group subscribed to the topic. The
// asynq task id is (group, event id), so a republication racing an in-flight
// copy is dropped at the broker; once a copy completes, later republications
// reach the consumer and are absorbed by its idempotency gate. A partial
// fan-out failure leaves the whole publish unacknowledged and the relay
// retries it, which the already-served groups see as a duplicate.
func (b *Bus) Publish(ctx context.Context, topic, partitionKey string, envelope *model.EventEnvelope) error {
	groups, ok := b.groups[topic]
	if !ok {
		return fmt.Errorf("no subscriber groups for topic %s", topic)
	}

	payload, err := envelope.ToJSON()
	if err != nil {
		return err
	}

	partition := PartitionFor(partitionKey, b.partitions)
	for _, group := range groups {
		queueName := PartitionQueue(topic, group, partition)
		// Retries are effectively unbounded: a handler that keeps failing
		// keeps the event on the queue with backoff. Archiving after a retry
		// budget would acknowledge and lose the event.
		task := asynq.NewTask(queueName, payload,
			asynq.TaskID(fmt.Sprintf("%s:%s", group, envelope.EventID)),
			asynq.Queue(queueName),
			asynq.MaxRetry(math.MaxInt32),
		)
		_, err := b.Client.EnqueueContext(ctx, task)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			log.Printf(" [*] Event %s already in flight for group %s", envelope.EventID, group)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}
