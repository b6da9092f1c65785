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
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/fundflowhq/fundflow/config"
	"github.com/fundflowhq/fundflow/internal/redisdb"
	"github.com/fundflowhq/fundflow/model"
)

// HandlerFunc processes one decoded envelope. Returning an error leaves the
// task unacknowledged; asynq redelivers it with backoff, which is the "stop
// consuming and retry rather than lose the event" discipline for
// infrastructure failures.
type HandlerFunc func(ctx context.Context, envelope *model.EventEnvelope) error

// Consumer is one service's worker pool over its group's partition queues.
// Queues are grouped by partition index so each partition gets its own
// single-worker server.
type Consumer struct {
	group  string
	conf   *config.Configuration
	mux    *asynq.ServeMux
	queues []map[string]int
}

func NewConsumer(conf *config.Configuration, group string) *Consumer {
	queues := make([]map[string]int, conf.Queue.NumberOfPartitions)
	for i := range queues {
		queues[i] = make(map[string]int)
	}
	return &Consumer{
		group:  group,
		conf:   conf,
		mux:    asynq.NewServeMux(),
		queues: queues,
	}
}

// Handle subscribes the consumer's group to a topic. Every partition queue of
// the topic gets the same handler.
func (c *Consumer) Handle(topic string, handler HandlerFunc) {
	for i := range c.queues {
		queueName := PartitionQueue(topic, c.group, i)
		c.queues[i][queueName] = 1
		c.mux.HandleFunc(queueName, wrapHandler(handler))
	}
}

// wrapHandler decodes the task payload into an envelope before invoking the
// handler.
func wrapHandler(handler HandlerFunc) func(ctx context.Context, t *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		var envelope model.EventEnvelope
		if err := json.Unmarshal(t.Payload(), &envelope); err != nil {
			logrus.Errorf("dropping undecodable event: %v", err)
			// a payload that never decodes would be redelivered forever
			return nil
		}
		return handler(ctx, &envelope)
	}
}

// Run starts one single-worker server per partition and blocks. A server with
// Concurrency 1 processes its partition's tasks strictly in arrival order;
// running one per partition keeps that ordering while letting partitions
// drain concurrently.
func (c *Consumer) Run() error {
	redisOption, err := redisdb.ParseRedisURL(c.conf.Redis.Dns)
	if err != nil {
		return fmt.Errorf("error parsing Redis URL: %v", err)
	}

	errCh := make(chan error, len(c.queues))
	for _, queues := range c.queues {
		srv := asynq.NewServer(
			asynq.RedisClientOpt{
				Addr:     redisOption.Addr,
				Password: redisOption.Password,
				DB:       redisOption.DB,
			},
			asynq.Config{
				Concurrency: 1,
				Queues:      queues,
			},
		)
		go func(srv *asynq.Server) {
			errCh <- srv.Run(c.mux)
		}(srv)
	}
	logrus.Infof("starting %s consumer across %d partitions", c.group, len(c.queues))
	for range c.queues {
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}
