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

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fundflowhq/fundflow/bus"
	"github.com/fundflowhq/fundflow/config"
	"github.com/fundflowhq/fundflow/internal/cache"
	"github.com/fundflowhq/fundflow/internal/notification"
	"github.com/fundflowhq/fundflow/internal/redisdb"
	"github.com/fundflowhq/fundflow/outbox"
	"github.com/fundflowhq/fundflow/transaction"
)

// setupOrchestrator wires the orchestrator against its own store, the shared
// cache and Redis.
func setupOrchestrator(cnf *config.Configuration) (*transaction.Orchestrator, *transaction.Datasource, *redisdb.Redis, error) {
	datasource, err := transaction.NewDatasource()
	if err != nil {
		return nil, nil, nil, err
	}
	redisClient, err := redisdb.NewRedisClient([]string{cnf.Redis.Dns})
	if err != nil {
		return nil, nil, nil, err
	}
	cacheLayer, err := cache.NewCache()
	if err != nil {
		return nil, nil, nil, err
	}
	orchestrator := transaction.NewOrchestrator(datasource, cacheLayer, redisClient.Client())
	return orchestrator, datasource, redisClient, nil
}

// runOrchestrator starts everything the transaction service runs: the outcome
// consumers, the outbox relay, the reconciliation sweep and the webhook
// dispatch worker. It blocks until the process is signalled.
func runOrchestrator(f *fundflowInstance) error {
	cnf := f.cnf
	orchestrator, datasource, redisClient, err := setupOrchestrator(cnf)
	if err != nil {
		return err
	}

	busClient, err := bus.NewBus(cnf)
	if err != nil {
		return err
	}
	relay := outbox.NewRelay(datasource.OutboxStore(), busClient,
		time.Duration(cnf.Outbox.RelayIntervalSec)*time.Second, cnf.Outbox.BatchSize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go relay.Start(ctx)
	go orchestrator.StartReconciliation(ctx)

	webhookConsumer := bus.NewConsumer(cnf, bus.GroupWebhook)
	transaction.NewWebhookDispatcher(redisClient.Client()).RegisterHandlers(webhookConsumer, cnf)
	go func() {
		if err := webhookConsumer.Run(); err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}
	}()

	consumer := bus.NewConsumer(cnf, bus.GroupOrchestrator)
	orchestrator.RegisterHandlers(consumer, cnf)

	log.Println(" [*] Starting transaction orchestrator")
	return consumer.Run()
}

func orchestratorCommands(f *fundflowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Start the transaction orchestrator service",
		Run: func(cmd *cobra.Command, args []string) {
			defer recoverPanic()
			if err := runOrchestrator(f); err != nil {
				notification.NotifyError(err)
				log.Fatal(err)
			}
		},
	}
	return cmd
}
