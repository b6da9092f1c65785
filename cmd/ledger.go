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
	"github.com/fundflowhq/fundflow/internal/notification"
	"github.com/fundflowhq/fundflow/internal/redisdb"
	"github.com/fundflowhq/fundflow/ledger"
	"github.com/fundflowhq/fundflow/outbox"
)

// setupLedger wires the ledger engine against its own store and Redis.
func setupLedger(cnf *config.Configuration) (*ledger.Engine, *ledger.Datasource, error) {
	datasource, err := ledger.NewDatasource()
	if err != nil {
		return nil, nil, err
	}
	redisClient, err := redisdb.NewRedisClient([]string{cnf.Redis.Dns})
	if err != nil {
		return nil, nil, err
	}
	return ledger.NewEngine(datasource, redisClient.Client()), datasource, nil
}

// runLedger starts the ledger service: the requested-event consumer and the
// outbox relay. It blocks until the process is signalled.
func runLedger(f *fundflowInstance) error {
	cnf := f.cnf
	engine, datasource, err := setupLedger(cnf)
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

	consumer := bus.NewConsumer(cnf, bus.GroupLedger)
	engine.RegisterHandlers(consumer, cnf)

	log.Println(" [*] Starting ledger engine")
	return consumer.Run()
}

func ledgerCommands(f *fundflowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Start the ledger engine service",
		Run: func(cmd *cobra.Command, args []string) {
			defer recoverPanic()
			if err := runLedger(f); err != nil {
				notification.NotifyError(err)
				log.Fatal(err)
			}
		},
	}
	return cmd
}
