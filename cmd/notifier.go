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
	"log"

	"github.com/spf13/cobra"

	"github.com/fundflowhq/fundflow/bus"
	"github.com/fundflowhq/fundflow/internal/notification"
	"github.com/fundflowhq/fundflow/internal/redisdb"
	"github.com/fundflowhq/fundflow/notifier"
)

// runNotifier starts the notifier service. It has no database and no relay;
// its only job is consuming outcome events into notifications.
func runNotifier(f *fundflowInstance) error {
	cnf := f.cnf
	redisClient, err := redisdb.NewRedisClient([]string{cnf.Redis.Dns})
	if err != nil {
		return err
	}

	service := notifier.NewNotifier(redisClient.Client(), notifier.DefaultSender(cnf))
	consumer := bus.NewConsumer(cnf, bus.GroupNotifier)
	service.RegisterHandlers(consumer, cnf)

	log.Println(" [*] Starting notifier")
	return consumer.Run()
}

func notifierCommands(f *fundflowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifier",
		Short: "Start the notifier service",
		Run: func(cmd *cobra.Command, args []string) {
			defer recoverPanic()
			if err := runNotifier(f); err != nil {
				notification.NotifyError(err)
				log.Fatal(err)
			}
		},
	}
	return cmd
}
