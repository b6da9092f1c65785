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
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/fundflowhq/fundflow/model"
)

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(out))
}

func transactionCommands(f *fundflowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "Submit and inspect transactions",
	}
	cmd.AddCommand(submitCommand(f))
	cmd.AddCommand(getTransactionCommand(f))
	cmd.AddCommand(reconcileCommand(f))
	return cmd
}

func submitCommand(f *fundflowInstance) *cobra.Command {
	var transactionID, source, destination, currency string
	var amount int64

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a money movement request",
		Run: func(cmd *cobra.Command, args []string) {
			defer recoverPanic()
			orchestrator, _, _, err := setupOrchestrator(f.cnf)
			if err != nil {
				log.Fatal(err)
			}
			txn, err := orchestrator.Submit(context.Background(), &model.Transaction{
				TransactionID: transactionID,
				Source:        source,
				Destination:   destination,
				Amount:        amount,
				Currency:      currency,
			})
			if err != nil {
				log.Fatal(err)
			}
			printJSON(txn)
		},
	}
	cmd.Flags().StringVar(&transactionID, "id", "", "Client-supplied transaction id (generated when empty)")
	cmd.Flags().StringVar(&source, "source", "", "Source account id")
	cmd.Flags().StringVar(&destination, "destination", "", "Destination account id")
	cmd.Flags().Int64Var(&amount, "amount", 0, "Amount in minor currency units")
	cmd.Flags().StringVar(&currency, "currency", "USD", "Currency code")
	return cmd
}

func getTransactionCommand(f *fundflowInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "get [transaction-id]",
		Short: "Show a transaction's current state",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			defer recoverPanic()
			orchestrator, _, _, err := setupOrchestrator(f.cnf)
			if err != nil {
				log.Fatal(err)
			}
			txn, err := orchestrator.GetTransaction(context.Background(), args[0])
			if err != nil {
				log.Fatal(err)
			}
			printJSON(txn)
		},
	}
}

func reconcileCommand(f *fundflowInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep over stale pending transactions",
		Run: func(cmd *cobra.Command, args []string) {
			defer recoverPanic()
			orchestrator, _, _, err := setupOrchestrator(f.cnf)
			if err != nil {
				log.Fatal(err)
			}
			reemitted, err := orchestrator.ReconcilePending(context.Background())
			if err != nil {
				log.Fatal(err)
			}
			log.Printf(" [*] Re-emitted %d stale transactions", reemitted)
		},
	}
}
