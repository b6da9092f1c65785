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

	"github.com/spf13/cobra"
)

func accountCommands(f *fundflowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage ledger accounts",
	}
	cmd.AddCommand(createAccountCommand(f))
	cmd.AddCommand(getAccountCommand(f))
	cmd.AddCommand(accountEntriesCommand(f))
	return cmd
}

func createAccountCommand(f *fundflowInstance) *cobra.Command {
	var accountID, currency string
	var overdraft bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a ledger account with a zero balance",
		Run: func(cmd *cobra.Command, args []string) {
			defer recoverPanic()
			engine, _, err := setupLedger(f.cnf)
			if err != nil {
				log.Fatal(err)
			}
			account, err := engine.CreateAccount(context.Background(), accountID, currency, overdraft)
			if err != nil {
				log.Fatal(err)
			}
			printJSON(account)
		},
	}
	cmd.Flags().StringVar(&accountID, "id", "", "Account id (generated when empty)")
	cmd.Flags().StringVar(&currency, "currency", "USD", "Currency code")
	cmd.Flags().BoolVar(&overdraft, "overdraft", false, "Allow the balance to go negative")
	return cmd
}

func getAccountCommand(f *fundflowInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "get [account-id]",
		Short: "Show an account's balance and version",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			defer recoverPanic()
			engine, _, err := setupLedger(f.cnf)
			if err != nil {
				log.Fatal(err)
			}
			account, err := engine.GetAccount(context.Background(), args[0])
			if err != nil {
				log.Fatal(err)
			}
			printJSON(account)
		},
	}
}

func accountEntriesCommand(f *fundflowInstance) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "entries [account-id]",
		Short: "List an account's ledger entries, newest first",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			defer recoverPanic()
			engine, _, err := setupLedger(f.cnf)
			if err != nil {
				log.Fatal(err)
			}
			entries, err := engine.GetEntries(context.Background(), args[0], limit)
			if err != nil {
				log.Fatal(err)
			}
			printJSON(entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries to return")
	return cmd
}
