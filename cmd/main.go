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
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fundflowhq/fundflow/config"
)

// Fundflow represents the CLI application, encapsulating the root Cobra
// command.
type Fundflow struct {
	cmd *cobra.Command
}

// fundflowInstance carries the loaded configuration into subcommands.
type fundflowInstance struct {
	cnf *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration before any command executes. Each command
// connects only to the store its service owns, so no database is opened here.
func preRun(app *fundflowInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf
		return nil
	}
}

// NewCLI creates the command-line interface for the Fundflow services.
func NewCLI() *Fundflow {
	var configFile string
	f := &fundflowInstance{}

	var rootCmd = &cobra.Command{
		Use:   "fundflow",
		Short: "Event-driven money movement",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./fundflow.json", "Configuration file for the fundflow services")
	rootCmd.PersistentPreRunE = preRun(f, &configFile)

	rootCmd.AddCommand(orchestratorCommands(f))
	rootCmd.AddCommand(ledgerCommands(f))
	rootCmd.AddCommand(notifierCommands(f))
	rootCmd.AddCommand(transactionCommands(f))
	rootCmd.AddCommand(accountCommands(f))

	return &Fundflow{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during
// execution.
func (f Fundflow) executeCLI() {
	if err := f.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
