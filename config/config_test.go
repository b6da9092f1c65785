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

package config

import (
	"encoding/json"
	"os"
	"testing"
)

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := Configuration{
		Redis: RedisConfig{Dns: ""},
	}

	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}

	cnf = Configuration{
		Redis: RedisConfig{Dns: "localhost:6379"},
	}
	err = cnf.validateAndAddDefaults()
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	if cnf.ProjectName != "Fundflow" {
		t.Errorf("Expected default project name, got %s", cnf.ProjectName)
	}
	if cnf.Queue.NumberOfPartitions != 4 {
		t.Errorf("Expected default partition count 4, got %d", cnf.Queue.NumberOfPartitions)
	}
	if cnf.Queue.TransactionRequestedTopic != "transaction_requested" {
		t.Errorf("Expected default requested topic, got %s", cnf.Queue.TransactionRequestedTopic)
	}
	if cnf.Ledger.MaxApplyRetries != 5 {
		t.Errorf("Expected default retry budget 5, got %d", cnf.Ledger.MaxApplyRetries)
	}
	if cnf.Idempotency.TTLSec >= cnf.Reconciliation.PendingDeadlineSec {
		t.Errorf("Expected idempotency TTL below the pending deadline, got %d vs %d",
			cnf.Idempotency.TTLSec, cnf.Reconciliation.PendingDeadlineSec)
	}
	if cnf.Idempotency.TTLSec != cnf.Reconciliation.PendingDeadlineSec-cnf.Reconciliation.SweepIntervalSec {
		t.Errorf("Expected idempotency TTL of deadline minus one sweep interval, got %d", cnf.Idempotency.TTLSec)
	}
}

func TestValidateAndAddDefaultsFloorsIdempotencyTTL(t *testing.T) {
	cnf := Configuration{
		Redis: RedisConfig{Dns: "localhost:6379"},
		Reconciliation: ReconciliationConfig{
			SweepIntervalSec:   60,
			PendingDeadlineSec: 45,
		},
	}

	if err := cnf.validateAndAddDefaults(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cnf.Idempotency.TTLSec <= 0 || cnf.Idempotency.TTLSec >= cnf.Reconciliation.PendingDeadlineSec {
		t.Errorf("Expected idempotency TTL strictly between 0 and the pending deadline, got %d", cnf.Idempotency.TTLSec)
	}
}

func TestValidateAndAddDefaultsKeepsExplicitValues(t *testing.T) {
	cnf := Configuration{
		Redis: RedisConfig{Dns: "localhost:6379"},
		Queue: QueueConfig{
			NumberOfPartitions: 16,
			WebhookQueue:       "hooks",
		},
		Ledger:      LedgerConfig{MaxApplyRetries: 2},
		Idempotency: IdempotencyConfig{TTLSec: 900},
	}

	if err := cnf.validateAndAddDefaults(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cnf.Queue.NumberOfPartitions != 16 {
		t.Errorf("Expected partition count 16, got %d", cnf.Queue.NumberOfPartitions)
	}
	if cnf.Queue.WebhookQueue != "hooks" {
		t.Errorf("Expected webhook queue hooks, got %s", cnf.Queue.WebhookQueue)
	}
	if cnf.Ledger.MaxApplyRetries != 2 {
		t.Errorf("Expected retry budget 2, got %d", cnf.Ledger.MaxApplyRetries)
	}
	if cnf.Idempotency.TTLSec != 900 {
		t.Errorf("Expected idempotency TTL 900, got %d", cnf.Idempotency.TTLSec)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "fundflow.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		Redis:       RedisConfig{Dns: "localhost:6379"},
		DataSource: DataSourceConfig{
			TransactionDns: "postgres://localhost:5432/transactions",
			LedgerDns:      "postgres://localhost:5432/ledger",
		},
	}
	data, err := json.Marshal(sampleConfig)
	if err != nil {
		t.Fatalf("Unable to marshal sample config: %v", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("Unable to close temporary file: %v", err)
	}

	if err := loadConfigFromFile(tmpFile.Name()); err != nil {
		t.Fatalf("loadConfigFromFile returned error: %v", err)
	}

	cnf, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if cnf.ProjectName != "Temp Project" {
		t.Errorf("Expected project name from file, got %s", cnf.ProjectName)
	}
	if cnf.DataSource.LedgerDns != "postgres://localhost:5432/ledger" {
		t.Errorf("Unexpected ledger DNS %s", cnf.DataSource.LedgerDns)
	}
}
