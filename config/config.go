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
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

var ConfigStore atomic.Value

// DataSourceConfig points each service at its own Postgres instance. A service
// is the only writer to its store; the two DNS values must never reference the
// same database in production.
type DataSourceConfig struct {
	TransactionDns string `json:"transaction_dns" envconfig:"FUNDFLOW_TRANSACTION_DATA_SOURCE_DNS"`
	LedgerDns      string `json:"ledger_dns" envconfig:"FUNDFLOW_LEDGER_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"FUNDFLOW_REDIS_DNS"`
}

// QueueConfig names the bus topics and fixes how many partition queues each
// topic is sharded into. All events for one transaction id land on the same
// partition, which is the only ordering guarantee the system relies on.
type QueueConfig struct {
	TransactionRequestedTopic string `json:"transaction_requested_topic" envconfig:"FUNDFLOW_QUEUE_REQUESTED_TOPIC"`
	TransactionPostedTopic    string `json:"transaction_posted_topic" envconfig:"FUNDFLOW_QUEUE_POSTED_TOPIC"`
	TransactionRejectedTopic  string `json:"transaction_rejected_topic" envconfig:"FUNDFLOW_QUEUE_REJECTED_TOPIC"`
	TransactionFailedTopic    string `json:"transaction_failed_topic" envconfig:"FUNDFLOW_QUEUE_FAILED_TOPIC"`
	WebhookQueue              string `json:"webhook_queue" envconfig:"FUNDFLOW_QUEUE_WEBHOOK"`
	NumberOfPartitions        int    `json:"number_of_partitions" envconfig:"FUNDFLOW_QUEUE_PARTITIONS"`
}

type LedgerConfig struct {
	MaxApplyRetries int `json:"max_apply_retries" envconfig:"FUNDFLOW_LEDGER_MAX_APPLY_RETRIES"`
}

type ReconciliationConfig struct {
	SweepIntervalSec   int `json:"sweep_interval_sec" envconfig:"FUNDFLOW_RECONCILIATION_SWEEP_INTERVAL_SEC"`
	PendingDeadlineSec int `json:"pending_deadline_sec" envconfig:"FUNDFLOW_RECONCILIATION_PENDING_DEADLINE_SEC"`
	SweepBatchSize     int `json:"sweep_batch_size" envconfig:"FUNDFLOW_RECONCILIATION_SWEEP_BATCH_SIZE"`
}

type IdempotencyConfig struct {
	TTLSec int `json:"ttl_sec" envconfig:"FUNDFLOW_IDEMPOTENCY_TTL_SEC"`
}

type OutboxConfig struct {
	RelayIntervalSec int `json:"relay_interval_sec" envconfig:"FUNDFLOW_OUTBOX_RELAY_INTERVAL_SEC"`
	BatchSize        int `json:"batch_size" envconfig:"FUNDFLOW_OUTBOX_BATCH_SIZE"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"FUNDFLOW_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName    string               `json:"project_name" envconfig:"FUNDFLOW_PROJECT_NAME"`
	DataSource     DataSourceConfig     `json:"data_source"`
	Redis          RedisConfig          `json:"redis"`
	Queue          QueueConfig          `json:"queue"`
	Ledger         LedgerConfig         `json:"ledger"`
	Reconciliation ReconciliationConfig `json:"reconciliation"`
	Idempotency    IdempotencyConfig    `json:"idempotency"`
	Outbox         OutboxConfig         `json:"outbox"`
	Notification   Notification         `json:"notification"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("fundflow", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called fundflow.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Fundflow"
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.DataSource.TransactionDns = strings.TrimSpace(cnf.DataSource.TransactionDns)
	cnf.DataSource.LedgerDns = strings.TrimSpace(cnf.DataSource.LedgerDns)

	if cnf.Queue.TransactionRequestedTopic == "" {
		cnf.Queue.TransactionRequestedTopic = "transaction_requested"
	}
	if cnf.Queue.TransactionPostedTopic == "" {
		cnf.Queue.TransactionPostedTopic = "transaction_posted"
	}
	if cnf.Queue.TransactionRejectedTopic == "" {
		cnf.Queue.TransactionRejectedTopic = "transaction_rejected"
	}
	if cnf.Queue.TransactionFailedTopic == "" {
		cnf.Queue.TransactionFailedTopic = "transaction_failed"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "new:webhook"
	}
	if cnf.Queue.NumberOfPartitions <= 0 {
		cnf.Queue.NumberOfPartitions = 4
	}

	if cnf.Ledger.MaxApplyRetries <= 0 {
		cnf.Ledger.MaxApplyRetries = 5
	}

	if cnf.Reconciliation.SweepIntervalSec <= 0 {
		cnf.Reconciliation.SweepIntervalSec = 60
	}
	if cnf.Reconciliation.PendingDeadlineSec <= 0 {
		cnf.Reconciliation.PendingDeadlineSec = 300
	}
	if cnf.Reconciliation.SweepBatchSize <= 0 {
		cnf.Reconciliation.SweepBatchSize = 100
	}

	// The gate must expire before the sweep re-emits, otherwise a re-emitted
	// request for a crashed half-processed event is absorbed as a duplicate.
	// Defaulting one sweep interval below the pending deadline leaves that
	// margin.
	if cnf.Idempotency.TTLSec <= 0 {
		cnf.Idempotency.TTLSec = cnf.Reconciliation.PendingDeadlineSec - cnf.Reconciliation.SweepIntervalSec
		if cnf.Idempotency.TTLSec <= 0 {
			cnf.Idempotency.TTLSec = (cnf.Reconciliation.PendingDeadlineSec + 1) / 2
		}
	}

	if cnf.Outbox.RelayIntervalSec <= 0 {
		cnf.Outbox.RelayIntervalSec = 2
	}
	if cnf.Outbox.BatchSize <= 0 {
		cnf.Outbox.BatchSize = 200
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	if err := mockConfig.validateAndAddDefaults(); err != nil {
		log.Println(err)
	}
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
