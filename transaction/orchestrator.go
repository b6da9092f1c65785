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

// Package transaction implements the orchestrator: it accepts money-movement
// requests, owns the transaction lifecycle (PENDING to POSTED, REJECTED or
// FAILED), and announces every fact through the outbox. It never touches
// account balances; those belong to the ledger service.
package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/fundflowhq/fundflow/bus"
	"github.com/fundflowhq/fundflow/config"
	"github.com/fundflowhq/fundflow/internal/cache"
	"github.com/fundflowhq/fundflow/internal/idempotency"
	"github.com/fundflowhq/fundflow/model"
	"github.com/fundflowhq/fundflow/outbox"
)

// Orchestrator coordinates the transaction side of a money movement.
type Orchestrator struct {
	datasource *Datasource
	cache      cache.Cache
	gate       idempotency.Store
	redis      redis.UniversalClient
}

func NewOrchestrator(datasource *Datasource, cacheLayer cache.Cache, redisClient redis.UniversalClient) *Orchestrator {
	return &Orchestrator{
		datasource: datasource,
		cache:      cacheLayer,
		gate:       idempotency.NewRedisStore(redisClient, bus.GroupOrchestrator),
		redis:      redisClient,
	}
}

func transactionCacheKey(transactionID string) string {
	return fmt.Sprintf("transaction:%s", transactionID)
}

// Submit validates and records a money-movement request. The transaction row
// and its requested-event outbox record are written atomically; the caller
// gets the PENDING transaction back before anything has been published.
// Submitting an id that already exists returns the stored transaction
// unchanged, whatever state it has reached.
func (o *Orchestrator) Submit(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	ctx, span := otel.Tracer("transaction.orchestrator").Start(ctx, "SubmitTransaction")
	defer span.End()

	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	if txn.TransactionID == "" {
		txn.TransactionID = model.GenerateUUIDWithSuffix("txn")
	}
	if err := txn.Validate(); err != nil {
		return nil, err
	}
	txn.Status = model.StatusPending
	txn.Reason = ""
	txn.FinalizedAt = nil
	txn.CreatedAt = time.Now()

	envelope, err := model.NewEnvelope(model.EventTransactionRequested, txn.TransactionID, model.TransactionRequestedPayload{
		TransactionID: txn.TransactionID,
		SourceAccount: txn.Source,
		DestAccount:   txn.Destination,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
	})
	if err != nil {
		return nil, err
	}
	record, err := outbox.NewRecord(conf.Queue.TransactionRequestedTopic, envelope)
	if err != nil {
		return nil, err
	}

	err = o.datasource.RecordTransaction(ctx, txn, record)
	if err == ErrDuplicateTransaction {
		logrus.Infof("transaction %s already submitted, returning stored state", txn.TransactionID)
		return o.datasource.GetTransactionByID(ctx, txn.TransactionID)
	}
	if err != nil {
		return nil, err
	}

	if cacheErr := o.cache.Set(ctx, transactionCacheKey(txn.TransactionID), txn, 5*time.Minute); cacheErr != nil {
		logrus.Warnf("failed to cache transaction %s: %v", txn.TransactionID, cacheErr)
	}
	return txn, nil
}

// OnOutcome consumes a posted, rejected or failed event from the ledger and
// finalizes the transaction. Duplicate deliveries stop at the idempotency
// gate; a delivery that passes the gate but loses the status race is a no-op
// because finalization only touches PENDING rows.
func (o *Orchestrator) OnOutcome(ctx context.Context, envelope *model.EventEnvelope) error {
	ctx, span := otel.Tracer("transaction.orchestrator").Start(ctx, "FinalizeTransaction")
	defer span.End()

	status, ok := model.StatusForOutcome(envelope.Type)
	if !ok {
		logrus.Warnf("ignoring event %s with non-outcome type %s", envelope.EventID, envelope.Type)
		return nil
	}

	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	first, err := o.gate.CheckAndInsert(ctx, envelope.EventID, time.Duration(conf.Idempotency.TTLSec)*time.Second)
	if err != nil {
		return err
	}
	if !first {
		logrus.Debugf("duplicate delivery of event %s absorbed", envelope.EventID)
		return nil
	}

	var reason string
	if envelope.Type != model.EventTransactionPosted {
		var payload model.TransactionOutcomePayload
		if err := envelope.UnmarshalPayload(&payload); err != nil {
			logrus.Errorf("event %s has undecodable payload: %v", envelope.EventID, err)
			return nil
		}
		reason = payload.Reason
	}

	webhookRecord, err := outbox.NewRecord(conf.Queue.WebhookQueue, envelope)
	if err != nil {
		return err
	}

	applied, err := o.datasource.FinalizeTransaction(ctx, envelope.TransactionID, status, reason, time.Now(), webhookRecord)
	if err != nil {
		// Release the gate so the redelivery gets another shot at the
		// database.
		if releaseErr := o.gate.Release(ctx, envelope.EventID); releaseErr != nil {
			logrus.Errorf("failed to release idempotency gate for event %s: %v", envelope.EventID, releaseErr)
		}
		return err
	}
	if !applied {
		logrus.Infof("transaction %s already finalized, event %s ignored", envelope.TransactionID, envelope.EventID)
		return nil
	}

	if cacheErr := o.cache.Delete(ctx, transactionCacheKey(envelope.TransactionID)); cacheErr != nil {
		logrus.Warnf("failed to invalidate transaction cache for %s: %v", envelope.TransactionID, cacheErr)
	}
	logrus.Infof("transaction %s finalized as %s", envelope.TransactionID, status)
	return nil
}

// GetTransaction returns the current state of a transaction, serving from
// cache when possible.
func (o *Orchestrator) GetTransaction(ctx context.Context, transactionID string) (*model.Transaction, error) {
	ctx, span := otel.Tracer("transaction.orchestrator").Start(ctx, "GetTransaction")
	defer span.End()

	var cached model.Transaction
	if err := o.cache.Get(ctx, transactionCacheKey(transactionID), &cached); err == nil && cached.TransactionID != "" {
		return &cached, nil
	}

	txn, err := o.datasource.GetTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if cacheErr := o.cache.Set(ctx, transactionCacheKey(transactionID), txn, 5*time.Minute); cacheErr != nil {
		logrus.Warnf("failed to cache transaction %s: %v", transactionID, cacheErr)
	}
	return txn, nil
}

// RegisterHandlers subscribes the orchestrator to the ledger's outcome
// topics.
func (o *Orchestrator) RegisterHandlers(consumer *bus.Consumer, conf *config.Configuration) {
	consumer.Handle(conf.Queue.TransactionPostedTopic, o.OnOutcome)
	consumer.Handle(conf.Queue.TransactionRejectedTopic, o.OnOutcome)
	consumer.Handle(conf.Queue.TransactionFailedTopic, o.OnOutcome)
}
