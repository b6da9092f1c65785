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

// Package ledger implements the double-entry engine. It consumes requested
// events, applies postings under optimistic concurrency, and emits exactly
// one outcome event per transaction: posted, rejected or failed. It is the
// sole owner of account balances.
package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/fundflowhq/fundflow/bus"
	"github.com/fundflowhq/fundflow/config"
	"github.com/fundflowhq/fundflow/internal/idempotency"
	"github.com/fundflowhq/fundflow/model"
	"github.com/fundflowhq/fundflow/outbox"
)

// Rejection reason codes carried on rejected and failed events.
const (
	ReasonInsufficientFunds        = "INSUFFICIENT_FUNDS"
	ReasonCurrencyMismatch         = "CURRENCY_MISMATCH"
	ReasonAccountNotFound          = "ACCOUNT_NOT_FOUND"
	ReasonInvalidAmount            = "INVALID_AMOUNT"
	ReasonConflictRetriesExhausted = "CONFLICT_RETRIES_EXHAUSTED"
)

// Engine applies money movements to the ledger.
type Engine struct {
	datasource *Datasource
	gate       idempotency.Store
}

func NewEngine(datasource *Datasource, redisClient redis.UniversalClient) *Engine {
	return &Engine{
		datasource: datasource,
		gate:       idempotency.NewRedisStore(redisClient, bus.GroupLedger),
	}
}

// ApplyTransaction consumes one requested event. Business rejections and
// exhausted version-conflict retries are outcomes, not errors: they emit the
// matching event and consume the delivery. Only infrastructure failures
// return an error, which releases the gate and lets the queue redeliver.
func (e *Engine) ApplyTransaction(ctx context.Context, envelope *model.EventEnvelope) error {
	ctx, span := otel.Tracer("ledger.engine").Start(ctx, "ApplyTransaction")
	defer span.End()

	if envelope.Type != model.EventTransactionRequested {
		logrus.Warnf("ignoring event %s with unexpected type %s", envelope.EventID, envelope.Type)
		return nil
	}
	var payload model.TransactionRequestedPayload
	if err := envelope.UnmarshalPayload(&payload); err != nil {
		logrus.Errorf("event %s has undecodable payload: %v", envelope.EventID, err)
		return nil
	}

	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	first, err := e.gate.CheckAndInsert(ctx, envelope.EventID, time.Duration(conf.Idempotency.TTLSec)*time.Second)
	if err != nil {
		return err
	}
	if !first {
		logrus.Debugf("duplicate delivery of event %s absorbed", envelope.EventID)
		return nil
	}

	txn := &model.Transaction{
		TransactionID: payload.TransactionID,
		Source:        payload.SourceAccount,
		Destination:   payload.DestAccount,
		Amount:        payload.Amount,
		Currency:      payload.Currency,
	}

	applyErr := e.applyWithRetry(ctx, conf, txn)
	switch {
	case applyErr == nil:
		logrus.Infof("transaction %s posted", txn.TransactionID)
		return nil
	case errors.Is(applyErr, ErrDuplicatePosting):
		// An earlier delivery applied this posting, but this replay passed
		// the gate, which means the gate record from that delivery is gone
		// and its posted event may be gone with it. Re-announce the outcome
		// from the stored legs; the deterministic event id makes the
		// re-announcement the same logical event, absorbed wherever the
		// original already arrived. This is what makes the reconciliation
		// sweep a complete recovery path for transactions whose outcome was
		// lost downstream.
		logrus.Infof("posting for transaction %s already applied, re-announcing outcome", txn.TransactionID)
		return e.reannouncePosted(ctx, conf, envelope, txn.TransactionID)
	case errors.Is(applyErr, ErrVersionConflict):
		logrus.Warnf("transaction %s failed after %d conflicting attempts", txn.TransactionID, conf.Ledger.MaxApplyRetries)
		return e.emitOutcome(ctx, conf, envelope, txn.TransactionID, model.EventTransactionFailed, ReasonConflictRetriesExhausted)
	default:
		if reason, rejected := rejectionReason(applyErr); rejected {
			logrus.Infof("transaction %s rejected: %s", txn.TransactionID, reason)
			return e.emitOutcome(ctx, conf, envelope, txn.TransactionID, model.EventTransactionRejected, reason)
		}
		if releaseErr := e.gate.Release(ctx, envelope.EventID); releaseErr != nil {
			logrus.Errorf("failed to release idempotency gate for event %s: %v", envelope.EventID, releaseErr)
		}
		return applyErr
	}
}

// applyWithRetry recomputes and retries the posting on version conflicts,
// bounded by the configured attempt budget. Every retry reloads both accounts
// so the business rule is re-evaluated against fresh balances.
func (e *Engine) applyWithRetry(ctx context.Context, conf *config.Configuration, txn *model.Transaction) error {
	attempt := func() error {
		err := e.applyOnce(ctx, conf, txn)
		if errors.Is(err, ErrVersionConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond
	expo.MaxInterval = time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(conf.Ledger.MaxApplyRetries-1)), ctx)
	return backoff.Retry(attempt, policy)
}

func (e *Engine) applyOnce(ctx context.Context, conf *config.Configuration, txn *model.Transaction) error {
	source, err := e.loadAccount(ctx, txn.Source, txn.Currency)
	if err != nil {
		return err
	}
	destination, err := e.loadAccount(ctx, txn.Destination, txn.Currency)
	if err != nil {
		return err
	}

	debit, credit, err := model.BuildPosting(txn, source, destination, time.Now())
	if err != nil {
		return err
	}

	postedPayload := model.TransactionPostedPayload{
		TransactionID: txn.TransactionID,
		DebitEntry:    *debit,
		CreditEntry:   *credit,
		NewBalances: map[string]int64{
			source.AccountID:      source.Balance,
			destination.AccountID: destination.Balance,
		},
	}
	postedEnvelope, err := model.NewEnvelope(model.EventTransactionPosted, txn.TransactionID, postedPayload)
	if err != nil {
		return err
	}
	record, err := outbox.NewRecord(conf.Queue.TransactionPostedTopic, postedEnvelope)
	if err != nil {
		return err
	}
	return e.datasource.ApplyPosting(ctx, source, destination, debit, credit, record)
}

// loadAccount resolves an account reference. Named internal accounts are
// created on first use with overdraft enabled; user accounts must exist.
func (e *Engine) loadAccount(ctx context.Context, accountID, currency string) (*model.Account, error) {
	if model.IsIndicator(accountID) {
		return e.datasource.GetOrCreateIndicator(ctx, accountID, currency)
	}
	return e.datasource.GetAccount(ctx, accountID)
}

// reannouncePosted rebuilds the posted event for an already-applied posting
// from its persisted legs and enqueues it through the outbox.
func (e *Engine) reannouncePosted(ctx context.Context, conf *config.Configuration, requested *model.EventEnvelope, transactionID string) error {
	entries, err := e.datasource.GetEntriesForTransaction(ctx, transactionID)
	if err == nil && len(entries) != 2 {
		err = errors.Errorf("expected 2 ledger entries for transaction %s, found %d", transactionID, len(entries))
	}
	if err != nil {
		if releaseErr := e.gate.Release(ctx, requested.EventID); releaseErr != nil {
			logrus.Errorf("failed to release idempotency gate for event %s: %v", requested.EventID, releaseErr)
		}
		return err
	}
	debit, credit := entries[0], entries[1]

	postedEnvelope, err := model.NewEnvelope(model.EventTransactionPosted, transactionID, model.TransactionPostedPayload{
		TransactionID: transactionID,
		DebitEntry:    *debit,
		CreditEntry:   *credit,
		NewBalances: map[string]int64{
			debit.AccountID:  debit.BalanceAfter,
			credit.AccountID: credit.BalanceAfter,
		},
	})
	if err != nil {
		return err
	}
	record, err := outbox.NewRecord(conf.Queue.TransactionPostedTopic, postedEnvelope)
	if err != nil {
		return err
	}
	if err := e.datasource.EnqueueOutbox(ctx, record); err != nil {
		if releaseErr := e.gate.Release(ctx, requested.EventID); releaseErr != nil {
			logrus.Errorf("failed to release idempotency gate for event %s: %v", requested.EventID, releaseErr)
		}
		return err
	}
	return nil
}

// emitOutcome enqueues a rejected or failed event. On a store failure the
// gate is released so the redelivered request gets another chance to emit.
func (e *Engine) emitOutcome(ctx context.Context, conf *config.Configuration, requested *model.EventEnvelope, transactionID, eventType, reason string) error {
	outcome, err := model.NewEnvelope(eventType, transactionID, model.TransactionOutcomePayload{
		TransactionID: transactionID,
		Reason:        reason,
	})
	if err != nil {
		return err
	}

	topic := conf.Queue.TransactionRejectedTopic
	if eventType == model.EventTransactionFailed {
		topic = conf.Queue.TransactionFailedTopic
	}
	record, err := outbox.NewRecord(topic, outcome)
	if err != nil {
		return err
	}
	if err := e.datasource.EnqueueOutbox(ctx, record); err != nil {
		if releaseErr := e.gate.Release(ctx, requested.EventID); releaseErr != nil {
			logrus.Errorf("failed to release idempotency gate for event %s: %v", requested.EventID, releaseErr)
		}
		return err
	}
	return nil
}

func rejectionReason(err error) (string, bool) {
	switch {
	case errors.Is(err, model.ErrInsufficientFunds):
		return ReasonInsufficientFunds, true
	case errors.Is(err, model.ErrCurrencyMismatch):
		return ReasonCurrencyMismatch, true
	case errors.Is(err, model.ErrInvalidAmount):
		return ReasonInvalidAmount, true
	case errors.Is(err, ErrAccountNotFound):
		return ReasonAccountNotFound, true
	}
	return "", false
}

// CreateAccount provisions a user account.
func (e *Engine) CreateAccount(ctx context.Context, accountID, currency string, overdraft bool) (*model.Account, error) {
	ctx, span := otel.Tracer("ledger.engine").Start(ctx, "CreateAccount")
	defer span.End()

	if accountID == "" {
		accountID = model.GenerateUUIDWithSuffix("acc")
	}
	account := &model.Account{
		AccountID: accountID,
		Currency:  currency,
		Overdraft: overdraft,
		CreatedAt: time.Now(),
	}
	if err := e.datasource.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccount returns an account's current balance and version.
func (e *Engine) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return e.datasource.GetAccount(ctx, accountID)
}

// GetEntries lists an account's posting history, newest first.
func (e *Engine) GetEntries(ctx context.Context, accountID string, limit int) ([]*model.LedgerEntry, error) {
	return e.datasource.GetEntriesForAccount(ctx, accountID, limit)
}

// RegisterHandlers subscribes the engine to the requested topic.
func (e *Engine) RegisterHandlers(consumer *bus.Consumer, conf *config.Configuration) {
	consumer.Handle(conf.Queue.TransactionRequestedTopic, e.ApplyTransaction)
}
