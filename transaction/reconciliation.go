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

package transaction

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fundflowhq/fundflow/config"
	redlock "github.com/fundflowhq/fundflow/internal/lock"
	"github.com/fundflowhq/fundflow/internal/notification"
	"github.com/fundflowhq/fundflow/model"
	"github.com/fundflowhq/fundflow/outbox"
)

const reconciliationLockKey = "fundflow:reconciliation-sweep"

// ReconcilePending re-emits the requested event for transactions stuck in
// PENDING past the deadline. The event id is deterministic per transaction,
// so a re-emission is the same logical event as the original and consumers
// that already processed it absorb it as a duplicate. The sweep runs
// single-flight across orchestrator instances behind a Redis lock.
func (o *Orchestrator) ReconcilePending(ctx context.Context) (int, error) {
	conf, err := config.Fetch()
	if err != nil {
		return 0, err
	}

	locker := redlock.NewLocker(o.redis, reconciliationLockKey)
	deadline := time.Duration(conf.Reconciliation.PendingDeadlineSec) * time.Second
	if err := locker.Lock(ctx, deadline); err != nil {
		logrus.Debugf("reconciliation sweep already running elsewhere: %v", err)
		return 0, nil
	}
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			logrus.Warnf("failed to release reconciliation lock: %v", err)
		}
	}()

	cutoff := time.Now().Add(-deadline)
	stale, err := o.datasource.FetchStalePending(ctx, cutoff, conf.Reconciliation.SweepBatchSize)
	if err != nil {
		return 0, err
	}

	reemitted := 0
	for _, txn := range stale {
		envelope, err := model.NewEnvelope(model.EventTransactionRequested, txn.TransactionID, model.TransactionRequestedPayload{
			TransactionID: txn.TransactionID,
			SourceAccount: txn.Source,
			DestAccount:   txn.Destination,
			Amount:        txn.Amount,
			Currency:      txn.Currency,
		})
		if err != nil {
			return reemitted, err
		}
		record, err := outbox.NewRecord(conf.Queue.TransactionRequestedTopic, envelope)
		if err != nil {
			return reemitted, err
		}
		if err := o.datasource.EnqueueOutbox(ctx, record); err != nil {
			return reemitted, err
		}
		logrus.Infof("re-emitted requested event for stale transaction %s (pending since %s)", txn.TransactionID, txn.CreatedAt.Format(time.RFC3339))
		reemitted++
	}
	return reemitted, nil
}

// StartReconciliation runs the sweep on the configured interval until ctx is
// cancelled.
func (o *Orchestrator) StartReconciliation(ctx context.Context) {
	conf, err := config.Fetch()
	if err != nil {
		notification.NotifyError(err)
		return
	}

	ticker := time.NewTicker(time.Duration(conf.Reconciliation.SweepIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ReconcilePending(ctx); err != nil {
				notification.NotifyError(err)
			}
		}
	}
}
