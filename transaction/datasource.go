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
	"database/sql"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/fundflowhq/fundflow/config"
	"github.com/fundflowhq/fundflow/model"
	"github.com/fundflowhq/fundflow/outbox"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateTransaction surfaces a resubmission racing the original
	// insert. Callers resolve it by returning the stored transaction.
	ErrDuplicateTransaction = errors.New("transaction already exists")
)

// Datasource is the orchestrator's private store. Nothing outside this
// service reads or writes it; the rest of the system learns about
// transactions only through published events.
type Datasource struct {
	Conn   *sql.DB
	outbox *outbox.Store
}

// NewDatasource connects to the orchestrator's Postgres instance and ensures
// the schema exists.
func NewDatasource() (*Datasource, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	conn, err := sql.Open("postgres", conf.DataSource.TransactionDns)
	if err != nil {
		return nil, errors.Wrap(err, "error opening transaction database")
	}
	if err := conn.Ping(); err != nil {
		return nil, errors.Wrap(err, "error connecting to transaction database")
	}

	datasource := &Datasource{Conn: conn, outbox: outbox.NewStore(conn)}
	if err := datasource.createTransactionTable(); err != nil {
		log.Printf("Error creating transaction table: %v", err)
		return nil, err
	}
	if err := outbox.CreateOutboxTable(conn); err != nil {
		log.Printf("Error creating outbox table: %v", err)
		return nil, err
	}
	return datasource, nil
}

func (d *Datasource) createTransactionTable() error {
	_, err := d.Conn.Exec(`
		CREATE TABLE IF NOT EXISTS transactions (
			transaction_id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			destination TEXT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			finalized_at TIMESTAMP
		)
	`)
	return err
}

// RecordTransaction inserts the transaction row and its requested-event
// outbox record in one local transaction. Either both are durable or neither
// is; there is no state where a transaction exists but its announcement was
// lost.
func (d *Datasource) RecordTransaction(ctx context.Context, txn *model.Transaction, record *outbox.Record) error {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, source, destination, amount, currency, status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, txn.TransactionID, txn.Source, txn.Destination, txn.Amount, txn.Currency, txn.Status, txn.Reason, txn.CreatedAt)
	if err != nil {
		_ = tx.Rollback()
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateTransaction
		}
		return errors.Wrap(err, "failed to insert transaction")
	}

	if err := d.outbox.Insert(ctx, tx, record); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// GetTransactionByID retrieves a transaction by its id.
func (d *Datasource) GetTransactionByID(ctx context.Context, transactionID string) (*model.Transaction, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT transaction_id, source, destination, amount, currency, status, reason, created_at, finalized_at
		FROM transactions
		WHERE transaction_id = $1
	`, transactionID)

	txn := &model.Transaction{}
	var finalizedAt sql.NullTime
	err := row.Scan(&txn.TransactionID, &txn.Source, &txn.Destination, &txn.Amount, &txn.Currency, &txn.Status, &txn.Reason, &txn.CreatedAt, &finalizedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	if finalizedAt.Valid {
		txn.FinalizedAt = &finalizedAt.Time
	}
	return txn, nil
}

// FinalizeTransaction moves a PENDING transaction to its terminal status and
// enqueues the webhook dispatch record in the same local transaction. The
// status guard makes finalization first-outcome-wins: if the row is already
// terminal nothing changes and the webhook record is not written.
func (d *Datasource) FinalizeTransaction(ctx context.Context, transactionID, status, reason string, finalizedAt time.Time, webhookRecord *outbox.Record) (bool, error) {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin transaction")
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, reason = $3, finalized_at = $4
		WHERE transaction_id = $1 AND status = $5
	`, transactionID, status, reason, finalizedAt, model.StatusPending)
	if err != nil {
		_ = tx.Rollback()
		return false, errors.Wrap(err, "failed to finalize transaction")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return false, errors.Wrap(err, "failed to read finalize result")
	}
	if affected == 0 {
		_ = tx.Rollback()
		return false, nil
	}

	if err := d.outbox.Insert(ctx, tx, webhookRecord); err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit finalize")
	}
	return true, nil
}

// FetchStalePending returns PENDING transactions older than the cutoff,
// oldest first, for the reconciliation sweep.
func (d *Datasource) FetchStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT transaction_id, source, destination, amount, currency, status, reason, created_at, finalized_at
		FROM transactions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, model.StatusPending, olderThan, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch stale pending transactions")
	}
	defer func() {
		_ = rows.Close()
	}()

	var transactions []*model.Transaction
	for rows.Next() {
		txn := &model.Transaction{}
		var finalizedAt sql.NullTime
		if err := rows.Scan(&txn.TransactionID, &txn.Source, &txn.Destination, &txn.Amount, &txn.Currency, &txn.Status, &txn.Reason, &txn.CreatedAt, &finalizedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan stale pending transaction")
		}
		if finalizedAt.Valid {
			txn.FinalizedAt = &finalizedAt.Time
		}
		transactions = append(transactions, txn)
	}
	return transactions, rows.Err()
}

// EnqueueOutbox writes a standalone outbox record, used by the sweep to
// re-emit a requested event outside any business write.
func (d *Datasource) EnqueueOutbox(ctx context.Context, record *outbox.Record) error {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := d.outbox.Insert(ctx, tx, record); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit outbox record")
}

// OutboxStore exposes the datasource's outbox for the relay.
func (d *Datasource) OutboxStore() *outbox.Store {
	return d.outbox
}
