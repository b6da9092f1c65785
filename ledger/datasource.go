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

package ledger

import (
	"context"
	"database/sql"
	"log"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/fundflowhq/fundflow/config"
	"github.com/fundflowhq/fundflow/model"
	"github.com/fundflowhq/fundflow/outbox"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")

	// ErrVersionConflict means another writer advanced an account between the
	// read and the conditional write. The posting is recomputed from fresh
	// balances and retried.
	ErrVersionConflict = errors.New("account version conflict")

	// ErrDuplicatePosting means this transaction's entries already exist. The
	// posting was applied by an earlier delivery whose gate record was lost.
	ErrDuplicatePosting = errors.New("posting already applied")
)

// Datasource is the ledger's private store. Balances and entries live only
// here; the orchestrator never reads them.
type Datasource struct {
	Conn   *sql.DB
	outbox *outbox.Store
}

// NewDatasource connects to the ledger's Postgres instance and ensures the
// schema exists.
func NewDatasource() (*Datasource, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	conn, err := sql.Open("postgres", conf.DataSource.LedgerDns)
	if err != nil {
		return nil, errors.Wrap(err, "error opening ledger database")
	}
	if err := conn.Ping(); err != nil {
		return nil, errors.Wrap(err, "error connecting to ledger database")
	}

	datasource := &Datasource{Conn: conn, outbox: outbox.NewStore(conn)}
	if err := datasource.createLedgerTables(); err != nil {
		log.Printf("Error creating ledger tables: %v", err)
		return nil, err
	}
	if err := outbox.CreateOutboxTable(conn); err != nil {
		log.Printf("Error creating outbox table: %v", err)
		return nil, err
	}
	return datasource, nil
}

func (d *Datasource) createLedgerTables() error {
	_, err := d.Conn.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			account_id TEXT PRIMARY KEY,
			currency TEXT NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			overdraft BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			side TEXT NOT NULL,
			account_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (transaction_id, side)
		)
	`)
	return err
}

// CreateAccount inserts a new account with a zero balance.
func (d *Datasource) CreateAccount(ctx context.Context, account *model.Account) error {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO accounts (account_id, currency, balance, version, overdraft, created_at)
		VALUES ($1, $2, $3, 0, $4, $5)
	`, account.AccountID, account.Currency, account.Balance, account.Overdraft, account.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAccountExists
		}
		return errors.Wrap(err, "failed to create account")
	}
	return nil
}

// GetAccount loads an account with the version its next write will be
// conditioned on.
func (d *Datasource) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT account_id, currency, balance, version, overdraft, created_at
		FROM accounts
		WHERE account_id = $1
	`, accountID)

	account := &model.Account{}
	err := row.Scan(&account.AccountID, &account.Currency, &account.Balance, &account.Version, &account.Overdraft, &account.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, errors.Wrap(err, "failed to get account")
	}
	return account, nil
}

// GetOrCreateIndicator resolves a named internal account such as "@world",
// creating it with overdraft enabled on first use. Losing the creation race
// to another worker is fine; the winner's row is loaded.
func (d *Datasource) GetOrCreateIndicator(ctx context.Context, accountID, currency string) (*model.Account, error) {
	account, err := d.GetAccount(ctx, accountID)
	if err == nil {
		return account, nil
	}
	if err != ErrAccountNotFound {
		return nil, err
	}

	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO accounts (account_id, currency, balance, version, overdraft, created_at)
		VALUES ($1, $2, 0, 0, TRUE, NOW())
		ON CONFLICT (account_id) DO NOTHING
	`, accountID, currency)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create indicator account")
	}
	_, _ = result.RowsAffected()
	return d.GetAccount(ctx, accountID)
}

// ApplyPosting persists both legs of a posting, the version-guarded balance
// writes, and the posted-event outbox record in one local transaction. The
// unique constraint on (transaction_id, side) turns a replay of an
// already-applied posting into ErrDuplicatePosting before any balance moves.
// Writes happen debit leg first, then credit leg.
func (d *Datasource) ApplyPosting(ctx context.Context, source, destination *model.Account, debit, credit *model.LedgerEntry, record *outbox.Record) error {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin posting transaction")
	}

	for _, entry := range []*model.LedgerEntry{debit, credit} {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (transaction_id, side, account_id, amount, balance_after, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, entry.TransactionID, entry.Side, entry.AccountID, entry.Amount, entry.BalanceAfter, entry.CreatedAt)
		if err != nil {
			_ = tx.Rollback()
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return ErrDuplicatePosting
			}
			return errors.Wrap(err, "failed to insert ledger entry")
		}
	}

	for _, account := range []*model.Account{source, destination} {
		result, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET balance = $2, version = version + 1
			WHERE account_id = $1 AND version = $3
		`, account.AccountID, account.Balance, account.Version)
		if err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "failed to update account balance")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "failed to read balance update result")
		}
		if affected == 0 {
			_ = tx.Rollback()
			return ErrVersionConflict
		}
	}

	if err := d.outbox.Insert(ctx, tx, record); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit posting")
}

// GetEntriesForAccount lists an account's entries, newest first.
func (d *Datasource) GetEntriesForAccount(ctx context.Context, accountID string, limit int) ([]*model.LedgerEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT transaction_id, side, account_id, amount, balance_after, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch ledger entries")
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []*model.LedgerEntry
	for rows.Next() {
		entry := &model.LedgerEntry{}
		if err := rows.Scan(&entry.TransactionID, &entry.Side, &entry.AccountID, &entry.Amount, &entry.BalanceAfter, &entry.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan ledger entry")
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetEntriesForTransaction returns the posting legs a transaction produced,
// debit first.
func (d *Datasource) GetEntriesForTransaction(ctx context.Context, transactionID string) ([]*model.LedgerEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT transaction_id, side, account_id, amount, balance_after, created_at
		FROM ledger_entries
		WHERE transaction_id = $1
		ORDER BY id ASC
	`, transactionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch ledger entries")
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []*model.LedgerEntry
	for rows.Next() {
		entry := &model.LedgerEntry{}
		if err := rows.Scan(&entry.TransactionID, &entry.Side, &entry.AccountID, &entry.Amount, &entry.BalanceAfter, &entry.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan ledger entry")
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// EnqueueOutbox writes a standalone outcome record for postings that never
// reach ApplyPosting (rejections and exhausted retries).
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
