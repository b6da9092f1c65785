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

package model

import (
	"errors"
	"strings"
	"time"
)

const (
	EntrySideDebit  = "DEBIT"
	EntrySideCredit = "CREDIT"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrCurrencyMismatch  = errors.New("currency mismatch")
	ErrInvalidAmount     = errors.New("transaction amount must be positive")
)

// Account is the ledger's balance row. Version backs the optimistic concurrency
// check: every balance write is conditioned on the version loaded with it.
// Overdraft accounts ("@" indicators such as @world) may go negative; user
// accounts never do.
type Account struct {
	AccountID string    `json:"account_id"`
	Currency  string    `json:"currency"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	Overdraft bool      `json:"overdraft"`
	CreatedAt time.Time `json:"created_at"`
}

// LedgerEntry is one leg of a double-entry posting. Amount is signed: negative
// for the debit leg, positive for the credit leg, so the legs of a posting sum
// to exactly zero. Entries are immutable once written.
type LedgerEntry struct {
	TransactionID string    `json:"transaction_id"`
	Side          string    `json:"side"`
	AccountID     string    `json:"account_id"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balance_after"`
	CreatedAt     time.Time `json:"created_at"`
}

// IsIndicator reports whether an account reference is a named internal account
// (e.g. "@world") that the ledger creates on first use with overdraft enabled.
func IsIndicator(accountID string) bool {
	return strings.HasPrefix(accountID, "@")
}

// BuildPosting evaluates the business rule for a transfer and, if it passes,
// computes the debit and credit entries and applies them to the in-memory
// balances. Callers persist the result under the accounts' version checks.
// The debit leg always comes first.
func BuildPosting(transaction *Transaction, source, destination *Account, now time.Time) (debit, credit *LedgerEntry, err error) {
	if transaction.Amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if source.Currency != transaction.Currency || destination.Currency != transaction.Currency {
		return nil, nil, ErrCurrencyMismatch
	}
	if !source.Overdraft && source.Balance-transaction.Amount < 0 {
		return nil, nil, ErrInsufficientFunds
	}

	source.Balance -= transaction.Amount
	destination.Balance += transaction.Amount

	debit = &LedgerEntry{
		TransactionID: transaction.TransactionID,
		Side:          EntrySideDebit,
		AccountID:     source.AccountID,
		Amount:        -transaction.Amount,
		BalanceAfter:  source.Balance,
		CreatedAt:     now,
	}
	credit = &LedgerEntry{
		TransactionID: transaction.TransactionID,
		Side:          EntrySideCredit,
		AccountID:     destination.AccountID,
		Amount:        transaction.Amount,
		BalanceAfter:  destination.Balance,
		CreatedAt:     now,
	}
	return debit, credit, nil
}
