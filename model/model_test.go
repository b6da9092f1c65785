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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateUUIDWithSuffix(t *testing.T) {
	module := "txn"
	id := GenerateUUIDWithSuffix(module)
	assert.Contains(t, id, module+"_")
}

func TestTransactionValidate(t *testing.T) {
	txn := &Transaction{
		TransactionID: GenerateUUIDWithSuffix("txn"),
		Source:        "acc_source",
		Destination:   "acc_dest",
		Amount:        100,
		Currency:      "USD",
	}
	assert.NoError(t, txn.Validate())

	zeroAmount := *txn
	zeroAmount.Amount = 0
	assert.Error(t, zeroAmount.Validate())

	negativeAmount := *txn
	negativeAmount.Amount = -50
	assert.Error(t, negativeAmount.Validate())

	badCurrency := *txn
	badCurrency.Currency = "dollars"
	assert.Error(t, badCurrency.Validate())

	missingSource := *txn
	missingSource.Source = ""
	assert.Error(t, missingSource.Validate())

	selfTransfer := *txn
	selfTransfer.Destination = selfTransfer.Source
	assert.Error(t, selfTransfer.Validate())
}

func TestTransactionIsTerminal(t *testing.T) {
	txn := &Transaction{Status: StatusPending}
	assert.False(t, txn.IsTerminal())

	for _, status := range []string{StatusPosted, StatusRejected, StatusFailed} {
		txn.Status = status
		assert.True(t, txn.IsTerminal(), status)
	}
}

func TestBuildPosting(t *testing.T) {
	now := time.Now()
	txn := &Transaction{TransactionID: "txn_1", Amount: 40, Currency: "USD"}
	source := &Account{AccountID: "acc_a", Currency: "USD", Balance: 100, Version: 3}
	destination := &Account{AccountID: "acc_b", Currency: "USD", Balance: 0, Version: 1}

	debit, credit, err := BuildPosting(txn, source, destination, now)
	assert.NoError(t, err)

	assert.Equal(t, int64(60), source.Balance)
	assert.Equal(t, int64(40), destination.Balance)

	assert.Equal(t, EntrySideDebit, debit.Side)
	assert.Equal(t, int64(-40), debit.Amount)
	assert.Equal(t, int64(60), debit.BalanceAfter)
	assert.Equal(t, EntrySideCredit, credit.Side)
	assert.Equal(t, int64(40), credit.Amount)
	assert.Equal(t, int64(40), credit.BalanceAfter)

	// the two legs of a posting always sum to zero
	assert.Equal(t, int64(0), debit.Amount+credit.Amount)
}

func TestBuildPostingInsufficientFunds(t *testing.T) {
	txn := &Transaction{TransactionID: "txn_1", Amount: 40, Currency: "USD"}
	source := &Account{AccountID: "acc_a", Currency: "USD", Balance: 10}
	destination := &Account{AccountID: "acc_b", Currency: "USD", Balance: 0}

	_, _, err := BuildPosting(txn, source, destination, time.Now())
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// balances are untouched on rejection
	assert.Equal(t, int64(10), source.Balance)
	assert.Equal(t, int64(0), destination.Balance)
}

func TestBuildPostingOverdraftAccount(t *testing.T) {
	txn := &Transaction{TransactionID: "txn_1", Amount: 500, Currency: "USD"}
	world := &Account{AccountID: "@world", Currency: "USD", Balance: 0, Overdraft: true}
	destination := &Account{AccountID: "acc_b", Currency: "USD", Balance: 0}

	debit, _, err := BuildPosting(txn, world, destination, time.Now())
	assert.NoError(t, err)
	assert.Equal(t, int64(-500), world.Balance)
	assert.Equal(t, int64(-500), debit.BalanceAfter)
}

func TestBuildPostingCurrencyMismatch(t *testing.T) {
	txn := &Transaction{TransactionID: "txn_1", Amount: 40, Currency: "EUR"}
	source := &Account{AccountID: "acc_a", Currency: "USD", Balance: 100}
	destination := &Account{AccountID: "acc_b", Currency: "USD", Balance: 0}

	_, _, err := BuildPosting(txn, source, destination, time.Now())
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestIsIndicator(t *testing.T) {
	assert.True(t, IsIndicator("@world"))
	assert.False(t, IsIndicator("acc_123"))
}
