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
	"encoding/json"
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

const (
	StatusPending  = "PENDING"
	StatusPosted   = "POSTED"
	StatusRejected = "REJECTED"
	StatusFailed   = "FAILED"
)

// Transaction is the orchestrator's record of a money movement. Amounts are
// integer minor currency units; floats never enter the money path.
type Transaction struct {
	TransactionID string     `json:"transaction_id"`
	Source        string     `json:"source"`
	Destination   string     `json:"destination"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	Reason        string     `json:"reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	FinalizedAt   *time.Time `json:"finalized_at,omitempty"`
}

func (transaction *Transaction) ToJSON() ([]byte, error) {
	return json.Marshal(transaction)
}

// Validate enforces the synchronous submission rules. A transaction that fails
// here is rejected to the caller with no state written.
func (transaction *Transaction) Validate() error {
	err := validation.ValidateStruct(transaction,
		validation.Field(&transaction.Source, validation.Required),
		validation.Field(&transaction.Destination, validation.Required),
		validation.Field(&transaction.Amount, validation.Required, validation.Min(int64(1)).Error("must be a positive amount in minor units")),
		validation.Field(&transaction.Currency, validation.Required, is.CurrencyCode),
	)
	if err != nil {
		return err
	}
	if transaction.Source == transaction.Destination {
		return errors.New("source and destination must be different accounts")
	}
	return nil
}

// IsTerminal reports whether the transaction has reached a state from which no
// further transition occurs.
func (transaction *Transaction) IsTerminal() bool {
	switch transaction.Status {
	case StatusPosted, StatusRejected, StatusFailed:
		return true
	}
	return false
}
