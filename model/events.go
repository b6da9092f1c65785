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
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventTransactionRequested = "transaction.requested"
	EventTransactionPosted    = "transaction.posted"
	EventTransactionRejected  = "transaction.rejected"
	EventTransactionFailed    = "transaction.failed"
)

// EventEnvelope is the wire format for everything that crosses the bus.
// Consumers deduplicate on EventID and partition on TransactionID.
type EventEnvelope struct {
	EventID       string          `json:"event_id"`
	TransactionID string          `json:"transaction_id"`
	Type          string          `json:"type"`
	CreatedAt     time.Time       `json:"created_at"`
	Data          json.RawMessage `json:"data"`
}

type TransactionRequestedPayload struct {
	TransactionID string `json:"transaction_id"`
	SourceAccount string `json:"source_account"`
	DestAccount   string `json:"dest_account"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
}

type TransactionPostedPayload struct {
	TransactionID string           `json:"transaction_id"`
	DebitEntry    LedgerEntry      `json:"debit_entry"`
	CreditEntry   LedgerEntry      `json:"credit_entry"`
	NewBalances   map[string]int64 `json:"new_balances"`
}

// TransactionOutcomePayload covers the rejected and failed outcomes, which
// carry only a reason.
type TransactionOutcomePayload struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

// GenerateEventID derives the event id from the transaction id and event type
// (UUIDv5). An event re-emitted by the reconciliation sweep therefore shares
// the identity of the original emission, and the consumer's idempotency gate
// treats both as one logical event.
func GenerateEventID(transactionID, eventType string) string {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("fundflow://%s/%s", eventType, transactionID)))
	return fmt.Sprintf("evt_%s", id.String())
}

// NewEnvelope wraps a payload for publication. The envelope's event id is
// deterministic per (transaction id, event type).
func NewEnvelope(eventType, transactionID string, payload interface{}) (*EventEnvelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &EventEnvelope{
		EventID:       GenerateEventID(transactionID, eventType),
		TransactionID: transactionID,
		Type:          eventType,
		CreatedAt:     time.Now(),
		Data:          data,
	}, nil
}

func (e *EventEnvelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalPayload decodes the envelope body into the payload type matching
// the envelope's event type.
func (e *EventEnvelope) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// StatusForOutcome maps an outcome event type to the terminal transaction
// status it finalizes. The second return is false for non-outcome events.
func StatusForOutcome(eventType string) (string, bool) {
	switch eventType {
	case EventTransactionPosted:
		return StatusPosted, true
	case EventTransactionRejected:
		return StatusRejected, true
	case EventTransactionFailed:
		return StatusFailed, true
	}
	return "", false
}
