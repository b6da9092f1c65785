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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateEventIDIsDeterministic(t *testing.T) {
	first := GenerateEventID("txn_1", EventTransactionRequested)
	second := GenerateEventID("txn_1", EventTransactionRequested)
	assert.Equal(t, first, second)

	assert.NotEqual(t, first, GenerateEventID("txn_2", EventTransactionRequested))
	assert.NotEqual(t, first, GenerateEventID("txn_1", EventTransactionPosted))
	assert.Contains(t, first, "evt_")
}

func TestNewEnvelopeRoundTrip(t *testing.T) {
	payload := TransactionRequestedPayload{
		TransactionID: "txn_1",
		SourceAccount: "acc_a",
		DestAccount:   "acc_b",
		Amount:        40,
		Currency:      "USD",
	}

	envelope, err := NewEnvelope(EventTransactionRequested, "txn_1", payload)
	assert.NoError(t, err)
	assert.Equal(t, GenerateEventID("txn_1", EventTransactionRequested), envelope.EventID)
	assert.Equal(t, "txn_1", envelope.TransactionID)

	raw, err := envelope.ToJSON()
	assert.NoError(t, err)

	var decoded EventEnvelope
	assert.NoError(t, json.Unmarshal(raw, &decoded))

	var got TransactionRequestedPayload
	assert.NoError(t, decoded.UnmarshalPayload(&got))
	assert.Equal(t, payload, got)
}

func TestStatusForOutcome(t *testing.T) {
	status, ok := StatusForOutcome(EventTransactionPosted)
	assert.True(t, ok)
	assert.Equal(t, StatusPosted, status)

	status, ok = StatusForOutcome(EventTransactionRejected)
	assert.True(t, ok)
	assert.Equal(t, StatusRejected, status)

	status, ok = StatusForOutcome(EventTransactionFailed)
	assert.True(t, ok)
	assert.Equal(t, StatusFailed, status)

	_, ok = StatusForOutcome(EventTransactionRequested)
	assert.False(t, ok)
}
