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

package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/fundflowhq/fundflow/model"
)

type recordingPublisher struct {
	published []*model.EventEnvelope
	failUntil int
	calls     int
}

func (p *recordingPublisher) Publish(_ context.Context, _, _ string, envelope *model.EventEnvelope) error {
	p.calls++
	if p.calls <= p.failUntil {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, envelope)
	return nil
}

func requestedEnvelope(t *testing.T) *model.EventEnvelope {
	t.Helper()
	envelope, err := model.NewEnvelope(model.EventTransactionRequested, "txn_1", model.TransactionRequestedPayload{
		TransactionID: "txn_1",
		SourceAccount: "acc_a",
		DestAccount:   "acc_b",
		Amount:        40,
		Currency:      "USD",
	})
	assert.NoError(t, err)
	return envelope
}

func TestInsertWritesWithinCallerTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	record, err := NewRecord("transaction_requested", requestedEnvelope(t))
	assert.NoError(t, err)
	assert.Equal(t, "txn_1", record.PartitionKey)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(record.EventID, record.Topic, record.PartitionKey, []byte(record.Payload), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := db.Begin()
	assert.NoError(t, err)
	assert.NoError(t, NewStore(db).Insert(context.Background(), tx, record))
	assert.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchUnpublishedReturnsOldestFirst(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	envelope := requestedEnvelope(t)
	payload, err := envelope.ToJSON()
	assert.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "event_id", "topic", "partition_key", "payload", "published", "created_at"}).
		AddRow(int64(7), envelope.EventID, "transaction_requested", "txn_1", payload, false, time.Now()).
		AddRow(int64(9), envelope.EventID, "transaction_requested", "txn_1", payload, false, time.Now())
	mock.ExpectQuery("SELECT id, event_id, topic, partition_key, payload, published, created_at").
		WithArgs(200).
		WillReturnRows(rows)

	records, err := NewStore(db).FetchUnpublished(context.Background(), 200)
	assert.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, int64(7), records[0].ID)
	assert.Equal(t, int64(9), records[1].ID)

	decoded, err := records[0].Envelope()
	assert.NoError(t, err)
	assert.Equal(t, model.EventTransactionRequested, decoded.Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelayPendingPublishesThenMarks(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	envelope := requestedEnvelope(t)
	payload, err := envelope.ToJSON()
	assert.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "event_id", "topic", "partition_key", "payload", "published", "created_at"}).
		AddRow(int64(1), envelope.EventID, "transaction_requested", "txn_1", payload, false, time.Now())
	mock.ExpectQuery("SELECT id, event_id, topic").WithArgs(200).WillReturnRows(rows)
	mock.ExpectExec("UPDATE outbox SET published = TRUE").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	publisher := &recordingPublisher{}
	relay := NewRelay(NewStore(db), publisher, time.Second, 200)

	published, err := relay.RelayPending(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Len(t, publisher.published, 1)
	assert.Equal(t, envelope.EventID, publisher.published[0].EventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelayPendingLeavesRecordOnPublishFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	envelope := requestedEnvelope(t)
	payload, err := envelope.ToJSON()
	assert.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "event_id", "topic", "partition_key", "payload", "published", "created_at"}).
		AddRow(int64(1), envelope.EventID, "transaction_requested", "txn_1", payload, false, time.Now())
	mock.ExpectQuery("SELECT id, event_id, topic").WithArgs(200).WillReturnRows(rows)

	publisher := &recordingPublisher{failUntil: 10}
	relay := NewRelay(NewStore(db), publisher, time.Second, 200)

	published, err := relay.RelayPending(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, published)
	// No UPDATE was expected; the record stays unpublished for the next pass.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelayPendingRetriesTransientPublishErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	envelope := requestedEnvelope(t)
	payload, err := envelope.ToJSON()
	assert.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "event_id", "topic", "partition_key", "payload", "published", "created_at"}).
		AddRow(int64(4), envelope.EventID, "transaction_requested", "txn_1", payload, false, time.Now())
	mock.ExpectQuery("SELECT id, event_id, topic").WithArgs(200).WillReturnRows(rows)
	mock.ExpectExec("UPDATE outbox SET published = TRUE").
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	publisher := &recordingPublisher{failUntil: 2}
	relay := NewRelay(NewStore(db), publisher, time.Second, 200)

	published, err := relay.RelayPending(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Len(t, publisher.published, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
