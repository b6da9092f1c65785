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

// Package outbox implements the transactional outbox both services announce
// through. A record is written in the same local database transaction as the
// business rows it announces; the relay publishes it afterwards and marks it
// published only once the bus acknowledges. A crash between commit and
// publish therefore delays the announcement but never loses it.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/fundflowhq/fundflow/model"
)

// Record is one pending announcement. Records are relayed in id order.
type Record struct {
	ID           int64           `json:"id"`
	EventID      string          `json:"event_id"`
	Topic        string          `json:"topic"`
	PartitionKey string          `json:"partition_key"`
	Payload      json.RawMessage `json:"payload"`
	Published    bool            `json:"published"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NewRecord wraps an envelope for the outbox. The partition key is the
// transaction id, so every event of a transaction rides the same partition.
func NewRecord(topic string, envelope *model.EventEnvelope) (*Record, error) {
	payload, err := envelope.ToJSON()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event payload")
	}
	return &Record{
		EventID:      envelope.EventID,
		Topic:        topic,
		PartitionKey: envelope.TransactionID,
		Payload:      payload,
		CreatedAt:    time.Now(),
	}, nil
}

// Envelope decodes the record's payload back into an event envelope.
func (r *Record) Envelope() (*model.EventEnvelope, error) {
	var envelope model.EventEnvelope
	if err := json.Unmarshal(r.Payload, &envelope); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal outbox payload")
	}
	return &envelope, nil
}

// Store persists outbox records in the owning service's database. Both
// services instantiate it against their own *sql.DB; the table shape is
// identical on purpose.
type Store struct {
	conn *sql.DB
}

func NewStore(conn *sql.DB) *Store {
	return &Store{conn: conn}
}

// CreateOutboxTable creates the outbox table for a service's store.
func CreateOutboxTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			payload JSONB NOT NULL,
			published BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// Insert writes a record inside the caller's transaction. This is the half of
// the outbox contract that makes "commit the fact" and "announce the fact"
// one atomic unit.
func (s *Store) Insert(ctx context.Context, tx *sql.Tx, record *Record) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (event_id, topic, partition_key, payload, published, created_at) VALUES ($1, $2, $3, $4, FALSE, $5)`,
		record.EventID, record.Topic, record.PartitionKey, record.Payload, record.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert outbox record")
	}
	return nil
}

// FetchUnpublished returns up to limit unpublished records in creation order.
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, event_id, topic, partition_key, payload, published, created_at
		FROM outbox
		WHERE published = FALSE
		ORDER BY id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch unpublished outbox records")
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []*Record
	for rows.Next() {
		record := &Record{}
		if err := rows.Scan(&record.ID, &record.EventID, &record.Topic, &record.PartitionKey, &record.Payload, &record.Published, &record.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan outbox record")
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// MarkPublished flips the published flag. Called only after a positive
// acknowledgment from the bus.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.conn.ExecContext(ctx, `UPDATE outbox SET published = TRUE WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "failed to mark outbox record published")
	}
	return nil
}
