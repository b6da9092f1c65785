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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/fundflowhq/fundflow/bus"
	"github.com/fundflowhq/fundflow/internal/notification"
)

// Relay drains unpublished outbox records onto the bus. Publishing is
// at-least-once: a record may be published and then fail to be marked, in
// which case the next pass re-publishes it and the consumers' idempotency
// gates absorb the duplicate.
type Relay struct {
	store     *Store
	publisher bus.Publisher
	interval  time.Duration
	batchSize int
}

func NewRelay(store *Store, publisher bus.Publisher, interval time.Duration, batchSize int) *Relay {
	return &Relay{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Start runs the relay loop until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RelayPending(ctx); err != nil {
				notification.NotifyError(err)
			}
		}
	}
}

// RelayPending performs one relay pass and returns how many records it
// published. A record that cannot be published stays unpublished and blocks
// the ones behind it on the same pass, preserving per-transaction order.
func (r *Relay) RelayPending(ctx context.Context) (int, error) {
	records, err := r.store.FetchUnpublished(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, record := range records {
		envelope, err := record.Envelope()
		if err != nil {
			// Undecodable rows cannot be retried into health; mark them so
			// they stop wedging the queue.
			logrus.Errorf("outbox record %d has invalid payload, skipping: %v", record.ID, err)
			if markErr := r.store.MarkPublished(ctx, record.ID); markErr != nil {
				return published, markErr
			}
			continue
		}

		publish := func() error {
			return r.publisher.Publish(ctx, record.Topic, record.PartitionKey, envelope)
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		if err := backoff.Retry(publish, policy); err != nil {
			logrus.Errorf("failed to publish outbox record %d: %v", record.ID, err)
			return published, err
		}
		if err := r.store.MarkPublished(ctx, record.ID); err != nil {
			// Already published; the duplicate on the next pass is absorbed
			// downstream.
			return published, err
		}
		published++
	}
	return published, nil
}
