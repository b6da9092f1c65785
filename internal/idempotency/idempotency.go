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

// Package idempotency implements the check-and-insert gate that makes
// at-least-once delivery safe. An event id already present in the store is
// never reprocessed; presence-check and insert are one atomic operation
// (Redis SET NX), so concurrent workers racing on the same redelivered event
// admit exactly one of themselves.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the consumer-side deduplication contract.
type Store interface {
	// CheckAndInsert atomically records the event id and reports whether this
	// call was the first to do so. false means duplicate delivery: acknowledge
	// and move on without reprocessing.
	CheckAndInsert(ctx context.Context, eventID string, ttl time.Duration) (bool, error)

	// Release removes a previously inserted event id so a later redelivery can
	// be admitted again. Used when the side effect behind the gate failed and
	// must be retried.
	Release(ctx context.Context, eventID string) error
}

// RedisStore backs the gate with Redis. Keys carry a TTL so the store does not
// grow without bound; the TTL is sized to outlive the reconciliation deadline.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a gate for one consumer. The prefix keeps the gates of
// different services (orchestrator, ledger, notifier) independent even when
// they share a Redis instance.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(eventID string) string {
	return fmt.Sprintf("%s:processed:%s", s.prefix, eventID)
}

func (s *RedisStore) CheckAndInsert(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	inserted, err := s.client.SetNX(ctx, s.key(eventID), time.Now().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *RedisStore) Release(ctx context.Context, eventID string) error {
	return s.client.Del(ctx, s.key(eventID)).Err()
}
