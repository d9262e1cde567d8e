// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dedup tracks which mailbox message ids have already been handed
// to the job queue, using Redis keys with a TTL. It lets the poller skip
// messages whose "seen" flag could not be written back to the mailbox.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long we remember an enqueued message id. Messages
	// still unread after this long are re-enqueued; the router's own
	// per-message ledger makes that harmless.
	DefaultTTL = 30 * 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "brokerflow:seen:"
)

// Filter tracks which message ids have already been enqueued.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// Seen reports whether the id was already marked. It does not mark it:
// marking must wait until the message is durably enqueued.
func (f *Filter) Seen(ctx context.Context, id string) (bool, error) {
	n, err := f.rdb.Exists(ctx, keyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("dedup EXISTS: %w", err)
	}
	return n > 0, nil
}

// Mark records the id as enqueued.
func (f *Filter) Mark(ctx context.Context, id string) error {
	if err := f.rdb.Set(ctx, keyPrefix+id, 1, f.ttl).Err(); err != nil {
		return fmt.Errorf("dedup SET: %w", err)
	}
	return nil
}

// IsNew marks the id and reports whether this call was the one that
// marked it. Concurrent callers for the same id see exactly one true.
func (f *Filter) IsNew(ctx context.Context, id string) (bool, error) {
	ok, err := f.rdb.SetNX(ctx, keyPrefix+id, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return ok, nil
}

// Forget removes an id, e.g. when an operator asks for a replay.
func (f *Filter) Forget(ctx context.Context, id string) error {
	if err := f.rdb.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
