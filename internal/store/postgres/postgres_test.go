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

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leonie/brokerflow/internal/store"
	"github.com/leonie/brokerflow/internal/store/storetest"
)

// TestPostgresStore runs the shared store contract against a live database.
// It is skipped unless TEST_DATABASE_URL points at a disposable database.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	storetest.Run(t, func(t *testing.T) store.Store {
		if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS activity_log, classifications, messages, piece_records, piece_types, clients, brokers`); err != nil {
			t.Fatalf("reset schema: %v", err)
		}
		s, err := New(ctx, pool)
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		return s
	})
}

// TestMapUnique verifies non-Postgres errors pass through unchanged.
func TestMapUnique(t *testing.T) {
	if got := mapUnique(nil, store.ErrDuplicateHash); got != nil {
		t.Errorf("mapUnique(nil) = %v, want nil", got)
	}
	if got := mapUnique(context.Canceled, store.ErrDuplicateHash); got != context.Canceled {
		t.Errorf("mapUnique(context.Canceled) = %v, want context.Canceled", got)
	}
}
