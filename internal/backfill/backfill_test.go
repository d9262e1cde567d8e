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

package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonie/brokerflow/internal/dedup"
	"github.com/leonie/brokerflow/internal/models"
)

type fakeSource struct {
	msgs    []models.Message
	err     error
	queries []string
}

func (f *fakeSource) FetchQuery(_ context.Context, query string, _ int64) ([]models.Message, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.msgs, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	ids  []string
	fail map[string]bool
}

func (q *fakeQueue) Enqueue(_ context.Context, msg *models.Message) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail[msg.ID] {
		return "", errors.New("xadd: connection refused")
	}
	q.ids = append(q.ids, msg.ID)
	return "1-0", nil
}

func newLedger(t *testing.T) *dedup.Filter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return dedup.NewFilter(rdb)
}

func messages(ids ...string) []models.Message {
	out := make([]models.Message, len(ids))
	for i, id := range ids {
		out[i] = models.Message{ID: id, Subject: "Dossier " + id}
	}
	return out
}

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newRunner(src Source, q Enqueuer, l Ledger) *Runner {
	return NewRunner(RunnerConfig{
		Source: src,
		Queue:  q,
		Ledger: l,
		Now:    func() time.Time { return fixedNow },
	})
}

// TestRun_EnqueuesNewMessages verifies every unseen message is enqueued once
// and recorded in the ledger.
func TestRun_EnqueuesNewMessages(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{msgs: messages("m1", "m2", "m3")}
	q := &fakeQueue{}
	ledger := newLedger(t)

	res, err := newRunner(src, q, ledger).Run(ctx, Request{Since: 48 * time.Hour, Query: "from:agence@example.com"})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 3, res.Enqueued)
	assert.Zero(t, res.Skipped)
	assert.Equal(t, []string{"m1", "m2", "m3"}, q.ids)

	wantQuery := "after:1772971200 from:agence@example.com"
	assert.Equal(t, wantQuery, res.Query)
	assert.Equal(t, []string{wantQuery}, src.queries)

	seen, err := ledger.Seen(ctx, "m2")
	require.NoError(t, err)
	assert.True(t, seen)
}

// TestRun_ReplayIsIdempotent verifies a second replay over the same window
// enqueues nothing.
func TestRun_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{msgs: messages("m1", "m2")}
	q := &fakeQueue{}
	r := newRunner(src, q, newLedger(t))

	_, err := r.Run(ctx, Request{Since: time.Hour})
	require.NoError(t, err)

	res, err := r.Run(ctx, Request{Since: time.Hour})
	require.NoError(t, err)
	assert.Zero(t, res.Enqueued)
	assert.Equal(t, 2, res.Skipped)
	assert.Len(t, q.ids, 2)
}

// TestRun_EnqueueFailureReleasesLedger verifies a message whose enqueue
// failed is retried by the next replay.
func TestRun_EnqueueFailureReleasesLedger(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{msgs: messages("m1", "m2")}
	q := &fakeQueue{fail: map[string]bool{"m2": true}}
	r := newRunner(src, q, newLedger(t))

	res, err := r.Run(ctx, Request{Since: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 1, res.Errors)

	q.fail = nil
	res, err = r.Run(ctx, Request{Since: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{"m1", "m2"}, q.ids)
}

// TestRun_DryRun verifies a dry run touches neither the queue nor the ledger.
func TestRun_DryRun(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{msgs: messages("m1", "m2")}
	q := &fakeQueue{}
	ledger := newLedger(t)

	res, err := newRunner(src, q, ledger).Run(ctx, Request{Since: time.Hour, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, res.IDs)
	assert.Empty(t, q.ids)

	seen, err := ledger.Seen(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, seen)
}

// TestRun_FetchError verifies a mailbox failure aborts the replay.
func TestRun_FetchError(t *testing.T) {
	src := &fakeSource{err: errors.New("gmail: 503")}
	_, err := newRunner(src, &fakeQueue{}, newLedger(t)).Run(context.Background(), Request{Since: time.Hour})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gmail: 503")
}

// TestRun_RequiresWindow verifies a zero window is rejected.
func TestRun_RequiresWindow(t *testing.T) {
	_, err := newRunner(&fakeSource{}, &fakeQueue{}, newLedger(t)).Run(context.Background(), Request{})
	require.Error(t, err)
}

// TestBuildQuery verifies the Gmail search syntax.
func TestBuildQuery(t *testing.T) {
	since := time.Unix(1700000000, 0)
	assert.Equal(t, "after:1700000000", BuildQuery(since, ""))
	assert.Equal(t, "after:1700000000 has:attachment", BuildQuery(since, "  has:attachment "))
}
