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

// Package backfill replays historical mail through the job queue. Messages
// already recorded in the dedup ledger are skipped, so a replay over a
// window the poller has covered is a no-op.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/leonie/brokerflow/internal/models"
)

// Source lists mailbox messages matching a search query.
type Source interface {
	FetchQuery(ctx context.Context, query string, max int64) ([]models.Message, error)
}

// Enqueuer hands a message to the durable job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *models.Message) (string, error)
}

// Ledger is the dedup ledger shared with the poller.
type Ledger interface {
	IsNew(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// Request describes a replay window.
type Request struct {
	Since time.Duration
	Query string // extra mailbox search terms, e.g. "from:agence@example.com"
	Max   int64
	// DryRun lists what would be enqueued without touching the queue or
	// the ledger.
	DryRun bool
}

// Result summarises a replay.
type Result struct {
	Query    string        `json:"query"`
	Fetched  int           `json:"fetched"`
	Enqueued int           `json:"enqueued"`
	Skipped  int           `json:"skipped"`
	Errors   int           `json:"errors"`
	IDs      []string      `json:"ids,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Source Source
	Queue  Enqueuer
	Ledger Ledger
	Now    func() time.Time
}

// Runner executes replays.
type Runner struct {
	cfg RunnerConfig
}

// NewRunner creates a replay runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{cfg: cfg}
}

// Run fetches every message in the window and enqueues the ones the ledger
// has not seen. A failed enqueue releases the ledger entry so a later
// replay picks the message up again.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Since <= 0 {
		return nil, errors.New("backfill: since must be positive")
	}
	if req.Max <= 0 {
		req.Max = 500
	}

	start := r.cfg.Now()
	query := BuildQuery(start.Add(-req.Since), req.Query)
	result := &Result{Query: query}

	slog.Info("backfill started", "query", query, "max", req.Max, "dry_run", req.DryRun)

	msgs, err := r.cfg.Source.FetchQuery(ctx, query, req.Max)
	if err != nil {
		return nil, fmt.Errorf("backfill: fetch: %w", err)
	}
	result.Fetched = len(msgs)

	for i := range msgs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		msg := &msgs[i]

		if req.DryRun {
			result.IDs = append(result.IDs, msg.ID)
			continue
		}

		isNew, err := r.cfg.Ledger.IsNew(ctx, msg.ID)
		if err != nil {
			slog.Warn("backfill dedup check failed", "message_id", msg.ID, "error", err)
			result.Errors++
			continue
		}
		if !isNew {
			result.Skipped++
			continue
		}

		if _, err := r.cfg.Queue.Enqueue(ctx, msg); err != nil {
			slog.Error("backfill enqueue failed", "message_id", msg.ID, "error", err)
			result.Errors++
			if ferr := r.cfg.Ledger.Forget(ctx, msg.ID); ferr != nil {
				slog.Warn("backfill ledger release failed", "message_id", msg.ID, "error", ferr)
			}
			continue
		}
		result.Enqueued++
		result.IDs = append(result.IDs, msg.ID)
	}

	result.Duration = r.cfg.Now().Sub(start)
	slog.Info("backfill complete",
		"fetched", result.Fetched,
		"enqueued", result.Enqueued,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"duration", result.Duration,
	)
	return result, nil
}

// BuildQuery produces a Gmail search query for messages received after
// since, narrowed by extra terms.
func BuildQuery(since time.Time, extra string) string {
	q := fmt.Sprintf("after:%d", since.Unix())
	if extra = strings.TrimSpace(extra); extra != "" {
		q += " " + extra
	}
	return q
}
