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

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leonie/brokerflow/internal/failure"
)

// Handler processes one job. A nil return acknowledges the job. A transient
// error leaves it pending for retry; any other error dead-letters it.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *Job) error

// Handle calls f(ctx, job).
func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }

// ConsumerConfig holds consumer configuration. Zero durations and counts
// fall back to defaults.
type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string // base consumer name; workers append -<n>

	Concurrency int
	JobTimeout  time.Duration
	MaxRetries  int

	// PendingCheckInterval is how often the reclaimer scans the pending list.
	PendingCheckInterval time.Duration
	// PendingIdle is how long an entry must sit unacknowledged before it is
	// reclaimed. Defaults to JobTimeout plus a grace period.
	PendingIdle time.Duration
	// Block bounds each XREADGROUP call.
	Block time.Duration

	// OnDeadLetter is called after an entry has been moved to the
	// dead-letter stream.
	OnDeadLetter func(ctx context.Context, dl DeadLetter)
}

// Consumer runs a bounded pool of workers over a consumer group.
type Consumer struct {
	rdb     *redis.Client
	handler Handler
	cfg     ConsumerConfig
}

// NewConsumer creates a consumer. Call Run to start it.
func NewConsumer(rdb *redis.Client, handler Handler, cfg ConsumerConfig) *Consumer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PendingCheckInterval == 0 {
		cfg.PendingCheckInterval = 30 * time.Second
	}
	if cfg.PendingIdle == 0 {
		cfg.PendingIdle = cfg.JobTimeout + 10*time.Second
	}
	if cfg.Block == 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker"
	}
	return &Consumer{
		rdb:     rdb,
		handler: handler,
		cfg:     cfg,
	}
}

// DeadLetterStream is the stream that receives entries past their retry bound.
func (c *Consumer) DeadLetterStream() string {
	return deadLetterStream(c.cfg.Stream)
}

// EnsureGroup creates the stream and consumer group if they do not exist.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", c.cfg.Group, c.cfg.Stream, err)
	}
	return nil
}

// Run starts the workers and the pending reclaimer and blocks until ctx is
// cancelled and every in-flight job has returned.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}

	slog.Info("starting job consumer",
		"stream", c.cfg.Stream,
		"group", c.cfg.Group,
		"workers", c.cfg.Concurrency,
		"job_timeout", c.cfg.JobTimeout.String(),
		"max_retries", c.cfg.MaxRetries,
	)

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		name := fmt.Sprintf("%s-%d", c.cfg.Consumer, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.work(ctx, name)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.reclaimLoop(ctx)
	}()

	wg.Wait()
	slog.Info("job consumer stopped", "stream", c.cfg.Stream)
	return nil
}

func (c *Consumer) work(ctx context.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := c.processNext(ctx, consumer); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("job consumer read failed", "consumer", consumer, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// processNext reads at most one new entry for consumer and runs it. It
// reports whether an entry was read.
func (c *Consumer) processNext(ctx context.Context, consumer string) (bool, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    1,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis XREADGROUP: %w", err)
	}

	read := false
	for _, stream := range res {
		for _, msg := range stream.Messages {
			read = true
			c.runEntry(ctx, msg, 1)
		}
	}
	return read, nil
}

// runEntry decodes and handles one entry and settles it: ack on success,
// dead-letter on a terminal failure, leave pending on a transient one.
func (c *Consumer) runEntry(ctx context.Context, msg redis.XMessage, deliveries int64) {
	job, err := decodeJob(msg.Values)
	if err != nil {
		slog.Error("undecodable job", "entry_id", msg.ID, "error", err)
		c.deadLetter(ctx, msg.ID, err.Error(), deliveries)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, c.cfg.JobTimeout)
	start := time.Now()
	err = c.handler.Handle(jobCtx, job)
	cancel()

	if err == nil {
		if ackErr := c.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); ackErr != nil {
			slog.Error("job ack failed", "entry_id", msg.ID, "message_id", job.Message.ID, "error", ackErr)
			return
		}
		slog.Info("job done",
			"entry_id", msg.ID,
			"message_id", job.Message.ID,
			"duration", time.Since(start).String(),
		)
		return
	}

	if !failure.IsTransient(err) {
		slog.Error("job failed permanently",
			"entry_id", msg.ID,
			"message_id", job.Message.ID,
			"kind", string(failure.KindOf(err)),
			"error", err,
		)
		c.deadLetter(ctx, msg.ID, err.Error(), deliveries)
		return
	}

	slog.Warn("job failed, left pending for retry",
		"entry_id", msg.ID,
		"message_id", job.Message.ID,
		"deliveries", deliveries,
		"error", err,
	)
}

func (c *Consumer) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PendingCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.reclaim(ctx); err != nil && ctx.Err() == nil {
				slog.Error("pending reclaim failed", "stream", c.cfg.Stream, "error", err)
			}
		}
	}
}

// reclaim scans the pending list once. Entries idle past PendingIdle are
// dead-lettered when they have used up their deliveries, otherwise claimed
// and run again.
func (c *Consumer) reclaim(ctx context.Context) error {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("redis XPENDING: %w", err)
	}

	claimer := c.cfg.Consumer + "-reclaimer"
	for _, p := range pending {
		if ctx.Err() != nil {
			return nil
		}
		if p.Idle < c.cfg.PendingIdle {
			continue
		}

		if int(p.RetryCount) >= c.cfg.MaxRetries {
			slog.Warn("job exceeded max deliveries",
				"entry_id", p.ID,
				"deliveries", p.RetryCount,
				"max_retries", c.cfg.MaxRetries,
			)
			c.deadLetter(ctx, p.ID, fmt.Sprintf("exceeded %d deliveries", c.cfg.MaxRetries), p.RetryCount)
			continue
		}

		claimed, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.cfg.Stream,
			Group:    c.cfg.Group,
			Consumer: claimer,
			MinIdle:  c.cfg.PendingIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			slog.Error("job claim failed", "entry_id", p.ID, "error", err)
			continue
		}

		for _, msg := range claimed {
			slog.Info("retrying pending job",
				"entry_id", msg.ID,
				"previous_consumer", p.Consumer,
				"idle", p.Idle.String(),
				"deliveries", p.RetryCount+1,
			)
			c.runEntry(ctx, msg, p.RetryCount+1)
		}
	}
	return nil
}
