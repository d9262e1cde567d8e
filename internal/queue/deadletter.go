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
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeadLetter is a job that exhausted its retries or failed terminally.
type DeadLetter struct {
	ID         string    `json:"id"`
	OriginalID string    `json:"original_id"`
	MessageID  string    `json:"message_id"`
	Reason     string    `json:"reason"`
	Deliveries int64     `json:"deliveries"`
	FailedAt   time.Time `json:"failed_at"`
}

// ErrDeadLetterNotFound is returned by Requeue for an unknown id.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

func deadLetterStream(stream string) string {
	return "dlq:" + stream
}

// deadLetter copies the entry to the dead-letter stream, acknowledges it on
// the main stream and fires the OnDeadLetter hook. If the copy fails the
// entry stays pending so nothing is lost.
func (c *Consumer) deadLetter(ctx context.Context, entryID, reason string, deliveries int64) {
	dl, err := c.moveToDeadLetter(ctx, entryID, reason, deliveries)
	if err != nil {
		slog.Error("dead-letter move failed, entry left pending", "entry_id", entryID, "error", err)
		return
	}
	if err := c.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, entryID).Err(); err != nil {
		slog.Error("dead-letter ack failed", "entry_id", entryID, "error", err)
	}
	slog.Warn("job dead-lettered",
		"entry_id", entryID,
		"dead_letter_id", dl.ID,
		"message_id", dl.MessageID,
		"reason", reason,
	)
	if c.cfg.OnDeadLetter != nil {
		c.cfg.OnDeadLetter(ctx, dl)
	}
}

func (c *Consumer) moveToDeadLetter(ctx context.Context, entryID, reason string, deliveries int64) (DeadLetter, error) {
	msgs, err := c.rdb.XRange(ctx, c.cfg.Stream, entryID, entryID).Result()
	if err != nil {
		return DeadLetter{}, fmt.Errorf("read entry %s: %w", entryID, err)
	}
	if len(msgs) == 0 {
		return DeadLetter{}, fmt.Errorf("entry %s not found in %s", entryID, c.cfg.Stream)
	}

	now := time.Now().UTC()
	values := map[string]interface{}{
		"original_stream": c.cfg.Stream,
		"original_id":     entryID,
		"reason":          reason,
		"deliveries":      deliveries,
		"failed_at":       now.Format(time.RFC3339),
		"group":           c.cfg.Group,
	}
	for k, v := range msgs[0].Values {
		values["original_"+k] = v
	}

	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.DeadLetterStream(),
		Values: values,
	}).Result()
	if err != nil {
		return DeadLetter{}, fmt.Errorf("redis XADD %s: %w", c.DeadLetterStream(), err)
	}

	messageID, _ := msgs[0].Values[fieldMessageID].(string)
	return DeadLetter{
		ID:         id,
		OriginalID: entryID,
		MessageID:  messageID,
		Reason:     reason,
		Deliveries: deliveries,
		FailedAt:   now,
	}, nil
}

// DeadLetters lists dead-lettered jobs on stream, newest first.
func DeadLetters(ctx context.Context, rdb *redis.Client, stream string, n int64) ([]DeadLetter, error) {
	if n <= 0 {
		n = 50
	}
	msgs, err := rdb.XRevRangeN(ctx, deadLetterStream(stream), "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("redis XREVRANGE: %w", err)
	}

	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, parseDeadLetter(m))
	}
	return out, nil
}

// Requeue moves a dead-lettered job back onto stream with its original
// payload and removes it from the dead-letter stream. It returns the new
// entry id.
func Requeue(ctx context.Context, rdb *redis.Client, stream, deadLetterID string) (string, error) {
	dlq := deadLetterStream(stream)
	msgs, err := rdb.XRange(ctx, dlq, deadLetterID, deadLetterID).Result()
	if err != nil {
		return "", fmt.Errorf("redis XRANGE: %w", err)
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrDeadLetterNotFound, deadLetterID)
	}

	data, ok := msgs[0].Values["original_"+fieldData].(string)
	if !ok {
		return "", fmt.Errorf("dead letter %s has no payload", deadLetterID)
	}
	messageID, _ := msgs[0].Values["original_"+fieldMessageID].(string)

	newID, err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			fieldData:      data,
			fieldMessageID: messageID,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis XADD: %w", err)
	}

	if err := rdb.XDel(ctx, dlq, deadLetterID).Err(); err != nil {
		return newID, fmt.Errorf("redis XDEL: %w", err)
	}

	slog.Info("dead letter requeued",
		"dead_letter_id", deadLetterID,
		"entry_id", newID,
		"message_id", messageID,
	)
	return newID, nil
}

// DeadLetterQueue binds the dead-letter operations to one job stream.
type DeadLetterQueue struct {
	rdb    *redis.Client
	stream string
}

// NewDeadLetterQueue creates a DeadLetterQueue for stream.
func NewDeadLetterQueue(rdb *redis.Client, stream string) *DeadLetterQueue {
	return &DeadLetterQueue{rdb: rdb, stream: stream}
}

// List returns up to n dead letters, newest first.
func (q *DeadLetterQueue) List(ctx context.Context, n int64) ([]DeadLetter, error) {
	return DeadLetters(ctx, q.rdb, q.stream, n)
}

// Requeue puts a dead letter back on the job stream.
func (q *DeadLetterQueue) Requeue(ctx context.Context, id string) (string, error) {
	return Requeue(ctx, q.rdb, q.stream, id)
}

func parseDeadLetter(m redis.XMessage) DeadLetter {
	str := func(k string) string {
		s, _ := m.Values[k].(string)
		return s
	}
	dl := DeadLetter{
		ID:         m.ID,
		OriginalID: str("original_id"),
		MessageID:  str("original_" + fieldMessageID),
		Reason:     str("reason"),
	}
	if n, err := strconv.ParseInt(str("deliveries"), 10, 64); err == nil {
		dl.Deliveries = n
	}
	if t, err := time.Parse(time.RFC3339, str("failed_at")); err == nil {
		dl.FailedAt = t
	}
	return dl
}
