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

// Package queue is the durable job queue between the mail poller and the
// routing workers. Jobs live in a Redis stream read through a consumer
// group, so a job is only gone once a worker acknowledges it; failures
// stay pending, are reclaimed and retried, and finally move to a
// dead-letter stream.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/leonie/brokerflow/internal/models"
)

// Job is one unit of routing work: a single retrieved message.
type Job struct {
	ID         string         `json:"id"`
	Message    models.Message `json:"message"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Stream entry field names.
const (
	fieldData      = "data"
	fieldMessageID = "message_id"
)

// Publisher appends jobs to the stream.
type Publisher struct {
	rdb    *redis.Client
	stream string
}

// NewPublisher creates a publisher targeting the given stream.
func NewPublisher(rdb *redis.Client, stream string) *Publisher {
	return &Publisher{
		rdb:    rdb,
		stream: stream,
	}
}

// Enqueue serialises the message into a job and appends it with XADD.
// When Enqueue returns nil the job is durable: the caller may now mark the
// message as seen at the mail endpoint.
func (p *Publisher) Enqueue(ctx context.Context, msg *models.Message) (string, error) {
	job := Job{
		ID:         uuid.New().String(),
		Message:    *msg,
		EnqueuedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	entryID, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			fieldData:      string(data),
			fieldMessageID: msg.ID,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis XADD: %w", err)
	}

	slog.Info("enqueued message",
		"job_id", job.ID,
		"entry_id", entryID,
		"message_id", msg.ID,
		"attachments", len(msg.Attachments),
		"stream", p.stream,
	)

	return job.ID, nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}

func decodeJob(values map[string]interface{}) (*Job, error) {
	raw, ok := values[fieldData]
	if !ok {
		return nil, fmt.Errorf("invalid entry: missing %s field", fieldData)
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("invalid entry: %s is not a string", fieldData)
	}
	var job Job
	if err := json.Unmarshal([]byte(s), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}
