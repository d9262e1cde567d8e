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

package mail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/leonie/brokerflow/internal/failure"
	"github.com/leonie/brokerflow/internal/models"
)

// Source is the mailbox side of the poller.
type Source interface {
	FetchNew(ctx context.Context) ([]models.Message, error)
	MarkSeen(ctx context.Context, messageID string) error
}

// Enqueuer hands a message to the durable job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *models.Message) (string, error)
}

// Alerter raises operator alerts.
type Alerter interface {
	Alert(kind string, detail map[string]any)
}

// PollerConfig wires a Poller.
type PollerConfig struct {
	Source   Source
	Queue    Enqueuer
	Seen     SeenTracker
	Alerter  Alerter
	Interval time.Duration

	// MinBackoff and MaxBackoff bound the wait after a connection failure.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Poller periodically pulls new messages and enqueues them. It is the only
// goroutine talking to the mailbox for retrieval.
type Poller struct {
	cfg     PollerConfig
	trigger chan struct{}
}

// NewPoller creates a poller.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return &Poller{
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests an immediate poll. Calls made while one is already
// pending are coalesced.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. It returns a MailAuth error if the
// mailbox rejects the credentials; that condition needs an operator.
func (p *Poller) Run(ctx context.Context) error {
	slog.Info("mail poller starting", "interval", p.cfg.Interval.String())

	backoff := time.Duration(0)
	for {
		wait := p.cfg.Interval

		n, err := p.PollOnce(ctx)
		switch {
		case err == nil:
			backoff = 0
			if n > 0 {
				slog.Info("poll cycle complete", "enqueued", n)
			}
		case failure.KindOf(err) == failure.MailAuth:
			slog.Error("mail authentication rejected, poller stopping", "error", err)
			if p.cfg.Alerter != nil {
				p.cfg.Alerter.Alert("mail_auth", map[string]any{"error": err.Error()})
			}
			return err
		default:
			backoff = nextBackoff(backoff, p.cfg.MinBackoff, p.cfg.MaxBackoff)
			wait = backoff
			slog.Warn("poll cycle failed, backing off", "error", err, "backoff", backoff.String())
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("mail poller stopping")
			return nil
		case <-p.trigger:
			timer.Stop()
			slog.Debug("poll triggered")
		case <-timer.C:
		}
	}
}

// PollOnce runs one retrieval cycle and returns how many messages were
// enqueued. For each message the order is enqueue, mark in the ledger,
// then mark seen at the mailbox; nothing is marked unless the enqueue
// succeeded.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	msgs, err := p.cfg.Source.FetchNew(ctx)
	if err != nil && len(msgs) == 0 {
		return 0, err
	}
	fetchErr := err

	enqueued := 0
	for i := range msgs {
		msg := &msgs[i]

		if _, err := p.cfg.Queue.Enqueue(ctx, msg); err != nil {
			return enqueued, failure.New(failure.TransientExternal, "mail.enqueue", fmt.Errorf("message %s: %w", msg.ID, err))
		}
		enqueued++

		if p.cfg.Seen != nil {
			if err := p.cfg.Seen.Mark(ctx, msg.ID); err != nil {
				slog.Warn("failed to record message in ledger", "message_id", msg.ID, "error", err)
			}
		}
		if err := p.cfg.Source.MarkSeen(ctx, msg.ID); err != nil {
			if failure.KindOf(err) == failure.MailAuth {
				return enqueued, err
			}
			slog.Warn("failed to mark message seen", "message_id", msg.ID, "error", err)
		}
	}
	return enqueued, fetchErr
}

func nextBackoff(cur, min, max time.Duration) time.Duration {
	if cur < min {
		return min
	}
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}
