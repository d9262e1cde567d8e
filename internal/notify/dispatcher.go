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

// Package notify delivers broker notifications and operator alerts by
// email. Sends are queued in memory and performed by a single background
// goroutine so the pipeline never waits on the mail provider.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leonie/brokerflow/internal/models"
)

// Email is one outgoing message.
type Email struct {
	From    string
	To      string
	Subject string
	Body    string
	Kind    string
}

// Sender delivers one email.
type Sender interface {
	Send(ctx context.Context, e Email) error
}

// Config holds dispatcher settings.
type Config struct {
	From          string
	OperatorEmail string
	SendTimeout   time.Duration
	MaxAttempts   int
	BufferSize    int
	RetryDelay    time.Duration
}

// Dispatcher queues and sends notifications.
type Dispatcher struct {
	cfg    Config
	sender Sender
	queue  chan Email

	dropped atomic.Int64
	sent    atomic.Int64
	failed  atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start before Notify.
func NewDispatcher(cfg Config, sender Sender) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Dispatcher{
		cfg:    cfg,
		sender: sender,
		queue:  make(chan Email, cfg.BufferSize),
	}
}

// Start launches the sender goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop(ctx)
	}()
	slog.Info("notification dispatcher started", "buffer", d.cfg.BufferSize, "max_attempts", d.cfg.MaxAttempts)
}

// Stop stops the sender after it has flushed what is already queued.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	slog.Info("notification dispatcher stopped",
		"sent", d.sent.Load(),
		"failed", d.failed.Load(),
		"dropped", d.dropped.Load(),
	)
}

// Notify renders a template for the broker and queues it. It never blocks:
// when the queue is full the notification is dropped with a warning.
func (d *Dispatcher) Notify(broker *models.Broker, name string, data any) {
	if broker == nil || broker.Email == "" {
		slog.Warn("notification without recipient", "template", name)
		return
	}
	subject, body, err := render(name, data)
	if err != nil {
		slog.Error("failed to render notification", "template", name, "broker_id", broker.ID, "error", err)
		return
	}
	d.enqueue(Email{From: d.cfg.From, To: broker.Email, Subject: subject, Body: body, Kind: name})
}

// Alert logs an operator alert and emails it when an operator address is
// configured.
func (d *Dispatcher) Alert(kind string, detail map[string]any) {
	args := []any{"kind", kind}
	for k, v := range detail {
		args = append(args, k, v)
	}
	slog.Error("operator alert", args...)

	if d.cfg.OperatorEmail == "" {
		return
	}
	subject, body, err := render(TemplateOperatorAlert, newOperatorAlert(kind, detail, time.Now().UTC()))
	if err != nil {
		slog.Error("failed to render alert", "kind", kind, "error", err)
		return
	}
	d.enqueue(Email{From: d.cfg.From, To: d.cfg.OperatorEmail, Subject: subject, Body: body, Kind: TemplateOperatorAlert})
}

// Dropped returns how many notifications were discarded on a full queue.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

func (d *Dispatcher) enqueue(e Email) {
	select {
	case d.queue <- e:
	default:
		d.dropped.Add(1)
		slog.Warn("notification queue full, dropping", "kind", e.Kind, "to", e.To)
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Flush what was queued before shutdown.
			for {
				select {
				case e := <-d.queue:
					d.deliver(ctx, e)
				default:
					return
				}
			}
		case e := <-d.queue:
			d.deliver(ctx, e)
		}
	}
}

// deliver sends e with at most MaxAttempts attempts. Failures are logged
// and the email is not re-queued. Sends in flight at shutdown still run to
// their own timeout.
func (d *Dispatcher) deliver(ctx context.Context, e Email) {
	ctx = context.WithoutCancel(ctx)
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err := d.sender.Send(sctx, e)
		cancel()
		if err == nil {
			d.sent.Add(1)
			slog.Info("notification sent", "kind", e.Kind, "to", e.To, "attempt", attempt)
			return
		}
		slog.Warn("notification send failed", "kind", e.Kind, "to", e.To, "attempt", attempt, "error", err)
		if attempt < d.cfg.MaxAttempts {
			time.Sleep(d.cfg.RetryDelay)
		}
	}
	d.failed.Add(1)
	slog.Error("notification abandoned", "kind", e.Kind, "to", e.To, "attempts", d.cfg.MaxAttempts)
}
