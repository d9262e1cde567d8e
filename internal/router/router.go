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

// Package router drives one message through classification, resolution
// and the action handlers, and writes the message's single terminal
// activity log entry.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leonie/brokerflow/internal/classifier"
	"github.com/leonie/brokerflow/internal/document"
	"github.com/leonie/brokerflow/internal/failure"
	"github.com/leonie/brokerflow/internal/models"
	"github.com/leonie/brokerflow/internal/queue"
	"github.com/leonie/brokerflow/internal/resolver"
	"github.com/leonie/brokerflow/internal/storage"
	"github.com/leonie/brokerflow/internal/store"
)

// Classifier labels a message.
type Classifier interface {
	Classify(ctx context.Context, subject, body string) models.ClassificationResult
}

// Resolver finds the broker and client a message concerns.
type Resolver interface {
	Resolve(ctx context.Context, msg *models.Message, result models.ClassificationResult) (*resolver.Resolution, error)
}

// Processor normalises an attachment.
type Processor interface {
	Process(ctx context.Context, att models.Attachment) (*document.Artifact, error)
}

// Notifier sends broker notifications and operator alerts without
// blocking.
type Notifier interface {
	Notify(broker *models.Broker, template string, data any)
	Alert(kind string, detail map[string]any)
}

// Deps are the collaborators a Router works with. All are required except
// Now.
type Deps struct {
	Store      store.Store
	Classifier Classifier
	Resolver   Resolver
	Documents  Processor
	Storage    storage.Organizer
	Notifier   Notifier
	Locker     queue.Locker
	Now        func() time.Time
}

// Router routes messages.
type Router struct {
	d Deps
}

// New creates a router.
func New(d Deps) *Router {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Router{d: d}
}

// Handle implements queue.Handler.
func (r *Router) Handle(ctx context.Context, job *queue.Job) error {
	return r.Route(ctx, &job.Message)
}

// outcome is what a handler reports for the activity log.
type outcome struct {
	kind   string
	client *models.Client
	detail map[string]any
}

// Route processes one message. A nil return means the message reached its
// terminal state and the job can be acknowledged; a transient error means
// it should be retried. Replaying a routed message is a no-op.
func (r *Router) Route(ctx context.Context, msg *models.Message) error {
	done, err := r.d.Store.HasActivityForMessage(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("check activity: %w", err)
	}
	if done {
		slog.Info("message already routed", "message_id", msg.ID)
		return nil
	}

	if err := r.d.Store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save message: %w", err)
	}

	result, err := r.classification(ctx, msg)
	if err != nil {
		return err
	}

	res, err := r.d.Resolver.Resolve(ctx, msg, result)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}

	out, err := r.dispatch(ctx, msg, result, res)
	if err != nil {
		if errors.Is(err, failure.InvalidRootFolder) {
			return r.rootFolderInvalid(ctx, msg, res.Broker, err)
		}
		return err
	}
	return r.finish(ctx, msg, res.Broker, out)
}

// classification returns the stored result for msg, classifying it on the
// first delivery only.
func (r *Router) classification(ctx context.Context, msg *models.Message) (models.ClassificationResult, error) {
	stored, err := r.d.Store.GetClassification(ctx, msg.ID)
	if err != nil {
		return models.ClassificationResult{}, fmt.Errorf("load classification: %w", err)
	}
	if stored != nil {
		slog.Debug("reusing stored classification", "message_id", msg.ID, "action", stored.Action)
		return *stored, nil
	}

	result := r.d.Classifier.Classify(ctx, msg.Subject, classifier.Describe(msg))
	if err := r.d.Store.SaveClassification(ctx, msg.ID, result); err != nil {
		return models.ClassificationResult{}, fmt.Errorf("save classification: %w", err)
	}
	slog.Info("message classified",
		"message_id", msg.ID,
		"action", result.Action,
		"confidence", result.Confidence,
		"degraded", result.Degraded,
	)
	return result, nil
}

func (r *Router) dispatch(ctx context.Context, msg *models.Message, result models.ClassificationResult, res *resolver.Resolution) (outcome, error) {
	switch {
	case res.Broker == nil:
		return outcome{kind: models.ActivityUnknownSender, detail: map[string]any{"from": msg.From}}, nil

	case result.Degraded:
		return outcome{kind: models.ActivityClassificationDegraded, detail: map[string]any{
			"reason":     result.Reason,
			"confidence": result.Confidence,
		}}, nil

	case result.Action == models.ActionNewCase:
		return r.newCase(ctx, msg, res.Broker, result.Fields)

	case result.Action == models.ActionSendDocuments && res.Client != nil:
		return r.sendDocuments(ctx, msg, res.Broker, res.Client)

	case result.Action == models.ActionSendDocuments:
		return r.quarantine(ctx, msg, res, result.Fields)

	case result.Action == models.ActionUpdateChecklist && res.Client != nil:
		return r.updateChecklist(ctx, res.Client, result.Fields)

	case result.Action == models.ActionUpdateChecklist:
		r.notifyAmbiguous(res.Broker, msg, candidateNames(res.Candidates), nil, "")
		return ambiguousOutcome(res), nil

	default:
		return outcome{kind: models.ActivityIgnored, detail: map[string]any{
			"action":  string(result.Action),
			"summary": result.Summary,
		}}, nil
	}
}

func ambiguousOutcome(res *resolver.Resolution) outcome {
	return outcome{kind: models.ActivityClientAmbiguous, detail: map[string]any{
		"reason":     res.Reason,
		"candidates": candidateNames(res.Candidates),
	}}
}

// finish writes the terminal activity entry.
func (r *Router) finish(ctx context.Context, msg *models.Message, broker *models.Broker, out outcome) error {
	entry := &models.ActivityLogEntry{
		Kind:      out.kind,
		MessageID: msg.ID,
		Detail:    out.detail,
		CreatedAt: r.d.Now(),
	}
	if broker != nil {
		entry.BrokerID = broker.ID
	}
	if out.client != nil {
		entry.ClientID = out.client.ID
	}

	if err := r.d.Store.AppendActivity(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicateActivity) {
			slog.Info("activity already logged", "message_id", msg.ID, "kind", out.kind)
			return nil
		}
		return fmt.Errorf("append activity: %w", err)
	}

	slog.Info("message routed",
		"message_id", msg.ID,
		"broker_id", entry.BrokerID,
		"client_id", entry.ClientID,
		"kind", out.kind,
	)
	return nil
}

// rootFolderInvalid ends the message: the broker's storage root is a
// configuration problem that retries cannot fix.
func (r *Router) rootFolderInvalid(ctx context.Context, msg *models.Message, broker *models.Broker, cause error) error {
	slog.Error("broker root folder invalid",
		"message_id", msg.ID,
		"broker_id", broker.ID,
		"root_folder_ref", broker.RootFolderRef,
		"error", cause,
	)
	r.d.Notifier.Alert("root_folder_invalid", map[string]any{
		"broker_id":       broker.ID,
		"broker_email":    broker.Email,
		"root_folder_ref": broker.RootFolderRef,
		"message_id":      msg.ID,
		"error":           cause.Error(),
	})
	return r.finish(ctx, msg, broker, outcome{
		kind:   models.ActivityRootFolderInvalid,
		detail: map[string]any{"root_folder_ref": broker.RootFolderRef, "error": cause.Error()},
	})
}

// withLock runs fn while holding key.
func (r *Router) withLock(ctx context.Context, key string, fn func() error) error {
	release, err := r.d.Locker.Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	defer release()
	return fn()
}

func candidateNames(clients []models.Client) []string {
	names := make([]string, 0, len(clients))
	for i := range clients {
		names = append(names, clients[i].DisplayName())
	}
	return names
}
