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

// Package mail retrieves broker messages from a Gmail mailbox and feeds
// them into the job queue.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/leonie/brokerflow/internal/failure"
	"github.com/leonie/brokerflow/internal/models"
)

const me = "me"

// SeenTracker reports message ids already handed to the job queue.
type SeenTracker interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	Mark(ctx context.Context, messageID string) error
}

// GmailConfig configures the Gmail adapter.
type GmailConfig struct {
	Query          string
	ProcessedLabel string
	MaxResults     int64
	FetchTimeout   time.Duration
}

// Gmail is the mail retrieval adapter over the Gmail API.
type Gmail struct {
	svc  *gmail.Service
	cfg  GmailConfig
	seen SeenTracker

	labelMu sync.Mutex
	labelID string
}

// NewGmail creates an adapter on an authenticated HTTP client. Extra
// options (an endpoint override in tests) are passed through.
func NewGmail(ctx context.Context, httpClient *http.Client, cfg GmailConfig, seen SeenTracker, opts ...option.ClientOption) (*Gmail, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	if cfg.Query == "" {
		cfg.Query = "label:INBOX is:unread"
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 50
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Gmail{svc: svc, cfg: cfg, seen: seen}, nil
}

// Service exposes the underlying Gmail service for the notifier and watcher.
func (g *Gmail) Service() *gmail.Service { return g.svc }

// FetchNew lists messages matching the query and returns the ones not yet
// seen, fully parsed with attachment bodies. A message that fails to fetch
// is logged and skipped for this cycle.
func (g *Gmail) FetchNew(ctx context.Context) ([]models.Message, error) {
	return g.fetch(ctx, g.cfg.Query, g.cfg.MaxResults)
}

// FetchQuery is FetchNew with an explicit query, used by historical replay.
func (g *Gmail) FetchQuery(ctx context.Context, query string, max int64) ([]models.Message, error) {
	return g.fetch(ctx, query, max)
}

func (g *Gmail) fetch(ctx context.Context, query string, max int64) ([]models.Message, error) {
	ids, err := g.list(ctx, query, max)
	if err != nil {
		return nil, err
	}

	var out []models.Message
	for _, id := range ids {
		if g.seen != nil {
			seen, err := g.seen.Seen(ctx, id)
			if err != nil {
				return out, failure.New(failure.TransientExternal, "mail.seen", err)
			}
			if seen {
				slog.Debug("skipping already queued message", "message_id", id)
				continue
			}
		}

		msg, err := g.get(ctx, id)
		if err != nil {
			if failure.KindOf(err) == failure.MailAuth {
				return out, err
			}
			slog.Error("failed to fetch message, skipping this cycle", "message_id", id, "error", err)
			continue
		}
		out = append(out, *msg)
	}
	return out, nil
}

func (g *Gmail) list(ctx context.Context, query string, max int64) ([]string, error) {
	var ids []string
	call := g.svc.Users.Messages.List(me).Q(query).MaxResults(max)
	err := call.Pages(ctx, func(resp *gmail.ListMessagesResponse) error {
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
			if int64(len(ids)) >= max {
				return errStopPaging
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopPaging) {
		return nil, mapError("mail.list", err)
	}

	// Oldest first so the queue sees messages in arrival order.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

var errStopPaging = errors.New("stop paging")

func (g *Gmail) get(ctx context.Context, id string) (*models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.FetchTimeout)
	defer cancel()

	raw, err := g.svc.Users.Messages.Get(me, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, mapError("mail.get", err)
	}

	load := func(attachmentID string) ([]byte, error) {
		body, err := g.svc.Users.Messages.Attachments.Get(me, id, attachmentID).Context(ctx).Do()
		if err != nil {
			return nil, mapError("mail.attachment", err)
		}
		return decodeBase64URL(body.Data)
	}

	msg, err := parseMessage(raw, load)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkSeen removes UNREAD and adds the processed label, if one is
// configured. It is the only write the pipeline makes to the mailbox.
func (g *Gmail) MarkSeen(ctx context.Context, id string) error {
	req := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{"UNREAD"}}

	if g.cfg.ProcessedLabel != "" {
		labelID, err := g.processedLabelID(ctx)
		if err != nil {
			return err
		}
		req.AddLabelIds = []string{labelID}
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.FetchTimeout)
	defer cancel()

	if _, err := g.svc.Users.Messages.Modify(me, id, req).Context(ctx).Do(); err != nil {
		return mapError("mail.mark_seen", err)
	}
	return nil
}

// processedLabelID resolves the processed label by name, creating it on
// first use. Failed lookups are retried on the next call.
func (g *Gmail) processedLabelID(ctx context.Context) (string, error) {
	g.labelMu.Lock()
	defer g.labelMu.Unlock()
	if g.labelID != "" {
		return g.labelID, nil
	}

	labels, err := g.svc.Users.Labels.List(me).Context(ctx).Do()
	if err != nil {
		return "", mapError("mail.labels", err)
	}
	for _, l := range labels.Labels {
		if strings.EqualFold(l.Name, g.cfg.ProcessedLabel) {
			g.labelID = l.Id
			return g.labelID, nil
		}
	}

	created, err := g.svc.Users.Labels.Create(me, &gmail.Label{
		Name:                  g.cfg.ProcessedLabel,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return "", mapError("mail.create_label", err)
	}
	slog.Info("created processed label", "label", g.cfg.ProcessedLabel, "label_id", created.Id)
	g.labelID = created.Id
	return g.labelID, nil
}

// mapError converts Gmail API errors into failure kinds: credential
// rejections are MailAuth, everything else MailConnection.
func mapError(op string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return failure.New(failure.MailAuth, op, err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized:
			return failure.New(failure.MailAuth, op, err)
		case http.StatusForbidden:
			if isRateLimit(gerr) {
				return failure.New(failure.MailConnection, op, err)
			}
			return failure.New(failure.MailAuth, op, err)
		}
	}
	return failure.New(failure.MailConnection, op, err)
}

func isRateLimit(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if strings.Contains(item.Reason, "RateLimitExceeded") || strings.Contains(item.Reason, "rateLimitExceeded") {
			return true
		}
	}
	return false
}
