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
	"sync"
	"time"

	"google.golang.org/api/gmail/v1"
)

// Watcher keeps a Gmail users.watch registration alive so that new mail
// is pushed to a Pub/Sub topic. Registrations expire after seven days;
// Google recommends renewing daily.
type Watcher struct {
	svc      *gmail.Service
	topic    string
	labelIDs []string
	renew    time.Duration

	mu         sync.Mutex
	historyID  uint64
	expiration time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for topic (projects/<p>/topics/<t>).
func NewWatcher(svc *gmail.Service, topic string, renew time.Duration) *Watcher {
	if renew <= 0 {
		renew = 24 * time.Hour
	}
	return &Watcher{
		svc:      svc,
		topic:    topic,
		labelIDs: []string{"INBOX"},
		renew:    renew,
	}
}

// Start registers the watch and begins the renewal loop.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.renewalLoop(loopCtx)

	slog.Info("gmail watch started", "topic", w.topic, "renew_every", w.renew.String())
	return nil
}

// Stop ends the renewal loop. The registration itself is left to expire.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	slog.Info("gmail watch stopped")
}

// Expiration returns when the current registration lapses.
func (w *Watcher) Expiration() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expiration
}

func (w *Watcher) renewalLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.renew)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.register(ctx); err != nil {
				slog.Error("gmail watch renewal failed", "topic", w.topic, "error", err,
					"expires_in", time.Until(w.Expiration()).Round(time.Minute).String())
			}
		}
	}
}

func (w *Watcher) register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := w.svc.Users.Watch(me, &gmail.WatchRequest{
		TopicName: w.topic,
		LabelIds:  w.labelIDs,
	}).Context(ctx).Do()
	if err != nil {
		return mapError("mail.watch", fmt.Errorf("watch %s: %w", w.topic, err))
	}

	w.mu.Lock()
	w.historyID = resp.HistoryId
	w.expiration = time.UnixMilli(resp.Expiration).UTC()
	w.mu.Unlock()

	slog.Info("gmail watch registered",
		"topic", w.topic,
		"history_id", resp.HistoryId,
		"expires_at", w.Expiration().Format(time.RFC3339),
	)
	return nil
}
