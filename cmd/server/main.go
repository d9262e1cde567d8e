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

// Command server runs the brokerflow pipeline:
//  1. Loads configuration from config.yaml, .env and the environment
//  2. Connects to the relational store and Redis
//  3. Polls the Gmail mailbox (optionally woken by Pub/Sub push)
//  4. Consumes the job queue through the action router
//  5. Serves /health, the push endpoint and the /ops routes
//  6. Shuts down gracefully on SIGTERM/SIGINT
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leonie/brokerflow/internal/bootstrap"
	"github.com/leonie/brokerflow/internal/classifier"
	"github.com/leonie/brokerflow/internal/config"
	"github.com/leonie/brokerflow/internal/dedup"
	"github.com/leonie/brokerflow/internal/document"
	"github.com/leonie/brokerflow/internal/httpapi"
	"github.com/leonie/brokerflow/internal/mail"
	"github.com/leonie/brokerflow/internal/notify"
	"github.com/leonie/brokerflow/internal/queue"
	"github.com/leonie/brokerflow/internal/resolver"
	"github.com/leonie/brokerflow/internal/router"
	"github.com/leonie/brokerflow/internal/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
	slog.Info("brokerflow stopped")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		bootstrap.SetupLogging("info")
		return fmt.Errorf("load configuration: %w", err)
	}
	bootstrap.SetupLogging(cfg.LogLevel)

	slog.Info("starting brokerflow",
		"database", cfg.Database.Driver,
		"storage", cfg.Storage.Backend,
		"workers", cfg.Workers.Concurrency,
		"dry_run", cfg.Notify.DryRun,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Persistence ---
	st, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	rdb, err := bootstrap.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()
	slog.Info("connected to Redis")

	filter := dedup.NewFilter(rdb)
	publisher := queue.NewPublisher(rdb, cfg.JobStream)

	// --- Mailbox ---
	gm, err := bootstrap.OpenGmail(ctx, cfg.Mail, filter)
	if err != nil {
		return err
	}

	// --- Notifications ---
	var sender notify.Sender = notify.NewGmailSender(gm.Service())
	if cfg.Notify.DryRun {
		sender = notify.LogSender{}
	}
	dispatcher := notify.NewDispatcher(notify.Config{
		From:          cfg.Notify.From,
		OperatorEmail: cfg.Notify.OperatorEmail,
		SendTimeout:   cfg.Notify.SendTimeout,
		MaxAttempts:   cfg.Notify.MaxAttempts,
		BufferSize:    cfg.Notify.BufferSize,
	}, sender)
	// Outlives the signal context so alerts raised while workers drain
	// are still flushed by Stop.
	dispatcher.Start(context.WithoutCancel(ctx))
	defer dispatcher.Stop()

	// --- Pipeline stages ---
	clf := classifier.NewOpenAI(classifier.Config{
		APIKey:        cfg.Classifier.APIKey,
		BaseURL:       cfg.Classifier.BaseURL,
		Model:         cfg.Classifier.Model,
		Timeout:       cfg.Classifier.Timeout,
		MaxAttempts:   cfg.Classifier.MaxAttempts,
		MinConfidence: cfg.Classifier.MinConfidence,
	}, dispatcher)

	processor := document.NewProcessor(document.Config{
		TargetBytes:   cfg.Documents.TargetBytes,
		MaxInputBytes: cfg.Documents.MaxInputBytes,
	},
		document.LibreOffice{Path: cfg.Documents.LibreOfficePath, Timeout: cfg.Documents.ToolTimeout},
		document.Ghostscript{Path: cfg.Documents.GhostscriptPath, Timeout: cfg.Documents.ToolTimeout},
	)

	backend, err := bootstrap.OpenStorage(ctx, cfg)
	if err != nil {
		return err
	}

	rt := router.New(router.Deps{
		Store:      st,
		Classifier: clf,
		Resolver:   resolver.New(st),
		Documents:  processor,
		Storage:    storage.NewTree(backend, cfg.Storage.Timeout),
		Notifier:   dispatcher,
		Locker:     queue.NewRedisLocker(rdb, cfg.Workers.LockTTL),
	})

	// --- Job queue ---
	hostname, _ := os.Hostname()
	consumer := queue.NewConsumer(rdb, rt, queue.ConsumerConfig{
		Stream:      cfg.JobStream,
		Group:       cfg.JobGroup,
		Consumer:    hostname,
		Concurrency: cfg.Workers.Concurrency,
		JobTimeout:  cfg.Workers.JobTimeout,
		MaxRetries:  cfg.Workers.MaxRetries,
		OnDeadLetter: func(_ context.Context, dl queue.DeadLetter) {
			dispatcher.Alert("job_dead_lettered", map[string]any{
				"dead_letter_id": dl.ID,
				"message_id":     dl.MessageID,
				"reason":         dl.Reason,
				"deliveries":     dl.Deliveries,
			})
		},
	})

	poller := mail.NewPoller(mail.PollerConfig{
		Source:   gm,
		Queue:    publisher,
		Seen:     filter,
		Alerter:  dispatcher,
		Interval: cfg.Mail.PollInterval,
	})

	// Push is an optimisation over polling; a failed registration only
	// costs latency.
	if cfg.Mail.PushTopic != "" {
		watcher := mail.NewWatcher(gm.Service(), cfg.Mail.PushTopic, 0)
		if err := watcher.Start(ctx); err != nil {
			slog.Warn("gmail watch registration failed, relying on polling", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	// --- HTTP ---
	e := httpapi.New(httpapi.Config{
		Checks:      map[string]httpapi.Pinger{"store": st, "redis": publisher},
		Poller:      poller,
		DeadLetters: queue.NewDeadLetterQueue(rdb, cfg.JobStream),
		Activity:    st,
		PushToken:   cfg.PushToken,
		OpsToken:    cfg.OpsToken,
	})
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return consumer.Run(gctx)
	})

	g.Go(func() error {
		// A rejected mailbox stops retrieval only; queued jobs keep
		// draining and the ops routes stay reachable.
		if err := poller.Run(gctx); err != nil {
			slog.Error("mail poller stopped", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Port)
		slog.Info("http server listening", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
