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

// Package bootstrap builds the long-lived dependencies shared by the
// server and the operator CLI from a loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/leonie/brokerflow/internal/config"
	"github.com/leonie/brokerflow/internal/googleauth"
	"github.com/leonie/brokerflow/internal/mail"
	"github.com/leonie/brokerflow/internal/storage"
	"github.com/leonie/brokerflow/internal/store"
	"github.com/leonie/brokerflow/internal/store/postgres"
	"github.com/leonie/brokerflow/internal/store/sqlite"
)

// SetupLogging installs a JSON slog handler at the configured level.
func SetupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// OpenStore connects the configured relational store and seeds the
// piece-type catalog.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Database.Driver {
	case "sqlite":
		st, err = sqlite.Open(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
	default:
		pool, perr := pgxpool.New(ctx, cfg.Database.URL)
		if perr != nil {
			return nil, fmt.Errorf("create postgres pool: %w", perr)
		}
		if perr := pool.Ping(ctx); perr != nil {
			pool.Close()
			return nil, fmt.Errorf("connect to postgres: %w", perr)
		}
		st, err = postgres.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
	}

	for _, pt := range cfg.PieceTypes {
		if err := st.UpsertPieceType(ctx, pt); err != nil {
			st.Close()
			return nil, fmt.Errorf("seed piece type %s: %w", pt.ID, err)
		}
	}
	slog.Info("store ready", "driver", cfg.Database.Driver, "piece_types", len(cfg.PieceTypes))
	return st, nil
}

// OpenRedis parses the Redis URL and checks the connection.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}

// OpenGmail authenticates against Gmail with modify and send scopes.
func OpenGmail(ctx context.Context, cfg config.MailConfig, seen mail.SeenTracker) (*mail.Gmail, error) {
	client, err := googleauth.NewClient(ctx, googleauth.Options{
		CredentialsFile: cfg.CredentialsFile,
		TokenFile:       cfg.TokenFile,
		Subject:         cfg.Subject,
		Scopes:          []string{googleauth.GmailModifyScope, googleauth.GmailSendScope},
	})
	if err != nil {
		return nil, fmt.Errorf("gmail credentials: %w", err)
	}
	return mail.NewGmail(ctx, client, mail.GmailConfig{
		Query:          cfg.Query,
		ProcessedLabel: cfg.ProcessedLabel,
		MaxResults:     cfg.MaxResults,
		FetchTimeout:   cfg.FetchTimeout,
	}, seen)
}

// OpenStorage builds the configured storage backend.
func OpenStorage(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "minio":
		m, err := storage.NewMinio(storage.MinioConfig{
			Endpoint:   cfg.Storage.MinioEndpoint,
			AccessKey:  cfg.Storage.MinioAccessKey,
			SecretKey:  cfg.Storage.MinioSecretKey,
			UseSSL:     cfg.Storage.MinioUseSSL,
			LinkExpiry: cfg.Storage.LinkExpiry,
		})
		if err != nil {
			return nil, err
		}
		if err := m.EnsureBucket(ctx, cfg.Storage.MinioBucket); err != nil {
			return nil, err
		}
		return m, nil
	default:
		client, err := googleauth.NewClient(ctx, googleauth.Options{
			CredentialsFile: firstNonEmpty(cfg.Storage.DriveCredentialsFile, cfg.Mail.CredentialsFile),
			TokenFile:       cfg.Mail.TokenFile,
			Subject:         cfg.Mail.Subject,
			Scopes:          []string{googleauth.DriveScope},
		})
		if err != nil {
			return nil, fmt.Errorf("drive credentials: %w", err)
		}
		return storage.NewDrive(ctx, client)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
