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

// Package store defines the relational datastore the pipeline reads and
// mutates: brokers, clients, the piece-type catalog, piece records, stored
// classifications and the append-only activity log.
//
// Lookups that find nothing return (nil, nil).
package store

import (
	"context"
	"errors"

	"github.com/leonie/brokerflow/internal/models"
)

var (
	// ErrDuplicateHash is returned when a client already has a piece record
	// with the same content hash.
	ErrDuplicateHash = errors.New("store: content hash already recorded for client")

	// ErrDuplicateActivity is returned when a message already has its
	// terminal activity log entry.
	ErrDuplicateActivity = errors.New("store: activity already logged for message")
)

// Store is implemented by the postgres, sqlite and memory packages.
type Store interface {
	UpsertBroker(ctx context.Context, b models.Broker) error
	GetBroker(ctx context.Context, id string) (*models.Broker, error)
	FindBrokerByEmail(ctx context.Context, email string) (*models.Broker, error)
	ListBrokers(ctx context.Context) ([]models.Broker, error)

	CreateClient(ctx context.Context, c *models.Client) error
	GetClient(ctx context.Context, id string) (*models.Client, error)
	ListClientsByBroker(ctx context.Context, brokerID string) ([]models.Client, error)
	// UpdateClient writes name, loan type and status only. Emails and the
	// folder ref have their own targeted writers.
	UpdateClient(ctx context.Context, c *models.Client) error
	AddClientEmail(ctx context.Context, clientID, email string) error
	SetClientFolder(ctx context.Context, clientID, ref string) error

	UpsertPieceType(ctx context.Context, p models.PieceType) error
	// ListPieceTypes returns the catalog for a loan type plus the shared
	// "commun" entries, ordered. An empty loanType returns everything.
	ListPieceTypes(ctx context.Context, loanType string) ([]models.PieceType, error)

	InsertPieceRecord(ctx context.Context, r *models.PieceRecord) error
	UpdatePieceRecord(ctx context.Context, r *models.PieceRecord) error
	DeletePieceRecord(ctx context.Context, id string) error
	FindPieceByHash(ctx context.Context, clientID, hash string) (*models.PieceRecord, error)
	ListPieceRecords(ctx context.Context, clientID string) ([]models.PieceRecord, error)

	SaveMessage(ctx context.Context, m *models.Message) error
	SaveClassification(ctx context.Context, messageID string, r models.ClassificationResult) error
	GetClassification(ctx context.Context, messageID string) (*models.ClassificationResult, error)

	AppendActivity(ctx context.Context, e *models.ActivityLogEntry) error
	HasActivityForMessage(ctx context.Context, messageID string) (bool, error)
	ListActivity(ctx context.Context, brokerID string, limit int) ([]models.ActivityLogEntry, error)

	Ping(ctx context.Context) error
	Close() error
}

// CommonLoanType is the catalog bucket shared by every loan type.
const CommonLoanType = "commun"
