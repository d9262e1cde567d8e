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

// Package postgres provides the Postgres-backed store.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leonie/brokerflow/internal/models"
	"github.com/leonie/brokerflow/internal/store"
)

const uniqueViolation = "23505"

// Store provides the pipeline's persistence on Postgres.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New creates a store backed by the given Postgres pool.
// It ensures the tables exist on creation.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("postgres store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS brokers (
			id              TEXT PRIMARY KEY,
			email           TEXT NOT NULL UNIQUE,
			surname         TEXT DEFAULT '',
			given_name      TEXT DEFAULT '',
			root_folder_ref TEXT DEFAULT '',
			active          BOOLEAN DEFAULT TRUE
		);
		CREATE TABLE IF NOT EXISTS clients (
			id          TEXT PRIMARY KEY,
			broker_id   TEXT NOT NULL REFERENCES brokers(id),
			surname     TEXT NOT NULL,
			given_name  TEXT DEFAULT '',
			emails      TEXT[] DEFAULT '{}',
			loan_type   TEXT DEFAULT '',
			status      TEXT DEFAULT 'open',
			folder_ref  TEXT DEFAULT '',
			source_message_id TEXT DEFAULT '',
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			updated_at  TIMESTAMPTZ DEFAULT NOW()
		);
		ALTER TABLE clients ADD COLUMN IF NOT EXISTS source_message_id TEXT DEFAULT '';
		CREATE INDEX IF NOT EXISTS idx_clients_broker ON clients(broker_id);
		CREATE TABLE IF NOT EXISTS piece_types (
			id         TEXT PRIMARY KEY,
			loan_type  TEXT NOT NULL,
			category   TEXT DEFAULT '',
			name       TEXT NOT NULL,
			keywords   TEXT[] DEFAULT '{}',
			required   BOOLEAN DEFAULT TRUE,
			sort_order INT DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS piece_records (
			id            TEXT PRIMARY KEY,
			client_id     TEXT NOT NULL REFERENCES clients(id),
			piece_type_id TEXT DEFAULT '',
			status        TEXT NOT NULL,
			content_hash  TEXT DEFAULT '',
			storage_ref   TEXT DEFAULT '',
			filename      TEXT DEFAULT '',
			message_id    TEXT DEFAULT '',
			received_at   TIMESTAMPTZ,
			note          TEXT DEFAULT '',
			created_at    TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_pieces_client_hash
			ON piece_records(client_id, content_hash) WHERE content_hash <> '';
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			sender      TEXT NOT NULL,
			recipients  TEXT[] DEFAULT '{}',
			cc          TEXT[] DEFAULT '{}',
			subject     TEXT DEFAULT '',
			attachments TEXT[] DEFAULT '{}',
			received_at TIMESTAMPTZ,
			stored_at   TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS classifications (
			message_id TEXT PRIMARY KEY,
			result     JSONB NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS activity_log (
			seq        BIGSERIAL PRIMARY KEY,
			id         TEXT NOT NULL UNIQUE,
			kind       TEXT NOT NULL,
			broker_id  TEXT DEFAULT '',
			client_id  TEXT DEFAULT '',
			message_id TEXT DEFAULT '',
			detail     JSONB DEFAULT '{}',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_activity_message
			ON activity_log(message_id) WHERE message_id <> '';
		CREATE INDEX IF NOT EXISTS idx_activity_broker ON activity_log(broker_id);
	`)
	return err
}

// UpsertBroker inserts or updates a broker keyed on id.
func (s *Store) UpsertBroker(ctx context.Context, b models.Broker) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO brokers (id, email, surname, given_name, root_folder_ref, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			email           = EXCLUDED.email,
			surname         = EXCLUDED.surname,
			given_name      = EXCLUDED.given_name,
			root_folder_ref = EXCLUDED.root_folder_ref,
			active          = EXCLUDED.active
	`, b.ID, models.NormalizeAddress(b.Email), b.Surname, b.GivenName, b.RootFolderRef, b.Active)
	return err
}

const brokerColumns = `id, email, surname, given_name, root_folder_ref, active`

func (s *Store) GetBroker(ctx context.Context, id string) (*models.Broker, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+brokerColumns+` FROM brokers WHERE id = $1`, id)
	return scanBroker(row)
}

func (s *Store) FindBrokerByEmail(ctx context.Context, email string) (*models.Broker, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+brokerColumns+` FROM brokers WHERE email = $1`,
		models.NormalizeAddress(email))
	return scanBroker(row)
}

func (s *Store) ListBrokers(ctx context.Context) ([]models.Broker, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+brokerColumns+` FROM brokers ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Broker
	for rows.Next() {
		b, err := scanBroker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func scanBroker(row pgx.Row) (*models.Broker, error) {
	var b models.Broker
	err := row.Scan(&b.ID, &b.Email, &b.Surname, &b.GivenName, &b.RootFolderRef, &b.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

const clientColumns = `id, broker_id, surname, given_name, emails, loan_type, status, folder_ref, source_message_id, created_at, updated_at`

// CreateClient inserts a new client, assigning an id when empty.
func (s *Store) CreateClient(ctx context.Context, c *models.Client) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	emails := normalizeAll(c.Emails)
	return s.pool.QueryRow(ctx, `
		INSERT INTO clients (id, broker_id, surname, given_name, emails, loan_type, status, folder_ref, source_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, c.ID, c.BrokerID, c.Surname, c.GivenName, emails, c.LoanType, string(c.Status), c.FolderRef, c.SourceMessageID,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (s *Store) GetClient(ctx context.Context, id string) (*models.Client, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id)
	return scanClient(row)
}

func (s *Store) ListClientsByBroker(ctx context.Context, brokerID string) ([]models.Client, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+clientColumns+` FROM clients
		WHERE broker_id = $1
		ORDER BY created_at, id
	`, brokerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateClient persists name, loan type and status. Emails and folder_ref
// are left to AddClientEmail and SetClientFolder.
func (s *Store) UpdateClient(ctx context.Context, c *models.Client) error {
	return ignoreNoRows(s.pool.QueryRow(ctx, `
		UPDATE clients
		SET surname = $1, given_name = $2, loan_type = $3, status = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at
	`, c.Surname, c.GivenName, c.LoanType, string(c.Status), c.ID,
	).Scan(&c.UpdatedAt))
}

// SetClientFolder records the client's storage folder.
func (s *Store) SetClientFolder(ctx context.Context, clientID, ref string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE clients SET folder_ref = $1, updated_at = NOW() WHERE id = $2
	`, ref, clientID)
	return err
}

// AddClientEmail appends a secondary address if not already registered.
func (s *Store) AddClientEmail(ctx context.Context, clientID, email string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE clients
		SET emails = array_append(emails, $1), updated_at = NOW()
		WHERE id = $2 AND NOT ($1 = ANY(emails))
	`, models.NormalizeAddress(email), clientID)
	return err
}

func scanClient(row pgx.Row) (*models.Client, error) {
	var c models.Client
	var status string
	err := row.Scan(&c.ID, &c.BrokerID, &c.Surname, &c.GivenName, &c.Emails,
		&c.LoanType, &status, &c.FolderRef, &c.SourceMessageID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Status = models.ClientStatus(status)
	return &c, nil
}

func (s *Store) UpsertPieceType(ctx context.Context, p models.PieceType) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Keywords == nil {
		p.Keywords = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO piece_types (id, loan_type, category, name, keywords, required, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			loan_type  = EXCLUDED.loan_type,
			category   = EXCLUDED.category,
			name       = EXCLUDED.name,
			keywords   = EXCLUDED.keywords,
			required   = EXCLUDED.required,
			sort_order = EXCLUDED.sort_order
	`, p.ID, p.LoanType, p.Category, p.Name, p.Keywords, p.Required, p.Order)
	return err
}

func (s *Store) ListPieceTypes(ctx context.Context, loanType string) ([]models.PieceType, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, loan_type, category, name, keywords, required, sort_order
		FROM piece_types
		WHERE $1 = '' OR loan_type = $1 OR loan_type = $2
		ORDER BY sort_order, id
	`, loanType, store.CommonLoanType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PieceType
	for rows.Next() {
		var p models.PieceType
		if err := rows.Scan(&p.ID, &p.LoanType, &p.Category, &p.Name, &p.Keywords, &p.Required, &p.Order); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const pieceColumns = `id, client_id, piece_type_id, status, content_hash, storage_ref, filename, message_id, received_at, note, created_at`

// InsertPieceRecord inserts a record; a hash collision for the client
// yields store.ErrDuplicateHash.
func (s *Store) InsertPieceRecord(ctx context.Context, r *models.PieceRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO piece_records
			(id, client_id, piece_type_id, status, content_hash, storage_ref, filename, message_id, received_at, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`, r.ID, r.ClientID, r.PieceTypeID, string(r.Status), r.ContentHash, r.StorageRef,
		r.Filename, r.MessageID, r.ReceivedAt, r.Note,
	).Scan(&r.CreatedAt)
	return mapUnique(err, store.ErrDuplicateHash)
}

func (s *Store) UpdatePieceRecord(ctx context.Context, r *models.PieceRecord) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE piece_records
		SET piece_type_id = $1, status = $2, content_hash = $3, storage_ref = $4,
		    filename = $5, message_id = $6, received_at = $7, note = $8
		WHERE id = $9
	`, r.PieceTypeID, string(r.Status), r.ContentHash, r.StorageRef,
		r.Filename, r.MessageID, r.ReceivedAt, r.Note, r.ID)
	return mapUnique(err, store.ErrDuplicateHash)
}

func (s *Store) DeletePieceRecord(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM piece_records WHERE id = $1`, id)
	return err
}

func (s *Store) FindPieceByHash(ctx context.Context, clientID, hash string) (*models.PieceRecord, error) {
	if hash == "" {
		return nil, nil
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+pieceColumns+` FROM piece_records
		WHERE client_id = $1 AND content_hash = $2
	`, clientID, hash)
	return scanPiece(row)
}

func (s *Store) ListPieceRecords(ctx context.Context, clientID string) ([]models.PieceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pieceColumns+` FROM piece_records
		WHERE client_id = $1
		ORDER BY created_at, id
	`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PieceRecord
	for rows.Next() {
		p, err := scanPiece(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPiece(row pgx.Row) (*models.PieceRecord, error) {
	var p models.PieceRecord
	var status string
	err := row.Scan(&p.ID, &p.ClientID, &p.PieceTypeID, &status, &p.ContentHash, &p.StorageRef,
		&p.Filename, &p.MessageID, &p.ReceivedAt, &p.Note, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Status = models.PieceStatus(status)
	return &p, nil
}

// SaveMessage records message metadata for audit. Bodies and attachment
// bytes are not retained.
func (s *Store) SaveMessage(ctx context.Context, m *models.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, sender, recipients, cc, subject, attachments, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, m.ID, m.From, nonNil(m.To), nonNil(m.Cc), m.Subject, m.AttachmentNames(), m.ReceivedAt)
	return err
}

func (s *Store) SaveClassification(ctx context.Context, messageID string, r models.ClassificationResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal classification: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO classifications (message_id, result) VALUES ($1, $2)
		ON CONFLICT (message_id) DO NOTHING
	`, messageID, data)
	return err
}

func (s *Store) GetClassification(ctx context.Context, messageID string) (*models.ClassificationResult, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT result FROM classifications WHERE message_id = $1`, messageID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r models.ClassificationResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal classification: %w", err)
	}
	return &r, nil
}

// AppendActivity writes an audit entry. A second entry for the same
// message id yields store.ErrDuplicateActivity.
func (s *Store) AppendActivity(ctx context.Context, e *models.ActivityLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("marshal activity detail: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO activity_log (id, kind, broker_id, client_id, message_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.Kind, e.BrokerID, e.ClientID, e.MessageID, detail, e.CreatedAt)
	return mapUnique(err, store.ErrDuplicateActivity)
}

func (s *Store) HasActivityForMessage(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM activity_log WHERE message_id = $1)
	`, messageID).Scan(&exists)
	return exists, err
}

func (s *Store) ListActivity(ctx context.Context, brokerID string, limit int) ([]models.ActivityLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, broker_id, client_id, message_id, detail, created_at
		FROM activity_log
		WHERE $1 = '' OR broker_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, brokerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ActivityLogEntry
	for rows.Next() {
		var e models.ActivityLogEntry
		var detail []byte
		if err := rows.Scan(&e.ID, &e.Kind, &e.BrokerID, &e.ClientID, &e.MessageID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal activity detail: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func mapUnique(err, target error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return target
	}
	return err
}

func ignoreNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}

func normalizeAll(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if n := models.NormalizeAddress(a); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
