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

// Package sqlite provides a single-node store.Store on an embedded SQLite
// database (pure Go driver, no cgo). Suited to development and small
// single-broker deployments; production runs on postgres.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/leonie/brokerflow/internal/models"
	"github.com/leonie/brokerflow/internal/store"
)

// Store is a store.Store over database/sql with sqlx helpers.
type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at dsn, e.g. "file:brokerflow.db"
// or ":memory:".
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// One connection: SQLite serialises writers anyway, and ":memory:"
	// databases are per-connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("sqlite store initialised", "dsn", dsn)
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		PRAGMA foreign_keys = ON;
		CREATE TABLE IF NOT EXISTS brokers (
			id              TEXT PRIMARY KEY,
			email           TEXT NOT NULL UNIQUE,
			surname         TEXT NOT NULL DEFAULT '',
			given_name      TEXT NOT NULL DEFAULT '',
			root_folder_ref TEXT NOT NULL DEFAULT '',
			active          INTEGER NOT NULL DEFAULT 1
		);
		CREATE TABLE IF NOT EXISTS clients (
			id          TEXT PRIMARY KEY,
			broker_id   TEXT NOT NULL REFERENCES brokers(id),
			surname     TEXT NOT NULL,
			given_name  TEXT NOT NULL DEFAULT '',
			emails      TEXT NOT NULL DEFAULT '[]',
			loan_type   TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'open',
			folder_ref  TEXT NOT NULL DEFAULT '',
			source_message_id TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_clients_broker ON clients(broker_id);
		CREATE TABLE IF NOT EXISTS piece_types (
			id         TEXT PRIMARY KEY,
			loan_type  TEXT NOT NULL,
			category   TEXT NOT NULL DEFAULT '',
			name       TEXT NOT NULL,
			keywords   TEXT NOT NULL DEFAULT '[]',
			required   INTEGER NOT NULL DEFAULT 1,
			sort_order INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS piece_records (
			id            TEXT PRIMARY KEY,
			client_id     TEXT NOT NULL REFERENCES clients(id),
			piece_type_id TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			content_hash  TEXT NOT NULL DEFAULT '',
			storage_ref   TEXT NOT NULL DEFAULT '',
			filename      TEXT NOT NULL DEFAULT '',
			message_id    TEXT NOT NULL DEFAULT '',
			received_at   INTEGER,
			note          TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_pieces_client_hash
			ON piece_records(client_id, content_hash) WHERE content_hash <> '';
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			sender      TEXT NOT NULL,
			recipients  TEXT NOT NULL DEFAULT '[]',
			cc          TEXT NOT NULL DEFAULT '[]',
			subject     TEXT NOT NULL DEFAULT '',
			attachments TEXT NOT NULL DEFAULT '[]',
			received_at INTEGER
		);
		CREATE TABLE IF NOT EXISTS classifications (
			message_id TEXT PRIMARY KEY,
			result     TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS activity_log (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			kind       TEXT NOT NULL,
			broker_id  TEXT NOT NULL DEFAULT '',
			client_id  TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_activity_message
			ON activity_log(message_id) WHERE message_id <> '';
		CREATE INDEX IF NOT EXISTS idx_activity_broker ON activity_log(broker_id);
	`)
	return err
}

// Row types mirror the tables; JSON columns and unix-nano timestamps are
// converted at the edges.

type brokerRow struct {
	ID            string `db:"id"`
	Email         string `db:"email"`
	Surname       string `db:"surname"`
	GivenName     string `db:"given_name"`
	RootFolderRef string `db:"root_folder_ref"`
	Active        bool   `db:"active"`
}

func (r brokerRow) model() models.Broker {
	return models.Broker{
		ID: r.ID, Email: r.Email, Surname: r.Surname, GivenName: r.GivenName,
		RootFolderRef: r.RootFolderRef, Active: r.Active,
	}
}

type clientRow struct {
	ID        string `db:"id"`
	BrokerID  string `db:"broker_id"`
	Surname   string `db:"surname"`
	GivenName string `db:"given_name"`
	Emails    string `db:"emails"`
	LoanType  string `db:"loan_type"`
	Status    string `db:"status"`
	FolderRef string `db:"folder_ref"`
	SourceMsg string `db:"source_message_id"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r clientRow) model() (models.Client, error) {
	c := models.Client{
		ID: r.ID, BrokerID: r.BrokerID, Surname: r.Surname, GivenName: r.GivenName,
		LoanType: r.LoanType, Status: models.ClientStatus(r.Status), FolderRef: r.FolderRef,
		SourceMessageID: r.SourceMsg, CreatedAt: fromNanos(r.CreatedAt), UpdatedAt: fromNanos(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.Emails), &c.Emails); err != nil {
		return c, fmt.Errorf("decode client emails: %w", err)
	}
	return c, nil
}

type pieceTypeRow struct {
	ID        string `db:"id"`
	LoanType  string `db:"loan_type"`
	Category  string `db:"category"`
	Name      string `db:"name"`
	Keywords  string `db:"keywords"`
	Required  bool   `db:"required"`
	SortOrder int    `db:"sort_order"`
}

type pieceRow struct {
	ID          string        `db:"id"`
	ClientID    string        `db:"client_id"`
	PieceTypeID string        `db:"piece_type_id"`
	Status      string        `db:"status"`
	ContentHash string        `db:"content_hash"`
	StorageRef  string        `db:"storage_ref"`
	Filename    string        `db:"filename"`
	MessageID   string        `db:"message_id"`
	ReceivedAt  sql.NullInt64 `db:"received_at"`
	Note        string        `db:"note"`
	CreatedAt   int64         `db:"created_at"`
}

func (r pieceRow) model() models.PieceRecord {
	p := models.PieceRecord{
		ID: r.ID, ClientID: r.ClientID, PieceTypeID: r.PieceTypeID, Status: models.PieceStatus(r.Status),
		ContentHash: r.ContentHash, StorageRef: r.StorageRef, Filename: r.Filename,
		MessageID: r.MessageID, Note: r.Note, CreatedAt: fromNanos(r.CreatedAt),
	}
	if r.ReceivedAt.Valid {
		t := fromNanos(r.ReceivedAt.Int64)
		p.ReceivedAt = &t
	}
	return p
}

type activityRow struct {
	ID        string `db:"id"`
	Kind      string `db:"kind"`
	BrokerID  string `db:"broker_id"`
	ClientID  string `db:"client_id"`
	MessageID string `db:"message_id"`
	Detail    string `db:"detail"`
	CreatedAt int64  `db:"created_at"`
}

func (s *Store) UpsertBroker(ctx context.Context, b models.Broker) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO brokers (id, email, surname, given_name, root_folder_ref, active)
		VALUES (:id, :email, :surname, :given_name, :root_folder_ref, :active)
		ON CONFLICT (id) DO UPDATE SET
			email           = excluded.email,
			surname         = excluded.surname,
			given_name      = excluded.given_name,
			root_folder_ref = excluded.root_folder_ref,
			active          = excluded.active
	`, brokerRow{
		ID: b.ID, Email: models.NormalizeAddress(b.Email), Surname: b.Surname,
		GivenName: b.GivenName, RootFolderRef: b.RootFolderRef, Active: b.Active,
	})
	return err
}

func (s *Store) GetBroker(ctx context.Context, id string) (*models.Broker, error) {
	return s.getBroker(ctx, `SELECT * FROM brokers WHERE id = ?`, id)
}

func (s *Store) FindBrokerByEmail(ctx context.Context, email string) (*models.Broker, error) {
	return s.getBroker(ctx, `SELECT * FROM brokers WHERE email = ?`, models.NormalizeAddress(email))
}

func (s *Store) getBroker(ctx context.Context, query string, arg any) (*models.Broker, error) {
	var row brokerRow
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		return nil, noRows(err)
	}
	b := row.model()
	return &b, nil
}

func (s *Store) ListBrokers(ctx context.Context) ([]models.Broker, error) {
	var rows []brokerRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM brokers ORDER BY email`); err != nil {
		return nil, err
	}
	out := make([]models.Broker, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *Store) CreateClient(ctx context.Context, c *models.Client) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	emails, err := encodeList(normalizeAll(c.Emails))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (id, broker_id, surname, given_name, emails, loan_type, status, folder_ref, source_message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.BrokerID, c.Surname, c.GivenName, emails, c.LoanType, string(c.Status), c.FolderRef, c.SourceMessageID,
		now.UnixNano(), now.UnixNano())
	return err
}

func (s *Store) GetClient(ctx context.Context, id string) (*models.Client, error) {
	var row clientRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM clients WHERE id = ?`, id); err != nil {
		return nil, noRows(err)
	}
	c, err := row.model()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListClientsByBroker(ctx context.Context, brokerID string) ([]models.Client, error) {
	var rows []clientRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM clients WHERE broker_id = ? ORDER BY created_at, id
	`, brokerID); err != nil {
		return nil, err
	}
	out := make([]models.Client, 0, len(rows))
	for _, r := range rows {
		c, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) UpdateClient(ctx context.Context, c *models.Client) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE clients
		SET surname = ?, given_name = ?, loan_type = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, c.Surname, c.GivenName, c.LoanType, string(c.Status), c.UpdatedAt.UnixNano(), c.ID)
	return err
}

func (s *Store) SetClientFolder(ctx context.Context, clientID, ref string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE clients SET folder_ref = ?, updated_at = ? WHERE id = ?
	`, ref, time.Now().UTC().UnixNano(), clientID)
	return err
}

// AddClientEmail appends a secondary address inside a transaction so the
// read-modify-write of the JSON column is atomic.
func (s *Store) AddClientEmail(ctx context.Context, clientID, email string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var row clientRow
	if err := tx.GetContext(ctx, &row, `SELECT * FROM clients WHERE id = ?`, clientID); err != nil {
		return noRows(err)
	}
	c, err := row.model()
	if err != nil {
		return err
	}
	if c.HasEmail(email) {
		return nil
	}
	encoded, err := encodeList(append(c.Emails, models.NormalizeAddress(email)))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE clients SET emails = ?, updated_at = ? WHERE id = ?`,
		encoded, time.Now().UTC().UnixNano(), clientID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UpsertPieceType(ctx context.Context, p models.PieceType) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	keywords, err := encodeList(p.Keywords)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO piece_types (id, loan_type, category, name, keywords, required, sort_order)
		VALUES (:id, :loan_type, :category, :name, :keywords, :required, :sort_order)
		ON CONFLICT (id) DO UPDATE SET
			loan_type  = excluded.loan_type,
			category   = excluded.category,
			name       = excluded.name,
			keywords   = excluded.keywords,
			required   = excluded.required,
			sort_order = excluded.sort_order
	`, pieceTypeRow{
		ID: p.ID, LoanType: p.LoanType, Category: p.Category, Name: p.Name,
		Keywords: keywords, Required: p.Required, SortOrder: p.Order,
	})
	return err
}

func (s *Store) ListPieceTypes(ctx context.Context, loanType string) ([]models.PieceType, error) {
	var rows []pieceTypeRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM piece_types
		WHERE ? = '' OR loan_type = ? OR loan_type = ?
		ORDER BY sort_order, id
	`, loanType, loanType, store.CommonLoanType); err != nil {
		return nil, err
	}
	out := make([]models.PieceType, 0, len(rows))
	for _, r := range rows {
		p := models.PieceType{
			ID: r.ID, LoanType: r.LoanType, Category: r.Category, Name: r.Name,
			Required: r.Required, Order: r.SortOrder,
		}
		if err := json.Unmarshal([]byte(r.Keywords), &p.Keywords); err != nil {
			return nil, fmt.Errorf("decode piece type keywords: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) InsertPieceRecord(ctx context.Context, r *models.PieceRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO piece_records
			(id, client_id, piece_type_id, status, content_hash, storage_ref, filename, message_id, received_at, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ClientID, r.PieceTypeID, string(r.Status), r.ContentHash, r.StorageRef,
		r.Filename, r.MessageID, nanosOrNull(r.ReceivedAt), r.Note, r.CreatedAt.UnixNano())
	return mapUnique(err, store.ErrDuplicateHash)
}

func (s *Store) UpdatePieceRecord(ctx context.Context, r *models.PieceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE piece_records
		SET piece_type_id = ?, status = ?, content_hash = ?, storage_ref = ?,
		    filename = ?, message_id = ?, received_at = ?, note = ?
		WHERE id = ?
	`, r.PieceTypeID, string(r.Status), r.ContentHash, r.StorageRef,
		r.Filename, r.MessageID, nanosOrNull(r.ReceivedAt), r.Note, r.ID)
	return mapUnique(err, store.ErrDuplicateHash)
}

func (s *Store) DeletePieceRecord(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM piece_records WHERE id = ?`, id)
	return err
}

const pieceSelect = `SELECT id, client_id, piece_type_id, status, content_hash, storage_ref,
	filename, message_id, received_at, note, created_at FROM piece_records`

func (s *Store) FindPieceByHash(ctx context.Context, clientID, hash string) (*models.PieceRecord, error) {
	if hash == "" {
		return nil, nil
	}
	var row pieceRow
	if err := s.db.GetContext(ctx, &row, pieceSelect+` WHERE client_id = ? AND content_hash = ?`, clientID, hash); err != nil {
		return nil, noRows(err)
	}
	p := row.model()
	return &p, nil
}

func (s *Store) ListPieceRecords(ctx context.Context, clientID string) ([]models.PieceRecord, error) {
	var rows []pieceRow
	if err := s.db.SelectContext(ctx, &rows, pieceSelect+` WHERE client_id = ? ORDER BY created_at, id`, clientID); err != nil {
		return nil, err
	}
	out := make([]models.PieceRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *Store) SaveMessage(ctx context.Context, m *models.Message) error {
	to, err := encodeList(m.To)
	if err != nil {
		return err
	}
	cc, err := encodeList(m.Cc)
	if err != nil {
		return err
	}
	names, err := encodeList(m.AttachmentNames())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender, recipients, cc, subject, attachments, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, m.ID, m.From, to, cc, m.Subject, names, m.ReceivedAt.UnixNano())
	return err
}

func (s *Store) SaveClassification(ctx context.Context, messageID string, r models.ClassificationResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal classification: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO classifications (message_id, result) VALUES (?, ?)
		ON CONFLICT (message_id) DO NOTHING
	`, messageID, string(data))
	return err
}

func (s *Store) GetClassification(ctx context.Context, messageID string) (*models.ClassificationResult, error) {
	var data string
	if err := s.db.GetContext(ctx, &data, `SELECT result FROM classifications WHERE message_id = ?`, messageID); err != nil {
		return nil, noRows(err)
	}
	var r models.ClassificationResult
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal classification: %w", err)
	}
	return &r, nil
}

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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, kind, broker_id, client_id, message_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Kind, e.BrokerID, e.ClientID, e.MessageID, string(detail), e.CreatedAt.UnixNano())
	return mapUnique(err, store.ErrDuplicateActivity)
}

func (s *Store) HasActivityForMessage(ctx context.Context, messageID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM activity_log WHERE message_id = ?`, messageID)
	return n > 0, err
}

func (s *Store) ListActivity(ctx context.Context, brokerID string, limit int) ([]models.ActivityLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []activityRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, kind, broker_id, client_id, message_id, detail, created_at
		FROM activity_log
		WHERE ? = '' OR broker_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, brokerID, brokerID, limit); err != nil {
		return nil, err
	}
	out := make([]models.ActivityLogEntry, 0, len(rows))
	for _, r := range rows {
		e := models.ActivityLogEntry{
			ID: r.ID, Kind: r.Kind, BrokerID: r.BrokerID, ClientID: r.ClientID,
			MessageID: r.MessageID, CreatedAt: fromNanos(r.CreatedAt),
		}
		if err := json.Unmarshal([]byte(r.Detail), &e.Detail); err != nil {
			return nil, fmt.Errorf("unmarshal activity detail: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func mapUnique(err, target error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return target
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return target
	}
	return err
}

func noRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}

func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(b), nil
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

func nanosOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
