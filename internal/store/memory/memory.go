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

// Package memory is an in-process store.Store used by tests and dry runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leonie/brokerflow/internal/models"
	"github.com/leonie/brokerflow/internal/store"
)

// Store keeps everything in maps guarded by one RWMutex.
type Store struct {
	mu sync.RWMutex

	brokers         map[string]models.Broker
	clients         map[string]models.Client
	pieceTypes      map[string]models.PieceType
	pieces          map[string]models.PieceRecord
	messages        map[string]models.Message
	classifications map[string]models.ClassificationResult
	activity        []models.ActivityLogEntry
}

var _ store.Store = (*Store)(nil)

// New creates an empty memory store.
func New() *Store {
	return &Store{
		brokers:         make(map[string]models.Broker),
		clients:         make(map[string]models.Client),
		pieceTypes:      make(map[string]models.PieceType),
		pieces:          make(map[string]models.PieceRecord),
		messages:        make(map[string]models.Message),
		classifications: make(map[string]models.ClassificationResult),
	}
}

func (s *Store) UpsertBroker(_ context.Context, b models.Broker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.Email = models.NormalizeAddress(b.Email)
	s.brokers[b.ID] = b
	return nil
}

func (s *Store) GetBroker(_ context.Context, id string) (*models.Broker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.brokers[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *Store) FindBrokerByEmail(_ context.Context, email string) (*models.Broker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = models.NormalizeAddress(email)
	for _, b := range s.brokers {
		if b.Email == email {
			return &b, nil
		}
	}
	return nil, nil
}

func (s *Store) ListBrokers(_ context.Context) ([]models.Broker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Broker, 0, len(s.brokers))
	for _, b := range s.brokers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *Store) CreateClient(_ context.Context, c *models.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	s.clients[c.ID] = copyClient(*c)
	return nil
}

func (s *Store) GetClient(_ context.Context, id string) (*models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, nil
	}
	c = copyClient(c)
	return &c, nil
}

func (s *Store) ListClientsByBroker(_ context.Context, brokerID string) ([]models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Client
	for _, c := range s.clients {
		if c.BrokerID == brokerID {
			out = append(out, copyClient(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateClient(_ context.Context, c *models.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.clients[c.ID]
	if !ok {
		return nil
	}
	c.UpdatedAt = time.Now().UTC()
	next := copyClient(*c)
	next.Emails = cur.Emails
	next.FolderRef = cur.FolderRef
	s.clients[c.ID] = next
	return nil
}

func (s *Store) SetClientFolder(_ context.Context, clientID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil
	}
	c = copyClient(c)
	c.FolderRef = ref
	c.UpdatedAt = time.Now().UTC()
	s.clients[clientID] = c
	return nil
}

func (s *Store) AddClientEmail(_ context.Context, clientID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok || c.HasEmail(email) {
		return nil
	}
	c = copyClient(c)
	c.Emails = append(c.Emails, models.NormalizeAddress(email))
	c.UpdatedAt = time.Now().UTC()
	s.clients[clientID] = c
	return nil
}

func (s *Store) UpsertPieceType(_ context.Context, p models.PieceType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.pieceTypes[p.ID] = p
	return nil
}

func (s *Store) ListPieceTypes(_ context.Context, loanType string) ([]models.PieceType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PieceType
	for _, p := range s.pieceTypes {
		if loanType == "" || p.LoanType == loanType || p.LoanType == store.CommonLoanType {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) InsertPieceRecord(_ context.Context, r *models.PieceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hashTaken(r.ClientID, r.ContentHash, "") {
		return store.ErrDuplicateHash
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	s.pieces[r.ID] = *r
	return nil
}

func (s *Store) UpdatePieceRecord(_ context.Context, r *models.PieceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pieces[r.ID]; !ok {
		return nil
	}
	if s.hashTaken(r.ClientID, r.ContentHash, r.ID) {
		return store.ErrDuplicateHash
	}
	s.pieces[r.ID] = *r
	return nil
}

func (s *Store) DeletePieceRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pieces, id)
	return nil
}

// hashTaken must be called with mu held.
func (s *Store) hashTaken(clientID, hash, exceptID string) bool {
	if hash == "" {
		return false
	}
	for id, p := range s.pieces {
		if id != exceptID && p.ClientID == clientID && p.ContentHash == hash {
			return true
		}
	}
	return false
}

func (s *Store) FindPieceByHash(_ context.Context, clientID, hash string) (*models.PieceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.pieces {
		if p.ClientID == clientID && p.ContentHash == hash && hash != "" {
			return &p, nil
		}
	}
	return nil, nil
}

func (s *Store) ListPieceRecords(_ context.Context, clientID string) ([]models.PieceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PieceRecord
	for _, p := range s.pieces {
		if p.ClientID == clientID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) SaveMessage(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return nil
	}
	meta := *m
	meta.Attachments = nil
	meta.Body = ""
	s.messages[m.ID] = meta
	return nil
}

func (s *Store) SaveClassification(_ context.Context, messageID string, r models.ClassificationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.classifications[messageID]; ok {
		return nil
	}
	s.classifications[messageID] = r
	return nil
}

func (s *Store) GetClassification(_ context.Context, messageID string) (*models.ClassificationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.classifications[messageID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *Store) AppendActivity(_ context.Context, e *models.ActivityLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.MessageID != "" {
		for _, a := range s.activity {
			if a.MessageID == e.MessageID {
				return store.ErrDuplicateActivity
			}
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.activity = append(s.activity, *e)
	return nil
}

func (s *Store) HasActivityForMessage(_ context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.activity {
		if a.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListActivity(_ context.Context, brokerID string, limit int) ([]models.ActivityLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ActivityLogEntry
	for i := len(s.activity) - 1; i >= 0; i-- {
		a := s.activity[i]
		if brokerID != "" && a.BrokerID != brokerID {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func copyClient(c models.Client) models.Client {
	c.Emails = append([]string(nil), c.Emails...)
	return c
}
