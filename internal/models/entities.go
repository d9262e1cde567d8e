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

package models

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Broker owns a storage root and a set of clients.
type Broker struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Surname       string `json:"surname"`
	GivenName     string `json:"given_name"`
	RootFolderRef string `json:"root_folder_ref"`
	Active        bool   `json:"active"`
}

// DisplayName returns "Given Surname".
func (b *Broker) DisplayName() string {
	return strings.TrimSpace(b.GivenName + " " + b.Surname)
}

// ClientStatus is the lifecycle state of a case.
type ClientStatus string

const (
	ClientOpen     ClientStatus = "open"
	ClientComplete ClientStatus = "complete"
	ClientArchived ClientStatus = "archived"
)

// ParseClientStatus accepts the canonical values and their French forms.
func ParseClientStatus(raw string) (ClientStatus, bool) {
	switch FoldName(raw) {
	case "open", "ouvert", "en cours":
		return ClientOpen, true
	case "complete", "complet", "termine":
		return ClientComplete, true
	case "archived", "archive":
		return ClientArchived, true
	}
	return "", false
}

// Client is a loan applicant's case, scoped to one broker.
type Client struct {
	ID        string       `json:"id"`
	BrokerID  string       `json:"broker_id"`
	Surname   string       `json:"surname"`
	GivenName string       `json:"given_name"`
	Emails    []string     `json:"emails"` // primary first
	LoanType  string       `json:"loan_type"`
	Status    ClientStatus `json:"status"`
	FolderRef string       `json:"folder_ref,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`

	// SourceMessageID is the NEW_CASE message that created the client.
	SourceMessageID string `json:"source_message_id,omitempty"`
}

// DisplayName returns "Given Surname".
func (c *Client) DisplayName() string {
	return strings.TrimSpace(c.GivenName + " " + c.Surname)
}

// HasEmail reports whether addr is one of the client's registered emails.
func (c *Client) HasEmail(addr string) bool {
	addr = NormalizeAddress(addr)
	if addr == "" {
		return false
	}
	for _, e := range c.Emails {
		if NormalizeAddress(e) == addr {
			return true
		}
	}
	return false
}

// PieceType is a catalog entry for an expected document category.
type PieceType struct {
	ID       string   `json:"id" yaml:"id"`
	LoanType string   `json:"loan_type" yaml:"loan_type"`
	Category string   `json:"category" yaml:"category"`
	Name     string   `json:"name" yaml:"name"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords"`
	Required bool     `json:"required" yaml:"required"`
	Order    int      `json:"order" yaml:"order"`
}

// Matches reports whether a free-text label (from the classifier) refers
// to this piece type.
func (p *PieceType) Matches(label string) bool {
	l := FoldName(label)
	if l == "" {
		return false
	}
	if n := FoldName(p.Name); n == l || strings.Contains(l, n) || strings.Contains(n, l) {
		return true
	}
	for _, k := range p.Keywords {
		if fk := FoldName(k); fk != "" && strings.Contains(l, fk) {
			return true
		}
	}
	return false
}

// PieceStatus is the state of one document slot in a client's checklist.
type PieceStatus string

const (
	PieceMissing       PieceStatus = "missing"
	PieceReceived      PieceStatus = "received"
	PieceNonconforming PieceStatus = "nonconforming"
	PieceUnrecognized  PieceStatus = "unrecognized"
)

// PieceRecord is one physical document tied to a client.
type PieceRecord struct {
	ID          string      `json:"id"`
	ClientID    string      `json:"client_id"`
	PieceTypeID string      `json:"piece_type_id,omitempty"`
	Status      PieceStatus `json:"status"`
	ContentHash string      `json:"content_hash,omitempty"`
	StorageRef  string      `json:"storage_ref,omitempty"`
	Filename    string      `json:"filename,omitempty"`
	MessageID   string      `json:"message_id,omitempty"`
	ReceivedAt  *time.Time  `json:"received_at,omitempty"`
	Note        string      `json:"note,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Activity kinds written to the audit trail.
const (
	ActivityCaseCreated            = "case_created"
	ActivityCaseExists             = "case_exists"
	ActivityDocumentsReceived      = "documents_received"
	ActivityDocumentsQuarantined   = "documents_quarantined"
	ActivityChecklistUpdated       = "checklist_updated"
	ActivityIgnored                = "ignored"
	ActivityClassificationDegraded = "classification_degraded"
	ActivityUnknownSender          = "unknown_sender"
	ActivityClientAmbiguous        = "client_ambiguous"
	ActivityRootFolderInvalid      = "root_folder_invalid"
)

// ActivityLogEntry is an append-only audit record.
type ActivityLogEntry struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	BrokerID  string         `json:"broker_id,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// FoldName lowercases, strips accents and collapses whitespace so that
// "Éloïse  DUPONT" and "eloise dupont" compare equal.
func FoldName(s string) string {
	out, _, err := transform.String(foldTransformer, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}
