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

// Package storage files normalised documents into a per-broker folder tree
// on a remote backend (Google Drive, MinIO) and hands out shareable links.
//
// Layout under a broker's root folder:
//
//	Broker_<Surname>_<Given>/
//	    Client_<Surname>_<Given>/
//	    Quarantine/<group>/
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/leonie/brokerflow/internal/document"
	"github.com/leonie/brokerflow/internal/failure"
	"github.com/leonie/brokerflow/internal/models"
)

// QuarantineFolder holds documents that could not be tied to one client.
const QuarantineFolder = "Quarantine"

// Organizer provisions folders and stores artifacts. Every Ensure* call
// verifies the broker's root first and fails with
// failure.InvalidRootFolder before writing anything.
type Organizer interface {
	VerifyRoot(ctx context.Context, rootRef string) error
	EnsureBrokerFolder(ctx context.Context, broker *models.Broker) (string, error)
	EnsureClientFolder(ctx context.Context, broker *models.Broker, client *models.Client) (string, error)
	EnsureQuarantineFolder(ctx context.Context, broker *models.Broker, group string) (string, error)
	Upload(ctx context.Context, folderRef string, art *document.Artifact) (string, error)
	ShareableLink(ctx context.Context, storedRef string) (string, error)
}

// Backend is the minimal set of remote operations a Tree needs.
type Backend interface {
	// CheckFolder returns a failure.InvalidRootFolder error when ref is
	// missing, trashed or not a folder.
	CheckFolder(ctx context.Context, ref string) error
	// EnsureFolder returns the ref of the child folder called name,
	// creating it when absent.
	EnsureFolder(ctx context.Context, parentRef, name string) (string, error)
	// Put stores a file and returns its ref.
	Put(ctx context.Context, folderRef, name, mimeType string, data []byte) (string, error)
	// Link returns a URL anyone holding it can read.
	Link(ctx context.Context, ref string) (string, error)
}

// Tree implements Organizer over a Backend.
type Tree struct {
	backend Backend
	timeout time.Duration
}

// NewTree wraps a backend. Each remote call is bounded by timeout.
func NewTree(backend Backend, timeout time.Duration) *Tree {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Tree{backend: backend, timeout: timeout}
}

// VerifyRoot implements Organizer.
func (t *Tree) VerifyRoot(ctx context.Context, rootRef string) error {
	if strings.TrimSpace(rootRef) == "" {
		return failure.Newf(failure.InvalidRootFolder, "storage.verify_root", "no root folder configured")
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.backend.CheckFolder(ctx, rootRef)
}

// EnsureBrokerFolder implements Organizer.
func (t *Tree) EnsureBrokerFolder(ctx context.Context, broker *models.Broker) (string, error) {
	if err := t.VerifyRoot(ctx, broker.RootFolderRef); err != nil {
		return "", err
	}
	return t.ensure(ctx, broker.RootFolderRef, BrokerFolderName(broker))
}

// EnsureClientFolder implements Organizer.
func (t *Tree) EnsureClientFolder(ctx context.Context, broker *models.Broker, client *models.Client) (string, error) {
	parent, err := t.EnsureBrokerFolder(ctx, broker)
	if err != nil {
		return "", err
	}
	ref, err := t.ensure(ctx, parent, ClientFolderName(client))
	if err != nil {
		return "", err
	}
	slog.Debug("client folder ready", "broker_id", broker.ID, "client_id", client.ID, "folder_ref", ref)
	return ref, nil
}

// EnsureQuarantineFolder implements Organizer. An empty group files
// directly under Quarantine.
func (t *Tree) EnsureQuarantineFolder(ctx context.Context, broker *models.Broker, group string) (string, error) {
	parent, err := t.EnsureBrokerFolder(ctx, broker)
	if err != nil {
		return "", err
	}
	ref, err := t.ensure(ctx, parent, QuarantineFolder)
	if err != nil {
		return "", err
	}
	if g := SanitizeName(group); g != "" {
		return t.ensure(ctx, ref, g)
	}
	return ref, nil
}

// Upload implements Organizer.
func (t *Tree) Upload(ctx context.Context, folderRef string, art *document.Artifact) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	name := SanitizeName(art.Filename)
	if name == "" {
		name = "document"
	}
	ref, err := t.backend.Put(ctx, folderRef, name, art.MimeType, art.Data)
	if err != nil {
		return "", wrapTransient("storage.upload", err)
	}
	slog.Info("file uploaded", "folder_ref", folderRef, "filename", name, "bytes", len(art.Data), "ref", ref)
	return ref, nil
}

// ShareableLink implements Organizer.
func (t *Tree) ShareableLink(ctx context.Context, storedRef string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	link, err := t.backend.Link(ctx, storedRef)
	if err != nil {
		return "", wrapTransient("storage.link", err)
	}
	return link, nil
}

func (t *Tree) ensure(ctx context.Context, parent, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	ref, err := t.backend.EnsureFolder(ctx, parent, name)
	if err != nil {
		return "", wrapTransient("storage.ensure_folder", err)
	}
	return ref, nil
}

// wrapTransient tags untyped backend errors as transient and leaves typed
// ones alone.
func wrapTransient(op string, err error) error {
	if failure.KindOf(err) != "" {
		return err
	}
	return failure.New(failure.TransientExternal, op, err)
}

// BrokerFolderName is "Broker_<Surname>_<Given>".
func BrokerFolderName(b *models.Broker) string {
	return folderName("Broker", b.Surname, b.GivenName)
}

// ClientFolderName is "Client_<Surname>_<Given>".
func ClientFolderName(c *models.Client) string {
	return folderName("Client", c.Surname, c.GivenName)
}

// QuarantineGroup names the quarantine sub-folder for an extracted client
// name, or "Unidentified" when the classifier found none.
func QuarantineGroup(f models.Fields) string {
	if !f.HasName() {
		return "Unidentified"
	}
	parts := []string{}
	for _, p := range []string{f.ClientSurname, f.ClientGivenName} {
		if s := SanitizeName(p); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "_")
}

func folderName(prefix, surname, given string) string {
	name := prefix
	for _, p := range []string{surname, given} {
		if s := SanitizeName(p); s != "" {
			name += "_" + s
		}
	}
	return name
}

// SanitizeName keeps letters (accents included), digits and common
// punctuation, replaces path separators, quotes and control characters
// with '_' and collapses whitespace.
func SanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '/' || r == '\\' || r == '"' || r == '\'' || r == '`' || r == ':' || r == '*' || r == '?' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		case unicode.IsControl(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Join(strings.Fields(b.String()), " ")
	return strings.Trim(out, ". ")
}

// uniqueName returns name, or "stem (n).ext" for the first n that taken
// does not report as used.
func uniqueName(name string, taken func(string) bool) string {
	if !taken(name) {
		return name
	}
	stem, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		stem, ext = name[:i], name[i:]
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if !taken(candidate) {
			return candidate
		}
	}
}
