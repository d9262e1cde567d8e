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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"google.golang.org/api/option"

	"github.com/leonie/brokerflow/internal/failure"
)

// fakeGmail serves the subset of the Gmail REST API the adapter uses.
type fakeGmail struct {
	mu        sync.Mutex
	messages  map[string]map[string]any
	modified  map[string][]string
	labels    []map[string]string
	created   []string
	failGet   map[string]int
	listCode  int
	lastQuery string
}

func newFakeGmail() *fakeGmail {
	return &fakeGmail{
		messages: make(map[string]map[string]any),
		modified: make(map[string][]string),
		failGet:  make(map[string]int),
	}
}

func (f *fakeGmail) addMessage(id, from, subject, body string) {
	f.messages[id] = map[string]any{
		"id":           id,
		"threadId":     "t-" + id,
		"internalDate": "1700000000000",
		"payload": map[string]any{
			"mimeType": "multipart/mixed",
			"headers": []map[string]string{
				{"name": "From", "value": from},
				{"name": "Subject", "value": subject},
			},
			"parts": []map[string]any{
				{"mimeType": "text/plain", "body": map[string]any{"data": b64(body)}},
				{"mimeType": "application/pdf", "filename": "doc-" + id + ".pdf", "body": map[string]any{"attachmentId": "a-" + id, "size": 4}},
			},
		},
	}
}

func writeAPIError(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": http.StatusText(code),
			"errors":  []map[string]string{{"reason": reason, "message": reason}},
		},
	})
}

func (f *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/")
	w.Header().Set("Content-Type", "application/json")

	switch {
	case path == "messages" && r.Method == http.MethodGet:
		f.lastQuery = r.URL.Query().Get("q")
		if f.listCode != 0 {
			writeAPIError(w, f.listCode, "backendError")
			return
		}
		// Gmail lists newest first.
		ids := make([]map[string]string, 0, len(f.messages))
		for _, id := range []string{"m3", "m2", "m1"} {
			if _, ok := f.messages[id]; ok {
				ids = append(ids, map[string]string{"id": id})
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"messages": ids})

	case strings.HasSuffix(path, "/modify") && r.Method == http.MethodPost:
		id := strings.TrimSuffix(strings.TrimPrefix(path, "messages/"), "/modify")
		var req struct {
			AddLabelIds    []string `json:"addLabelIds"`
			RemoveLabelIds []string `json:"removeLabelIds"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.modified[id] = append(req.RemoveLabelIds, req.AddLabelIds...)
		json.NewEncoder(w).Encode(map[string]any{"id": id})

	case strings.Contains(path, "/attachments/"):
		json.NewEncoder(w).Encode(map[string]any{"data": b64("%PDF"), "size": 4})

	case strings.HasPrefix(path, "messages/") && r.Method == http.MethodGet:
		id := strings.TrimPrefix(path, "messages/")
		if code := f.failGet[id]; code != 0 {
			writeAPIError(w, code, "failed")
			return
		}
		msg, ok := f.messages[id]
		if !ok {
			writeAPIError(w, http.StatusNotFound, "notFound")
			return
		}
		json.NewEncoder(w).Encode(msg)

	case path == "labels" && r.Method == http.MethodGet:
		json.NewEncoder(w).Encode(map[string]any{"labels": f.labels})

	case path == "labels" && r.Method == http.MethodPost:
		var l map[string]string
		json.NewDecoder(r.Body).Decode(&l)
		f.created = append(f.created, l["name"])
		json.NewEncoder(w).Encode(map[string]string{"id": "Label_99", "name": l["name"]})

	case path == "watch" && r.Method == http.MethodPost:
		json.NewEncoder(w).Encode(map[string]string{"historyId": "4242", "expiration": "1700000000000"})

	default:
		writeAPIError(w, http.StatusNotFound, "notFound")
	}
}

type memSeen struct {
	mu  sync.Mutex
	ids map[string]bool
}

func newMemSeen(ids ...string) *memSeen {
	s := &memSeen{ids: make(map[string]bool)}
	for _, id := range ids {
		s.ids[id] = true
	}
	return s
}

func (s *memSeen) Seen(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[id], nil
}

func (s *memSeen) Mark(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = true
	return nil
}

func newTestGmail(t *testing.T, f *fakeGmail, cfg GmailConfig, seen SeenTracker) *Gmail {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	g, err := NewGmail(context.Background(), srv.Client(), cfg, seen, option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("NewGmail: %v", err)
	}
	return g
}

// TestGmail_FetchNew verifies ordering, seen filtering and attachment download.
func TestGmail_FetchNew(t *testing.T) {
	f := newFakeGmail()
	f.addMessage("m1", "Broker <broker@example.com>", "Nouveau dossier", "Client Martin")
	f.addMessage("m2", "broker@example.com", "Pièces", "ci-joint")
	f.addMessage("m3", "broker@example.com", "Déjà vu", "")

	g := newTestGmail(t, f, GmailConfig{}, newMemSeen("m3"))

	msgs, err := g.FetchNew(context.Background())
	if err != nil {
		t.Fatalf("FetchNew: %v", err)
	}
	if f.lastQuery != "label:INBOX is:unread" {
		t.Errorf("query = %q", f.lastQuery)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("order = %s, %s; want oldest first", msgs[0].ID, msgs[1].ID)
	}
	if msgs[0].From != "broker@example.com" {
		t.Errorf("From = %q", msgs[0].From)
	}
	if len(msgs[0].Attachments) != 1 || string(msgs[0].Attachments[0].Data) != "%PDF" {
		t.Errorf("attachments = %+v", msgs[0].Attachments)
	}
}

// TestGmail_FetchNew_SkipsFailedMessage verifies a per-message error only
// skips that message.
func TestGmail_FetchNew_SkipsFailedMessage(t *testing.T) {
	f := newFakeGmail()
	f.addMessage("m1", "broker@example.com", "a", "")
	f.addMessage("m2", "broker@example.com", "b", "")
	f.failGet["m1"] = http.StatusInternalServerError

	g := newTestGmail(t, f, GmailConfig{}, nil)
	msgs, err := g.FetchNew(context.Background())
	if err != nil {
		t.Fatalf("FetchNew: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Errorf("msgs = %+v", msgs)
	}
}

// TestGmail_ErrorKinds verifies transport and auth failures are classified.
func TestGmail_ErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		code int
		want failure.Kind
	}{
		{"server error", http.StatusInternalServerError, failure.MailConnection},
		{"unauthorized", http.StatusUnauthorized, failure.MailAuth},
		{"forbidden", http.StatusForbidden, failure.MailAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeGmail()
			f.listCode = tt.code
			g := newTestGmail(t, f, GmailConfig{}, nil)

			_, err := g.FetchNew(context.Background())
			if got := failure.KindOf(err); got != tt.want {
				t.Errorf("kind = %q, want %q (err %v)", got, tt.want, err)
			}
		})
	}
}

// TestGmail_MarkSeen verifies UNREAD removal and processed label creation.
func TestGmail_MarkSeen(t *testing.T) {
	f := newFakeGmail()
	g := newTestGmail(t, f, GmailConfig{ProcessedLabel: "Traité"}, nil)

	if err := g.MarkSeen(context.Background(), "m1"); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if err := g.MarkSeen(context.Background(), "m2"); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}

	if got := f.modified["m1"]; len(got) != 2 || got[0] != "UNREAD" || got[1] != "Label_99" {
		t.Errorf("modify m1 = %v", got)
	}
	if len(f.created) != 1 {
		t.Errorf("label created %d times, want 1", len(f.created))
	}
}

// TestGmail_MarkSeen_ExistingLabel verifies an existing label is reused.
func TestGmail_MarkSeen_ExistingLabel(t *testing.T) {
	f := newFakeGmail()
	f.labels = []map[string]string{{"id": "Label_7", "name": "traité"}}
	g := newTestGmail(t, f, GmailConfig{ProcessedLabel: "Traité"}, nil)

	if err := g.MarkSeen(context.Background(), "m1"); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if got := f.modified["m1"]; len(got) != 2 || got[1] != "Label_7" {
		t.Errorf("modify m1 = %v", got)
	}
	if len(f.created) != 0 {
		t.Error("label should not be created")
	}
}

// TestWatcher_Register verifies the watch call and recorded expiry.
func TestWatcher_Register(t *testing.T) {
	f := newFakeGmail()
	g := newTestGmail(t, f, GmailConfig{}, nil)

	w := NewWatcher(g.Service(), "projects/p/topics/mail", 0)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if got := w.Expiration().UnixMilli(); got != 1700000000000 {
		t.Errorf("expiration = %d", got)
	}
}
