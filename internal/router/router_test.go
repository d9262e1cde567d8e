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

package router

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonie/brokerflow/internal/document"
	"github.com/leonie/brokerflow/internal/failure"
	"github.com/leonie/brokerflow/internal/models"
	"github.com/leonie/brokerflow/internal/notify"
	"github.com/leonie/brokerflow/internal/queue"
	"github.com/leonie/brokerflow/internal/resolver"
	"github.com/leonie/brokerflow/internal/storage"
	"github.com/leonie/brokerflow/internal/store/memory"
)

const brokerEmail = "sophie@courtage.fr"

// stubClassifier returns a canned result per subject.
type stubClassifier struct {
	mu      sync.Mutex
	results map[string]models.ClassificationResult
	calls   int
}

func (s *stubClassifier) Classify(_ context.Context, subject, _ string) models.ClassificationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if r, ok := s.results[subject]; ok {
		return r
	}
	return models.DegradedResult("no canned result")
}

// stubProcessor hashes the raw bytes; ".exe" is unsupported and names
// containing "broken" fail conversion.
type stubProcessor struct{}

func (stubProcessor) Process(_ context.Context, att models.Attachment) (*document.Artifact, error) {
	switch {
	case filepath.Ext(att.Filename) == ".exe":
		return nil, failure.Newf(failure.UnsupportedDocument, "document.process", "unsupported type")
	case filepath.Base(att.Filename) == "broken.docx":
		return nil, failure.Newf(failure.ConversionTool, "document.convert", "soffice exited 1")
	}
	return &document.Artifact{
		Data:        att.Data,
		Filename:    document.PDFName(att.Filename),
		MimeType:    document.MimePDF,
		ContentHash: document.Hash(att.Data),
		SourceMime:  att.MimeType,
	}, nil
}

type sentNotification struct {
	broker   string
	template string
	data     any
}

type recordingNotifier struct {
	mu     sync.Mutex
	sent   []sentNotification
	alerts []string
}

func (n *recordingNotifier) Notify(b *models.Broker, template string, data any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{broker: b.ID, template: template, data: data})
}

func (n *recordingNotifier) Alert(kind string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, kind)
}

func (n *recordingNotifier) templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		out = append(out, s.template)
	}
	return out
}

type harness struct {
	router *Router
	store  *memory.Store
	files  *storage.Memory
	cls    *stubClassifier
	notes  *recordingNotifier
	broker models.Broker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	st := memory.New()
	broker := models.Broker{ID: "b1", Email: brokerEmail, Surname: "Martin", GivenName: "Sophie", RootFolderRef: "root-1", Active: true}
	require.NoError(t, st.UpsertBroker(ctx, broker))
	for _, pt := range []models.PieceType{
		{ID: "cni", LoanType: "commun", Name: "Pièce d'identité", Keywords: []string{"identite", "cni"}, Required: true, Order: 1},
		{ID: "avis", LoanType: "commun", Name: "Avis d'imposition", Keywords: []string{"imposition"}, Required: true, Order: 2},
		{ID: "compromis", LoanType: "immobilier", Name: "Compromis de vente", Keywords: []string{"compromis"}, Required: true, Order: 3},
		{ID: "kbis", LoanType: "professionnel", Name: "Extrait Kbis", Keywords: []string{"kbis"}, Required: true, Order: 4},
		{ID: "bilan", LoanType: "professionnel", Name: "Bilan comptable", Keywords: []string{"bilan"}, Required: false, Order: 5},
	} {
		require.NoError(t, st.UpsertPieceType(ctx, pt))
	}

	files := storage.NewMemory()
	files.AddRoot("root-1")
	cls := &stubClassifier{results: map[string]models.ClassificationResult{}}
	notes := &recordingNotifier{}

	r := New(Deps{
		Store:      st,
		Classifier: cls,
		Resolver:   resolver.New(st),
		Documents:  stubProcessor{},
		Storage:    storage.NewTree(files, time.Second),
		Notifier:   notes,
		Locker:     queue.NewLocalLocker(),
	})
	return &harness{router: r, store: st, files: files, cls: cls, notes: notes, broker: broker}
}

// interleavingLocker runs before once, just ahead of the first acquisition
// of key, standing in for another worker that commits first.
type interleavingLocker struct {
	queue.Locker
	key    string
	once   sync.Once
	before func()
}

func (l *interleavingLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if key == l.key {
		l.once.Do(l.before)
	}
	return l.Locker.Acquire(ctx, key)
}

func (h *harness) interleave(key string, before func()) {
	h.router.d.Locker = &interleavingLocker{Locker: h.router.d.Locker, key: key, before: before}
}

// flakyStore fails the first failFolder folder writes.
type flakyStore struct {
	*memory.Store
	failFolder int
}

func (s *flakyStore) SetClientFolder(ctx context.Context, clientID, ref string) error {
	if s.failFolder > 0 {
		s.failFolder--
		return errors.New("connection reset")
	}
	return s.Store.SetClientFolder(ctx, clientID, ref)
}

func (h *harness) classify(subject string, action models.ActionType, f models.Fields) {
	h.cls.results[subject] = models.ClassificationResult{Action: action, Confidence: 0.9, Fields: f}
}

func (h *harness) addClient(t *testing.T, surname, given string) *models.Client {
	t.Helper()
	c := &models.Client{BrokerID: h.broker.ID, Surname: surname, GivenName: given, Status: models.ClientOpen}
	require.NoError(t, h.store.CreateClient(context.Background(), c))
	return c
}

func (h *harness) activity(t *testing.T) []models.ActivityLogEntry {
	t.Helper()
	entries, err := h.store.ListActivity(context.Background(), "", 0)
	require.NoError(t, err)
	return entries
}

func (h *harness) pieces(t *testing.T, clientID string) []models.PieceRecord {
	t.Helper()
	recs, err := h.store.ListPieceRecords(context.Background(), clientID)
	require.NoError(t, err)
	return recs
}

func countStatus(recs []models.PieceRecord, status models.PieceStatus) int {
	n := 0
	for _, r := range recs {
		if r.Status == status {
			n++
		}
	}
	return n
}

func pdf(name, content string) models.Attachment {
	return models.Attachment{Filename: name, MimeType: document.MimePDF, Data: []byte(content), Size: len(content)}
}

func docsMessage() *models.Message {
	return &models.Message{
		ID:      "m-docs",
		From:    "Sophie Martin <" + brokerEmail + ">",
		Subject: "Docs client",
		Body:    "Bonjour, voici les documents de Jean Dupont.",
		Attachments: []models.Attachment{
			pdf("bulletin_salaire.pdf", "%PDF salaire"),
			pdf("rib.pdf", "%PDF rib"),
		},
	}
}

// TestScenarioA_NewCase verifies a client is created with its folder and checklist.
func TestScenarioA_NewCase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.classify("Nouveau dossier pour Jean Martin", models.ActionNewCase, models.Fields{
		ClientSurname: "Martin", ClientGivenName: "Jean", LoanType: "Prêt immobilier", ClientEmail: "Jean.Martin@gmail.com",
	})

	msg := &models.Message{ID: "m-a", From: brokerEmail, Subject: "Nouveau dossier pour Jean Martin"}
	require.NoError(t, h.router.Route(ctx, msg))

	clients, err := h.store.ListClientsByBroker(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, clients, 1)
	c := clients[0]
	assert.Equal(t, "Jean Martin", c.DisplayName())
	assert.Equal(t, models.ClientOpen, c.Status)
	assert.Equal(t, "immobilier", c.LoanType)
	assert.Equal(t, []string{"jean.martin@gmail.com"}, c.Emails)
	require.NotEmpty(t, c.FolderRef)
	assert.Equal(t, []string{"Broker_Martin_Sophie", "Client_Martin_Jean"}, h.files.Path(c.FolderRef))

	recs := h.pieces(t, c.ID)
	assert.Len(t, recs, 3, "required commun and immobilier pieces")
	assert.Equal(t, 3, countStatus(recs, models.PieceMissing))

	entries := h.activity(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActivityCaseCreated, entries[0].Kind)
	assert.Equal(t, c.ID, entries[0].ClientID)
	assert.Equal(t, []string{"case_created"}, h.notes.templates())
}

// TestNewCase_SameNameReused verifies a second NEW_CASE for the same name
// does not create a second client.
func TestNewCase_SameNameReused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.classify("Nouveau dossier", models.ActionNewCase, models.Fields{ClientSurname: "Martin", ClientGivenName: "Jean"})

	require.NoError(t, h.router.Route(ctx, &models.Message{ID: "m1", From: brokerEmail, Subject: "Nouveau dossier"}))
	require.NoError(t, h.router.Route(ctx, &models.Message{ID: "m2", From: brokerEmail, Subject: "Nouveau dossier"}))

	clients, err := h.store.ListClientsByBroker(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, clients, 1)

	entries := h.activity(t)
	require.Len(t, entries, 2)
	assert.Equal(t, models.ActivityCaseExists, entries[0].Kind)
	assert.Equal(t, models.ActivityCaseCreated, entries[1].Kind)
	assert.Len(t, h.notes.templates(), 1)
}

// TestNewCase_NoName verifies a NEW_CASE without a name creates nothing.
func TestNewCase_NoName(t *testing.T) {
	h := newHarness(t)
	h.classify("Nouveau dossier", models.ActionNewCase, models.Fields{})

	require.NoError(t, h.router.Route(context.Background(), &models.Message{ID: "m1", From: brokerEmail, Subject: "Nouveau dossier"}))

	entries := h.activity(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActivityClientAmbiguous, entries[0].Kind)
	assert.Equal(t, 0, h.files.FileCount())
	assert.Equal(t, []string{"ambiguous_client"}, h.notes.templates())
}

// TestNewCase_RetryAfterCrash verifies a NEW_CASE retried after its client
// row was written still announces the case, exactly once.
func TestNewCase_RetryAfterCrash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.router.d.Store = &flakyStore{Store: h.store, failFolder: 1}
	h.classify("Nouveau dossier", models.ActionNewCase, models.Fields{ClientSurname: "Martin", ClientGivenName: "Jean"})
	msg := &models.Message{ID: "m1", From: brokerEmail, Subject: "Nouveau dossier"}

	require.Error(t, h.router.Route(ctx, msg))
	assert.Empty(t, h.activity(t))
	assert.Empty(t, h.notes.templates())

	require.NoError(t, h.router.Route(ctx, msg))

	clients, err := h.store.ListClientsByBroker(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "m1", clients[0].SourceMessageID)
	assert.NotEmpty(t, clients[0].FolderRef)

	entries := h.activity(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActivityCaseCreated, entries[0].Kind)
	assert.Equal(t, []string{"case_created"}, h.notes.templates())
}

// TestScenarioB_SendDocuments verifies a name match files both attachments.
func TestScenarioB_SendDocuments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	client := h.addClient(t, "Dupont", "Jean")
	h.classify("Docs client", models.ActionSendDocuments, models.Fields{ClientSurname: "Dupont", ClientGivenName: "Jean"})

	require.NoError(t, h.router.Route(ctx, docsMessage()))

	recs := h.pieces(t, client.ID)
	require.Len(t, recs, 2)
	assert.Equal(t, 2, countStatus(recs, models.PieceReceived))
	assert.NotEqual(t, recs[0].ContentHash, recs[1].ContentHash)

	stored, err := h.store.GetClient(ctx, client.ID)
	require.NoError(t, err)
	assert.Len(t, h.files.Files(stored.FolderRef), 2)

	entries := h.activity(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActivityDocumentsReceived, entries[0].Kind)
	assert.Equal(t, client.ID, entries[0].ClientID)
	assert.Empty(t, h.notes.templates())
}

// TestScenarioC_Replay verifies replaying a routed message changes nothing.
func TestScenarioC_Replay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	client := h.addClient(t, "Dupont", "Jean")
	h.classify("Docs client", models.ActionSendDocuments, models.Fields{ClientSurname: "Dupont", ClientGivenName: "Jean"})

	require.NoError(t, h.router.Route(ctx, docsMessage()))
	require.NoError(t, h.router.Route(ctx, docsMessage()))

	assert.Len(t, h.pieces(t, client.ID), 2)
	assert.Len(t, h.activity(t), 1)
	assert.Equal(t, 2, h.files.FileCount())
	assert.Equal(t, 1, h.cls.calls)
}

// TestRetryAfterPartialFailure verifies a transient upload failure is
// retried without re-classifying or duplicating records.
func TestRetryAfterPartialFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	client := h.addClient(t, "Dupont", "Jean")
	h.classify("Docs client", models.ActionSendDocuments, models.Fields{ClientSurname: "Dupont", ClientGivenName: "Jean"})

	h.files.FailPuts(errors.New("503"))
	err := h.router.Route(ctx, docsMessage())
	require.Error(t, err)
	assert.True(t, failure.IsTransient(err))
	assert.Empty(t, h.activity(t))

	h.files.FailPuts(nil)
	require.NoError(t, h.router.Route(ctx, docsMessage()))

	assert.Equal(t, 2, countStatus(h.pieces(t, client.ID), models.PieceReceived))
	assert.Len(t, h.activity(t), 1)
	assert.Equal(t, 1, h.cls.calls, "stored classification is reused")
}

// TestScenarioD_Quarantine verifies unresolvable clients never get records.
func TestScenarioD_Quarantine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	known := h.addClient(t, "Dupont", "Jean")
	h.classify("Docs client", models.ActionSendDocuments, models.Fields{ClientSurname: "Inconnu", ClientGivenName: "Paul"})

	require.NoError(t, h.router.Route(ctx, docsMessage()))

	assert.Empty(t, h.pieces(t, known.ID))

	entries := h.activity(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActivityDocumentsQuarantined, entries[0].Kind)
	folder, _ := entries[0].Detail["folder_ref"].(string)
	assert.Equal(t, []string{"Broker_Martin_Sophie", "Quarantine", "Inconnu_Paul"}, h.files.Path(folder))

	files := h.files.Files(folder)
	require.Len(t, files, 2)
	assert.Equal(t, "m-docs_bulletin_salaire.pdf", files[0].Name)
	assert.Equal(t, "m-docs_rib.pdf", files[1].Name)

	assert.Equal(t, []string{"ambiguous_client"}, h.notes.templates())
}

// TestAmbiguity_NeverPicksACandidate verifies equally ranked clients are
// escalated rather than guessed.
func TestAmbiguity_NeverPicksACandidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addClient(t, "Dupont", "Jean")
	b := h.addClient(t, "Dupont", "Jean")
	h.classify("Docs client", models.ActionSendDocuments, models.Fields{ClientSurname: "Dupont", ClientGivenName: "Jean"})

	require.NoError(t, h.router.Route(ctx, docsMessage()))

	assert.Empty(t, h.pieces(t, a.ID))
	assert.Empty(t, h.pieces(t, b.ID))
	require.Len(t, h.notes.sent, 1)
	data, ok := h.notes.sent[0].data.(notify.AmbiguousClient)
	require.True(t, ok)
	assert.Equal(t, []string{"Jean Dupont", "Jean Dupont"}, data.Candidates)
	entries := h.activity(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActivityDocumentsQuarantined, entries[0].Kind)
	assert.Equal(t, resolver.ReasonMultipleCandidates, entries[0].Detail["reason"])
	assert.Len(t, entries[0].Detail["candidates"], 2)
}

// TestAmbiguity_UpdateChecklistEscalates verifies a checklist update that
// matches several clients notifies the broker and changes no client.
func TestAmbiguity_UpdateChecklistEscalates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addClient(t, "Dupont", "Jean")
	b := h.addClient(t, "Dupont", "Jean")
	h.classify("Maj dossier Dupont", models.ActionUpdateChecklist, models.Fields{
		ClientSurname: "Dupont", ClientGivenName: "Jean", Status: "complet",
	})

	require.NoError(t, h.router.Route(ctx, &models.Message{ID: "m-up", From: brokerEmail, Subject: "Maj dossier Dupont"}))

	for _, id := range []string{a.ID, b.ID} {
		stored, err := h.store.GetClient(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.ClientOpen, stored.Status)
	}
	require.Len(t, h.notes.sent, 1)
	assert.Equal(t, notify.TemplateAmbiguousClient, h.notes.sent[0].template)
	data, ok := h.notes.sent[0].data.(notify.AmbiguousClient)
	require.True(t, ok)
	assert.Equal(t, "Maj dossier Dupont", data.Subject)
	assert.Equal(t, []string{"Jean Dupont", "Jean Dupont"}, data.Candidates)

	entries := h.activity(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActivityClientAmbiguous, entries[0].Kind)
	assert.Equal(t, resolver.ReasonMultipleCandidates, entries[0].Detail["reason"])
}

// TestDedup_SameContentTwice verifies identical bytes are filed once.
func TestDedup_SameContentTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	client := h.addClient(t, "Dupont", "Jean")
	h.classify("Docs client", models.ActionSendDocuments, models.Fields{ClientSurname: "Dupont", ClientGivenName: "Jean"})

	first := docsMessage()
	second := docsMessage()
	second.ID = "m-docs-again"
	second.Attachments = []models.Attachment{pdf("rib (1).pdf", "%PDF rib")}

	require.NoError(t, h.router.Route(ctx, first))
	require.NoError(t, h.router.Route(ctx, second))

	assert.Equal(t, 2, countStatus(h.pieces(t, client.ID), models.PieceReceived))
	assert.Equal(t, 2, h.files.FileCount())

	entries := h.activity(t)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Detail["duplicates"])
	assert.Equal(t, 0, entries[0].Detail["received"])
}

// TestDedup_ConcurrentSameContent verifies two workers filing identical
// bytes for one client record the piece once.
func TestDedup_ConcurrentSameContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	client := h.addClient(t, "Dupont", "Jean")
	h.classify("Docs client", models.ActionSendDocuments, models.Fields{ClientSurname: "Dupont", ClientGivenName: "Jean"})

	const workers = 2
	errs := make([]error, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		msg := docsMessage()
		msg.ID = fmt.Sprintf("m-docs-%d", i)
		msg.Attachments = []models.Attachment{pdf(fmt.Sprintf("rib_%d.pdf", i), "%PDF rib")}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = h.router.Route(ctx, msg)
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	recs := h.pieces(t, client.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, models.PieceReceived, recs[0].Status)
	assert.Equal(t, 1, h.files.FileCount())

	duplicates := 0
	for _, e := range h.activity(t) {
		duplicates += e.Detail["duplicates"].(int)
	}
	assert.Equal(t, 1, duplicates)
}

// TestRootFolderInvalid verifies nothing is written and the operator is
// alerted when the broker root is gone.
func TestRootFolderInvalid(t *testing.T) {
	tests := []struct {
		name   string
		action models.ActionType
	}{
		{"new case", models.ActionNewCase},
		{"send documents", models.ActionSendDocuments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			existing := h.addClient(t, "Dupont", "Jean")
			h.files.Trash("root-1")
			h.classify("Docs client", tt.action, models.Fields{ClientSurname: "Dupont", ClientGivenName: "Jean"})

			require.NoError(t, h.router.Route(ctx, docsMessage()), "invalid root is terminal, not retried")

			clients, err := h.store.ListClientsByBroker(ctx, "b1")
			require.NoError(t, err)
			assert.Len(t, clients, 1)
			assert.Empty(t, h.pieces(t, existing.ID))
			assert.Equal(t, 0, h.files.FileCount())

			entries := h.activity(t)
			require.Len(t, entries, 1)
			assert.Equal(t, models.ActivityRootFolderInvalid, entries[0].Kind)
			assert.Equal(t, []string{"root_folder_invalid"}, h.notes.alerts)
			assert.Empty(t, h.notes.templates())
		})
	}
}

// TestClassifierDegraded verifies degraded messages are only logged.
func TestClassifierDegraded(t *testing.T) {
	h := newHarness(t)
	h.addClient(t, "Dupont", "Jean")

	// No canned result: the stub degrades.
	require.NoError(t, h.router.Route(context.Background(), docsMessage()))

	entries := h.activity(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActivityClassificationDegraded, entries[0].Kind)
	assert.Equal(t, 0.0, entries[0].Detail["confidence"])
	assert.Equal(t, 0, h.files.FileCount())
	assert.Empty(t, h.notes.templates())

	stored, err := h.store.GetClassification(context.Background(), "m-docs")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.ActionOther, stored.Action)
}

// TestOtherIsIgnored verifies OTHER messages leave no trace but the log.
func TestOtherIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.classify("Question", models.ActionOther, models.Fields{})

	require.NoError(t, h.router.Route(context.Background(), &models.Message{ID: "m1", From: brokerEmail, Subject: "Question"}))

	entries := h.activity(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActivityIgnored, entries[0].Kind)
	assert.Equal(t, "b1", entries[0].BrokerID)
}

// TestUnknownSender verifies mail from outside the broker list is logged.
func TestUnknownSender(t *testing.T) {
	h := newHarness(t)
	h.classify("Docs client", models.ActionSendDocuments, models.Fields{ClientSurname: "Dupont"})
	msg := docsMessage()
	msg.From = "spam@example.com"

	require.NoError(t, h.router.Route(context.Background(), msg))

	entries := h.activity(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActivityUnknownSender, entries[0].Kind)
	assert.Empty(t, entries[0].BrokerID)
	assert.Equal(t, 0, h.files.FileCount())
}

// TestUnsupportedDocuments verifies unrecognized pieces are recorded and
// the broker told, and conversion failures reach the operator.
func TestUnsupportedDocuments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	client := h.addClient(t, "Dupont", "Jean")
	h.classify("Docs client", models.ActionSendDocuments, models.Fields{ClientSurname: "Dupont", ClientGivenName: "Jean"})

	msg := docsMessage()
	msg.Attachments = []models.Attachment{
		pdf("rib.pdf", "%PDF rib"),
		{Filename: "setup.exe", MimeType: "application/x-msdownload", Data: []byte("MZ")},
		{Filename: "broken.docx", MimeType: "application/msword", Data: []byte("PK")},
	}
	require.NoError(t, h.router.Route(ctx, msg))

	recs := h.pieces(t, client.ID)
	assert.Equal(t, 1, countStatus(recs, models.PieceReceived))
	assert.Equal(t, 2, countStatus(recs, models.PieceUnrecognized))
	assert.Equal(t, 1, h.files.FileCount(), "unsupported files are not uploaded")

	assert.Equal(t, []string{"unrecognized_document"}, h.notes.templates())
	assert.Equal(t, []string{"conversion_failed"}, h.notes.alerts)
}

// TestReceivedFillsMissingSlot verifies a matching document upgrades the
// checklist entry instead of adding a new record.
func TestReceivedFillsMissingSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	client := h.addClient(t, "Dupont", "Jean")
	require.NoError(t, h.store.InsertPieceRecord(ctx, &models.PieceRecord{ClientID: client.ID, PieceTypeID: "avis", Status: models.PieceMissing}))
	h.classify("Docs client", models.ActionSendDocuments, models.Fields{ClientSurname: "Dupont", ClientGivenName: "Jean"})

	msg := docsMessage()
	msg.Attachments = []models.Attachment{pdf("avis_imposition_2024.pdf", "%PDF avis")}
	require.NoError(t, h.router.Route(ctx, msg))

	recs := h.pieces(t, client.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, "avis", recs[0].PieceTypeID)
	assert.Equal(t, models.PieceReceived, recs[0].Status)
	assert.Equal(t, "m-docs", recs[0].MessageID)
}

// TestUpdateChecklist verifies loan type, status and piece deltas.
func TestUpdateChecklist(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	client := h.addClient(t, "Dupont", "Jean")
	for _, id := range []string{"cni", "compromis"} {
		require.NoError(t, h.store.InsertPieceRecord(ctx, &models.PieceRecord{ClientID: client.ID, PieceTypeID: id, Status: models.PieceMissing}))
	}
	h.classify("Maj dossier Dupont", models.ActionUpdateChecklist, models.Fields{
		ClientSurname:   "Dupont",
		ClientGivenName: "Jean",
		Status:          "complet",
		PiecesToAdd:     []string{"Bilan comptable", "Licence de pêche"},
		PiecesToRemove:  []string{"compromis"},
	})

	require.NoError(t, h.router.Route(ctx, &models.Message{ID: "m-up", From: brokerEmail, Subject: "Maj dossier Dupont"}))

	stored, err := h.store.GetClient(ctx, client.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ClientComplete, stored.Status)

	ids := map[string]bool{}
	for _, r := range h.pieces(t, client.ID) {
		ids[r.PieceTypeID] = true
	}
	assert.Equal(t, map[string]bool{"cni": true, "bilan": true}, ids)

	entries := h.activity(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActivityChecklistUpdated, entries[0].Kind)
	assert.Equal(t, []string{"Licence de pêche"}, entries[0].Detail["unknown"])
}

// TestUpdateChecklist_LoanTypeSeeds verifies a loan type change adds the
// new type's required pieces.
func TestUpdateChecklist_LoanTypeSeeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	client := h.addClient(t, "Dupont", "Jean")
	h.classify("Maj", models.ActionUpdateChecklist, models.Fields{ClientSurname: "Dupont", ClientGivenName: "Jean", LoanType: "professionnel"})

	require.NoError(t, h.router.Route(ctx, &models.Message{ID: "m-up", From: brokerEmail, Subject: "Maj"}))

	stored, err := h.store.GetClient(ctx, client.ID)
	require.NoError(t, err)
	assert.Equal(t, "professionnel", stored.LoanType)
	assert.Equal(t, 3, countStatus(h.pieces(t, client.ID), models.PieceMissing), "cni, avis and kbis")
}

// TestConcurrentWritesSurviveLock verifies writes committed by another
// worker between resolution and the client lock are not rolled back.
func TestConcurrentWritesSurviveLock(t *testing.T) {
	t.Run("status kept by send documents", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		client := h.addClient(t, "Dupont", "Jean")
		h.classify("Docs client", models.ActionSendDocuments, models.Fields{ClientSurname: "Dupont", ClientGivenName: "Jean"})
		h.interleave("client:"+client.ID, func() {
			c, err := h.store.GetClient(ctx, client.ID)
			require.NoError(t, err)
			c.Status = models.ClientComplete
			require.NoError(t, h.store.UpdateClient(ctx, c))
		})

		require.NoError(t, h.router.Route(ctx, docsMessage()))

		stored, err := h.store.GetClient(ctx, client.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ClientComplete, stored.Status)
		assert.NotEmpty(t, stored.FolderRef)
		assert.Equal(t, 2, countStatus(h.pieces(t, client.ID), models.PieceReceived))
	})

	t.Run("learned address kept by update checklist", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		client := h.addClient(t, "Dupont", "Jean")
		h.classify("Maj", models.ActionUpdateChecklist, models.Fields{ClientSurname: "Dupont", ClientGivenName: "Jean", Status: "complet"})
		h.interleave("client:"+client.ID, func() {
			require.NoError(t, h.store.AddClientEmail(ctx, client.ID, "jean.dupont@gmail.com"))
			require.NoError(t, h.store.SetClientFolder(ctx, client.ID, "folder-x"))
		})

		require.NoError(t, h.router.Route(ctx, &models.Message{ID: "m-up", From: brokerEmail, Subject: "Maj"}))

		stored, err := h.store.GetClient(ctx, client.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ClientComplete, stored.Status)
		assert.Equal(t, []string{"jean.dupont@gmail.com"}, stored.Emails)
		assert.Equal(t, "folder-x", stored.FolderRef)
	})

	t.Run("loan type change keeps concurrent status", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		client := h.addClient(t, "Dupont", "Jean")
		h.classify("Maj", models.ActionUpdateChecklist, models.Fields{ClientSurname: "Dupont", ClientGivenName: "Jean", LoanType: "immobilier"})
		h.interleave("client:"+client.ID, func() {
			c, err := h.store.GetClient(ctx, client.ID)
			require.NoError(t, err)
			c.Status = models.ClientArchived
			require.NoError(t, h.store.UpdateClient(ctx, c))
		})

		require.NoError(t, h.router.Route(ctx, &models.Message{ID: "m-up", From: brokerEmail, Subject: "Maj"}))

		stored, err := h.store.GetClient(ctx, client.ID)
		require.NoError(t, err)
		assert.Equal(t, "immobilier", stored.LoanType)
		assert.Equal(t, models.ClientArchived, stored.Status)
	})
}

// TestHandle verifies the queue entry point routes the job's message.
func TestHandle(t *testing.T) {
	h := newHarness(t)
	h.classify("Question", models.ActionOther, models.Fields{})

	err := h.router.Handle(context.Background(), &queue.Job{ID: "j1", Message: models.Message{ID: "m1", From: brokerEmail, Subject: "Question"}})
	require.NoError(t, err)
	assert.Len(t, h.activity(t), 1)
}
