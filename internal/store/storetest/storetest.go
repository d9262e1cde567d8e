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

// Package storetest is a behavioural suite every store.Store must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonie/brokerflow/internal/models"
	"github.com/leonie/brokerflow/internal/store"
)

// Run exercises s against the store contract. newStore must return an
// empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Brokers", func(t *testing.T) { testBrokers(t, newStore(t)) })
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("PieceTypes", func(t *testing.T) { testPieceTypes(t, newStore(t)) })
	t.Run("PieceRecords", func(t *testing.T) { testPieceRecords(t, newStore(t)) })
	t.Run("Classifications", func(t *testing.T) { testClassifications(t, newStore(t)) })
	t.Run("Activity", func(t *testing.T) { testActivity(t, newStore(t)) })
}

func testBrokers(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertBroker(ctx, models.Broker{
		ID: "b1", Email: "Courtier@Agence.fr", Surname: "Durand", GivenName: "Anne",
		RootFolderRef: "root-1", Active: true,
	}))

	b, err := s.FindBrokerByEmail(ctx, "courtier@agence.fr")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "b1", b.ID)
	assert.Equal(t, "root-1", b.RootFolderRef)
	assert.True(t, b.Active)

	missing, err := s.FindBrokerByEmail(ctx, "nobody@agence.fr")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.UpsertBroker(ctx, models.Broker{
		ID: "b1", Email: "courtier@agence.fr", Surname: "Durand", GivenName: "Anne",
		RootFolderRef: "root-2", Active: false,
	}))
	b, err = s.GetBroker(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "root-2", b.RootFolderRef)
	assert.False(t, b.Active)

	all, err := s.ListBrokers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testClients(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertBroker(ctx, models.Broker{ID: "b1", Email: "b@x.fr", Active: true}))

	c := &models.Client{
		BrokerID: "b1", Surname: "Dupont", GivenName: "Jean",
		Emails: []string{"jean@x.fr"}, LoanType: "immobilier", Status: models.ClientOpen,
		SourceMessageID: "m-new",
	}
	require.NoError(t, s.CreateClient(ctx, c))
	require.NotEmpty(t, c.ID)

	require.NoError(t, s.AddClientEmail(ctx, c.ID, "JD@Work.fr"))
	require.NoError(t, s.AddClientEmail(ctx, c.ID, "jd@work.fr"))

	got, err := s.GetClient(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"jean@x.fr", "jd@work.fr"}, got.Emails)
	assert.Equal(t, "m-new", got.SourceMessageID)

	require.NoError(t, s.SetClientFolder(ctx, c.ID, "folder-9"))

	// A snapshot taken before the address and folder writes must not
	// roll them back.
	stale := *c
	stale.Status = models.ClientComplete
	require.NoError(t, s.UpdateClient(ctx, &stale))

	list, err := s.ListClientsByBroker(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.ClientComplete, list[0].Status)
	assert.Equal(t, "folder-9", list[0].FolderRef)
	assert.Equal(t, []string{"jean@x.fr", "jd@work.fr"}, list[0].Emails)

	other, err := s.ListClientsByBroker(ctx, "b2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testPieceTypes(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertPieceType(ctx, models.PieceType{ID: "p2", LoanType: "immobilier", Name: "Compromis", Order: 2, Required: true}))
	require.NoError(t, s.UpsertPieceType(ctx, models.PieceType{ID: "p1", LoanType: store.CommonLoanType, Name: "CNI", Order: 1, Required: true, Keywords: []string{"cni"}}))
	require.NoError(t, s.UpsertPieceType(ctx, models.PieceType{ID: "p3", LoanType: "professionnel", Name: "Kbis", Order: 1}))

	immo, err := s.ListPieceTypes(ctx, "immobilier")
	require.NoError(t, err)
	require.Len(t, immo, 2)
	assert.Equal(t, "p1", immo[0].ID)
	assert.Equal(t, "p2", immo[1].ID)
	assert.Equal(t, []string{"cni"}, immo[0].Keywords)

	all, err := s.ListPieceTypes(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testPieceRecords(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertBroker(ctx, models.Broker{ID: "b1", Email: "b@x.fr", Active: true}))
	c := &models.Client{BrokerID: "b1", Surname: "Dupont", GivenName: "Jean", Status: models.ClientOpen}
	require.NoError(t, s.CreateClient(ctx, c))

	now := time.Now().UTC()
	first := &models.PieceRecord{ClientID: c.ID, Status: models.PieceReceived, ContentHash: "h1", Filename: "a.pdf", ReceivedAt: &now}
	require.NoError(t, s.InsertPieceRecord(ctx, first))

	dup := &models.PieceRecord{ClientID: c.ID, Status: models.PieceReceived, ContentHash: "h1", Filename: "a-copy.pdf"}
	err := s.InsertPieceRecord(ctx, dup)
	assert.True(t, errors.Is(err, store.ErrDuplicateHash), "want ErrDuplicateHash, got %v", err)

	// Empty hashes never collide (checklist slots).
	require.NoError(t, s.InsertPieceRecord(ctx, &models.PieceRecord{ClientID: c.ID, Status: models.PieceMissing, PieceTypeID: "p1"}))
	slot := &models.PieceRecord{ClientID: c.ID, Status: models.PieceMissing, PieceTypeID: "p2"}
	require.NoError(t, s.InsertPieceRecord(ctx, slot))

	found, err := s.FindPieceByHash(ctx, c.ID, "h1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)

	none, err := s.FindPieceByHash(ctx, c.ID, "h2")
	require.NoError(t, err)
	assert.Nil(t, none)

	slot.Status = models.PieceReceived
	slot.ContentHash = "h1"
	assert.True(t, errors.Is(s.UpdatePieceRecord(ctx, slot), store.ErrDuplicateHash))

	slot.ContentHash = "h2"
	require.NoError(t, s.UpdatePieceRecord(ctx, slot))

	list, err := s.ListPieceRecords(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	require.NoError(t, s.DeletePieceRecord(ctx, slot.ID))
	list, err = s.ListPieceRecords(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func testClassifications(t *testing.T, s store.Store) {
	ctx := context.Background()
	msg := &models.Message{ID: "m1", From: "b@x.fr", Subject: "Nouveau dossier", ReceivedAt: time.Now().UTC()}
	require.NoError(t, s.SaveMessage(ctx, msg))
	require.NoError(t, s.SaveMessage(ctx, msg))

	res := models.ClassificationResult{
		Action: models.ActionNewCase, Confidence: 0.9, Summary: "nouveau dossier",
		Fields: models.Fields{ClientSurname: "Martin", ClientGivenName: "Jean", LoanType: "immobilier"},
	}
	require.NoError(t, s.SaveClassification(ctx, "m1", res))

	// Immutable: a second save is ignored.
	require.NoError(t, s.SaveClassification(ctx, "m1", models.DegradedResult("late")))

	got, err := s.GetClassification(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.ActionNewCase, got.Action)
	assert.Equal(t, "Martin", got.Fields.ClientSurname)

	none, err := s.GetClassification(ctx, "m2")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func testActivity(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := &models.ActivityLogEntry{
		Kind: models.ActivityCaseCreated, BrokerID: "b1", MessageID: "m1",
		Detail: map[string]any{"client": "Jean Martin"},
	}
	require.NoError(t, s.AppendActivity(ctx, e))
	assert.NotEmpty(t, e.ID)

	err := s.AppendActivity(ctx, &models.ActivityLogEntry{Kind: models.ActivityIgnored, MessageID: "m1"})
	assert.True(t, errors.Is(err, store.ErrDuplicateActivity), "want ErrDuplicateActivity, got %v", err)

	// Entries without a message id are not constrained.
	require.NoError(t, s.AppendActivity(ctx, &models.ActivityLogEntry{Kind: "operator_note", BrokerID: "b1"}))
	require.NoError(t, s.AppendActivity(ctx, &models.ActivityLogEntry{Kind: "operator_note", BrokerID: "b1"}))

	has, err := s.HasActivityForMessage(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = s.HasActivityForMessage(ctx, "m2")
	require.NoError(t, err)
	assert.False(t, has)

	list, err := s.ListActivity(ctx, "b1", 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "Jean Martin", list[len(list)-1].Detail["client"])
}
