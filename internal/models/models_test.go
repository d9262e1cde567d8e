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
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestParseActionType verifies enum coercion of untrusted classifier output.
func TestParseActionType(t *testing.T) {
	tests := []struct {
		raw    string
		want   ActionType
		wantOK bool
	}{
		{"NEW_CASE", ActionNewCase, true},
		{" send_documents ", ActionSendDocuments, true},
		{"UPDATE_CHECKLIST", ActionUpdateChecklist, true},
		{"OTHER", ActionOther, true},
		{"NOUVEAU_DOSSIER", ActionNewCase, true},
		{"ENVOI_DOCUMENTS", ActionSendDocuments, true},
		{"MODIFIER_LISTE", ActionUpdateChecklist, true},
		{"QUESTION", ActionOther, true},
		{"DELETE_EVERYTHING", ActionOther, false},
		{"", ActionOther, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseActionType(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

// TestActionType_NeedsClient verifies which actions require a client.
func TestActionType_NeedsClient(t *testing.T) {
	assert.False(t, ActionNewCase.NeedsClient())
	assert.True(t, ActionSendDocuments.NeedsClient())
	assert.True(t, ActionUpdateChecklist.NeedsClient())
	assert.False(t, ActionOther.NeedsClient())
}

// TestFoldName verifies accent and case folding.
func TestFoldName(t *testing.T) {
	assert.Equal(t, "eloise dupont", FoldName("  Éloïse   DUPONT "))
	assert.Equal(t, "jean", FoldName("JEAN"))
	assert.Equal(t, "", FoldName("   "))
}

// TestClient_HasEmail verifies case-insensitive address membership.
func TestClient_HasEmail(t *testing.T) {
	c := Client{Emails: []string{"Jean.Dupont@Example.com", "jd@work.fr"}}
	assert.True(t, c.HasEmail("jean.dupont@example.com"))
	assert.True(t, c.HasEmail(" JD@work.fr "))
	assert.False(t, c.HasEmail("other@example.com"))
	assert.False(t, c.HasEmail(""))
}

// TestPieceType_Matches verifies label matching against names and keywords.
func TestPieceType_Matches(t *testing.T) {
	p := PieceType{Name: "Avis d'imposition", Keywords: []string{"impots", "avis imposition"}}
	assert.True(t, p.Matches("avis d'imposition"))
	assert.True(t, p.Matches("Dernier avis imposition 2024"))
	assert.True(t, p.Matches("Impôts"))
	assert.False(t, p.Matches("bulletins de salaire"))
	assert.False(t, p.Matches(""))
}

// TestParseClientStatus verifies status parsing in both languages.
func TestParseClientStatus(t *testing.T) {
	s, ok := ParseClientStatus("Terminé")
	assert.True(t, ok)
	assert.Equal(t, ClientComplete, s)

	s, ok = ParseClientStatus("archived")
	assert.True(t, ok)
	assert.Equal(t, ClientArchived, s)

	_, ok = ParseClientStatus("lost")
	assert.False(t, ok)
}

// TestMessage_IsForward verifies forward detection on subject and body.
func TestMessage_IsForward(t *testing.T) {
	assert.True(t, (&Message{Subject: "Fwd: documents"}).IsForward())
	assert.True(t, (&Message{Subject: "TR: pièces"}).IsForward())
	assert.True(t, (&Message{Subject: "docs", Body: "---------- Forwarded message ---------"}).IsForward())
	assert.False(t, (&Message{Subject: "Nouveau dossier"}).IsForward())
}
