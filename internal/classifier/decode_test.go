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

package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonie/brokerflow/internal/models"
)

// TestDecode verifies validation and coercion of model output.
func TestDecode(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		action     models.ActionType
		confidence float64
		check      func(t *testing.T, f models.Fields)
	}{
		{
			name:       "canonical",
			in:         `{"action":"new_case","confidence":0.92,"fields":{"client_surname":" Dupont ","client_given_name":"Jean","client_email":"Jean.Dupont@Mail.FR","loan_type":"Immobilier"}}`,
			action:     models.ActionNewCase,
			confidence: 0.92,
			check: func(t *testing.T, f models.Fields) {
				assert.Equal(t, "Dupont", f.ClientSurname)
				assert.Equal(t, "jean.dupont@mail.fr", f.ClientEmail)
				assert.Equal(t, "immobilier", f.LoanType)
			},
		},
		{
			name:       "legacy french",
			in:         `{"action":"MODIFIER_LISTE","confiance":"0.7","resume":"ajout compromis","details":{"client_nom":"Durand","pieces_a_ajouter":["compromis de vente",""],"pieces_a_retirer":["RIB"]}}`,
			action:     models.ActionUpdateChecklist,
			confidence: 0.7,
			check: func(t *testing.T, f models.Fields) {
				assert.Equal(t, "Durand", f.ClientSurname)
				assert.Equal(t, []string{"compromis de vente"}, f.PiecesToAdd)
				assert.Equal(t, []string{"RIB"}, f.PiecesToRemove)
			},
		},
		{
			name:       "clamped and fenced",
			in:         "```json\n{\"action\":\"SEND_DOCUMENTS\",\"confidence\":1.7,\"fields\":{\"attachment_count\":-2,\"client_surname\":null}}\n```",
			action:     models.ActionSendDocuments,
			confidence: 1,
			check: func(t *testing.T, f models.Fields) {
				assert.Zero(t, f.AttachmentCount)
				assert.Empty(t, f.ClientSurname)
			},
		},
		{
			name:       "huge count",
			in:         `{"action":"SEND_DOCUMENTS","confidence":0.8,"fields":{"attachment_count":1e30}}`,
			action:     models.ActionSendDocuments,
			confidence: 0.8,
			check: func(t *testing.T, f models.Fields) {
				assert.Equal(t, maxCount, f.AttachmentCount)
			},
		},
		{
			name:       "out of enum",
			in:         `{"action":"SPAM","confidence":0.9}`,
			action:     models.ActionOther,
			confidence: 0,
		},
		{
			name:       "missing confidence",
			in:         `{"action":"QUESTION"}`,
			action:     models.ActionOther,
			confidence: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := decode(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.action, res.Action)
			assert.InDelta(t, tt.confidence, res.Confidence, 1e-9)
			if tt.check != nil {
				tt.check(t, res.Fields)
			}
		})
	}
}

// TestDecode_Invalid verifies unusable output is an error.
func TestDecode_Invalid(t *testing.T) {
	for _, in := range []string{"", "not json", `{"confidence":0.9}`} {
		_, err := decode(in)
		assert.Error(t, err, "input %q", in)
	}
}
