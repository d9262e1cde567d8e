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
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/leonie/brokerflow/internal/models"
)

// rawResult is the untrusted model output. Legacy French keys are accepted
// alongside the canonical ones.
type rawResult struct {
	Action     string    `json:"action"`
	Confidence any       `json:"confidence"`
	Confiance  any       `json:"confiance"`
	Summary    string    `json:"summary"`
	Resume     string    `json:"resume"`
	Fields     rawFields `json:"fields"`
	Details    rawFields `json:"details"`
}

type rawFields struct {
	ClientSurname   *string  `json:"client_surname"`
	ClientNom       *string  `json:"client_nom"`
	ClientGivenName *string  `json:"client_given_name"`
	ClientPrenom    *string  `json:"client_prenom"`
	ClientEmail     *string  `json:"client_email"`
	LoanType        *string  `json:"loan_type"`
	TypePret        *string  `json:"type_pret"`
	AttachmentCount any      `json:"attachment_count"`
	NombrePieces    any      `json:"nombre_pieces"`
	PiecesToAdd     []string `json:"pieces_to_add"`
	PiecesAAjouter  []string `json:"pieces_a_ajouter"`
	PiecesMention   []string `json:"pieces_mentionnees"`
	PiecesToRemove  []string `json:"pieces_to_remove"`
	PiecesARetirer  []string `json:"pieces_a_retirer"`
	Status          *string  `json:"status"`
}

// decode validates raw model output into a ClassificationResult. The
// action is coerced through ParseActionType; an out-of-enum action forces
// confidence to 0. Confidence is clamped to [0,1].
func decode(content string) (models.ClassificationResult, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var raw rawResult
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return models.ClassificationResult{}, fmt.Errorf("decode classification: %w", err)
	}
	if strings.TrimSpace(raw.Action) == "" {
		return models.ClassificationResult{}, fmt.Errorf("decode classification: missing action")
	}

	action, ok := models.ParseActionType(raw.Action)
	confidence := clamp(toFloat(firstNonNil(raw.Confidence, raw.Confiance)))
	if !ok {
		confidence = 0
	}

	f := raw.Fields
	d := raw.Details
	fields := models.Fields{
		ClientSurname:   str(f.ClientSurname, f.ClientNom, d.ClientSurname, d.ClientNom),
		ClientGivenName: str(f.ClientGivenName, f.ClientPrenom, d.ClientGivenName, d.ClientPrenom),
		ClientEmail:     models.NormalizeAddress(str(f.ClientEmail, d.ClientEmail)),
		LoanType:        strings.ToLower(str(f.LoanType, f.TypePret, d.LoanType, d.TypePret)),
		AttachmentCount: nonNegative(toFloat(firstNonNil(f.AttachmentCount, f.NombrePieces, d.AttachmentCount, d.NombrePieces))),
		PiecesToAdd:     cleanList(f.PiecesToAdd, f.PiecesAAjouter, f.PiecesMention, d.PiecesToAdd, d.PiecesAAjouter, d.PiecesMention),
		PiecesToRemove:  cleanList(f.PiecesToRemove, f.PiecesARetirer, d.PiecesToRemove, d.PiecesARetirer),
		Status:          strings.ToLower(str(f.Status, d.Status)),
	}

	summary := strings.TrimSpace(raw.Summary)
	if summary == "" {
		summary = strings.TrimSpace(raw.Resume)
	}
	if r := []rune(summary); len(r) > 200 {
		summary = string(r[:200])
	}

	return models.ClassificationResult{
		Action:     action,
		Confidence: confidence,
		Fields:     fields,
		Summary:    summary,
	}, nil
}

func firstNonNil(vs ...any) any {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}

// toFloat accepts numbers and numeric strings; anything else is NaN.
func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case json.Number:
		f, err := x.Float64()
		if err == nil {
			return f
		}
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(x, "%")), 64)
		if err == nil {
			if strings.HasSuffix(x, "%") {
				f /= 100
			}
			return f
		}
	}
	return math.NaN()
}

func clamp(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// maxCount caps counts read from model output; no email carries more
// attachments than this.
const maxCount = 1000

func nonNegative(f float64) int {
	switch {
	case math.IsNaN(f) || f < 0:
		return 0
	case f > maxCount:
		return maxCount
	}
	return int(f)
}

func str(vs ...*string) string {
	for _, v := range vs {
		if v != nil {
			if s := strings.TrimSpace(*v); s != "" && !strings.EqualFold(s, "null") {
				return s
			}
		}
	}
	return ""
}

func cleanList(lists ...[]string) []string {
	for _, l := range lists {
		var out []string
		for _, s := range l {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}
