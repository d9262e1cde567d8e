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

import "strings"

// ActionType is the closed set of intents the pipeline routes on.
type ActionType string

const (
	ActionNewCase         ActionType = "NEW_CASE"
	ActionSendDocuments   ActionType = "SEND_DOCUMENTS"
	ActionUpdateChecklist ActionType = "UPDATE_CHECKLIST"
	ActionOther           ActionType = "OTHER"
)

// legacyActions maps the labels the first generation of prompts produced.
var legacyActions = map[string]ActionType{
	"NOUVEAU_DOSSIER": ActionNewCase,
	"ENVOI_DOCUMENTS": ActionSendDocuments,
	"MODIFIER_LISTE":  ActionUpdateChecklist,
	"QUESTION":        ActionOther,
	"CONTEXTE":        ActionOther,
}

// ParseActionType coerces untrusted classifier output into an ActionType.
// ok is false when the value was outside the enum; the result is then OTHER.
func ParseActionType(raw string) (ActionType, bool) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	switch ActionType(v) {
	case ActionNewCase, ActionSendDocuments, ActionUpdateChecklist, ActionOther:
		return ActionType(v), true
	}
	if a, ok := legacyActions[v]; ok {
		return a, true
	}
	return ActionOther, false
}

// NeedsClient reports whether the action operates on an existing client.
func (a ActionType) NeedsClient() bool {
	return a == ActionSendDocuments || a == ActionUpdateChecklist
}

// Fields is the validated field bag extracted by the classifier.
type Fields struct {
	ClientSurname   string   `json:"client_surname,omitempty"`
	ClientGivenName string   `json:"client_given_name,omitempty"`
	ClientEmail     string   `json:"client_email,omitempty"`
	LoanType        string   `json:"loan_type,omitempty"`
	AttachmentCount int      `json:"attachment_count,omitempty"`
	PiecesToAdd     []string `json:"pieces_to_add,omitempty"`
	PiecesToRemove  []string `json:"pieces_to_remove,omitempty"`
	Status          string   `json:"status,omitempty"`
}

// HasName reports whether a client surname was extracted.
func (f Fields) HasName() bool {
	return strings.TrimSpace(f.ClientSurname) != ""
}

// ClassificationResult is produced once per message and never mutated.
type ClassificationResult struct {
	Action     ActionType `json:"action"`
	Confidence float64    `json:"confidence"`
	Fields     Fields     `json:"fields"`
	Summary    string     `json:"summary"`

	// Degraded is set when the classifier gave up (timeout, retries
	// exhausted, unusable output) and fell back to OTHER.
	Degraded bool   `json:"degraded,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// DegradedResult is the fallback used whenever classification fails.
func DegradedResult(reason string) ClassificationResult {
	return ClassificationResult{
		Action:     ActionOther,
		Confidence: 0,
		Degraded:   true,
		Reason:     reason,
	}
}
