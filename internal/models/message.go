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

// Package models defines the data structures shared across the pipeline.
package models

import (
	"strings"
	"time"
)

// Attachment is one file carried by a message.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int    `json:"size"`
	Data     []byte `json:"data,omitempty"`
}

// Message is an immutable snapshot of one retrieved email.
//
// The JSON form is the job queue payload, so attachments travel with it.
type Message struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"thread_id,omitempty"`
	From        string       `json:"from"`
	FromName    string       `json:"from_name,omitempty"`
	To          []string     `json:"to"`
	Cc          []string     `json:"cc,omitempty"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments"`
	ReceivedAt  time.Time    `json:"received_at"`
}

// AttachmentNames returns the attachment file names in order.
func (m *Message) AttachmentNames() []string {
	names := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		names = append(names, a.Filename)
	}
	return names
}

// IsForward reports whether the subject marks the message as forwarded.
func (m *Message) IsForward() bool {
	s := strings.ToLower(strings.TrimSpace(m.Subject))
	for _, p := range []string{"fwd:", "fw:", "tr:", "trans:"} {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return strings.Contains(m.Body, "---------- Forwarded message")
}

// NormalizeAddress lowercases and trims an email address.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
