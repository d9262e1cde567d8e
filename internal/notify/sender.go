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

package notify

import (
	"context"
	"encoding/base64"
	"log/slog"
	"mime"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/leonie/brokerflow/internal/failure"
)

// GmailSender sends through the Gmail API as the authorized mailbox.
type GmailSender struct {
	svc *gmail.Service
}

// NewGmailSender wraps an authorized Gmail service.
func NewGmailSender(svc *gmail.Service) *GmailSender {
	return &GmailSender{svc: svc}
}

// Send implements Sender.
func (s *GmailSender) Send(ctx context.Context, e Email) error {
	msg := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString([]byte(buildRawMessage(e, time.Now()))),
	}
	if _, err := s.svc.Users.Messages.Send("me", msg).Context(ctx).Do(); err != nil {
		return failure.New(failure.TransientExternal, "gmail.send", err)
	}
	return nil
}

// buildRawMessage renders e as an RFC 822 message with a UTF-8 text body.
func buildRawMessage(e Email, now time.Time) string {
	var sb strings.Builder
	if e.From != "" {
		sb.WriteString("From: " + e.From + "\r\n")
	}
	sb.WriteString("To: " + e.To + "\r\n")
	sb.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", e.Subject) + "\r\n")
	sb.WriteString("Date: " + now.Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(strings.ReplaceAll(strings.ReplaceAll(e.Body, "\r\n", "\n"), "\n", "\r\n"))
	return sb.String()
}

// LogSender only logs. Used for dry runs.
type LogSender struct{}

// Send implements Sender.
func (LogSender) Send(_ context.Context, e Email) error {
	slog.Info("notification (dry run)",
		"kind", e.Kind,
		"to", e.To,
		"subject", e.Subject,
		"body_bytes", len(e.Body),
	)
	return nil
}

var (
	_ Sender = (*GmailSender)(nil)
	_ Sender = LogSender{}
)

