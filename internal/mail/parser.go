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
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"google.golang.org/api/gmail/v1"

	"github.com/leonie/brokerflow/internal/models"
)

// attachmentLoader downloads an attachment body that Gmail did not inline.
type attachmentLoader func(attachmentID string) ([]byte, error)

// parseMessage converts a Gmail API message (format=full) into a Message.
// Attachment bodies that are not inline are fetched through load.
func parseMessage(msg *gmail.Message, load attachmentLoader) (*models.Message, error) {
	if msg.Payload == nil {
		return nil, fmt.Errorf("message %s has no payload", msg.Id)
	}

	headers := headerMap(msg.Payload.Headers)

	out := &models.Message{
		ID:          msg.Id,
		ThreadID:    msg.ThreadId,
		Subject:     strings.TrimSpace(headers["subject"]),
		To:          parseAddressList(headers["to"]),
		Cc:          parseAddressList(headers["cc"]),
		Attachments: []models.Attachment{},
	}

	if from, err := mail.ParseAddress(headers["from"]); err == nil {
		out.From = models.NormalizeAddress(from.Address)
		out.FromName = from.Name
	} else {
		out.From = models.NormalizeAddress(headers["from"])
	}

	if msg.InternalDate > 0 {
		out.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	} else {
		out.ReceivedAt = time.Now().UTC()
	}

	plain, html := collectBodies(msg.Payload)
	switch {
	case strings.TrimSpace(plain) != "":
		out.Body = plain
	case html != "":
		out.Body = htmlToText(html)
	}

	parts := attachmentParts(msg.Payload)
	for _, part := range parts {
		data, err := partData(part, load)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: %w", part.Filename, err)
		}
		out.Attachments = append(out.Attachments, models.Attachment{
			Filename: part.Filename,
			MimeType: strings.ToLower(part.MimeType),
			Size:     len(data),
			Data:     data,
		})
	}

	return out, nil
}

// headerMap lowercases header names; Gmail preserves the sender's casing.
func headerMap(headers []*gmail.MessagePartHeader) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		key := strings.ToLower(h.Name)
		if _, ok := m[key]; !ok {
			m[key] = h.Value
		}
	}
	return m
}

func parseAddressList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	list, err := mail.ParseAddressList(v)
	if err != nil {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = models.NormalizeAddress(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, models.NormalizeAddress(a.Address))
	}
	return out
}

// collectBodies returns the first text/plain and text/html bodies found in
// a depth-first walk, skipping parts that are attachments.
func collectBodies(part *gmail.MessagePart) (plain, html string) {
	var walk func(p *gmail.MessagePart)
	walk = func(p *gmail.MessagePart) {
		if p == nil || p.Filename != "" {
			return
		}
		if p.Body != nil && p.Body.Data != "" {
			switch {
			case strings.HasPrefix(p.MimeType, "text/plain") && plain == "":
				if b, err := decodeBase64URL(p.Body.Data); err == nil {
					plain = string(b)
				}
			case strings.HasPrefix(p.MimeType, "text/html") && html == "":
				if b, err := decodeBase64URL(p.Body.Data); err == nil {
					html = string(b)
				}
			}
		}
		for _, child := range p.Parts {
			walk(child)
		}
	}
	walk(part)
	return plain, html
}

func attachmentParts(part *gmail.MessagePart) []*gmail.MessagePart {
	var out []*gmail.MessagePart
	var walk func(p *gmail.MessagePart)
	walk = func(p *gmail.MessagePart) {
		if p == nil {
			return
		}
		if p.Filename != "" {
			out = append(out, p)
		}
		for _, child := range p.Parts {
			walk(child)
		}
	}
	walk(part)
	return out
}

func partData(part *gmail.MessagePart, load attachmentLoader) ([]byte, error) {
	if part.Body == nil {
		return nil, nil
	}
	if part.Body.Data != "" {
		return decodeBase64URL(part.Body.Data)
	}
	if part.Body.AttachmentId == "" {
		return nil, nil
	}
	if load == nil {
		return nil, fmt.Errorf("no loader for attachment %s", part.Body.AttachmentId)
	}
	return load(part.Body.AttachmentId)
}

// htmlToText strips markup, scripts and styles and collapses blank lines.
func htmlToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script, style, head").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, tr, li").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	lines := strings.Split(doc.Text(), "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

// decodeBase64URL decodes Gmail's base64url content, padded or not.
func decodeBase64URL(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}
