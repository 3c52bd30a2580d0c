// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gmail

import (
	"encoding/base64"
	"strings"
	"time"

	gmail_api "google.golang.org/api/gmail/v1"

	"mailvault/internal/mail"
	"mailvault/internal/mailerr"
)

const previewLimit = 200

// Normalize converts a remote message into the domain model.  Parsing
// is defensive throughout: missing headers become zero values and
// unparsable bodies degrade to the preview text.
func Normalize(msg *gmail_api.Message) (*mail.FullMessage, error) {
	if msg == nil || msg.Id == "" {
		return nil, mailerr.Errorf(mailerr.Parse, "gmail.Normalize", "message without an id")
	}

	m := mail.Message{
		ID:           mail.MessageID(msg.Id),
		ThreadID:     mail.ThreadID(msg.ThreadId),
		InternalDate: msg.InternalDate,
		Labels:       msg.LabelIds,
		HistoryID:    msg.HistoryId,
	}
	if msg.InternalDate > 0 {
		m.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}

	full := &mail.FullMessage{}
	if msg.Payload != nil {
		if from := header(msg.Payload, "From"); from != "" {
			m.From = mail.ParseAddress(from)
		}
		m.To = mail.ParseAddressList(header(msg.Payload, "To"))
		m.Cc = mail.ParseAddressList(header(msg.Payload, "Cc"))
		m.Subject = header(msg.Payload, "Subject")

		full.BodyText = findPartBody(msg.Payload, "text/plain")
		full.BodyHTML = findPartBody(msg.Payload, "text/html")
		m.HasAttach = hasAttachment(msg.Payload)
	}

	m.BodyPreview = decodeEntities(msg.Snippet)
	if m.BodyPreview == "" && len(full.BodyText) > 0 {
		m.BodyPreview = preview(string(full.BodyText))
	}

	full.Message = m
	return full, nil
}

func header(p *gmail_api.MessagePart, name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// findPartBody returns the decoded body of the first part matching
// mimeType, walking the part tree depth first.  A single-part message
// is its own root part.
func findPartBody(p *gmail_api.MessagePart, mimeType string) []byte {
	if strings.HasPrefix(p.MimeType, mimeType) && p.Body != nil && p.Body.Data != "" {
		if data := decodeBody(p.Body.Data); data != nil {
			return data
		}
	}
	for _, part := range p.Parts {
		if data := findPartBody(part, mimeType); data != nil {
			return data
		}
	}
	return nil
}

// decodeBody decodes the provider's base64url body encoding, which
// arrives both with and without padding.
func decodeBody(data string) []byte {
	if out, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return out
	}
	if out, err := base64.URLEncoding.DecodeString(data); err == nil {
		return out
	}
	return nil
}

func hasAttachment(p *gmail_api.MessagePart) bool {
	for _, part := range p.Parts {
		if part.Filename != "" {
			return true
		}
		if hasAttachment(part) {
			return true
		}
	}
	return false
}

var entityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&nbsp;", " ",
)

// decodeEntities undoes the HTML entity escaping the provider applies
// to snippets.
func decodeEntities(s string) string {
	return entityReplacer.Replace(s)
}

func preview(body string) string {
	body = strings.TrimSpace(body)
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[:i]
	}
	if len(body) > previewLimit {
		body = body[:previewLimit]
	}
	return strings.TrimSpace(body)
}
