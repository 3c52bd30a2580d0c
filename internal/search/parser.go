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

package search

import (
	"strings"
	"time"

	"mailvault/internal/mail"
	"mailvault/internal/mailerr"
)

// Query is a parsed search input: free-text terms plus structured
// operator filters.
type Query struct {
	// Free-text search terms.
	Terms []string
	// from:/to:/subject: filter values; repeated operators all apply.
	From    []string
	To      []string
	Subject []string
	// in: label filter, canonicalized to the system label ID.
	InLabel string
	// is:unread / is:read / is:starred.
	IsUnread  *bool
	IsStarred *bool
	// has:attachment.
	HasAttachment *bool
	// before:/after: date filters, midnight UTC.
	Before *time.Time
	After  *time.Time
}

// IsEmpty reports whether the query carries no terms and no filters.
func (q *Query) IsEmpty() bool {
	return len(q.Terms) == 0 &&
		len(q.From) == 0 &&
		len(q.To) == 0 &&
		len(q.Subject) == 0 &&
		q.InLabel == "" &&
		q.IsUnread == nil &&
		q.IsStarred == nil &&
		q.HasAttachment == nil &&
		q.Before == nil &&
		q.After == nil
}

var operatorNames = map[string]bool{
	"from": true, "to": true, "subject": true, "in": true,
	"is": true, "has": true, "before": true, "after": true,
}

// Parse parses a search input.
//
// Operators: from:, to:, subject:, in:<label>, is:unread|read|starred,
// has:attachment, before:YYYY/MM/DD, after:YYYY-MM-DD.  Unquoted
// operator values end at whitespace; quoted values allow embedded
// spaces.  Unknown operators are literal terms.  A malformed date
// value is a QueryParse error.
func Parse(input string) (*Query, error) {
	q := &Query{}
	chars := []rune(input)
	i := 0
	for i < len(chars) {
		for i < len(chars) && isSpace(chars[i]) {
			i++
		}
		if i >= len(chars) {
			break
		}

		rest := string(chars[i:])
		if key, value, consumed, ok := parseOperator(rest); ok {
			if err := q.apply(key, value); err != nil {
				return nil, err
			}
			i += consumed
			continue
		}
		word, consumed := parseWord(rest)
		if word != "" {
			q.Terms = append(q.Terms, word)
		}
		i += consumed
	}
	return q, nil
}

func (q *Query) apply(key, value string) error {
	boolPtr := func(b bool) *bool { return &b }
	switch strings.ToLower(key) {
	case "from":
		q.From = append(q.From, value)
	case "to":
		q.To = append(q.To, value)
	case "subject":
		q.Subject = append(q.Subject, value)
	case "in":
		q.InLabel = mail.CanonicalLabel(value)
	case "is":
		switch strings.ToLower(value) {
		case "unread":
			q.IsUnread = boolPtr(true)
		case "read":
			q.IsUnread = boolPtr(false)
		case "starred":
			q.IsStarred = boolPtr(true)
		}
	case "has":
		if strings.EqualFold(value, "attachment") {
			q.HasAttachment = boolPtr(true)
		}
	case "before":
		date, err := parseDate(value)
		if err != nil {
			return err
		}
		q.Before = &date
	case "after":
		date, err := parseDate(value)
		if err != nil {
			return err
		}
		q.After = &date
	}
	return nil
}

// parseOperator recognizes "key:value" and "key:\"quoted value\"".
// Returns ok=false when the prefix is not a known operator or the
// value is empty, in which case the caller treats it as a word.
func parseOperator(input string) (key, value string, consumed int, ok bool) {
	colon := strings.IndexByte(input, ':')
	if colon < 0 {
		return "", "", 0, false
	}
	key = input[:colon]
	if !operatorNames[strings.ToLower(key)] {
		return "", "", 0, false
	}
	if strings.ContainsAny(key, " \t\n") {
		return "", "", 0, false
	}
	value, valueLen := parseValue(input[colon+1:])
	if value == "" {
		return "", "", 0, false
	}
	return key, value, colon + 1 + valueLen, true
}

// parseValue reads a quoted or whitespace-delimited value, returning
// it and the number of runes consumed.
func parseValue(input string) (string, int) {
	chars := []rune(input)
	if len(chars) == 0 {
		return "", 0
	}
	if chars[0] == '"' {
		var sb strings.Builder
		i := 1
		for i < len(chars) && chars[i] != '"' {
			sb.WriteRune(chars[i])
			i++
		}
		if i < len(chars) {
			i++ // closing quote
		}
		return sb.String(), i
	}
	var sb strings.Builder
	i := 0
	for i < len(chars) && !isSpace(chars[i]) {
		sb.WriteRune(chars[i])
		i++
	}
	return sb.String(), i
}

// parseWord reads a bare word or a quoted phrase.
func parseWord(input string) (string, int) {
	return parseValue(input)
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// parseDate accepts YYYY/MM/DD and YYYY-MM-DD, midnight UTC.
func parseDate(value string) (time.Time, error) {
	for _, layout := range []string{"2006/01/02", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, mailerr.Errorf(mailerr.QueryParse, "search.Parse",
		"bad date %q, want YYYY/MM/DD or YYYY-MM-DD", value)
}
