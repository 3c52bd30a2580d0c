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

// Package search maintains the inverted index over messages and
// executes operator-aware queries against it.  The index is
// eventually consistent with the relational store: writes queue on a
// single committer and readers trail by at most one commit.
package search

import (
	"os"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/pkg/errors"

	"mailvault/internal/mail"
	"mailvault/internal/mailerr"
)

// Stored and indexed fields.  One document per message.
const (
	fieldThreadID   = "thread_id"
	fieldMessageID  = "message_id"
	fieldAccountID  = "account_id"
	fieldSubject    = "subject"
	fieldBodyText   = "body_text"
	fieldSnippet    = "snippet"
	fieldFromName   = "from_name"
	fieldFromEmail  = "from_email"
	fieldTo         = "to"
	fieldCc         = "cc"
	fieldLabels     = "labels"
	fieldReceivedAt = "received_at_ms"
	fieldIsUnread   = "is_unread"
	fieldIsStarred  = "is_starred"
	fieldHasAttach  = "has_attachment"
)

// termFields are the fields a free-text term matches against.
var termFields = []string{fieldSubject, fieldBodyText, fieldSnippet, fieldFromName, fieldFromEmail}

func buildMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	text.Store = true
	text.IncludeTermVectors = true

	keyword := bleve.NewKeywordFieldMapping()
	keyword.Store = true

	num := bleve.NewNumericFieldMapping()
	num.Store = true

	boolean := bleve.NewBooleanFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt(fieldThreadID, keyword)
	doc.AddFieldMappingsAt(fieldMessageID, keyword)
	doc.AddFieldMappingsAt(fieldAccountID, num)
	doc.AddFieldMappingsAt(fieldSubject, text)
	doc.AddFieldMappingsAt(fieldBodyText, text)
	doc.AddFieldMappingsAt(fieldSnippet, text)
	doc.AddFieldMappingsAt(fieldFromName, text)
	doc.AddFieldMappingsAt(fieldFromEmail, text)
	doc.AddFieldMappingsAt(fieldTo, text)
	doc.AddFieldMappingsAt(fieldCc, text)
	doc.AddFieldMappingsAt(fieldLabels, keyword)
	doc.AddFieldMappingsAt(fieldReceivedAt, num)
	doc.AddFieldMappingsAt(fieldIsUnread, boolean)
	doc.AddFieldMappingsAt(fieldIsStarred, boolean)
	doc.AddFieldMappingsAt(fieldHasAttach, boolean)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

// Index wraps the on-disk inverted index with a single-committer
// write queue.
type Index struct {
	mu    sync.Mutex
	path  string
	idx   bleve.Index
	batch *bleve.Batch
}

// Open opens the index directory, creating it on first use.
func Open(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, buildMapping())
	}
	if err != nil {
		return nil, mailerr.E(mailerr.Io, "search.Open", err)
	}
	x := &Index{path: path, idx: idx}
	x.batch = idx.NewBatch()
	return x, nil
}

func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.idx.Close()
}

func document(m *mail.Message, bodyText string) map[string]interface{} {
	var toAddrs, ccAddrs []string
	for _, a := range m.To {
		toAddrs = append(toAddrs, a.Display())
	}
	for _, a := range m.Cc {
		ccAddrs = append(ccAddrs, a.Display())
	}
	return map[string]interface{}{
		fieldThreadID:   string(m.ThreadID),
		fieldMessageID:  string(m.ID),
		fieldAccountID:  float64(m.AccountID),
		fieldSubject:    m.Subject,
		fieldBodyText:   bodyText,
		fieldSnippet:    m.BodyPreview,
		fieldFromName:   m.From.Name,
		fieldFromEmail:  m.From.Email,
		fieldTo:         toAddrs,
		fieldCc:         ccAddrs,
		fieldLabels:     m.Labels,
		fieldReceivedAt: float64(m.ReceivedAt.UnixMilli()),
		fieldIsUnread:   m.HasLabel(mail.LabelUnread),
		fieldIsStarred:  m.HasLabel(mail.LabelStarred),
		fieldHasAttach:  m.HasAttach,
	}
}

// Add queues an upsert of the message's document.  The write becomes
// visible at the next Commit.
func (x *Index) Add(m *mail.Message, bodyText string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.batch.Index(string(m.ID), document(m, bodyText)); err != nil {
		return mailerr.E(mailerr.Io, "search.Add", err)
	}
	return nil
}

// Remove queues deletion of one message document.
func (x *Index) Remove(id mail.MessageID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.batch.Delete(string(id))
}

// RemoveThread queues deletion of every document in the thread.
func (x *Index) RemoveThread(threadID mail.ThreadID) error {
	tq := query.NewTermQuery(string(threadID))
	tq.SetField(fieldThreadID)
	req := bleve.NewSearchRequestOptions(tq, 10000, 0, false)

	x.mu.Lock()
	defer x.mu.Unlock()
	res, err := x.idx.Search(req)
	if err != nil {
		return mailerr.E(mailerr.Io, "search.RemoveThread", err)
	}
	for _, hit := range res.Hits {
		x.batch.Delete(hit.ID)
	}
	return nil
}

// Commit flushes queued writes.  Called once per ingest batch.
func (x *Index) Commit() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.batch.Size() == 0 {
		return nil
	}
	if err := x.idx.Batch(x.batch); err != nil {
		return mailerr.E(mailerr.Io, "search.Commit", err)
	}
	x.batch = x.idx.NewBatch()
	return nil
}

// DocCount returns the number of committed documents.
func (x *Index) DocCount() (uint64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	n, err := x.idx.DocCount()
	if err != nil {
		return 0, mailerr.E(mailerr.Io, "search.DocCount", err)
	}
	return n, nil
}

// HighlightSpan is a character range over a stored field's text.
type HighlightSpan struct {
	Field string
	Term  string
	Start int
	End   int
}

// Result is one search hit, grouped by thread with the best-scoring
// message kept.
type Result struct {
	ThreadID   mail.ThreadID
	MessageID  mail.MessageID
	Score      float64
	Highlights []HighlightSpan
}

// Search executes a parsed query: operator filters become
// must-clauses, free terms match across the text fields, and hits are
// grouped by thread keeping the best score per thread.  accountID
// zero searches all accounts.
func (x *Index) Search(q *Query, limit int, accountID int64) ([]Result, error) {
	if limit <= 0 {
		return nil, nil
	}
	bq := x.buildQuery(q, accountID)

	// Fetch extra hits so thread grouping can still fill the limit.
	req := bleve.NewSearchRequestOptions(bq, limit*3, 0, false)
	req.Fields = []string{fieldThreadID, fieldReceivedAt}
	req.IncludeLocations = true
	req.SortBy([]string{"-_score", "-" + fieldReceivedAt})

	x.mu.Lock()
	idx := x.idx
	x.mu.Unlock()
	res, err := idx.Search(req)
	if err != nil {
		return nil, mailerr.E(mailerr.Io, "search.Search", err)
	}

	seen := make(map[string]bool)
	var out []Result
	for _, hit := range res.Hits {
		threadID, _ := hit.Fields[fieldThreadID].(string)
		if threadID == "" || seen[threadID] {
			continue
		}
		seen[threadID] = true

		r := Result{
			ThreadID:  mail.ThreadID(threadID),
			MessageID: mail.MessageID(hit.ID),
			Score:     hit.Score,
		}
		for field, terms := range hit.Locations {
			for term, locs := range terms {
				for _, loc := range locs {
					r.Highlights = append(r.Highlights, HighlightSpan{
						Field: field,
						Term:  term,
						Start: int(loc.Start),
						End:   int(loc.End),
					})
				}
			}
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (x *Index) buildQuery(q *Query, accountID int64) query.Query {
	var must []query.Query

	if accountID != 0 {
		val := float64(accountID)
		inclusive := true
		nq := query.NewNumericRangeInclusiveQuery(&val, &val, &inclusive, &inclusive)
		nq.SetField(fieldAccountID)
		must = append(must, nq)
	}

	// Each free term must match at least one text field.
	for _, term := range q.Terms {
		var perField []query.Query
		for _, field := range termFields {
			mq := query.NewMatchQuery(term)
			mq.SetField(field)
			perField = append(perField, mq)
		}
		must = append(must, query.NewDisjunctionQuery(perField))
	}

	for _, from := range q.From {
		name := query.NewMatchQuery(from)
		name.SetField(fieldFromName)
		email := query.NewMatchQuery(from)
		email.SetField(fieldFromEmail)
		must = append(must, query.NewDisjunctionQuery([]query.Query{name, email}))
	}
	for _, to := range q.To {
		mq := query.NewMatchQuery(to)
		mq.SetField(fieldTo)
		must = append(must, mq)
	}
	for _, subject := range q.Subject {
		mq := query.NewMatchQuery(subject)
		mq.SetField(fieldSubject)
		must = append(must, mq)
	}

	if q.InLabel != "" {
		tq := query.NewTermQuery(q.InLabel)
		tq.SetField(fieldLabels)
		must = append(must, tq)
	}
	if q.IsUnread != nil {
		bf := query.NewBoolFieldQuery(*q.IsUnread)
		bf.SetField(fieldIsUnread)
		must = append(must, bf)
	}
	if q.IsStarred != nil {
		bf := query.NewBoolFieldQuery(*q.IsStarred)
		bf.SetField(fieldIsStarred)
		must = append(must, bf)
	}
	if q.HasAttachment != nil {
		bf := query.NewBoolFieldQuery(*q.HasAttachment)
		bf.SetField(fieldHasAttach)
		must = append(must, bf)
	}
	if q.Before != nil {
		max := float64(q.Before.UnixMilli())
		inclusive := false
		nq := query.NewNumericRangeInclusiveQuery(nil, &max, nil, &inclusive)
		nq.SetField(fieldReceivedAt)
		must = append(must, nq)
	}
	if q.After != nil {
		min := float64(q.After.UnixMilli())
		inclusive := true
		nq := query.NewNumericRangeInclusiveQuery(&min, nil, &inclusive, nil)
		nq.SetField(fieldReceivedAt)
		must = append(must, nq)
	}

	if len(must) == 0 {
		return bleve.NewMatchAllQuery()
	}
	return query.NewConjunctionQuery(must)
}

// Rebuild reindexes every message from scratch and atomically swaps
// the new index in place of the old.  forEach drives the iteration,
// emitting each message with its plain text body.  Returns the number
// of documents indexed.
func (x *Index) Rebuild(forEach func(emit func(*mail.Message, string) error) error) (int, error) {
	tmpPath := x.path + ".rebuild"
	if err := os.RemoveAll(tmpPath); err != nil {
		return 0, mailerr.E(mailerr.Io, "search.Rebuild", err)
	}
	fresh, err := bleve.New(tmpPath, buildMapping())
	if err != nil {
		return 0, mailerr.E(mailerr.Io, "search.Rebuild", err)
	}

	count := 0
	batch := fresh.NewBatch()
	flush := func() error {
		if batch.Size() == 0 {
			return nil
		}
		if err := fresh.Batch(batch); err != nil {
			return err
		}
		batch = fresh.NewBatch()
		return nil
	}
	err = forEach(func(m *mail.Message, bodyText string) error {
		if err := batch.Index(string(m.ID), document(m, bodyText)); err != nil {
			return err
		}
		count++
		if batch.Size() >= 100 {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		fresh.Close()
		os.RemoveAll(tmpPath)
		return 0, mailerr.E(mailerr.Io, "search.Rebuild", errors.Wrap(err, "reindexing"))
	}
	if err := fresh.Close(); err != nil {
		os.RemoveAll(tmpPath)
		return 0, mailerr.E(mailerr.Io, "search.Rebuild", err)
	}

	// Swap under the writer lock so no commit straddles the switch.
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.idx.Close(); err != nil {
		return 0, mailerr.E(mailerr.Io, "search.Rebuild", err)
	}
	if err := os.RemoveAll(x.path); err != nil {
		return 0, mailerr.E(mailerr.Io, "search.Rebuild", err)
	}
	if err := os.Rename(tmpPath, x.path); err != nil {
		return 0, mailerr.E(mailerr.Io, "search.Rebuild", err)
	}
	reopened, err := bleve.Open(x.path)
	if err != nil {
		return 0, mailerr.E(mailerr.Io, "search.Rebuild", err)
	}
	x.idx = reopened
	x.batch = reopened.NewBatch()
	return count, nil
}
