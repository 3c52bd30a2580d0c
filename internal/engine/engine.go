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

// Package engine is the host-facing facade.  It owns the relational
// store, the blob store and the search index under one root, and
// serializes mutating operations per account while reads run
// concurrently.
package engine

import (
	"context"
	"net"
	"net/http"
	stdsync "sync"

	"mailvault/internal/actions"
	"mailvault/internal/blob"
	"mailvault/internal/config"
	"mailvault/internal/creds"
	"mailvault/internal/gmail"
	"mailvault/internal/mail"
	"mailvault/internal/search"
	"mailvault/internal/store"
	syncengine "mailvault/internal/sync"
)

// RemoteFactory builds a remote adapter for one account's call chain.
// Tests substitute in-memory fakes here.
type RemoteFactory func(ctx context.Context, src creds.Source, accountID int64) (syncengine.Remote, error)

// Options configures a facade instance.
type Options struct {
	DBPath     string
	BlobPath   string
	SearchPath string
	// Config holds the engine tuning knobs; zero value means
	// defaults.
	Config config.Options
	// Remote overrides the default Gmail adapter factory.
	Remote RemoteFactory
	// Transport is handed to the default adapter; nil means
	// http.DefaultTransport.
	Transport http.RoundTripper
	// Clock overrides the system clock.
	Clock syncengine.Clock
}

// Engine is the facade handle.  One per storage root.
type Engine struct {
	db      *store.DB
	blobs   *blob.Store
	index   *search.Index
	syncer  *syncengine.Engine
	actions *actions.Handler
	opts    config.Options
	clock   syncengine.Clock
	remote  RemoteFactory

	mu           stdsync.Mutex
	accountLocks map[int64]*stdsync.Mutex
}

// New opens (creating as needed) the stores under the given paths.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg.IngestBatchSize == 0 {
		cfg = config.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = syncengine.SystemClock{}
	}

	db, err := store.Open(ctx, opts.DBPath)
	if err != nil {
		return nil, err
	}
	blobs, err := blob.Open(opts.BlobPath)
	if err != nil {
		db.Close()
		return nil, err
	}
	index, err := search.Open(opts.SearchPath)
	if err != nil {
		db.Close()
		return nil, err
	}

	e := &Engine{
		db:           db,
		blobs:        blobs,
		index:        index,
		opts:         cfg,
		clock:        clock,
		accountLocks: make(map[int64]*stdsync.Mutex),
	}
	e.syncer = syncengine.New(db, blobs, index, cfg, clock)
	e.actions = actions.New(db, index, blobs)
	e.remote = opts.Remote
	if e.remote == nil {
		transport := opts.Transport
		if transport == nil {
			transport = &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: cfg.ConnectTimeout,
				}).DialContext,
				TLSHandshakeTimeout: cfg.ConnectTimeout,
			}
		}
		e.remote = func(ctx context.Context, src creds.Source, accountID int64) (syncengine.Remote, error) {
			return gmail.New(ctx, src, accountID, gmail.Options{
				RequestTimeout: cfg.RequestTimeout,
				Base:           transport,
			})
		}
	}
	return e, nil
}

// Close releases the stores.
func (e *Engine) Close() error {
	err := e.index.Close()
	if derr := e.db.Close(); err == nil {
		err = derr
	}
	return err
}

// lockAccount serializes mutations per account.  Two concurrent
// mutations on one account run one after the other; different
// accounts proceed in parallel.
func (e *Engine) lockAccount(accountID int64) func() {
	e.mu.Lock()
	l, ok := e.accountLocks[accountID]
	if !ok {
		l = &stdsync.Mutex{}
		e.accountLocks[accountID] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// RegisterAccount adds a mailbox by address.  The email must not be
// registered already.
func (e *Engine) RegisterAccount(ctx context.Context, email string) (mail.Account, error) {
	return e.db.RegisterAccount(ctx, email, "", e.clock.Now())
}

// ListAccounts returns every registered account.
func (e *Engine) ListAccounts(ctx context.Context) ([]mail.Account, error) {
	return e.db.ListAccounts(ctx)
}

// ListThreads lists thread summaries newest first.  An empty label
// means all threads; accountID zero means all accounts.
func (e *Engine) ListThreads(ctx context.Context, label string, accountID int64, limit, offset int) ([]mail.Thread, error) {
	if label != "" {
		label = mail.CanonicalLabel(label)
	}
	return e.db.ListThreads(ctx, label, accountID, limit, offset)
}

// GetThreadDetail returns a thread with its messages, oldest first.
func (e *Engine) GetThreadDetail(ctx context.Context, threadID mail.ThreadID) (*mail.ThreadDetail, error) {
	return e.db.ThreadDetail(ctx, threadID)
}

// MessageBody returns a stored body variant by blob reference.
func (e *Engine) MessageBody(ctx context.Context, ref string) ([]byte, error) {
	return e.blobs.Get(ref)
}

// CountThreads counts threads under the optional label and account
// filters.  Exact, not cached.
func (e *Engine) CountThreads(ctx context.Context, label string, accountID int64) (int, error) {
	if label != "" {
		label = mail.CanonicalLabel(label)
	}
	return e.db.CountThreads(ctx, label, accountID)
}

// CountUnread counts threads with unread messages under the label.
func (e *Engine) CountUnread(ctx context.Context, label string, accountID int64) (int, error) {
	return e.db.CountUnread(ctx, mail.CanonicalLabel(label), accountID)
}

// SearchResult is one search hit hydrated with its thread summary.
type SearchResult struct {
	Thread     mail.Thread
	MessageID  mail.MessageID
	Score      float64
	Highlights []search.HighlightSpan
}

// Search parses and executes a query, returning thread-grouped hits
// ranked by relevance.  accountID zero searches all accounts.
func (e *Engine) Search(ctx context.Context, input string, limit int, accountID int64) ([]SearchResult, error) {
	q, err := search.Parse(input)
	if err != nil {
		return nil, err
	}
	hits, err := e.index.Search(q, limit, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		thread, err := e.db.GetThread(ctx, hit.ThreadID)
		if err != nil {
			// The index may trail the store by one commit; skip
			// hits whose thread is gone.
			continue
		}
		out = append(out, SearchResult{
			Thread:     thread,
			MessageID:  hit.MessageID,
			Score:      hit.Score,
			Highlights: hit.Highlights,
		})
	}
	return out, nil
}

// SyncAccount synchronizes one account with the server.  Blocking;
// hosts dispatch it to a background thread.
func (e *Engine) SyncAccount(ctx context.Context, accountID int64, src creds.Source, progress mail.ProgressFunc) (*mail.SyncStats, error) {
	unlock := e.lockAccount(accountID)
	defer unlock()

	remote, err := e.remote(ctx, src, accountID)
	if err != nil {
		return nil, err
	}
	return e.syncer.Sync(ctx, remote, accountID, progress)
}

// ProcessPendingBatch ingests up to size queued messages, for hosts
// that overlap fetch and ingest themselves.
func (e *Engine) ProcessPendingBatch(ctx context.Context, accountID int64, src creds.Source, size int) (mail.BatchResult, error) {
	unlock := e.lockAccount(accountID)
	defer unlock()

	remote, err := e.remote(ctx, src, accountID)
	if err != nil {
		return mail.BatchResult{}, err
	}
	if size <= 0 {
		size = e.opts.IngestBatchSize
	}
	return e.syncer.ProcessPendingBatch(ctx, remote, accountID, size)
}

// GetSyncState returns the account's sync state, nil when unknown.
func (e *Engine) GetSyncState(ctx context.Context, accountID int64) (*mail.SyncState, error) {
	return e.db.GetSyncState(ctx, accountID)
}

// withRemote runs a thread mutation under the owning account's lock.
func (e *Engine) withRemote(ctx context.Context, threadID mail.ThreadID, src creds.Source,
	fn func(remote syncengine.Remote) error) error {
	thread, err := e.db.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	unlock := e.lockAccount(thread.AccountID)
	defer unlock()

	remote, err := e.remote(ctx, src, thread.AccountID)
	if err != nil {
		return err
	}
	return fn(remote)
}

// ArchiveThread removes the thread from the inbox.
func (e *Engine) ArchiveThread(ctx context.Context, threadID mail.ThreadID, src creds.Source) error {
	return e.withRemote(ctx, threadID, src, func(remote syncengine.Remote) error {
		return e.actions.Archive(ctx, remote, threadID)
	})
}

// TrashThread moves the thread to the trash.
func (e *Engine) TrashThread(ctx context.Context, threadID mail.ThreadID, src creds.Source) error {
	return e.withRemote(ctx, threadID, src, func(remote syncengine.Remote) error {
		return e.actions.Trash(ctx, remote, threadID)
	})
}

// SetRead marks the thread read or unread.
func (e *Engine) SetRead(ctx context.Context, threadID mail.ThreadID, src creds.Source, read bool) error {
	return e.withRemote(ctx, threadID, src, func(remote syncengine.Remote) error {
		return e.actions.SetRead(ctx, remote, threadID, read)
	})
}

// ToggleStar flips the thread's starred state, returning the new one.
func (e *Engine) ToggleStar(ctx context.Context, threadID mail.ThreadID, src creds.Source) (bool, error) {
	var starred bool
	err := e.withRemote(ctx, threadID, src, func(remote syncengine.Remote) error {
		var err error
		starred, err = e.actions.ToggleStar(ctx, remote, threadID)
		return err
	})
	return starred, err
}

// ApplyLabels applies an arbitrary label delta to the thread.
func (e *Engine) ApplyLabels(ctx context.Context, threadID mail.ThreadID, src creds.Source, add, remove []string) error {
	return e.withRemote(ctx, threadID, src, func(remote syncengine.Remote) error {
		return e.actions.ApplyLabels(ctx, remote, threadID, add, remove)
	})
}

// RebuildSearchIndex reindexes every stored message and swaps the new
// index in, returning the document count.
func (e *Engine) RebuildSearchIndex(ctx context.Context) (int, error) {
	return e.index.Rebuild(func(emit func(*mail.Message, string) error) error {
		return e.db.ForEachMessage(ctx, func(m *mail.Message) error {
			var bodyText string
			if m.BodyTextRef != "" {
				if data, err := e.blobs.Get(m.BodyTextRef); err == nil {
					bodyText = string(data)
				}
			}
			return emit(m, bodyText)
		})
	})
}

// GCBlobs deletes blobs no message references, returning the number
// removed.
func (e *Engine) GCBlobs(ctx context.Context) (int, error) {
	live, err := e.db.LiveBlobHashes(ctx)
	if err != nil {
		return 0, err
	}
	return e.blobs.GC(live)
}

// FullResync drops the account's local mail data and runs a fresh
// snapshot.  The search index is rebuilt so stale documents go too.
func (e *Engine) FullResync(ctx context.Context, accountID int64, src creds.Source, progress mail.ProgressFunc) (*mail.SyncStats, error) {
	unlock := e.lockAccount(accountID)

	err := e.db.Update(ctx, func(tx *store.Tx) error {
		if err := tx.ClearMailData(ctx, accountID); err != nil {
			return err
		}
		return tx.ResetCursor(ctx, accountID)
	})
	if err != nil {
		unlock()
		return nil, err
	}
	if _, err := e.RebuildSearchIndex(ctx); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	return e.SyncAccount(ctx, accountID, src, progress)
}
