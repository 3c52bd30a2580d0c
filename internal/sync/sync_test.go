package sync

import (
	"context"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mailvault/internal/blob"
	"mailvault/internal/config"
	"mailvault/internal/mail"
	"mailvault/internal/mailerr"
	"mailvault/internal/search"
	"mailvault/internal/store"
)

// fakeRemote is an in-memory Remote.  Pages are keyed by page token;
// the empty token is the first page.
type fakeRemote struct {
	mu stdsync.Mutex

	profile      mail.Profile
	listPages    map[string]*mail.MessagePage
	historyPages map[string]*mail.HistoryPage
	messages     map[mail.MessageID]*mail.FullMessage

	historyExpired bool
	getErr         map[mail.MessageID]error

	modifyCalls int
	modifyErr   error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		listPages:    make(map[string]*mail.MessagePage),
		historyPages: make(map[string]*mail.HistoryPage),
		messages:     make(map[mail.MessageID]*mail.FullMessage),
		getErr:       make(map[mail.MessageID]error),
	}
}

func (f *fakeRemote) ListMessageIDs(ctx context.Context, pageToken string) (*mail.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.listPages[pageToken]
	if !ok {
		return &mail.MessagePage{}, nil
	}
	return page, nil
}

func (f *fakeRemote) ListHistory(ctx context.Context, cursor uint64, pageToken string) (*mail.HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyExpired {
		return nil, mailerr.Errorf(mailerr.HistoryExpired, "fake.ListHistory", "cursor %d rejected", cursor)
	}
	page, ok := f.historyPages[pageToken]
	if !ok {
		return &mail.HistoryPage{NewCursor: cursor}, nil
	}
	return page, nil
}

func (f *fakeRemote) GetMessageFull(ctx context.Context, id mail.MessageID) (*mail.FullMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.getErr[id]; err != nil {
		return nil, err
	}
	full, ok := f.messages[id]
	if !ok {
		return nil, mailerr.Errorf(mailerr.NotFound, "fake.GetMessageFull", "no message %s", id)
	}
	// Copy so ingest-side mutation does not leak back into the fake.
	clone := *full
	clone.Message = full.Message
	return &clone, nil
}

func (f *fakeRemote) ModifyLabels(ctx context.Context, ids []mail.MessageID, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modifyCalls++
	return f.modifyErr
}

func (f *fakeRemote) Profile(ctx context.Context) (*mail.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.profile
	return &p, nil
}

func (f *fakeRemote) ListLabels(ctx context.Context) ([]mail.Label, error) {
	return nil, nil
}

func fullMsg(id, thread string, received time.Time, labels ...string) *mail.FullMessage {
	return &mail.FullMessage{
		Message: mail.Message{
			ID:          mail.MessageID(id),
			ThreadID:    mail.ThreadID(thread),
			From:        mail.Address{Name: "Alice", Email: "alice@example.com"},
			Subject:     "subject " + id,
			ReceivedAt:  received,
			BodyPreview: "preview " + id,
			Labels:      labels,
		},
		BodyText: []byte("body of " + id),
	}
}

type testEnv struct {
	engine  *Engine
	db      *store.DB
	index   *search.Index
	account mail.Account
	ctx     context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := store.Open(ctx, filepath.Join(dir, "mail.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	blobs, err := blob.Open(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("blob.Open: %v", err)
	}
	index, err := search.Open(filepath.Join(dir, "search.idx"))
	if err != nil {
		t.Fatalf("search.Open: %v", err)
	}
	t.Cleanup(func() { index.Close() })

	opts := config.Default()
	opts.SyncCooldown = 0
	opts.ProgressInterval = time.Nanosecond

	acct, err := db.RegisterAccount(ctx, "a@example.com", "", time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("RegisterAccount: %v", err)
	}

	return &testEnv{
		engine:  New(db, blobs, index, opts, nil),
		db:      db,
		index:   index,
		account: acct,
		ctx:     ctx,
	}
}

// initialRemote builds the two-page snapshot of the end-to-end
// scenario: m1,m2 then m3; m1 and m3 share thread t1.
func initialRemote() *fakeRemote {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	f := newFakeRemote()
	f.profile = mail.Profile{Email: "a@example.com", HistoryCursor: 100, MessageTotal: 3}
	f.listPages[""] = &mail.MessagePage{IDs: []mail.MessageID{"m1", "m2"}, NextPageToken: "p2"}
	f.listPages["p2"] = &mail.MessagePage{IDs: []mail.MessageID{"m3"}}
	f.messages["m1"] = fullMsg("m1", "t1", t0, "INBOX", "UNREAD")
	f.messages["m2"] = fullMsg("m2", "t2", t0.Add(time.Hour), "INBOX")
	f.messages["m3"] = fullMsg("m3", "t1", t0.Add(2*time.Hour), "INBOX")
	return f
}

func TestInitialSyncFromEmpty(t *testing.T) {
	env := newTestEnv(t)
	remote := initialRemote()

	stats, err := env.engine.Sync(env.ctx, remote, env.account.ID, nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.MessagesFetched != 3 {
		t.Errorf("MessagesFetched = %d, want 3", stats.MessagesFetched)
	}
	if stats.MessagesCreated != 3 {
		t.Errorf("MessagesCreated = %d, want 3", stats.MessagesCreated)
	}

	if n, _ := env.db.CountThreads(env.ctx, "", 0); n != 2 {
		t.Errorf("threads = %d, want 2", n)
	}
	t1, err := env.db.GetThread(env.ctx, "t1")
	if err != nil {
		t.Fatalf("GetThread(t1): %v", err)
	}
	if t1.MessageCount != 2 {
		t.Errorf("t1.MessageCount = %d, want 2", t1.MessageCount)
	}
	wantLast := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if !t1.LastMessageAt.Equal(wantLast) {
		t.Errorf("t1.LastMessageAt = %v, want %v", t1.LastMessageAt, wantLast)
	}

	state, err := env.db.GetSyncState(env.ctx, env.account.ID)
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if state.HistoryCursor != 100 {
		t.Errorf("HistoryCursor = %d, want 100", state.HistoryCursor)
	}
	if !state.InitialSyncComplete {
		t.Error("InitialSyncComplete = false, want true")
	}
	if n, _ := env.db.CountPending(env.ctx, env.account.ID); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if n, _ := env.index.DocCount(); n != 3 {
		t.Errorf("index docs = %d, want 3", n)
	}
}

func TestIncrementalAdd(t *testing.T) {
	env := newTestEnv(t)
	remote := initialRemote()
	if _, err := env.engine.Sync(env.ctx, remote, env.account.ID, nil); err != nil {
		t.Fatalf("initial Sync: %v", err)
	}

	remote.mu.Lock()
	remote.messages["m4"] = fullMsg("m4", "t3", time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC), "INBOX", "UNREAD")
	remote.historyPages[""] = &mail.HistoryPage{
		Events:    []mail.HistoryEvent{{Kind: mail.HistoryMessageAdded, MessageID: "m4", ThreadID: "t3"}},
		NewCursor: 101,
	}
	remote.mu.Unlock()

	stats, err := env.engine.Sync(env.ctx, remote, env.account.ID, nil)
	if err != nil {
		t.Fatalf("incremental Sync: %v", err)
	}
	if !stats.WasIncremental {
		t.Error("WasIncremental = false, want true")
	}
	if n, _ := env.db.CountThreads(env.ctx, "", 0); n != 3 {
		t.Errorf("threads = %d, want 3", n)
	}
	var msgCount int
	for _, id := range []mail.MessageID{"m1", "m2", "m3", "m4"} {
		if ok, _ := env.db.HasMessage(env.ctx, id); ok {
			msgCount++
		}
	}
	if msgCount != 4 {
		t.Errorf("messages = %d, want 4", msgCount)
	}
	state, _ := env.db.GetSyncState(env.ctx, env.account.ID)
	if state.HistoryCursor != 101 {
		t.Errorf("HistoryCursor = %d, want 101", state.HistoryCursor)
	}
}

func TestHistoryExpiredFallback(t *testing.T) {
	env := newTestEnv(t)
	remote := initialRemote()
	if _, err := env.engine.Sync(env.ctx, remote, env.account.ID, nil); err != nil {
		t.Fatalf("initial Sync: %v", err)
	}

	remote.mu.Lock()
	remote.messages["m4"] = fullMsg("m4", "t3", time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC), "INBOX")
	remote.historyPages[""] = &mail.HistoryPage{
		Events:    []mail.HistoryEvent{{Kind: mail.HistoryMessageAdded, MessageID: "m4", ThreadID: "t3"}},
		NewCursor: 101,
	}
	remote.mu.Unlock()
	if _, err := env.engine.Sync(env.ctx, remote, env.account.ID, nil); err != nil {
		t.Fatalf("incremental Sync: %v", err)
	}

	// Now the server rejects the cursor; the full list has all four
	// messages and a newer cursor.
	remote.mu.Lock()
	remote.historyExpired = true
	remote.profile.HistoryCursor = 150
	remote.listPages[""] = &mail.MessagePage{IDs: []mail.MessageID{"m1", "m2", "m3", "m4"}}
	delete(remote.listPages, "p2")
	remote.mu.Unlock()

	if _, err := env.engine.Sync(env.ctx, remote, env.account.ID, nil); err != nil {
		t.Fatalf("fallback Sync: %v", err)
	}

	if n, _ := env.db.CountThreads(env.ctx, "", 0); n != 3 {
		t.Errorf("threads = %d, want 3 (no duplicates)", n)
	}
	t1, _ := env.db.GetThread(env.ctx, "t1")
	if t1.MessageCount != 2 {
		t.Errorf("t1.MessageCount = %d, want 2 (no duplicates)", t1.MessageCount)
	}
	state, _ := env.db.GetSyncState(env.ctx, env.account.ID)
	if state.HistoryCursor != 150 {
		t.Errorf("HistoryCursor = %d, want 150", state.HistoryCursor)
	}
	if !state.InitialSyncComplete {
		t.Error("InitialSyncComplete = false, want true")
	}
}

func TestHistoryLabelChangeAndDelete(t *testing.T) {
	env := newTestEnv(t)
	remote := initialRemote()
	if _, err := env.engine.Sync(env.ctx, remote, env.account.ID, nil); err != nil {
		t.Fatalf("initial Sync: %v", err)
	}

	remote.mu.Lock()
	remote.historyPages[""] = &mail.HistoryPage{
		Events: []mail.HistoryEvent{
			{Kind: mail.HistoryLabelsChanged, MessageID: "m1", LabelsRemoved: []string{"UNREAD"}},
			{Kind: mail.HistoryMessageDeleted, MessageID: "m2", ThreadID: "t2"},
		},
		NewCursor: 102,
	}
	remote.mu.Unlock()

	stats, err := env.engine.Sync(env.ctx, remote, env.account.ID, nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.LabelsUpdated != 1 {
		t.Errorf("LabelsUpdated = %d, want 1", stats.LabelsUpdated)
	}

	t1, _ := env.db.GetThread(env.ctx, "t1")
	if t1.IsUnread {
		t.Error("t1 still unread after UNREAD removal")
	}
	if _, err := env.db.GetThread(env.ctx, "t2"); !mailerr.Is(err, mailerr.NotFound) {
		t.Errorf("t2 should be destroyed with its last message, got %v", err)
	}
}

func TestCancellationResumes(t *testing.T) {
	env := newTestEnv(t)
	remote := initialRemote()

	// Cancel as soon as the first fetch lands: ingest stops between
	// batches and the pending queue survives.
	ctx, cancel := context.WithCancel(env.ctx)
	remote.mu.Lock()
	remote.getErr["m1"] = mailerr.E(mailerr.Cancelled, "fake", context.Canceled)
	remote.mu.Unlock()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := env.engine.Sync(ctx, remote, env.account.ID, nil)
	if !mailerr.Is(err, mailerr.Cancelled) {
		t.Fatalf("cancelled sync: kind = %v, want Cancelled", mailerr.KindOf(err))
	}

	// Next run resumes and completes; no duplicates, nothing lost.
	remote.mu.Lock()
	delete(remote.getErr, "m1")
	remote.mu.Unlock()
	if _, err := env.engine.Sync(env.ctx, remote, env.account.ID, nil); err != nil {
		t.Fatalf("resumed Sync: %v", err)
	}

	if n, _ := env.db.CountPending(env.ctx, env.account.ID); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if n, _ := env.db.CountThreads(env.ctx, "", 0); n != 2 {
		t.Errorf("threads = %d, want 2", n)
	}
	t1, _ := env.db.GetThread(env.ctx, "t1")
	if t1.MessageCount != 2 {
		t.Errorf("t1.MessageCount = %d, want 2", t1.MessageCount)
	}
}

func TestPermanentlyFailingEntryGoesTerminal(t *testing.T) {
	env := newTestEnv(t)
	remote := initialRemote()
	remote.mu.Lock()
	remote.getErr["m2"] = mailerr.Errorf(mailerr.Parse, "fake", "unreadable payload")
	remote.mu.Unlock()

	stats, err := env.engine.Sync(env.ctx, remote, env.account.ID, nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.Errors == 0 {
		t.Error("Errors = 0, want failures counted")
	}
	if stats.MessagesCreated != 2 {
		t.Errorf("MessagesCreated = %d, want 2 (m1 and m3)", stats.MessagesCreated)
	}
	// The failed entry is terminal, not live.
	if n, _ := env.db.CountPending(env.ctx, env.account.ID); n != 0 {
		t.Errorf("live pending = %d, want 0", n)
	}
	state, _ := env.db.GetSyncState(env.ctx, env.account.ID)
	if !state.InitialSyncComplete {
		t.Error("sync should complete despite the bad row")
	}
}

func TestCooldownRejectsEarlySync(t *testing.T) {
	env := newTestEnv(t)
	env.engine.opts.SyncCooldown = time.Hour
	remote := initialRemote()

	if _, err := env.engine.Sync(env.ctx, remote, env.account.ID, nil); err != nil {
		t.Fatalf("initial Sync: %v", err)
	}
	_, err := env.engine.Sync(env.ctx, remote, env.account.ID, nil)
	if !mailerr.Is(err, mailerr.RateLimited) {
		t.Errorf("kind = %v, want RateLimited during cooldown", mailerr.KindOf(err))
	}
}

func TestProgressEmission(t *testing.T) {
	env := newTestEnv(t)
	remote := initialRemote()

	var mu stdsync.Mutex
	phases := make(map[string]int)
	progress := func(p mail.Progress) {
		mu.Lock()
		phases[p.Phase]++
		mu.Unlock()
	}
	if _, err := env.engine.Sync(env.ctx, remote, env.account.ID, progress); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if phases[phaseSnapshotFetch] == 0 {
		t.Error("no snapshot-fetch progress events")
	}
	if phases[phaseIngest] == 0 {
		t.Error("no ingest progress events")
	}
}

func TestCooldownElapsed(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cases := []struct {
		name string
		last time.Time
		want bool
	}{
		{"never synced", time.Time{}, true},
		{"just synced", now.Add(-10 * time.Second), false},
		{"boundary", now.Add(-30 * time.Second), true},
		{"old", now.Add(-24 * time.Hour), true},
	}
	for _, tc := range cases {
		if got := CooldownElapsed(now, tc.last, 30*time.Second); got != tc.want {
			t.Errorf("%s: CooldownElapsed = %v, want %v", tc.name, got, tc.want)
		}
	}
}
