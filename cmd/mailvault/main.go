// The mailvault command maintains a local replica of one or more
// Gmail-compatible mailboxes and answers queries against it.
//
// Usage:
//
//	mailvault [-root DIR] [-T] register <email>
//	mailvault [-root DIR] [-T] sync <email>
//	mailvault [-root DIR] [-label LABEL] [-limit N] list
//	mailvault [-root DIR] [-limit N] search <query>
//	mailvault [-root DIR] [-T] archive|trash|read|unread|star <thread-id>
//	mailvault [-root DIR] rebuild-index
//	mailvault [-root DIR] gc
//
// The bearer token comes from the MAILVAULT_TOKEN environment
// variable; hosts embedding the engine supply their own credential
// source instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"

	"mailvault/internal/config"
	"mailvault/internal/creds"
	"mailvault/internal/engine"
	"mailvault/internal/mail"
	"mailvault/internal/tracehttp"
)

var (
	flagRoot  = flag.String("root", "", "storage root directory (default ~/.mailvault)")
	flagTrace = flag.Bool("T", false, "request debug tracing")
	flagLabel = flag.String("label", "INBOX", "label filter for list")
	flagLimit = flag.Int("limit", 25, "maximum results for list and search")
)

func storageRoot() (string, error) {
	if *flagRoot != "" {
		return *flagRoot, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "cannot locate home directory")
	}
	return filepath.Join(home, ".mailvault"), nil
}

func tokenSource() creds.Source {
	return creds.Static{Tok: creds.Token{
		Bearer:    os.Getenv("MAILVAULT_TOKEN"),
		ExpiresAt: time.Now().Add(time.Hour),
	}}
}

func openEngine(ctx context.Context) (*engine.Engine, error) {
	root, err := storageRoot()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "unable to load configuration")
	}
	opts := engine.Options{
		DBPath:     filepath.Join(root, "mail.db"),
		BlobPath:   filepath.Join(root, "blobs"),
		SearchPath: filepath.Join(root, "search.idx"),
		Config:     cfg,
	}
	if *flagTrace {
		opts.Transport = tracehttp.Wrap(nil)
	}
	return engine.New(ctx, opts)
}

func accountByEmail(ctx context.Context, e *engine.Engine, email string) (mail.Account, error) {
	accounts, err := e.ListAccounts(ctx)
	if err != nil {
		return mail.Account{}, err
	}
	for _, a := range accounts {
		if a.Email == email {
			return a, nil
		}
	}
	return mail.Account{}, errors.Errorf("no account %q; run register first", email)
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New("no command; see -h")
	}
	ctx := context.Background()

	e, err := openEngine(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to initialize engine")
	}
	defer e.Close()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "register":
		if len(rest) != 1 {
			return errors.New("usage: register <email>")
		}
		acct, err := e.RegisterAccount(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Printf("registered %s as account %d\n", acct.Email, acct.ID)
		return nil

	case "sync":
		if len(rest) != 1 {
			return errors.New("usage: sync <email>")
		}
		acct, err := accountByEmail(ctx, e, rest[0])
		if err != nil {
			return err
		}
		progress := func(p mail.Progress) {
			if p.Total > 0 {
				log.Printf("%s: %d/%d", p.Phase, p.Fetched, p.Total)
			} else {
				log.Printf("%s: %d", p.Phase, p.Fetched)
			}
		}
		stats, err := e.SyncAccount(ctx, acct.ID, tokenSource(), progress)
		if err != nil {
			return errors.Wrap(err, "unable to synchronize")
		}
		fmt.Printf("fetched %d, created %d, updated %d, skipped %d, errors %d in %v\n",
			stats.MessagesFetched, stats.MessagesCreated, stats.MessagesUpdated,
			stats.MessagesSkipped, stats.Errors, stats.Duration)
		return nil

	case "list":
		threads, err := e.ListThreads(ctx, *flagLabel, 0, *flagLimit, 0)
		if err != nil {
			return err
		}
		for _, th := range threads {
			marker := " "
			if th.IsUnread {
				marker = "*"
			}
			fmt.Printf("%s %-20s %-30s %s (%d)\n", marker,
				th.LastMessageAt.Format("2006-01-02 15:04"),
				th.SenderEmail, th.Subject, th.MessageCount)
		}
		return nil

	case "search":
		if len(rest) != 1 {
			return errors.New("usage: search <query>")
		}
		results, err := e.Search(ctx, rest[0], *flagLimit, 0)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("%6.2f %-30s %s\n", r.Score, r.Thread.SenderEmail, r.Thread.Subject)
		}
		return nil

	case "archive", "trash", "read", "unread", "star":
		if len(rest) != 1 {
			return errors.New("usage: " + cmd + " <thread-id>")
		}
		threadID := mail.ThreadID(rest[0])
		src := tokenSource()
		switch cmd {
		case "archive":
			return e.ArchiveThread(ctx, threadID, src)
		case "trash":
			return e.TrashThread(ctx, threadID, src)
		case "read":
			return e.SetRead(ctx, threadID, src, true)
		case "unread":
			return e.SetRead(ctx, threadID, src, false)
		case "star":
			starred, err := e.ToggleStar(ctx, threadID, src)
			if err != nil {
				return err
			}
			if starred {
				fmt.Println("starred")
			} else {
				fmt.Println("unstarred")
			}
			return nil
		}
		return nil

	case "rebuild-index":
		count, err := e.RebuildSearchIndex(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("reindexed %d messages\n", count)
		return nil

	case "gc":
		removed, err := e.GCBlobs(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d unreferenced blobs\n", removed)
		return nil
	}
	return errors.Errorf("unknown command %q", cmd)
}

func main() {
	flag.Parse()
	if err := run(flag.Args()); err != nil {
		log.Fatalf("Failed: %v\n", err)
	}
}
