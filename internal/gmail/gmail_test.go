package gmail

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"

	"mailvault/internal/creds"
	"mailvault/internal/mailerr"
)

func testService(src creds.Source) *Service {
	return &Service{
		tokens: &refreshingSource{ctx: context.Background(), src: src, accountID: 1},
		sleep:  func(ctx context.Context, d time.Duration) error { return nil },
	}
}

func apiError(code int, header http.Header) error {
	return &googleapi.Error{Code: code, Header: header}
}

func TestDoRetriesServerErrors(t *testing.T) {
	s := testService(creds.Static{})
	calls := 0
	err := s.do(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return apiError(503, nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	s := testService(creds.Static{})
	calls := 0
	err := s.do(context.Background(), "op", func() error {
		calls++
		return apiError(500, nil)
	})
	if !mailerr.Is(err, mailerr.Network) {
		t.Errorf("kind = %v, want Network", mailerr.KindOf(err))
	}
	if calls != maxAttempts {
		t.Errorf("calls = %d, want %d", calls, maxAttempts)
	}
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	s := testService(creds.Static{})
	calls := 0
	err := s.do(context.Background(), "op", func() error {
		calls++
		return apiError(400, nil)
	})
	if err == nil {
		t.Fatal("do succeeded, want error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", calls)
	}
}

func TestDoRefreshesOnceOn401(t *testing.T) {
	s := testService(creds.Static{})
	calls := 0
	err := s.do(context.Background(), "op", func() error {
		calls++
		if calls == 1 {
			return apiError(401, nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	s.tokens.mu.Lock()
	force := s.tokens.force
	s.tokens.mu.Unlock()
	if !force {
		t.Error("401 did not mark the token source for refresh")
	}
}

func TestDoSecond401IsAuthError(t *testing.T) {
	s := testService(creds.Static{})
	err := s.do(context.Background(), "op", func() error {
		return apiError(401, nil)
	})
	if !mailerr.Is(err, mailerr.Auth) {
		t.Errorf("kind = %v, want Auth", mailerr.KindOf(err))
	}
}

func TestDoHonorsRetryAfter(t *testing.T) {
	s := testService(creds.Static{})
	var slept []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	calls := 0
	h := http.Header{"Retry-After": []string{"7"}}
	err := s.do(context.Background(), "op", func() error {
		calls++
		if calls == 1 {
			return apiError(429, h)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if len(slept) != 1 || slept[0] < 7*time.Second {
		t.Errorf("slept %v, want at least the advertised 7s", slept)
	}
}

func TestDoRetriesTransportErrors(t *testing.T) {
	s := testService(creds.Static{})
	calls := 0
	err := s.do(context.Background(), "op", func() error {
		calls++
		if calls == 1 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDoCancellation(t *testing.T) {
	s := testService(creds.Static{})
	ctx, cancel := context.WithCancel(context.Background())
	err := s.do(ctx, "op", func() error {
		cancel()
		return apiError(500, nil)
	})
	if !mailerr.Is(err, mailerr.Cancelled) {
		t.Errorf("kind = %v, want Cancelled", mailerr.KindOf(err))
	}
}
