package search

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"mailvault/internal/mailerr"
)

func mustParse(t *testing.T, input string) *Query {
	t.Helper()
	q, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse(%q): %v", input, err)
	}
	return q
}

func TestParseSimpleQuery(t *testing.T) {
	q := mustParse(t, "hello world")
	if diff := cmp.Diff([]string{"hello", "world"}, q.Terms); diff != "" {
		t.Errorf("Terms mismatch (-want +got):\n%s", diff)
	}
	if len(q.From) != 0 {
		t.Errorf("From = %v, want empty", q.From)
	}
}

func TestParseQuotedPhrase(t *testing.T) {
	q := mustParse(t, `"hello world"`)
	if diff := cmp.Diff([]string{"hello world"}, q.Terms); diff != "" {
		t.Errorf("Terms mismatch (-want +got):\n%s", diff)
	}
}

func TestParseOperators(t *testing.T) {
	q := mustParse(t, "from:alice to:bob subject:meeting")
	if diff := cmp.Diff([]string{"alice"}, q.From); diff != "" {
		t.Errorf("From (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"bob"}, q.To); diff != "" {
		t.Errorf("To (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"meeting"}, q.Subject); diff != "" {
		t.Errorf("Subject (-want +got):\n%s", diff)
	}
}

func TestParseQuotedOperatorValue(t *testing.T) {
	q := mustParse(t, `from:"John Doe"`)
	if diff := cmp.Diff([]string{"John Doe"}, q.From); diff != "" {
		t.Errorf("From (-want +got):\n%s", diff)
	}
}

func TestParseRepeatedOperators(t *testing.T) {
	q := mustParse(t, "from:alice from:bob")
	if diff := cmp.Diff([]string{"alice", "bob"}, q.From); diff != "" {
		t.Errorf("From (-want +got):\n%s", diff)
	}
}

func TestParseIsOperators(t *testing.T) {
	q := mustParse(t, "is:unread important")
	if q.IsUnread == nil || !*q.IsUnread {
		t.Errorf("IsUnread = %v, want true", q.IsUnread)
	}
	if diff := cmp.Diff([]string{"important"}, q.Terms); diff != "" {
		t.Errorf("Terms (-want +got):\n%s", diff)
	}

	q = mustParse(t, "is:read")
	if q.IsUnread == nil || *q.IsUnread {
		t.Errorf("is:read gave IsUnread = %v, want false", q.IsUnread)
	}

	q = mustParse(t, "is:starred")
	if q.IsStarred == nil || !*q.IsStarred {
		t.Errorf("IsStarred = %v, want true", q.IsStarred)
	}
}

func TestParseHasAttachment(t *testing.T) {
	q := mustParse(t, "has:attachment")
	if q.HasAttachment == nil || !*q.HasAttachment {
		t.Errorf("HasAttachment = %v, want true", q.HasAttachment)
	}
}

func TestParseInLabelCanonicalizes(t *testing.T) {
	q := mustParse(t, "in:inbox")
	if q.InLabel != "INBOX" {
		t.Errorf("InLabel = %q, want INBOX", q.InLabel)
	}
	q = mustParse(t, "in:Drafts")
	if q.InLabel != "DRAFT" {
		t.Errorf("InLabel = %q, want DRAFT", q.InLabel)
	}
	q = mustParse(t, "in:Label_42")
	if q.InLabel != "Label_42" {
		t.Errorf("InLabel = %q, custom labels must pass through", q.InLabel)
	}
}

func TestParseDates(t *testing.T) {
	q := mustParse(t, "after:2024/01/01 before:2024-12-31")
	wantAfter := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	wantBefore := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	if q.After == nil || !q.After.Equal(wantAfter) {
		t.Errorf("After = %v, want %v", q.After, wantAfter)
	}
	if q.Before == nil || !q.Before.Equal(wantBefore) {
		t.Errorf("Before = %v, want %v", q.Before, wantBefore)
	}
}

func TestParseBadDate(t *testing.T) {
	_, err := Parse("before:notadate")
	if !mailerr.Is(err, mailerr.QueryParse) {
		t.Errorf("kind = %v, want QueryParse", mailerr.KindOf(err))
	}
}

func TestParseUnknownOperatorIsLiteral(t *testing.T) {
	q := mustParse(t, "foo:bar")
	if diff := cmp.Diff([]string{"foo:bar"}, q.Terms); diff != "" {
		t.Errorf("Terms (-want +got):\n%s", diff)
	}
}

func TestParseEmptyOperatorValue(t *testing.T) {
	q := mustParse(t, "from: hello")
	if len(q.From) != 0 {
		t.Errorf("From = %v, want empty", q.From)
	}
	if diff := cmp.Diff([]string{"from:", "hello"}, q.Terms); diff != "" {
		t.Errorf("Terms (-want +got):\n%s", diff)
	}
}

func TestParseMixed(t *testing.T) {
	q := mustParse(t, "from:alice is:unread important meeting")
	if diff := cmp.Diff([]string{"alice"}, q.From); diff != "" {
		t.Errorf("From (-want +got):\n%s", diff)
	}
	if q.IsUnread == nil || !*q.IsUnread {
		t.Errorf("IsUnread = %v, want true", q.IsUnread)
	}
	if diff := cmp.Diff([]string{"important", "meeting"}, q.Terms); diff != "" {
		t.Errorf("Terms (-want +got):\n%s", diff)
	}
}

func TestParseEmpty(t *testing.T) {
	for _, input := range []string{"", "   "} {
		q := mustParse(t, input)
		if !q.IsEmpty() {
			t.Errorf("Parse(%q).IsEmpty() = false, want true", input)
		}
	}
}
